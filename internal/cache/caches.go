package cache

import (
	"database/sql"

	"lsifd/internal/metrics"
	"lsifd/internal/storage"
)

// ConnectionCache caches open read-only dump database handles keyed by
// filename. Disposal closes the handle.
type ConnectionCache struct {
	cache *Cache
}

// NewConnectionCache creates a connection cache holding up to capacity
// handles.
func NewConnectionCache(capacity int, m *metrics.Metrics) *ConnectionCache {
	return &ConnectionCache{cache: New(Params{
		Name:     "connections",
		Capacity: capacity,
		OnDispose: func(value interface{}) error {
			return value.(*sql.DB).Close()
		},
		OnHit:  func() { m.CacheHitsTotal.WithLabelValues("connections").Inc() },
		OnMiss: func() { m.CacheMissesTotal.WithLabelValues("connections").Inc() },
	})}
}

// WithConnection opens (or reuses) the dump database at filename, pins it
// for the duration of f, and releases it on return.
func (c *ConnectionCache) WithConnection(filename string, f func(conn *sql.DB) error) error {
	v, release, err := c.cache.GetOrSet(filename, func() (interface{}, error) {
		return storage.OpenConnection(filename)
	})
	if err != nil {
		return err
	}
	defer release()
	return f(v.(*sql.DB))
}

// DocumentKey identifies one document blob of one dump.
type DocumentKey struct {
	DumpID int64
	Path   string
}

// DocumentCache caches decoded document blobs.
type DocumentCache struct {
	cache *Cache
}

// NewDocumentCache creates a document cache holding up to capacity decoded
// documents.
func NewDocumentCache(capacity int, m *metrics.Metrics) *DocumentCache {
	return &DocumentCache{cache: New(Params{
		Name:     "documents",
		Capacity: capacity,
		OnHit:    func() { m.CacheHitsTotal.WithLabelValues("documents").Inc() },
		OnMiss:   func() { m.CacheMissesTotal.WithLabelValues("documents").Inc() },
	})}
}

// WithDocument fetches the document for key, populating the cache via
// factory on a miss, and pins it for the duration of f.
func (c *DocumentCache) WithDocument(key DocumentKey, factory func() (storage.DocumentData, error), f func(doc storage.DocumentData) error) error {
	v, release, err := c.cache.GetOrSet(key, func() (interface{}, error) {
		return factory()
	})
	if err != nil {
		return err
	}
	defer release()
	return f(v.(storage.DocumentData))
}

// ResultChunkKey identifies one result chunk of one dump.
type ResultChunkKey struct {
	DumpID int64
	Index  int
}

// ResultChunkCache caches decoded result chunk blobs.
type ResultChunkCache struct {
	cache *Cache
}

// NewResultChunkCache creates a result chunk cache holding up to capacity
// decoded chunks.
func NewResultChunkCache(capacity int, m *metrics.Metrics) *ResultChunkCache {
	return &ResultChunkCache{cache: New(Params{
		Name:     "resultChunks",
		Capacity: capacity,
		OnHit:    func() { m.CacheHitsTotal.WithLabelValues("resultChunks").Inc() },
		OnMiss:   func() { m.CacheMissesTotal.WithLabelValues("resultChunks").Inc() },
	})}
}

// WithResultChunk fetches the result chunk for key, populating the cache via
// factory on a miss, and pins it for the duration of f.
func (c *ResultChunkCache) WithResultChunk(key ResultChunkKey, factory func() (storage.ResultChunkData, error), f func(chunk storage.ResultChunkData) error) error {
	v, release, err := c.cache.GetOrSet(key, func() (interface{}, error) {
		return factory()
	})
	if err != nil {
		return err
	}
	defer release()
	return f(v.(storage.ResultChunkData))
}
