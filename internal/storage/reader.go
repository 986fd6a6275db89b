package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"lsifd/internal/errors"
)

// OpenConnection opens an existing dump database read-only. The returned
// handle is typically owned by the connection cache.
func OpenConnection(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open dump database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set pragma: %w", err)
	}
	return conn, nil
}

// Reader answers queries against one dump database. It does not own the
// connection; the caller (usually a cache pin) controls its lifetime.
type Reader struct {
	conn *sql.DB
}

// NewReader wraps an open dump database connection.
func NewReader(conn *sql.DB) *Reader {
	return &Reader{conn: conn}
}

// ReadMeta returns the database's meta row.
func (r *Reader) ReadMeta(ctx context.Context) (MetaData, error) {
	var meta MetaData
	err := r.conn.QueryRowContext(ctx,
		"SELECT lsifVersion, encodingVersion, numResultChunks FROM meta WHERE id = 1",
	).Scan(&meta.LSIFVersion, &meta.EncodingVersion, &meta.NumResultChunks)
	if err != nil {
		return MetaData{}, fmt.Errorf("failed to read meta: %w", err)
	}
	if meta.EncodingVersion > CurrentEncodingVersion {
		return MetaData{}, errors.Newf(errors.Fatal, "unsupported encoding version %d", meta.EncodingVersion)
	}
	return meta, nil
}

// ReadDocument returns the decoded document blob for a path. The boolean is
// false when the dump contains no such document.
func (r *Reader) ReadDocument(ctx context.Context, path string) (DocumentData, bool, error) {
	var data []byte
	err := r.conn.QueryRowContext(ctx, "SELECT data FROM documents WHERE path = ?", path).Scan(&data)
	if err == sql.ErrNoRows {
		return DocumentData{}, false, nil
	}
	if err != nil {
		return DocumentData{}, false, fmt.Errorf("failed to read document: %w", err)
	}
	doc, err := DecodeDocument(data)
	if err != nil {
		return DocumentData{}, false, err
	}
	return doc, true, nil
}

// ReadResultChunk returns the decoded result chunk with the given index.
func (r *Reader) ReadResultChunk(ctx context.Context, idx int) (ResultChunkData, bool, error) {
	var data []byte
	err := r.conn.QueryRowContext(ctx, "SELECT data FROM resultChunks WHERE id = ?", idx).Scan(&data)
	if err == sql.ErrNoRows {
		return ResultChunkData{}, false, nil
	}
	if err != nil {
		return ResultChunkData{}, false, fmt.Errorf("failed to read result chunk: %w", err)
	}
	chunk, err := DecodeResultChunk(data)
	if err != nil {
		return ResultChunkData{}, false, err
	}
	return chunk, true, nil
}

// ReadDefinitions returns the definition rows for a moniker.
func (r *Reader) ReadDefinitions(ctx context.Context, scheme, identifier string) ([]MonikerLocation, error) {
	return r.readMonikerLocations(ctx, "definitions", scheme, identifier)
}

// ReadReferences returns the reference rows for a moniker.
func (r *Reader) ReadReferences(ctx context.Context, scheme, identifier string) ([]MonikerLocation, error) {
	return r.readMonikerLocations(ctx, `"references"`, scheme, identifier)
}

func (r *Reader) readMonikerLocations(ctx context.Context, table, scheme, identifier string) ([]MonikerLocation, error) {
	stmt := fmt.Sprintf(
		"SELECT scheme, identifier, documentPath, startLine, startCharacter, endLine, endCharacter FROM %s WHERE scheme = ? AND identifier = ? ORDER BY documentPath, startLine, startCharacter",
		table,
	)
	rows, err := r.conn.QueryContext(ctx, stmt, scheme, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var locations []MonikerLocation
	for rows.Next() {
		var l MonikerLocation
		if err := rows.Scan(&l.Scheme, &l.Identifier, &l.Path, &l.StartLine, &l.StartCharacter, &l.EndLine, &l.EndCharacter); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		locations = append(locations, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return locations, nil
}
