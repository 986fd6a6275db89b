// Package database answers code-intelligence queries against one dump
// database through the shared cache tier.
package database

import (
	"context"
	"database/sql"
	"sort"

	"lsifd/internal/cache"
	"lsifd/internal/errors"
	"lsifd/internal/logging"
	"lsifd/internal/storage"
)

// Location is a resolved position within this dump, relative to the dump
// root.
type Location struct {
	DumpID         int64  `json:"dumpId"`
	Path           string `json:"path"`
	StartLine      int    `json:"startLine"`
	StartCharacter int    `json:"startCharacter"`
	EndLine        int    `json:"endLine"`
	EndCharacter   int    `json:"endCharacter"`
}

// Hover is a hover result with the range it was attached to.
type Hover struct {
	Text  string   `json:"text"`
	Range Location `json:"range"`
}

// Caches bundles the three shared caches a Database reads through.
type Caches struct {
	Connections  *cache.ConnectionCache
	Documents    *cache.DocumentCache
	ResultChunks *cache.ResultChunkCache
}

// Database resolves queries for one dump. Opening reads the meta row once;
// all later operations pin a single connection and fan document and chunk
// reads out under it.
type Database struct {
	logger          *logging.Logger
	caches          Caches
	dumpID          int64
	filename        string
	numResultChunks int
}

// Open prepares a Database for the dump stored at filename.
func Open(ctx context.Context, logger *logging.Logger, caches Caches, dumpID int64, filename string) (*Database, error) {
	var meta storage.MetaData
	err := caches.Connections.WithConnection(filename, func(conn *sql.DB) error {
		var err error
		meta, err = storage.NewReader(conn).ReadMeta(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if meta.NumResultChunks < 1 {
		return nil, errors.Newf(errors.Fatal, "dump %d has invalid numResultChunks %d", dumpID, meta.NumResultChunks)
	}

	return &Database{
		logger:          logger,
		caches:          caches,
		dumpID:          dumpID,
		filename:        filename,
		numResultChunks: meta.NumResultChunks,
	}, nil
}

// DumpID returns the dump this database reads.
func (db *Database) DumpID() int64 {
	return db.dumpID
}

// Exists reports whether the dump contains a document at path.
func (db *Database) Exists(ctx context.Context, path string) (bool, error) {
	exists := false
	err := db.caches.Connections.WithConnection(db.filename, func(conn *sql.DB) error {
		return db.withDocument(ctx, conn, path, func(storage.DocumentData) error {
			exists = true
			return nil
		})
	})
	if err == errSkipDocument {
		return false, nil
	}
	return exists, err
}

// Definitions returns the definition locations for the innermost range
// containing the position that carries a definition result.
func (db *Database) Definitions(ctx context.Context, path string, line, character int) ([]Location, error) {
	var locations []Location
	err := db.caches.Connections.WithConnection(db.filename, func(conn *sql.DB) error {
		return db.withDocument(ctx, conn, path, func(doc storage.DocumentData) error {
			for _, rng := range rangesContaining(doc, line, character) {
				if rng.DefinitionResultID == 0 {
					continue
				}
				var err error
				locations, err = db.resolveResult(ctx, conn, rng.DefinitionResultID)
				return err
			}
			return nil
		})
	})
	if err == errSkipDocument {
		return nil, nil
	}
	return locations, err
}

// References returns the locations of the local reference result for the
// innermost range containing the position that carries a reference result.
// Cross-dump references are the
// caller's concern.
func (db *Database) References(ctx context.Context, path string, line, character int) ([]Location, error) {
	var locations []Location
	err := db.caches.Connections.WithConnection(db.filename, func(conn *sql.DB) error {
		return db.withDocument(ctx, conn, path, func(doc storage.DocumentData) error {
			for _, rng := range rangesContaining(doc, line, character) {
				if rng.ReferenceResultID == 0 {
					continue
				}
				var err error
				locations, err = db.resolveResult(ctx, conn, rng.ReferenceResultID)
				return err
			}
			return nil
		})
	})
	if err == errSkipDocument {
		return nil, nil
	}
	return locations, err
}

// Hover returns the hover text attached to the innermost range containing
// the position that carries a hover. The boolean is false when no range
// carries a hover.
func (db *Database) Hover(ctx context.Context, path string, line, character int) (Hover, bool, error) {
	var hover Hover
	found := false
	err := db.caches.Connections.WithConnection(db.filename, func(conn *sql.DB) error {
		return db.withDocument(ctx, conn, path, func(doc storage.DocumentData) error {
			for _, rng := range rangesContaining(doc, line, character) {
				if rng.HoverResultID == 0 {
					continue
				}
				hover = Hover{
					Text:  doc.HoverResults[rng.HoverResultID],
					Range: db.location(path, rng),
				}
				found = true
				return nil
			}
			return nil
		})
	})
	if err == errSkipDocument {
		return Hover{}, false, nil
	}
	return hover, found, err
}

// Moniker is a moniker attached to a range, in scope for cross-dump
// resolution.
type Moniker struct {
	Kind               string
	Scheme             string
	Identifier         string
	PackageInformation *storage.PackageInformationData
}

// MonikersAtPosition returns the monikers attached to the innermost range
// containing the position, innermost first.
func (db *Database) MonikersAtPosition(ctx context.Context, path string, line, character int) ([]Moniker, error) {
	var monikers []Moniker
	err := db.caches.Connections.WithConnection(db.filename, func(conn *sql.DB) error {
		return db.withDocument(ctx, conn, path, func(doc storage.DocumentData) error {
			for _, rng := range rangesContaining(doc, line, character) {
				for _, monikerID := range rng.MonikerIDs {
					data, ok := doc.Monikers[monikerID]
					if !ok {
						continue
					}
					m := Moniker{Kind: data.Kind, Scheme: data.Scheme, Identifier: data.Identifier}
					if data.PackageInformationID != 0 {
						if info, ok := doc.PackageInformation[data.PackageInformationID]; ok {
							m.PackageInformation = &info
						}
					}
					monikers = append(monikers, m)
				}
				if len(monikers) > 0 {
					return nil
				}
			}
			return nil
		})
	})
	if err == errSkipDocument {
		return nil, nil
	}
	return monikers, err
}

// MonikerResults reads the definitions or references table rows for a
// moniker and converts them to locations.
func (db *Database) MonikerResults(ctx context.Context, table Table, scheme, identifier string) ([]Location, error) {
	var locations []Location
	err := db.caches.Connections.WithConnection(db.filename, func(conn *sql.DB) error {
		reader := storage.NewReader(conn)
		var rows []storage.MonikerLocation
		var err error
		if table == TableDefinitions {
			rows, err = reader.ReadDefinitions(ctx, scheme, identifier)
		} else {
			rows, err = reader.ReadReferences(ctx, scheme, identifier)
		}
		if err != nil {
			return err
		}
		for _, row := range rows {
			locations = append(locations, Location{
				DumpID:         db.dumpID,
				Path:           row.Path,
				StartLine:      row.StartLine,
				StartCharacter: row.StartCharacter,
				EndLine:        row.EndLine,
				EndCharacter:   row.EndCharacter,
			})
		}
		return nil
	})
	return locations, err
}

// Table selects the moniker row table to read.
type Table int

const (
	// TableDefinitions reads the definitions table.
	TableDefinitions Table = iota
	// TableReferences reads the references table.
	TableReferences
)

// errSkipDocument short-circuits the pinned-connection callback when the
// requested document does not exist; callers translate it to an empty
// result.
var errSkipDocument = errors.New(errors.NotIndexed, "document not in dump")

// withDocument fetches the document blob through the cache, pinned under
// the current connection, and passes it to f.
func (db *Database) withDocument(ctx context.Context, conn *sql.DB, path string, f func(storage.DocumentData) error) error {
	key := cache.DocumentKey{DumpID: db.dumpID, Path: path}
	factory := func() (storage.DocumentData, error) {
		doc, ok, err := storage.NewReader(conn).ReadDocument(ctx, path)
		if err != nil {
			return storage.DocumentData{}, err
		}
		if !ok {
			return storage.DocumentData{}, errSkipDocument
		}
		return doc, nil
	}
	return db.caches.Documents.WithDocument(key, factory, f)
}

// resolveResult maps a result id to its chunk, then materializes each
// member location by loading its document.
func (db *Database) resolveResult(ctx context.Context, conn *sql.DB, resultID storage.ID) ([]Location, error) {
	idx := storage.ResultChunkIndex(resultID, db.numResultChunks)
	key := cache.ResultChunkKey{DumpID: db.dumpID, Index: idx}
	factory := func() (storage.ResultChunkData, error) {
		chunk, ok, err := storage.NewReader(conn).ReadResultChunk(ctx, idx)
		if err != nil {
			return storage.ResultChunkData{}, err
		}
		if !ok {
			return storage.ResultChunkData{}, errors.Newf(errors.Fatal, "dump %d missing result chunk %d", db.dumpID, idx)
		}
		return chunk, nil
	}

	var locations []Location
	err := db.caches.ResultChunks.WithResultChunk(key, factory, func(chunk storage.ResultChunkData) error {
		// Group members per document so each blob is fetched once.
		byDocument := map[storage.ID][]storage.ID{}
		var order []storage.ID
		for _, pair := range chunk.DocumentIDRangeIDs[resultID] {
			if _, ok := byDocument[pair.DocumentID]; !ok {
				order = append(order, pair.DocumentID)
			}
			byDocument[pair.DocumentID] = append(byDocument[pair.DocumentID], pair.RangeID)
		}

		for _, documentID := range order {
			path, ok := chunk.DocumentPaths[documentID]
			if !ok {
				return errors.Newf(errors.Fatal, "dump %d result chunk %d names unknown document %d", db.dumpID, idx, documentID)
			}
			rangeIDs := byDocument[documentID]
			err := db.withDocument(ctx, conn, path, func(doc storage.DocumentData) error {
				for _, rangeID := range rangeIDs {
					rng, ok := doc.Ranges[rangeID]
					if !ok {
						return errors.Newf(errors.Fatal, "dump %d document %s missing range %d", db.dumpID, path, rangeID)
					}
					locations = append(locations, db.location(path, rng))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(locations, func(i, j int) bool {
		if locations[i].Path != locations[j].Path {
			return locations[i].Path < locations[j].Path
		}
		if locations[i].StartLine != locations[j].StartLine {
			return locations[i].StartLine < locations[j].StartLine
		}
		return locations[i].StartCharacter < locations[j].StartCharacter
	})
	return locations, nil
}

func (db *Database) location(path string, rng storage.RangeData) Location {
	return Location{
		DumpID:         db.dumpID,
		Path:           path,
		StartLine:      rng.StartLine,
		StartCharacter: rng.StartCharacter,
		EndLine:        rng.EndLine,
		EndCharacter:   rng.EndCharacter,
	}
}

// rangesContaining returns the ranges of doc containing the position,
// innermost first: smallest area wins, ties break by earliest start.
func rangesContaining(doc storage.DocumentData, line, character int) []storage.RangeData {
	var candidates []storage.RangeData
	for _, rng := range doc.Ranges {
		if containsPosition(rng, line, character) {
			candidates = append(candidates, rng)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := rangeArea(candidates[i]), rangeArea(candidates[j])
		if ai != aj {
			return ai < aj
		}
		if candidates[i].StartLine != candidates[j].StartLine {
			return candidates[i].StartLine < candidates[j].StartLine
		}
		return candidates[i].StartCharacter < candidates[j].StartCharacter
	})
	return candidates
}

// containsPosition uses a half-open end character.
func containsPosition(rng storage.RangeData, line, character int) bool {
	if line < rng.StartLine || line > rng.EndLine {
		return false
	}
	if line == rng.StartLine && character < rng.StartCharacter {
		return false
	}
	if line == rng.EndLine && character >= rng.EndCharacter {
		return false
	}
	return true
}

// rangeArea is the comparison key for innermost-range selection. Lines
// dominate characters.
func rangeArea(rng storage.RangeData) int {
	return (rng.EndLine-rng.StartLine)*1000 + (rng.EndCharacter - rng.StartCharacter)
}
