package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const dumpSchema = `
CREATE TABLE meta (
	id INTEGER PRIMARY KEY,
	lsifVersion TEXT NOT NULL,
	encodingVersion INTEGER NOT NULL,
	numResultChunks INTEGER NOT NULL
);
CREATE TABLE documents (
	path TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE resultChunks (
	id INTEGER PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE definitions (
	scheme TEXT NOT NULL,
	identifier TEXT NOT NULL,
	documentPath TEXT NOT NULL,
	startLine INTEGER NOT NULL,
	startCharacter INTEGER NOT NULL,
	endLine INTEGER NOT NULL,
	endCharacter INTEGER NOT NULL
);
CREATE INDEX idx_definitions ON definitions (scheme, identifier);
CREATE TABLE "references" (
	scheme TEXT NOT NULL,
	identifier TEXT NOT NULL,
	documentPath TEXT NOT NULL,
	startLine INTEGER NOT NULL,
	startCharacter INTEGER NOT NULL,
	endLine INTEGER NOT NULL,
	endCharacter INTEGER NOT NULL
);
CREATE INDEX idx_references ON "references" (scheme, identifier);
`

// Writer builds a dump database. All writes happen inside one transaction;
// nothing is visible until Close commits it.
type Writer struct {
	conn *sql.DB
	tx   *sql.Tx
}

// NewWriter creates a dump database at path and opens its transaction. The
// caller must Close the writer, or CloseWithError to abandon the file.
func NewWriter(ctx context.Context, path string) (*Writer, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to create dump database: %w", err)
	}

	// The file is private to this writer until renamed into place, so
	// durability can be relaxed in favor of write throughput.
	pragmas := []string{
		"PRAGMA journal_mode=OFF",
		"PRAGMA synchronous=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := conn.ExecContext(ctx, dumpSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Writer{conn: conn, tx: tx}, nil
}

// WriteMeta writes the single meta row.
func (w *Writer) WriteMeta(ctx context.Context, meta MetaData) error {
	_, err := w.tx.ExecContext(ctx,
		"INSERT INTO meta (id, lsifVersion, encodingVersion, numResultChunks) VALUES (1, ?, ?, ?)",
		meta.LSIFVersion, meta.EncodingVersion, meta.NumResultChunks,
	)
	if err != nil {
		return fmt.Errorf("failed to write meta: %w", err)
	}
	return nil
}

// WriteDocuments encodes and inserts document blobs keyed by path.
func (w *Writer) WriteDocuments(ctx context.Context, docs map[string]DocumentData) error {
	rows := make([][]interface{}, 0, len(docs))
	for path, doc := range docs {
		data, err := EncodeDocument(doc)
		if err != nil {
			return err
		}
		rows = append(rows, []interface{}{path, data})
	}
	return w.batchInsert(ctx, "INSERT INTO documents (path, data) VALUES", 2, rows)
}

// WriteResultChunks encodes and inserts result chunk blobs keyed by index.
func (w *Writer) WriteResultChunks(ctx context.Context, chunks map[int]ResultChunkData) error {
	rows := make([][]interface{}, 0, len(chunks))
	for idx, chunk := range chunks {
		data, err := EncodeResultChunk(chunk)
		if err != nil {
			return err
		}
		rows = append(rows, []interface{}{idx, data})
	}
	return w.batchInsert(ctx, "INSERT INTO resultChunks (id, data) VALUES", 2, rows)
}

// WriteDefinitions inserts moniker definition rows.
func (w *Writer) WriteDefinitions(ctx context.Context, locations []MonikerLocation) error {
	return w.writeMonikerLocations(ctx, "definitions", locations)
}

// WriteReferences inserts moniker reference rows.
func (w *Writer) WriteReferences(ctx context.Context, locations []MonikerLocation) error {
	return w.writeMonikerLocations(ctx, `"references"`, locations)
}

func (w *Writer) writeMonikerLocations(ctx context.Context, table string, locations []MonikerLocation) error {
	rows := make([][]interface{}, 0, len(locations))
	for _, l := range locations {
		rows = append(rows, []interface{}{l.Scheme, l.Identifier, l.Path, l.StartLine, l.StartCharacter, l.EndLine, l.EndCharacter})
	}
	prefix := fmt.Sprintf("INSERT INTO %s (scheme, identifier, documentPath, startLine, startCharacter, endLine, endCharacter) VALUES", table)
	return w.batchInsert(ctx, prefix, 7, rows)
}

// maxSQLiteVariables keeps batched statements under the sqlite host
// parameter limit.
const maxSQLiteVariables = 999

func (w *Writer) batchInsert(ctx context.Context, prefix string, arity int, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}

	rowsPerBatch := maxSQLiteVariables / arity
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", arity), ",") + ")"

	for len(rows) > 0 {
		n := len(rows)
		if n > rowsPerBatch {
			n = rowsPerBatch
		}
		batch := rows[:n]
		rows = rows[n:]

		placeholders := make([]string, n)
		args := make([]interface{}, 0, n*arity)
		for i, row := range batch {
			placeholders[i] = placeholder
			args = append(args, row...)
		}

		stmt := prefix + " " + strings.Join(placeholders, ", ")
		if _, err := w.tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}
	}
	return nil
}

// Close commits the transaction and closes the database file.
func (w *Writer) Close() error {
	if err := w.tx.Commit(); err != nil {
		w.conn.Close()
		return fmt.Errorf("failed to commit dump database: %w", err)
	}
	if err := w.conn.Close(); err != nil {
		return fmt.Errorf("failed to close dump database: %w", err)
	}
	return nil
}

// CloseWithError rolls back the transaction and closes the database file.
// The caller removes the file afterwards.
func (w *Writer) CloseWithError() error {
	_ = w.tx.Rollback()
	return w.conn.Close()
}
