// Package importer converts a gzipped LSIF stream into a dump database and
// the cross-repository rows describing the packages the dump defines and
// imports. Conversion is fail-fast: one bad element aborts the whole dump.
package importer

import (
	"bufio"
	"context"
	"io"

	"github.com/klauspost/compress/gzip"

	"lsifd/internal/errors"
	"lsifd/internal/logging"
	"lsifd/internal/lsif"
	"lsifd/internal/storage"
	"lsifd/internal/xrepo"
)

// maxLineBytes bounds a single decompressed LSIF line.
const maxLineBytes = 32 * 1024 * 1024

// Stats summarizes one conversion.
type Stats struct {
	NumElements int
	NumVertices int
	NumEdges    int
	NumDocs     int
	NumResults  int
}

// Result is the output of a successful conversion.
type Result struct {
	Meta       storage.MetaData
	Stats      Stats
	Packages   []xrepo.Package
	References []xrepo.PackageReference
}

// Convert reads a gzipped LSIF stream and writes the converted dump through
// w. The caller owns w and decides whether to commit or abandon it.
func Convert(ctx context.Context, logger *logging.Logger, r io.Reader, w *storage.Writer) (*Result, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(errors.InvalidPayload, "upload is not gzip compressed", err)
	}
	defer gr.Close()

	s := newState()
	stats := Stats{}

	scanner := bufio.NewScanner(gr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		element, err := lsif.ParseElement(line)
		if err != nil {
			return nil, err
		}
		if err := s.insert(element); err != nil {
			return nil, err
		}

		stats.NumElements++
		if element.Type == lsif.TypeVertex {
			stats.NumVertices++
		} else {
			stats.NumEdges++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(errors.InvalidPayload, "failed to read upload stream", err)
	}
	if !s.sawMetaData {
		return nil, errors.New(errors.MalformedInput, "stream contains no metaData vertex")
	}

	c := canonicalize(s)
	b := emit(s, c)
	stats.NumDocs = len(b.documents)
	stats.NumResults = len(c.definitions) + len(c.references)

	logger.Debug("Correlated upload stream", map[string]interface{}{
		"numElements":     stats.NumElements,
		"numDocuments":    stats.NumDocs,
		"numResultChunks": b.meta.NumResultChunks,
	})

	if err := w.WriteMeta(ctx, b.meta); err != nil {
		return nil, err
	}
	if err := w.WriteDocuments(ctx, b.documents); err != nil {
		return nil, err
	}
	if err := w.WriteResultChunks(ctx, b.resultChunks); err != nil {
		return nil, err
	}
	if err := w.WriteDefinitions(ctx, b.definitionRows); err != nil {
		return nil, err
	}
	if err := w.WriteReferences(ctx, b.referenceRows); err != nil {
		return nil, err
	}

	return &Result{
		Meta:       b.meta,
		Stats:      stats,
		Packages:   b.packages,
		References: b.packageReferences,
	}, nil
}
