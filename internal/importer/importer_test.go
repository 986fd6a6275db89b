package importer

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"lsifd/internal/errors"
	"lsifd/internal/logging"
	"lsifd/internal/storage"
	"lsifd/internal/xrepo"
)

func gzipLines(t *testing.T, lines ...string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte(strings.Join(lines, "\n"))); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func convert(t *testing.T, lines ...string) (*Result, *storage.Reader) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dump.lsif.db")

	w, err := storage.NewWriter(ctx, path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	result, err := Convert(ctx, logging.NewNop(), gzipLines(t, lines...), w)
	if err != nil {
		w.CloseWithError()
		t.Fatalf("Convert: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	conn, err := storage.OpenConnection(path)
	if err != nil {
		t.Fatalf("OpenConnection: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return result, storage.NewReader(conn)
}

var baseDump = []string{
	`{"id":1,"type":"vertex","label":"metaData","version":"0.4.3","projectRoot":"file:///repo"}`,
	`{"id":2,"type":"vertex","label":"document","uri":"file:///repo/src/index.ts"}`,
	`{"id":3,"type":"vertex","label":"resultSet"}`,
	`{"id":4,"type":"vertex","label":"range","start":{"line":1,"character":4},"end":{"line":1,"character":7}}`,
	`{"id":5,"type":"vertex","label":"range","start":{"line":13,"character":2},"end":{"line":13,"character":5}}`,
	`{"id":6,"type":"vertex","label":"definitionResult"}`,
	`{"id":7,"type":"vertex","label":"referenceResult"}`,
	`{"id":8,"type":"vertex","label":"hoverResult","result":{"contents":{"language":"ts","value":"const foo"}}}`,
	`{"id":9,"type":"vertex","label":"moniker","kind":"export","scheme":"npm","identifier":"lib:X"}`,
	`{"id":10,"type":"vertex","label":"packageInformation","name":"lib","version":"1.0.0"}`,
	`{"id":11,"type":"edge","label":"contains","outV":2,"inVs":[4,5]}`,
	`{"id":12,"type":"edge","label":"next","outV":4,"inV":3}`,
	`{"id":13,"type":"edge","label":"next","outV":5,"inV":3}`,
	`{"id":14,"type":"edge","label":"textDocument/definition","outV":3,"inV":6}`,
	`{"id":15,"type":"edge","label":"textDocument/references","outV":3,"inV":7}`,
	`{"id":16,"type":"edge","label":"item","outV":6,"inVs":[4],"document":2}`,
	`{"id":17,"type":"edge","label":"item","outV":7,"inVs":[4],"document":2,"property":"definitions"}`,
	`{"id":18,"type":"edge","label":"item","outV":7,"inVs":[5],"document":2,"property":"references"}`,
	`{"id":19,"type":"edge","label":"textDocument/hover","outV":3,"inV":8}`,
	`{"id":20,"type":"edge","label":"packageInformation","outV":9,"inV":10}`,
	`{"id":21,"type":"edge","label":"moniker","outV":3,"inV":9}`,
}

func TestConvertBasicDump(t *testing.T) {
	ctx := context.Background()
	result, r := convert(t, baseDump...)

	if result.Meta.LSIFVersion != "0.4.3" || result.Meta.NumResultChunks != 1 {
		t.Errorf("meta = %+v", result.Meta)
	}

	doc, ok, err := r.ReadDocument(ctx, "src/index.ts")
	if err != nil || !ok {
		t.Fatalf("ReadDocument: ok=%v err=%v", ok, err)
	}
	if len(doc.Ranges) != 2 {
		t.Fatalf("got %d ranges, want 2", len(doc.Ranges))
	}

	var defRange, useRange storage.RangeData
	for _, rng := range doc.Ranges {
		switch rng.StartLine {
		case 1:
			defRange = rng
		case 13:
			useRange = rng
		}
	}
	if defRange.DefinitionResultID == 0 || defRange.ReferenceResultID == 0 || defRange.HoverResultID == 0 {
		t.Errorf("definition range missing results: %+v", defRange)
	}
	if useRange.ReferenceResultID != defRange.ReferenceResultID {
		t.Errorf("ranges should share the reference result")
	}
	if len(defRange.MonikerIDs) != 1 {
		t.Fatalf("moniker ids = %v", defRange.MonikerIDs)
	}
	moniker := doc.Monikers[defRange.MonikerIDs[0]]
	if moniker.Scheme != "npm" || moniker.Identifier != "lib:X" || moniker.PackageInformationID == 0 {
		t.Errorf("moniker = %+v", moniker)
	}
	if info := doc.PackageInformation[moniker.PackageInformationID]; info.Name != "lib" || info.Version != "1.0.0" {
		t.Errorf("packageInformation = %+v", info)
	}
	if doc.HoverResults[defRange.HoverResultID] != "```ts\nconst foo\n```" {
		t.Errorf("hover = %q", doc.HoverResults[defRange.HoverResultID])
	}

	// Both results land in chunk 0 of a one-chunk dump.
	chunk, ok, err := r.ReadResultChunk(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("ReadResultChunk: ok=%v err=%v", ok, err)
	}
	if got := len(chunk.DocumentIDRangeIDs[defRange.DefinitionResultID]); got != 1 {
		t.Errorf("definition members = %d, want 1", got)
	}
	if got := len(chunk.DocumentIDRangeIDs[defRange.ReferenceResultID]); got != 2 {
		t.Errorf("reference members = %d, want 2", got)
	}
	for _, path := range chunk.DocumentPaths {
		if path != "src/index.ts" {
			t.Errorf("unexpected document path %q", path)
		}
	}

	defs, err := r.ReadDefinitions(ctx, "npm", "lib:X")
	if err != nil {
		t.Fatalf("ReadDefinitions: %v", err)
	}
	if len(defs) != 1 || defs[0].StartLine != 1 {
		t.Errorf("definitions = %+v, want single row at line 1", defs)
	}

	refs, err := r.ReadReferences(ctx, "npm", "lib:X")
	if err != nil {
		t.Fatalf("ReadReferences: %v", err)
	}
	if len(refs) != 2 {
		t.Errorf("references = %+v, want 2 rows", refs)
	}

	if len(result.Packages) != 1 || result.Packages[0] != (xrepo.Package{Scheme: "npm", Name: "lib", Version: "1.0.0"}) {
		t.Errorf("packages = %+v", result.Packages)
	}
	if len(result.References) != 0 {
		t.Errorf("references output = %+v, want none", result.References)
	}
}

func TestConvertImportedPackageFilter(t *testing.T) {
	lines := []string{
		`{"id":1,"type":"vertex","label":"metaData","version":"0.4.0","projectRoot":"file:///repo"}`,
		`{"id":2,"type":"vertex","label":"document","uri":"file:///repo/a.ts"}`,
		`{"id":3,"type":"vertex","label":"range","start":{"line":0,"character":0},"end":{"line":0,"character":3}}`,
		`{"id":4,"type":"vertex","label":"moniker","kind":"import","scheme":"npm","identifier":"lib:X"}`,
		`{"id":5,"type":"vertex","label":"packageInformation","name":"lib","version":"1.0.0"}`,
		`{"id":6,"type":"edge","label":"contains","outV":2,"inVs":[3]}`,
		`{"id":7,"type":"edge","label":"packageInformation","outV":4,"inV":5}`,
		`{"id":8,"type":"edge","label":"moniker","outV":3,"inV":4}`,
	}
	result, _ := convert(t, lines...)

	if len(result.References) != 1 {
		t.Fatalf("references = %+v, want 1", result.References)
	}
	ref := result.References[0]
	if ref.Package != (xrepo.Package{Scheme: "npm", Name: "lib", Version: "1.0.0"}) {
		t.Errorf("package = %+v", ref.Package)
	}
	if ok, err := xrepo.TestFilter(ref.Filter, "lib:X"); err != nil || !ok {
		t.Errorf("filter should contain lib:X: ok=%v err=%v", ok, err)
	}
	if ok, _ := xrepo.TestFilter(ref.Filter, "lib:Absent"); ok {
		t.Error("filter unexpectedly contains lib:Absent")
	}
}

func TestConvertMergesLinkedReferenceResults(t *testing.T) {
	ctx := context.Background()
	lines := []string{
		`{"id":1,"type":"vertex","label":"metaData","version":"0.4.0","projectRoot":"file:///repo"}`,
		`{"id":2,"type":"vertex","label":"document","uri":"file:///repo/a.ts"}`,
		`{"id":3,"type":"vertex","label":"range","start":{"line":0,"character":0},"end":{"line":0,"character":3}}`,
		`{"id":4,"type":"vertex","label":"range","start":{"line":5,"character":0},"end":{"line":5,"character":3}}`,
		`{"id":5,"type":"vertex","label":"referenceResult"}`,
		`{"id":6,"type":"vertex","label":"referenceResult"}`,
		`{"id":7,"type":"edge","label":"contains","outV":2,"inVs":[3,4]}`,
		`{"id":8,"type":"edge","label":"textDocument/references","outV":3,"inV":5}`,
		`{"id":9,"type":"edge","label":"textDocument/references","outV":4,"inV":6}`,
		`{"id":10,"type":"edge","label":"item","outV":5,"inVs":[3],"document":2,"property":"references"}`,
		`{"id":11,"type":"edge","label":"item","outV":6,"inVs":[4],"document":2,"property":"references"}`,
		`{"id":12,"type":"edge","label":"item","outV":5,"inVs":[6],"property":"referenceResults"}`,
	}
	_, r := convert(t, lines...)

	doc, ok, err := r.ReadDocument(ctx, "a.ts")
	if err != nil || !ok {
		t.Fatalf("ReadDocument: ok=%v err=%v", ok, err)
	}

	var resultIDs []storage.ID
	for _, rng := range doc.Ranges {
		resultIDs = append(resultIDs, rng.ReferenceResultID)
	}
	if len(resultIDs) != 2 || resultIDs[0] != resultIDs[1] {
		t.Fatalf("linked results not merged: %v", resultIDs)
	}

	chunk, ok, err := r.ReadResultChunk(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("ReadResultChunk: ok=%v err=%v", ok, err)
	}
	if got := len(chunk.DocumentIDRangeIDs[resultIDs[0]]); got != 2 {
		t.Errorf("merged members = %d, want 2", got)
	}
}

func TestConvertErrors(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		code  errors.ErrorCode
	}{
		{
			"no metaData",
			[]string{`{"id":1,"type":"vertex","label":"document","uri":"file:///a"}`},
			errors.MalformedInput,
		},
		{
			"unsupported version",
			[]string{`{"id":1,"type":"vertex","label":"metaData","version":"0.3.0"}`},
			errors.UnsupportedVersion,
		},
		{
			"dangling next edge",
			[]string{
				`{"id":1,"type":"vertex","label":"metaData","version":"0.4.0"}`,
				`{"id":2,"type":"vertex","label":"range","start":{"line":0,"character":0},"end":{"line":0,"character":1}}`,
				`{"id":3,"type":"edge","label":"next","outV":2,"inV":99}`,
			},
			errors.DanglingReference,
		},
		{
			"dangling item range",
			[]string{
				`{"id":1,"type":"vertex","label":"metaData","version":"0.4.0"}`,
				`{"id":2,"type":"vertex","label":"document","uri":"file:///a"}`,
				`{"id":3,"type":"vertex","label":"definitionResult"}`,
				`{"id":4,"type":"edge","label":"item","outV":3,"inVs":[99],"document":2}`,
			},
			errors.DanglingReference,
		},
		{
			"unknown item property",
			[]string{
				`{"id":1,"type":"vertex","label":"metaData","version":"0.4.0"}`,
				`{"id":2,"type":"vertex","label":"document","uri":"file:///a"}`,
				`{"id":3,"type":"vertex","label":"range","start":{"line":0,"character":0},"end":{"line":0,"character":1}}`,
				`{"id":4,"type":"vertex","label":"definitionResult"}`,
				`{"id":5,"type":"edge","label":"item","outV":4,"inVs":[3],"document":2,"property":"declarations"}`,
			},
			errors.MalformedInput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "dump.lsif.db")
			w, err := storage.NewWriter(ctx, path)
			if err != nil {
				t.Fatalf("NewWriter: %v", err)
			}
			defer w.CloseWithError()

			_, err = Convert(ctx, logging.NewNop(), gzipLines(t, tt.lines...), w)
			if errors.CodeOf(err) != tt.code {
				t.Errorf("code = %v (%v), want %v", errors.CodeOf(err), err, tt.code)
			}
		})
	}
}

func TestConvertRejectsNonGzip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dump.lsif.db")
	w, err := storage.NewWriter(ctx, path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.CloseWithError()

	_, err = Convert(ctx, logging.NewNop(), bytes.NewReader([]byte("plain text")), w)
	if errors.CodeOf(err) != errors.InvalidPayload {
		t.Errorf("code = %v, want INVALID_PAYLOAD", errors.CodeOf(err))
	}
}
