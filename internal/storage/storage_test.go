package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"lsifd/internal/logging"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "1.lsif.db")

	w, err := NewWriter(ctx, path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	meta := MetaData{LSIFVersion: "0.4.3", EncodingVersion: CurrentEncodingVersion, NumResultChunks: 2}
	if err := w.WriteMeta(ctx, meta); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}

	doc := DocumentData{
		Ranges: map[ID]RangeData{
			4: {StartLine: 1, StartCharacter: 2, EndLine: 1, EndCharacter: 8, DefinitionResultID: 9, MonikerIDs: []ID{11}},
		},
		HoverResults: map[ID]string{7: "```go\nfunc F()\n```"},
		Monikers: map[ID]MonikerData{
			11: {Kind: "export", Scheme: "gomod", Identifier: "pkg/F", PackageInformationID: 12},
		},
		PackageInformation: map[ID]PackageInformationData{
			12: {Name: "pkg", Version: "v1.0.0"},
		},
	}
	if err := w.WriteDocuments(ctx, map[string]DocumentData{"main.go": doc}); err != nil {
		t.Fatalf("WriteDocuments: %v", err)
	}

	chunk := ResultChunkData{
		DocumentPaths: map[ID]string{3: "main.go"},
		DocumentIDRangeIDs: map[ID][]DocumentIDRangeID{
			9: {{DocumentID: 3, RangeID: 4}},
		},
	}
	if err := w.WriteResultChunks(ctx, map[int]ResultChunkData{0: chunk}); err != nil {
		t.Fatalf("WriteResultChunks: %v", err)
	}

	defs := []MonikerLocation{
		{Scheme: "gomod", Identifier: "pkg/F", Path: "main.go", StartLine: 1, StartCharacter: 2, EndLine: 1, EndCharacter: 8},
	}
	if err := w.WriteDefinitions(ctx, defs); err != nil {
		t.Fatalf("WriteDefinitions: %v", err)
	}
	if err := w.WriteReferences(ctx, defs); err != nil {
		t.Fatalf("WriteReferences: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	conn, err := OpenConnection(path)
	if err != nil {
		t.Fatalf("OpenConnection: %v", err)
	}
	defer conn.Close()
	r := NewReader(conn)

	gotMeta, err := r.ReadMeta(ctx)
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}
	if gotMeta != meta {
		t.Errorf("meta mismatch: got %+v, want %+v", gotMeta, meta)
	}

	gotDoc, ok, err := r.ReadDocument(ctx, "main.go")
	if err != nil || !ok {
		t.Fatalf("ReadDocument: ok=%v err=%v", ok, err)
	}
	if got := gotDoc.Ranges[4]; got.DefinitionResultID != 9 || got.EndCharacter != 8 {
		t.Errorf("range mismatch: %+v", got)
	}
	if gotDoc.Monikers[11].Identifier != "pkg/F" {
		t.Errorf("moniker mismatch: %+v", gotDoc.Monikers[11])
	}

	if _, ok, err := r.ReadDocument(ctx, "absent.go"); err != nil || ok {
		t.Errorf("ReadDocument(absent): ok=%v err=%v", ok, err)
	}

	gotChunk, ok, err := r.ReadResultChunk(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("ReadResultChunk: ok=%v err=%v", ok, err)
	}
	if pairs := gotChunk.DocumentIDRangeIDs[9]; len(pairs) != 1 || pairs[0].RangeID != 4 {
		t.Errorf("chunk mismatch: %+v", gotChunk)
	}

	if _, ok, err := r.ReadResultChunk(ctx, 1); err != nil || ok {
		t.Errorf("ReadResultChunk(absent): ok=%v err=%v", ok, err)
	}

	gotDefs, err := r.ReadDefinitions(ctx, "gomod", "pkg/F")
	if err != nil {
		t.Fatalf("ReadDefinitions: %v", err)
	}
	if len(gotDefs) != 1 || gotDefs[0] != defs[0] {
		t.Errorf("definitions mismatch: %+v", gotDefs)
	}

	gotRefs, err := r.ReadReferences(ctx, "gomod", "pkg/F")
	if err != nil {
		t.Fatalf("ReadReferences: %v", err)
	}
	if len(gotRefs) != 1 {
		t.Errorf("references mismatch: %+v", gotRefs)
	}

	if locs, err := r.ReadDefinitions(ctx, "gomod", "absent"); err != nil || len(locs) != 0 {
		t.Errorf("ReadDefinitions(absent): %v %v", locs, err)
	}
}

func TestBatchInsertManyRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "big.lsif.db")

	w, err := NewWriter(ctx, path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	// More rows than fit in one statement at 7 parameters per row.
	var defs []MonikerLocation
	for i := 0; i < 500; i++ {
		defs = append(defs, MonikerLocation{Scheme: "gomod", Identifier: "x", Path: "a.go", StartLine: i})
	}
	if err := w.WriteDefinitions(ctx, defs); err != nil {
		t.Fatalf("WriteDefinitions: %v", err)
	}
	if err := w.WriteMeta(ctx, MetaData{LSIFVersion: "0.4.0", EncodingVersion: 1, NumResultChunks: 1}); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	conn, err := OpenConnection(path)
	if err != nil {
		t.Fatalf("OpenConnection: %v", err)
	}
	defer conn.Close()

	locs, err := NewReader(conn).ReadDefinitions(ctx, "gomod", "x")
	if err != nil {
		t.Fatalf("ReadDefinitions: %v", err)
	}
	if len(locs) != 500 {
		t.Errorf("got %d rows, want 500", len(locs))
	}
}

func TestCodecRejectsGarbage(t *testing.T) {
	if _, err := DecodeDocument([]byte("not gzip")); err == nil {
		t.Error("expected error decoding garbage blob")
	}
}

func TestPathSetLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	p, err := NewPathSet(root)
	if err != nil {
		t.Fatalf("NewPathSet: %v", err)
	}

	for _, dir := range []string{root, filepath.Join(root, "uploads"), filepath.Join(root, "tmp")} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("expected directory %s", dir)
		}
	}

	if got, want := p.DBFilename(42), filepath.Join(root, "42.lsif.db"); got != want {
		t.Errorf("DBFilename: got %s, want %s", got, want)
	}
	if got, want := p.UploadFilename("u1"), filepath.Join(root, "uploads", "u1"); got != want {
		t.Errorf("UploadFilename: got %s, want %s", got, want)
	}
	if got, want := p.TempFilename("t1"), filepath.Join(root, "tmp", "t1"); got != want {
		t.Errorf("TempFilename: got %s, want %s", got, want)
	}
}

func TestMigrateFilenames(t *testing.T) {
	root := t.TempDir()
	p, err := NewPathSet(root)
	if err != nil {
		t.Fatalf("NewPathSet: %v", err)
	}

	legacy := filepath.Join(root, "repo@aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.lsif.db")
	if err := os.WriteFile(legacy, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	orphan := filepath.Join(root, "other@bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb.lsif.db")
	if err := os.WriteFile(orphan, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	resolve := func(repository, commit string) (int64, bool, error) {
		if repository == "repo" {
			return 7, true, nil
		}
		return 0, false, nil
	}

	logger := logging.NewNop()
	if err := p.MigrateFilenames(logger, resolve); err != nil {
		t.Fatalf("MigrateFilenames: %v", err)
	}

	if _, err := os.Stat(p.DBFilename(7)); err != nil {
		t.Errorf("expected migrated file: %v", err)
	}
	if _, err := os.Stat(legacy); !os.IsNotExist(err) {
		t.Errorf("expected legacy file to be renamed")
	}
	if _, err := os.Stat(orphan); err != nil {
		t.Errorf("expected orphan file to remain: %v", err)
	}

	// Second run is a no-op thanks to the marker.
	called := false
	err = p.MigrateFilenames(logger, func(string, string) (int64, bool, error) {
		called = true
		return 0, false, nil
	})
	if err != nil {
		t.Fatalf("MigrateFilenames(second): %v", err)
	}
	if called {
		t.Error("expected marker to short-circuit second migration")
	}
}
