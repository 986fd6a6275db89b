package jobs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"lsifd/internal/config"
	"lsifd/internal/errors"
	"lsifd/internal/logging"
	"lsifd/internal/metrics"
	"lsifd/internal/storage"
	"lsifd/internal/xrepo"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(logging.NewNop(), t.TempDir()+"/jobs.db")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreCreateAndDequeue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := NewConvertJob("repo", strings.Repeat("a", 40), "", "/tmp/upload-1", 10)
	if err != nil {
		t.Fatalf("NewConvertJob: %v", err)
	}
	second, _ := NewConvertJob("repo", strings.Repeat("b", 40), "", "/tmp/upload-2", 10)
	second.CreatedAt = first.CreatedAt.Add(time.Second)

	for _, job := range []*Job{second, first} {
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	// Oldest queued job is claimed first and counts the attempt.
	claimed, err := store.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("claimed = %+v, want job %s", claimed, first.ID)
	}
	if claimed.Status != JobRunning || claimed.Attempts != 1 || claimed.StartedAt == nil {
		t.Errorf("claimed state = %s attempts=%d", claimed.Status, claimed.Attempts)
	}

	payload, err := ParseConvertPayload(claimed.Payload)
	if err != nil {
		t.Fatalf("ParseConvertPayload: %v", err)
	}
	if payload.Repository != "repo" || payload.Filename != "/tmp/upload-1" {
		t.Errorf("payload = %+v", payload)
	}

	if claimed, err := store.Dequeue(ctx); err != nil || claimed == nil || claimed.ID != second.ID {
		t.Fatalf("second Dequeue = %+v, %v", claimed, err)
	}
	if claimed, err := store.Dequeue(ctx); err != nil || claimed != nil {
		t.Errorf("empty Dequeue = %+v, %v", claimed, err)
	}
}

func TestDequeueHonorsProcessAfter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _ := NewConvertJob("repo", strings.Repeat("a", 40), "", "/tmp/upload", 10)
	job.ProcessAfter = time.Now().UTC().Add(time.Hour)
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if claimed, err := store.Dequeue(ctx); err != nil || claimed != nil {
		t.Errorf("Dequeue before process_after = %+v, %v", claimed, err)
	}

	job.ProcessAfter = time.Now().UTC().Add(-time.Minute)
	if err := store.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if claimed, err := store.Dequeue(ctx); err != nil || claimed == nil {
		t.Errorf("Dequeue after process_after = %+v, %v", claimed, err)
	}
}

func TestEnqueueUnlessPendingSingleton(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if ok, err := store.EnqueueUnlessPending(ctx, NewUpdateTipsJob(10)); err != nil || !ok {
		t.Fatalf("first enqueue = %v, %v", ok, err)
	}
	if ok, err := store.EnqueueUnlessPending(ctx, NewUpdateTipsJob(10)); err != nil || ok {
		t.Errorf("second enqueue = %v, %v, want skipped", ok, err)
	}

	// A running instance still blocks a new one.
	job, err := store.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("Dequeue: %+v, %v", job, err)
	}
	if ok, _ := store.EnqueueUnlessPending(ctx, NewUpdateTipsJob(10)); ok {
		t.Error("enqueue succeeded while instance running")
	}

	// A completed instance does not.
	job.MarkCompleted()
	if err := store.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if ok, err := store.EnqueueUnlessPending(ctx, NewUpdateTipsJob(10)); err != nil || !ok {
		t.Errorf("enqueue after completion = %v, %v", ok, err)
	}
}

func TestRecoverStale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _ := NewConvertJob("repo", strings.Repeat("a", 40), "", "/tmp/upload", 10)
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	claimed, err := store.Dequeue(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("Dequeue: %+v, %v", claimed, err)
	}

	// A freshly started job is not stale.
	if recovered, err := store.RecoverStale(ctx, time.Hour); err != nil || recovered != 0 {
		t.Errorf("RecoverStale(fresh) = %d, %v", recovered, err)
	}

	stale := time.Now().UTC().Add(-2 * time.Hour)
	claimed.StartedAt = &stale
	if err := store.UpdateJob(ctx, claimed); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if recovered, err := store.RecoverStale(ctx, time.Hour); err != nil || recovered != 1 {
		t.Errorf("RecoverStale(stale) = %d, %v", recovered, err)
	}

	requeued, err := store.Dequeue(ctx)
	if err != nil || requeued == nil {
		t.Fatalf("Dequeue after recovery: %+v, %v", requeued, err)
	}
	if requeued.Attempts != 2 {
		t.Errorf("attempts after recovery = %d, want 2", requeued.Attempts)
	}
}

func TestCleanupOldJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old, _ := NewConvertJob("repo", strings.Repeat("a", 40), "", "/tmp/upload", 10)
	if err := store.CreateJob(ctx, old); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	old.MarkCompleted()
	long := time.Now().UTC().Add(-30 * 24 * time.Hour)
	old.CompletedAt = &long
	if err := store.UpdateJob(ctx, old); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	recent := NewUpdateTipsJob(10)
	if err := store.CreateJob(ctx, recent); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	removed, err := store.CleanupOldJobs(ctx, jobRetention)
	if err != nil || removed != 1 {
		t.Fatalf("CleanupOldJobs = %d, %v", removed, err)
	}
	if _, ok, _ := store.GetJob(ctx, old.ID); ok {
		t.Error("old job still present")
	}
	if _, ok, _ := store.GetJob(ctx, recent.ID); !ok {
		t.Error("queued job removed")
	}
}

func newTestRunner(t *testing.T, store *Store) *Runner {
	t.Helper()
	cfg := config.QueueConfig{
		WorkerCount:    1,
		MaxAttempts:    3,
		BackoffBase:    time.Second,
		BackoffCeiling: time.Minute,
		JobTimeout:     time.Minute,
		StaleDeadline:  time.Hour,
	}
	return NewRunner(store, logging.NewNop(), metrics.NewForTesting(), cfg, time.Hour)
}

func TestProcessJobSuccess(t *testing.T) {
	store := newTestStore(t)
	runner := newTestRunner(t, store)
	ctx := context.Background()

	calls := 0
	runner.RegisterHandler(JobTypeUpdateTips, func(ctx context.Context, job *Job) error {
		calls++
		return nil
	})

	job := NewUpdateTipsJob(3)
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	claimed, _ := store.Dequeue(ctx)
	runner.processJob(claimed)

	if calls != 1 {
		t.Errorf("handler calls = %d", calls)
	}
	saved, ok, err := store.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("GetJob: %v, %v", ok, err)
	}
	if saved.Status != JobCompleted || saved.CompletedAt == nil {
		t.Errorf("saved = %+v", saved)
	}
}

func TestProcessJobRetriesThenExhausts(t *testing.T) {
	store := newTestStore(t)
	runner := newTestRunner(t, store)
	ctx := context.Background()

	runner.RegisterHandler(JobTypeUpdateTips, func(ctx context.Context, job *Job) error {
		return errors.New(errors.Transient, "backend unavailable")
	})

	job := NewUpdateTipsJob(3)
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := store.Dequeue(ctx)
		if err != nil || claimed == nil {
			t.Fatalf("Dequeue attempt %d: %+v, %v", attempt, claimed, err)
		}
		runner.processJob(claimed)

		saved, _, _ := store.GetJob(ctx, job.ID)
		if attempt < 3 {
			if saved.Status != JobQueued {
				t.Fatalf("status after attempt %d = %s, want queued", attempt, saved.Status)
			}
			if !saved.ProcessAfter.After(time.Now().UTC()) {
				t.Errorf("no backoff delay after attempt %d", attempt)
			}
			// Make the job runnable again without waiting.
			saved.ProcessAfter = time.Now().UTC().Add(-time.Second)
			if err := store.UpdateJob(ctx, saved); err != nil {
				t.Fatal(err)
			}
		} else {
			if saved.Status != JobFailed {
				t.Errorf("status after final attempt = %s, want failed", saved.Status)
			}
			if saved.Error == "" {
				t.Error("failure reason not recorded")
			}
		}
	}
}

func TestProcessJobPayloadErrorIsTerminal(t *testing.T) {
	store := newTestStore(t)
	runner := newTestRunner(t, store)
	ctx := context.Background()

	runner.RegisterHandler(JobTypeUpdateTips, func(ctx context.Context, job *Job) error {
		return errors.New(errors.MalformedInput, "bad element")
	})

	job := NewUpdateTipsJob(3)
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	claimed, _ := store.Dequeue(ctx)
	runner.processJob(claimed)

	saved, _, _ := store.GetJob(ctx, job.ID)
	if saved.Status != JobFailed {
		t.Errorf("status = %s, want failed after first attempt", saved.Status)
	}
}

func TestBackoffDoublesToCeiling(t *testing.T) {
	runner := newTestRunner(t, newTestStore(t))

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, expected := range want {
		if got := runner.backoff(i + 1); got != expected {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, expected)
		}
	}
	if got := runner.backoff(50); got != time.Minute {
		t.Errorf("backoff(50) = %v, want ceiling", got)
	}
}

var convertFixture = []string{
	`{"id":1,"type":"vertex","label":"metaData","version":"0.4.3","projectRoot":"file:///repo"}`,
	`{"id":2,"type":"vertex","label":"document","uri":"file:///repo/src/index.ts"}`,
	`{"id":3,"type":"vertex","label":"resultSet"}`,
	`{"id":4,"type":"vertex","label":"range","start":{"line":1,"character":4},"end":{"line":1,"character":7}}`,
	`{"id":5,"type":"vertex","label":"definitionResult"}`,
	`{"id":6,"type":"vertex","label":"moniker","kind":"export","scheme":"npm","identifier":"lib:X"}`,
	`{"id":7,"type":"vertex","label":"packageInformation","name":"lib","version":"1.0.0"}`,
	`{"id":8,"type":"edge","label":"contains","outV":2,"inVs":[4]}`,
	`{"id":9,"type":"edge","label":"next","outV":4,"inV":3}`,
	`{"id":10,"type":"edge","label":"textDocument/definition","outV":3,"inV":5}`,
	`{"id":11,"type":"edge","label":"item","outV":5,"inVs":[4],"document":2}`,
	`{"id":12,"type":"edge","label":"packageInformation","outV":6,"inV":7}`,
	`{"id":13,"type":"edge","label":"moniker","outV":3,"inV":6}`,
}

func spoolUpload(t *testing.T, paths *storage.PathSet, lines []string) string {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte(strings.Join(lines, "\n"))); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}

	filename := paths.UploadFilename("test-upload")
	if err := os.WriteFile(filename, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return filename
}

func convertEnvironment(t *testing.T) (*storage.PathSet, *xrepo.Store, Handler) {
	t.Helper()
	paths, err := storage.NewPathSet(t.TempDir())
	if err != nil {
		t.Fatalf("NewPathSet: %v", err)
	}
	store, err := xrepo.OpenStore(context.Background(), logging.NewNop(), paths.XrepoDBFilename())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	handler := NewConvertHandler(logging.NewNop(), metrics.NewForTesting(), paths, store)
	return paths, store, handler
}

func TestConvertHandler(t *testing.T) {
	paths, store, handler := convertEnvironment(t)
	ctx := context.Background()

	filename := spoolUpload(t, paths, convertFixture)
	commit := strings.Repeat("a", 40)
	job, err := NewConvertJob("github.com/acme/lib", commit, "", filename, 10)
	if err != nil {
		t.Fatalf("NewConvertJob: %v", err)
	}

	if err := handler(ctx, job); err != nil {
		t.Fatalf("handler: %v", err)
	}

	dump, ok, err := store.GetDump(ctx, "github.com/acme/lib", commit, "")
	if err != nil || !ok {
		t.Fatalf("GetDump: %v, %v", ok, err)
	}
	if _, err := os.Stat(paths.DBFilename(dump.ID)); err != nil {
		t.Errorf("dump database not installed: %v", err)
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) {
		t.Errorf("upload not removed: %v", err)
	}

	// The converted dump answers queries through the regular read path.
	conn, err := storage.OpenConnection(paths.DBFilename(dump.ID))
	if err != nil {
		t.Fatalf("OpenConnection: %v", err)
	}
	defer conn.Close()
	meta, err := storage.NewReader(conn).ReadMeta(ctx)
	if err != nil || meta.NumResultChunks < 1 {
		t.Errorf("meta = %+v, %v", meta, err)
	}

	defining, ok, err := store.FindDefiningDump(ctx, xrepo.Package{Scheme: "npm", Name: "lib", Version: "1.0.0"})
	if err != nil || !ok || defining.ID != dump.ID {
		t.Errorf("FindDefiningDump = %+v, %v, %v", defining, ok, err)
	}
}

func TestConvertHandlerBadPayloadKeepsUpload(t *testing.T) {
	paths, _, handler := convertEnvironment(t)
	ctx := context.Background()

	filename := spoolUpload(t, paths, []string{`{"id":1,"type":"vertex","label":"resultSet"}`})
	job, err := NewConvertJob("repo", strings.Repeat("a", 40), "", filename, 10)
	if err != nil {
		t.Fatalf("NewConvertJob: %v", err)
	}

	err = handler(ctx, job)
	if !errors.IsPayloadError(err) {
		t.Fatalf("err = %v, want payload error", err)
	}
	if _, statErr := os.Stat(filename); statErr != nil {
		t.Errorf("upload removed on failure: %v", statErr)
	}
	if _, statErr := os.Stat(paths.TempFilename(job.ID)); !os.IsNotExist(statErr) {
		t.Error("temp artifact left behind")
	}
}

func TestConvertHandlerIdempotentRetry(t *testing.T) {
	paths, store, handler := convertEnvironment(t)
	ctx := context.Background()
	commit := strings.Repeat("a", 40)

	var firstID int64
	for attempt := 0; attempt < 2; attempt++ {
		filename := spoolUpload(t, paths, convertFixture)
		job, err := NewConvertJob("repo", commit, "", filename, 10)
		if err != nil {
			t.Fatalf("NewConvertJob: %v", err)
		}
		if err := handler(ctx, job); err != nil {
			t.Fatalf("handler attempt %d: %v", attempt, err)
		}

		dump, ok, err := store.GetDump(ctx, "repo", commit, "")
		if err != nil || !ok {
			t.Fatalf("GetDump: %v, %v", ok, err)
		}
		if attempt == 0 {
			firstID = dump.ID
		} else if dump.ID != firstID {
			t.Errorf("retry allocated new dump id %d, want %d", dump.ID, firstID)
		}
	}

	// Exactly one installed database file.
	entries, err := os.ReadDir(paths.Root())
	if err != nil {
		t.Fatal(err)
	}
	dbs := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".lsif.db") {
			dbs++
		}
	}
	if dbs != 1 {
		t.Errorf("installed databases = %d, want 1", dbs)
	}
}

func TestUpdateTipsHandler(t *testing.T) {
	_, store, _ := convertEnvironment(t)
	ctx := context.Background()

	dump, err := store.AddPackagesAndReferences(ctx, "repo", "c1", "", nil, nil)
	if err != nil {
		t.Fatalf("AddPackagesAndReferences: %v", err)
	}

	handler := NewUpdateTipsHandler(logging.NewNop(), store, tipGitserver{"repo": "c1"})
	if err := handler(ctx, NewUpdateTipsJob(10)); err != nil {
		t.Fatalf("handler: %v", err)
	}

	updated, _, err := store.GetDumpByID(ctx, dump.ID)
	if err != nil || !updated.VisibleAtTip {
		t.Errorf("visibleAtTip = %v, %v", updated.VisibleAtTip, err)
	}
}

type tipGitserver map[string]string

func (g tipGitserver) Head(ctx context.Context, repository string) (string, error) {
	tip, ok := g[repository]
	if !ok {
		return "", fmt.Errorf("unknown repository %s", repository)
	}
	return tip, nil
}

func (g tipGitserver) CommitsNear(ctx context.Context, repository, commit string) (map[string][]string, error) {
	return nil, nil
}
