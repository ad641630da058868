package app

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"docvault/pkg/domain"
	"docvault/pkg/store"
)

type fakeObjectStore struct {
	err      error
	emptyURL bool
	uploads  []string
}

func (f *fakeObjectStore) Upload(ctx context.Context, key string, _ io.Reader, _ int64, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.err != nil {
		return "", f.err
	}
	f.uploads = append(f.uploads, key)
	if f.emptyURL {
		return "", nil
	}
	return "https://bucket/" + key, nil
}

type failingWriteStore struct {
	store.Store
}

func (f *failingWriteStore) CompleteUpload(string, string, string) (bool, error) {
	return false, errors.New("db unavailable")
}

type fakeChecker struct {
	outstanding map[string]string // recordID -> storageKey
}

func (f *fakeChecker) HasOutstanding(_ context.Context, recordID, storageKey string) (bool, error) {
	return f.outstanding[recordID] == storageKey, nil
}

func seedRecord(t *testing.T, s *store.MemoryStore, id, key string) {
	seedRecordAt(t, s, id, key, time.Now().UTC())
}

func seedRecordAt(t *testing.T, s *store.MemoryStore, id, key string, at time.Time) {
	t.Helper()
	if err := s.CreateRecords([]domain.UploadRecord{{
		ID:         id,
		StorageKey: key,
		MimeType:   "application/pdf",
		Status:     domain.StatusProcessing,
		OwnerID:    "U1",
		CreatedAt:  at,
		UpdatedAt:  at,
	}}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func newWorker(t *testing.T, s store.Store, objects *fakeObjectStore, checker *fakeChecker) *App {
	t.Helper()
	if checker == nil {
		checker = &fakeChecker{outstanding: map[string]string{}}
	}
	a, err := New(Config{Store: s, Objects: objects, Queue: checker, SweepThreshold: time.Minute})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return a
}

func job(recordID, key string) domain.UploadJob {
	return domain.UploadJob{
		RecordID:   recordID,
		StorageKey: key,
		Filename:   "a.pdf",
		MimeType:   "application/pdf",
		Data:       []byte("bytes"),
	}
}

func TestHandleJobSuccessCompletesRecord(t *testing.T) {
	memStore := store.NewMemoryStore()
	seedRecord(t, memStore, "r1", "uploads/k1")
	a := newWorker(t, memStore, &fakeObjectStore{}, nil)

	if err := a.HandleJob(context.Background(), job("r1", "uploads/k1")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	record, _, _ := memStore.GetRecord("r1")
	if record.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", record.Status)
	}
	if record.ObjectURL != "https://bucket/uploads/k1" {
		t.Fatalf("objectURL = %q", record.ObjectURL)
	}
}

func TestHandleJobTransferFailureMarksFailed(t *testing.T) {
	memStore := store.NewMemoryStore()
	seedRecord(t, memStore, "r1", "uploads/k1")
	a := newWorker(t, memStore, &fakeObjectStore{err: errors.New("quota exceeded")}, nil)

	// transfer errors become status writes, never handler errors
	if err := a.HandleJob(context.Background(), job("r1", "uploads/k1")); err != nil {
		t.Fatalf("transfer failure must not propagate, got %v", err)
	}

	record, _, _ := memStore.GetRecord("r1")
	if record.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want FAILED", record.Status)
	}
	if record.ObjectURL != "" {
		t.Fatalf("objectURL must be cleared on failure, got %q", record.ObjectURL)
	}
}

func TestHandleJobShutdownLeavesRecordProcessing(t *testing.T) {
	memStore := store.NewMemoryStore()
	seedRecord(t, memStore, "r1", "uploads/k1")
	a := newWorker(t, memStore, &fakeObjectStore{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// an interrupted transfer must stay pending for redelivery, not become
	// a terminal failure
	if err := a.HandleJob(ctx, job("r1", "uploads/k1")); err == nil {
		t.Fatalf("canceled transfer must propagate for redelivery")
	}
	record, _, _ := memStore.GetRecord("r1")
	if record.Status != domain.StatusProcessing {
		t.Fatalf("status = %s, want PROCESSING to survive shutdown", record.Status)
	}
	if record.ObjectURL != "" {
		t.Fatalf("objectURL must stay empty, got %q", record.ObjectURL)
	}
}

func TestHandleJobEmptyURLMarksFailed(t *testing.T) {
	memStore := store.NewMemoryStore()
	seedRecord(t, memStore, "r1", "uploads/k1")
	a := newWorker(t, memStore, &fakeObjectStore{emptyURL: true}, nil)

	if err := a.HandleJob(context.Background(), job("r1", "uploads/k1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	record, _, _ := memStore.GetRecord("r1")
	if record.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want FAILED", record.Status)
	}
}

func TestHandleJobStaleGenerationIsNoOp(t *testing.T) {
	memStore := store.NewMemoryStore()
	seedRecord(t, memStore, "r1", "uploads/k2") // already replaced
	a := newWorker(t, memStore, &fakeObjectStore{}, nil)

	if err := a.HandleJob(context.Background(), job("r1", "uploads/k1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	record, _, _ := memStore.GetRecord("r1")
	if record.Status != domain.StatusProcessing || record.ObjectURL != "" {
		t.Fatalf("stale success must not touch the record, got %+v", record)
	}

	// stale failure path too
	failing := newWorker(t, memStore, &fakeObjectStore{err: errors.New("boom")}, nil)
	if err := failing.HandleJob(context.Background(), job("r1", "uploads/k1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	record, _, _ = memStore.GetRecord("r1")
	if record.Status != domain.StatusProcessing {
		t.Fatalf("stale failure must not touch the record, got %+v", record)
	}
}

func TestHandleJobReplacementInterleaving(t *testing.T) {
	memStore := store.NewMemoryStore()
	seedRecord(t, memStore, "r1", "uploads/k1")
	a := newWorker(t, memStore, &fakeObjectStore{}, nil)
	ctx := context.Background()

	// replacement rotates the record to k2 while the k1 job is in flight
	if ok, err := memStore.RotateKey("r1", "uploads/k2", "application/pdf"); err != nil || !ok {
		t.Fatalf("rotate: ok=%v err=%v", ok, err)
	}

	if err := a.HandleJob(ctx, job("r1", "uploads/k1")); err != nil {
		t.Fatalf("handle stale: %v", err)
	}
	record, _, _ := memStore.GetRecord("r1")
	if record.Status != domain.StatusProcessing || record.StorageKey != "uploads/k2" {
		t.Fatalf("late k1 job must not clobber the k2 generation, got %+v", record)
	}

	if err := a.HandleJob(ctx, job("r1", "uploads/k2")); err != nil {
		t.Fatalf("handle current: %v", err)
	}
	record, _, _ = memStore.GetRecord("r1")
	if record.Status != domain.StatusCompleted || record.ObjectURL != "https://bucket/uploads/k2" {
		t.Fatalf("only the k2 job may complete the record, got %+v", record)
	}
}

func TestHandleJobWriteBackErrorIsReturned(t *testing.T) {
	memStore := store.NewMemoryStore()
	seedRecord(t, memStore, "r1", "uploads/k1")
	a := newWorker(t, &failingWriteStore{Store: memStore}, &fakeObjectStore{}, nil)

	// only a failed status write asks the queue for redelivery
	if err := a.HandleJob(context.Background(), job("r1", "uploads/k1")); err == nil {
		t.Fatalf("expected write-back error to propagate for redelivery")
	}
}

func TestHandleJobMixedBatch(t *testing.T) {
	memStore := store.NewMemoryStore()
	seedRecord(t, memStore, "r1", "uploads/t1-a.pdf")
	seedRecord(t, memStore, "r2", "uploads/t2-b.pdf")
	ctx := context.Background()

	ok := newWorker(t, memStore, &fakeObjectStore{}, nil)
	if err := ok.HandleJob(ctx, job("r1", "uploads/t1-a.pdf")); err != nil {
		t.Fatalf("handle r1: %v", err)
	}
	bad := newWorker(t, memStore, &fakeObjectStore{err: errors.New("network")}, nil)
	if err := bad.HandleJob(ctx, job("r2", "uploads/t2-b.pdf")); err != nil {
		t.Fatalf("handle r2: %v", err)
	}

	r1, _, _ := memStore.GetRecord("r1")
	if r1.Status != domain.StatusCompleted || r1.ObjectURL != "https://bucket/uploads/t1-a.pdf" {
		t.Fatalf("r1 = %+v", r1)
	}
	r2, _, _ := memStore.GetRecord("r2")
	if r2.Status != domain.StatusFailed || r2.ObjectURL != "" {
		t.Fatalf("r2 = %+v", r2)
	}
}

func TestReconcileFailsOrphanedRecords(t *testing.T) {
	memStore := store.NewMemoryStore()
	aged := time.Now().UTC().Add(-time.Hour)
	seedRecordAt(t, memStore, "orphan", "uploads/k1", aged)
	seedRecordAt(t, memStore, "queued", "uploads/k2", aged)

	checker := &fakeChecker{outstanding: map[string]string{"queued": "uploads/k2"}}
	a := newWorker(t, memStore, &fakeObjectStore{}, checker)

	if err := a.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	orphan, _, _ := memStore.GetRecord("orphan")
	if orphan.Status != domain.StatusFailed {
		t.Fatalf("orphan status = %s, want FAILED", orphan.Status)
	}
	queued, _, _ := memStore.GetRecord("queued")
	if queued.Status != domain.StatusProcessing {
		t.Fatalf("record with an outstanding job must be left alone, got %s", queued.Status)
	}
}

func TestReconcileSkipsFreshRecords(t *testing.T) {
	memStore := store.NewMemoryStore()
	seedRecord(t, memStore, "fresh", "uploads/k1")
	a := newWorker(t, memStore, &fakeObjectStore{}, &fakeChecker{outstanding: map[string]string{}})

	if err := a.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	fresh, _, _ := memStore.GetRecord("fresh")
	if fresh.Status != domain.StatusProcessing {
		t.Fatalf("fresh record must not be swept, got %s", fresh.Status)
	}
}
