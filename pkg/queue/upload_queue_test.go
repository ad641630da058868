package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"docvault/pkg/domain"
)

func TestEnqueuePayloadRoundTrip(t *testing.T) {
	q, ctx := newTestQueue(t)

	job := domain.UploadJob{
		RecordID:   "rec-1",
		StorageKey: "uploads/tok-a.pdf",
		Filename:   "a.pdf",
		MimeType:   "application/pdf",
		Data:       []byte("%PDF-1.7 payload"),
	}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msg := readOneMessage(t, q, ctx)
	got, attempts, err := jobFromValues(msg.Values)
	if err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if attempts != 0 {
		t.Fatalf("attempts = %d, want 0", attempts)
	}
	if got.RecordID != job.RecordID || got.StorageKey != job.StorageKey {
		t.Fatalf("unexpected job identity: %+v", got)
	}
	if got.Filename != job.Filename || got.MimeType != job.MimeType {
		t.Fatalf("unexpected job metadata: %+v", got)
	}
	if string(got.Data) != string(job.Data) {
		t.Fatalf("payload = %q, want %q", got.Data, job.Data)
	}

	outstanding, err := q.HasOutstanding(ctx, "rec-1", "uploads/tok-a.pdf")
	if err != nil {
		t.Fatalf("has outstanding: %v", err)
	}
	if !outstanding {
		t.Fatalf("expected outstanding marker for enqueued generation")
	}
	stale, err := q.HasOutstanding(ctx, "rec-1", "uploads/other-key")
	if err != nil {
		t.Fatalf("has outstanding: %v", err)
	}
	if stale {
		t.Fatalf("marker must not match a different storage key")
	}
}

func TestJobEnqueuedBeforeGroupCreationIsDelivered(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewUploadQueue(Config{
		Addr:     redisSrv.Addr(),
		Stream:   "test:uploads",
		Group:    "test-group",
		Consumer: "consumer-1",
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()

	// The upload service enqueues; the worker process (and its consumer
	// group) may not have started yet.
	if err := q.Enqueue(ctx, domain.UploadJob{
		RecordID:   "rec-1",
		StorageKey: "uploads/k1",
		Filename:   "a.pdf",
		MimeType:   "application/pdf",
		Data:       []byte("bytes"),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.ensureGroup(ctx)

	msg := readOneMessage(t, q, ctx)
	job, _, err := jobFromValues(msg.Values)
	if err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.RecordID != "rec-1" {
		t.Fatalf("delivered record %q, want rec-1", job.RecordID)
	}
}

func TestEnqueueLeavesNoMarkerWhenAppendFails(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewUploadQueue(Config{
		Addr:     redisSrv.Addr(),
		Stream:   "test:uploads",
		Group:    "test-group",
		Consumer: "consumer-1",
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()

	// occupy the stream key with the wrong type so XADD fails
	if err := redisSrv.Set("test:uploads", "not-a-stream"); err != nil {
		t.Fatalf("seed key: %v", err)
	}

	err = q.Enqueue(ctx, domain.UploadJob{
		RecordID:   "rec-1",
		StorageKey: "uploads/k1",
		Filename:   "a.pdf",
		MimeType:   "application/pdf",
		Data:       []byte("bytes"),
	})
	if err == nil {
		t.Fatalf("expected enqueue to fail")
	}
	outstanding, err := q.HasOutstanding(ctx, "rec-1", "uploads/k1")
	if err != nil {
		t.Fatalf("has outstanding: %v", err)
	}
	if outstanding {
		t.Fatalf("a failed append must not leave an outstanding marker")
	}
}

func TestHandleMessageAcksAfterSuccess(t *testing.T) {
	q, ctx := newTestQueue(t)
	msg := enqueueAndRead(t, q, ctx, "rec-1", "uploads/k1")

	var handled domain.UploadJob
	q.handleMessage(ctx, msg, func(_ context.Context, job domain.UploadJob) error {
		handled = job
		return nil
	})

	if handled.RecordID != "rec-1" {
		t.Fatalf("handler saw record %q, want rec-1", handled.RecordID)
	}
	assertPendingCount(t, q, ctx, 0)
	assertStreamLen(t, q, ctx, 0)
	outstanding, err := q.HasOutstanding(ctx, "rec-1", "uploads/k1")
	if err != nil {
		t.Fatalf("has outstanding: %v", err)
	}
	if outstanding {
		t.Fatalf("marker should clear after terminal handling")
	}
}

func TestHandleMessageRequeuesOnHandlerError(t *testing.T) {
	q, ctx := newTestQueue(t)
	msg := enqueueAndRead(t, q, ctx, "rec-1", "uploads/k1")

	q.handleMessage(ctx, msg, func(context.Context, domain.UploadJob) error {
		return errors.New("db write failed")
	})

	assertPendingCount(t, q, ctx, 0)
	assertStreamLen(t, q, ctx, 1)

	requeued := readOneMessage(t, q, ctx)
	_, attempts, err := jobFromValues(requeued.Values)
	if err != nil {
		t.Fatalf("decode requeued job: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	outstanding, err := q.HasOutstanding(ctx, "rec-1", "uploads/k1")
	if err != nil {
		t.Fatalf("has outstanding: %v", err)
	}
	if !outstanding {
		t.Fatalf("marker must survive a retryable failure")
	}
}

func TestHandleMessageDropsAfterMaxRetries(t *testing.T) {
	q, ctx := newTestQueue(t)
	q.maxRetries = 1
	msg := enqueueAndRead(t, q, ctx, "rec-1", "uploads/k1")

	q.handleMessage(ctx, msg, func(context.Context, domain.UploadJob) error {
		return errors.New("db write failed")
	})

	assertPendingCount(t, q, ctx, 0)
	assertStreamLen(t, q, ctx, 0)
	outstanding, err := q.HasOutstanding(ctx, "rec-1", "uploads/k1")
	if err != nil {
		t.Fatalf("has outstanding: %v", err)
	}
	if outstanding {
		t.Fatalf("marker should clear when a job is dropped")
	}
}

func TestClearMarkerKeepsNewerGeneration(t *testing.T) {
	q, ctx := newTestQueue(t)
	oldMsg := enqueueAndRead(t, q, ctx, "rec-1", "uploads/k1")

	// replacement for the same record rotates the marker to k2
	if err := q.Enqueue(ctx, domain.UploadJob{
		RecordID:   "rec-1",
		StorageKey: "uploads/k2",
		Filename:   "c.pdf",
		MimeType:   "application/pdf",
		Data:       []byte("new bytes"),
	}); err != nil {
		t.Fatalf("enqueue replacement: %v", err)
	}

	q.handleMessage(ctx, oldMsg, func(context.Context, domain.UploadJob) error {
		return nil
	})

	outstanding, err := q.HasOutstanding(ctx, "rec-1", "uploads/k2")
	if err != nil {
		t.Fatalf("has outstanding: %v", err)
	}
	if !outstanding {
		t.Fatalf("finishing a stale job must not clear the newer generation's marker")
	}
}

func TestHandleMessageDropsMalformedEntry(t *testing.T) {
	q, ctx := newTestQueue(t)
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"garbage": "yes"},
	}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	msg := readOneMessage(t, q, ctx)

	called := false
	q.handleMessage(ctx, msg, func(context.Context, domain.UploadJob) error {
		called = true
		return nil
	})

	if called {
		t.Fatalf("handler must not run for malformed entries")
	}
	assertPendingCount(t, q, ctx, 0)
	assertStreamLen(t, q, ctx, 0)
}

func newTestQueue(t *testing.T) (*UploadQueue, context.Context) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewUploadQueue(Config{
		Addr:       redisSrv.Addr(),
		Stream:     "test:uploads",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()
	q.ensureGroup(ctx)
	return q, ctx
}

func enqueueAndRead(t *testing.T, q *UploadQueue, ctx context.Context, recordID, storageKey string) redis.XMessage {
	t.Helper()
	if err := q.Enqueue(ctx, domain.UploadJob{
		RecordID:   recordID,
		StorageKey: storageKey,
		Filename:   "a.pdf",
		MimeType:   "application/pdf",
		Data:       []byte("bytes"),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return readOneMessage(t, q, ctx)
}

func readOneMessage(t *testing.T, q *UploadQueue, ctx context.Context) redis.XMessage {
	t.Helper()
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one message, got %+v", streams)
	}
	return streams[0].Messages[0]
}

func assertPendingCount(t *testing.T, q *UploadQueue, ctx context.Context, want int64) {
	t.Helper()
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != want {
		t.Fatalf("pending = %d, want %d", pending.Count, want)
	}
}

func assertStreamLen(t *testing.T, q *UploadQueue, ctx context.Context, want int64) {
	t.Helper()
	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != want {
		t.Fatalf("stream len = %d, want %d", streamLen, want)
	}
}
