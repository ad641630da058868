package queue

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"docvault/internal/util"
	"docvault/pkg/domain"
)

// UploadQueue is a durable at-least-once work queue on Redis streams.
// Consumer groups give single delivery to one consumer at a time; messages
// left pending by a crashed consumer are reclaimed via XAUTOCLAIM after
// claimIdle, so a job is redelivered rather than lost.
//
// Alongside each stream entry the queue keeps a per-record marker holding the
// storage key of that record's outstanding job. The reconciliation sweep uses
// it to spot PROCESSING records that no job will ever finish.
type UploadQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

type Config struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewUploadQueue(cfg Config) (*UploadQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &UploadQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Enqueue appends one transfer job to the stream and records the outstanding
// marker for the job's record generation.
func (q *UploadQueue) Enqueue(ctx context.Context, job domain.UploadJob) error {
	if strings.TrimSpace(job.RecordID) == "" {
		return errors.New("recordId required")
	}
	if strings.TrimSpace(job.StorageKey) == "" {
		return errors.New("storageKey required")
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: jobValues(job, 0),
	}).Err(); err != nil {
		return err
	}
	// Marker second: a failed append must not leave a marker that shields
	// the record from the reconciliation sweep for the full jobTTL.
	return q.client.Set(ctx, q.markerKey(job.RecordID), job.StorageKey, q.jobTTL).Err()
}

// HasOutstanding reports whether a job for the record's given storage key
// generation is still queued or in flight.
func (q *UploadQueue) HasOutstanding(ctx context.Context, recordID, storageKey string) (bool, error) {
	val, err := q.client.Get(ctx, q.markerKey(recordID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == storageKey, nil
}

// Start launches concurrency consumer goroutines that run until ctx is
// canceled. The handler's error controls redelivery: nil acknowledges the
// job, an error requeues it up to maxRetries before it is dropped for the
// reconciliation sweep to pick up.
func (q *UploadQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, domain.UploadJob) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

// Close releases the underlying Redis connection.
func (q *UploadQueue) Close() error {
	return q.client.Close()
}

func (q *UploadQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		// Start from "0", not "$": the enqueuing process and the consuming
		// process are separate, so entries may predate the group.
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("failed to create consumer group", "stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *UploadQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, domain.UploadJob) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *UploadQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *UploadQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, domain.UploadJob) error) {
	job, attempts, err := jobFromValues(msg.Values)
	if err != nil {
		// poison entry; drop it
		slog.Warn("discarding malformed queue entry", "stream", q.stream, "msg_id", msg.ID, "err", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if err := handler(ctx, job); err == nil {
		q.clearMarker(ctx, job)
		q.ackAndDel(ctx, msg.ID)
		return
	} else if ctx.Err() != nil {
		// shutting down; leave the message pending for reclaim after restart
		return
	} else if attempts+1 >= q.maxRetries {
		slog.Error("dropping job after max retries",
			"record_id", job.RecordID, "storage_key", job.StorageKey, "attempts", attempts+1, "err", err)
		q.clearMarker(ctx, job)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, job, attempts+1)
}

func (q *UploadQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *UploadQueue) requeueAndAck(ctx context.Context, msgID string, job domain.UploadJob, attempts int) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: jobValues(job, attempts),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

// Atomic compare-and-delete; a plain GET/DEL pair would race a replacement's
// Enqueue rotating the marker between the two commands.
var clearMarkerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// clearMarker removes the outstanding marker, but only while it still points
// at this job's generation; a replacement may have overwritten it already.
func (q *UploadQueue) clearMarker(ctx context.Context, job domain.UploadJob) {
	err := clearMarkerScript.Run(ctx, q.client, []string{q.markerKey(job.RecordID)}, job.StorageKey).Err()
	if err != nil && err != redis.Nil {
		slog.Warn("failed to clear outstanding marker",
			"record_id", job.RecordID, "storage_key", job.StorageKey, "err", err)
	}
}

func (q *UploadQueue) markerKey(recordID string) string {
	return fmt.Sprintf("outstanding:%s:%s", q.stream, recordID)
}

func jobValues(job domain.UploadJob, attempts int) map[string]any {
	return map[string]any{
		"record_id":   job.RecordID,
		"storage_key": job.StorageKey,
		"filename":    job.Filename,
		"mime_type":   job.MimeType,
		"payload":     base64.StdEncoding.EncodeToString(job.Data),
		"attempts":    strconv.Itoa(attempts),
	}
}

func jobFromValues(values map[string]any) (domain.UploadJob, int, error) {
	job := domain.UploadJob{}
	job.RecordID, _ = values["record_id"].(string)
	job.StorageKey, _ = values["storage_key"].(string)
	job.Filename, _ = values["filename"].(string)
	job.MimeType, _ = values["mime_type"].(string)
	if job.RecordID == "" || job.StorageKey == "" {
		return domain.UploadJob{}, 0, errors.New("missing record_id or storage_key")
	}
	payload, _ := values["payload"].(string)
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return domain.UploadJob{}, 0, fmt.Errorf("decode payload: %w", err)
	}
	job.Data = data
	attempts := 0
	if v, _ := values["attempts"].(string); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			attempts = n
		}
	}
	return job, attempts, nil
}
