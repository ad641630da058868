package app

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"docvault/pkg/domain"
	"docvault/pkg/storage"
	"docvault/pkg/store"
)

// OutstandingChecker is the queue capability the reconciliation sweep needs.
type OutstandingChecker interface {
	HasOutstanding(ctx context.Context, recordID, storageKey string) (bool, error)
}

// Config holds runtime configuration for the worker core.
type Config struct {
	DatabaseURL string
	Store       store.Store

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	Objects        storage.ObjectStore

	Queue OutstandingChecker

	TransferTimeout time.Duration
	SweepThreshold  time.Duration
}

// App consumes transfer jobs and reconciles their outcome into the record
// store. Transfer failures become FAILED status writes and never escape the
// consume loop; only a failed database write-back is returned as an error,
// so the queue redelivers and the guarded update retries safely.
type App struct {
	store           store.Store
	objects         storage.ObjectStore
	queue           OutstandingChecker
	transferTimeout time.Duration
	sweepThreshold  time.Duration
}

// New constructs the worker with database-backed metadata storage and
// MinIO object storage.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	objects := cfg.Objects
	if objects == nil {
		var err error
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, err
		}
	}
	transferTimeout := cfg.TransferTimeout
	if transferTimeout <= 0 {
		transferTimeout = 60 * time.Second
	}
	sweepThreshold := cfg.SweepThreshold
	if sweepThreshold <= 0 {
		sweepThreshold = 15 * time.Minute
	}
	return &App{
		store:           dataStore,
		objects:         objects,
		queue:           cfg.Queue,
		transferTimeout: transferTimeout,
		sweepThreshold:  sweepThreshold,
	}, nil
}

// HandleJob processes one transfer job. The returned error is non-nil only
// when the status write-back itself failed and the job should be redelivered.
func (a *App) HandleJob(ctx context.Context, job domain.UploadJob) error {
	transferCtx, cancel := context.WithTimeout(ctx, a.transferTimeout)
	defer cancel()
	url, transferErr := a.objects.Upload(transferCtx, job.StorageKey,
		bytes.NewReader(job.Data), int64(len(job.Data)), job.MimeType)
	if transferErr == nil && url == "" {
		transferErr = fmt.Errorf("object store returned empty URL")
	}

	if transferErr != nil {
		// A transfer cut short by worker shutdown is not a failure of the
		// upload; leave the job pending so it is redelivered after restart.
		// The per-transfer deadline expiring is still a real failure.
		if ctx.Err() != nil {
			return fmt.Errorf("transfer interrupted: %w", ctx.Err())
		}
		slog.Warn("transfer failed",
			"record_id", job.RecordID, "storage_key", job.StorageKey, "err", transferErr)
		matched, err := a.store.FailUpload(job.RecordID, job.StorageKey)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		if !matched {
			a.logStale(job)
		}
		return nil
	}

	matched, err := a.store.CompleteUpload(job.RecordID, job.StorageKey, url)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if !matched {
		a.logStale(job)
		return nil
	}
	slog.Info("upload completed",
		"record_id", job.RecordID, "storage_key", job.StorageKey, "url", url)
	return nil
}

// Stale jobs are an expected interleaving, not a failure: the record moved
// to a newer storage key generation while this job was in flight.
func (a *App) logStale(job domain.UploadJob) {
	slog.Info("skipping stale job for superseded generation",
		"record_id", job.RecordID, "storage_key", job.StorageKey)
}

// HandleProcessingFailed surfaces failures reported by downstream consumers
// of the event stream.
func (a *App) HandleProcessingFailed(ctx context.Context, failure domain.ProcessingFailure) error {
	slog.Warn("downstream processing failed",
		"record_id", failure.RecordID,
		"storage_key", failure.StorageKey,
		"reason", failure.Reason)
	return nil
}

// Reconcile fails PROCESSING records whose job never made it into the queue
// (enqueue failed after the record committed) or was dropped after max
// retries. Records with an outstanding job for their current generation are
// left alone.
func (a *App) Reconcile(ctx context.Context) error {
	stale, err := a.store.ListStaleProcessing(time.Now().UTC().Add(-a.sweepThreshold))
	if err != nil {
		return fmt.Errorf("list stale processing: %w", err)
	}
	for _, record := range stale {
		outstanding, err := a.queue.HasOutstanding(ctx, record.ID, record.StorageKey)
		if err != nil {
			return fmt.Errorf("check outstanding job: %w", err)
		}
		if outstanding {
			continue
		}
		matched, err := a.store.FailUpload(record.ID, record.StorageKey)
		if err != nil {
			return fmt.Errorf("fail orphaned record: %w", err)
		}
		if matched {
			slog.Warn("failed orphaned record with no outstanding job",
				"record_id", record.ID, "storage_key", record.StorageKey)
		}
	}
	return nil
}

// RunSweep runs Reconcile on the given interval until ctx is canceled.
func (a *App) RunSweep(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Reconcile(ctx); err != nil {
				slog.Error("reconciliation sweep failed", "err", err)
			}
		}
	}
}
