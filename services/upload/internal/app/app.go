package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"docvault/internal/util"
	"docvault/pkg/domain"
	"docvault/pkg/events"
	"docvault/pkg/queue"
	"docvault/pkg/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// JobQueue is the narrow queue contract the coordinator needs.
type JobQueue interface {
	Enqueue(ctx context.Context, job domain.UploadJob) error
}

// Config holds runtime configuration for the upload service core.
type Config struct {
	DatabaseURL string
	Store       store.Store

	RedisAddr     string
	RedisPassword string
	QueueStream   string
	Queue         JobQueue

	Publisher events.Publisher
}

// App is the pipeline coordinator: it owns the transactional pairing of
// record creation with job enqueue, and the read/delete operations the
// HTTP layer calls into.
type App struct {
	store  store.Store
	queue  JobQueue
	events events.Publisher
}

// New constructs the coordinator with database-backed metadata storage and
// the Redis job queue.
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
	jobQueue := cfg.Queue
	if jobQueue == nil {
		q, err := queue.NewUploadQueue(queue.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.QueueStream,
		})
		if err != nil {
			return nil, fmt.Errorf("init job queue: %w", err)
		}
		jobQueue = q
	}
	return &App{
		store:  dataStore,
		queue:  jobQueue,
		events: cfg.Publisher,
	}, nil
}

// SubmitNew creates one PROCESSING record per file inside a single
// transaction, then enqueues one transfer job per file. A transaction
// failure rolls back the whole batch and enqueues nothing. Enqueue failures
// after commit are logged and left to the reconciliation sweep; the call
// still reports acceptance, since all records exist.
func (a *App) SubmitNew(ctx context.Context, ownerID string, files []domain.FileUpload) error {
	if ownerID == "" {
		return errors.New("ownerId required")
	}
	if len(files) == 0 {
		return errors.New("at least one file required")
	}
	now := time.Now().UTC()
	records := make([]domain.UploadRecord, 0, len(files))
	jobs := make([]domain.UploadJob, 0, len(files))
	for _, file := range files {
		key := buildStorageKey(file.Filename)
		record := domain.UploadRecord{
			ID:         util.NewID(),
			StorageKey: key,
			MimeType:   file.MimeType,
			Status:     domain.StatusProcessing,
			OwnerID:    ownerID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		records = append(records, record)
		jobs = append(jobs, domain.UploadJob{
			RecordID:   record.ID,
			StorageKey: key,
			Filename:   file.Filename,
			MimeType:   file.MimeType,
			Data:       file.Data,
		})
	}
	if err := a.store.CreateRecords(records); err != nil {
		return fmt.Errorf("create records: %w", err)
	}
	for _, job := range jobs {
		a.enqueueAndAnnounce(ctx, job)
	}
	return nil
}

// SubmitReplacement rotates the record to a fresh storage key generation and
// enqueues a job carrying the new key. The prior generation's object, if it
// was ever written, is orphaned; keys are never reused.
func (a *App) SubmitReplacement(ctx context.Context, recordID, ownerID string, file domain.FileUpload) error {
	if _, ok, err := a.store.GetOwnedRecord(recordID, ownerID); err != nil {
		return fmt.Errorf("get record: %w", err)
	} else if !ok {
		return domain.ErrNotFound
	}
	newKey := buildStorageKey(file.Filename)
	ok, err := a.store.RotateKey(recordID, newKey, file.MimeType)
	if err != nil {
		return fmt.Errorf("rotate key: %w", err)
	}
	if !ok {
		// deleted between the ownership check and the rotation
		return domain.ErrNotFound
	}
	a.enqueueAndAnnounce(ctx, domain.UploadJob{
		RecordID:   recordID,
		StorageKey: newKey,
		Filename:   file.Filename,
		MimeType:   file.MimeType,
		Data:       file.Data,
	})
	return nil
}

func (a *App) enqueueAndAnnounce(ctx context.Context, job domain.UploadJob) {
	if err := a.queue.Enqueue(ctx, job); err != nil {
		// The record already committed; the sweep will fail it if no job
		// ever lands.
		slog.Error("enqueue upload job failed",
			"record_id", job.RecordID, "storage_key", job.StorageKey,
			"request_id", util.RequestIDFromContext(ctx), "err", err)
		return
	}
	if a.events == nil {
		return
	}
	if err := a.events.PublishStartProcessing(ctx, domain.ProcessingEvent{
		RecordID:   job.RecordID,
		MimeType:   job.MimeType,
		StorageKey: job.StorageKey,
	}); err != nil {
		slog.Warn("publish start-of-processing failed",
			"record_id", job.RecordID,
			"request_id", util.RequestIDFromContext(ctx), "err", err)
	}
}

// GetRecord returns a live record by ID.
func (a *App) GetRecord(recordID string) (domain.UploadRecord, error) {
	record, ok, err := a.store.GetRecord(recordID)
	if err != nil {
		return domain.UploadRecord{}, fmt.Errorf("get record: %w", err)
	}
	if !ok {
		return domain.UploadRecord{}, domain.ErrNotFound
	}
	return record, nil
}

// ListRecords returns live records matching the filter, with the limit
// clamped to sane bounds.
func (a *App) ListRecords(filter domain.ListFilter) ([]domain.UploadRecord, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Skip < 0 {
		filter.Skip = 0
	}
	return a.store.ListRecords(filter)
}

// DeleteRecord soft-deletes the record and reports affected rows; 0 means
// nothing existed for that owner. An in-flight job is not canceled, its
// write-back simply lands on an invisible record.
func (a *App) DeleteRecord(recordID, ownerID string) (int64, error) {
	return a.store.SoftDelete(recordID, ownerID)
}

func buildStorageKey(filename string) string {
	return fmt.Sprintf("uploads/%s-%s", uuid.NewString(), filepath.Base(filename))
}
