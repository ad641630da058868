package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"docvault/pkg/domain"
)

const migrateLockID int64 = 48093115

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrently starting processes do not race the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UploadRecordModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateRecords persists the batch in a single transaction.
func (s *GormStore) CreateRecords(records []domain.UploadRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, r := range records {
			model := recordToModel(r)
			if err := tx.Create(&model).Error; err != nil {
				return fmt.Errorf("create record %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// GetRecord returns a live record by ID.
func (s *GormStore) GetRecord(id string) (domain.UploadRecord, bool, error) {
	var model UploadRecordModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.UploadRecord{}, false, nil
		}
		return domain.UploadRecord{}, false, err
	}
	return recordFromModel(model), true, nil
}

// GetOwnedRecord returns a live record only if ownerID owns it.
func (s *GormStore) GetOwnedRecord(id, ownerID string) (domain.UploadRecord, bool, error) {
	var model UploadRecordModel
	if err := s.db.First(&model, "id = ? AND owner_id = ?", id, ownerID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.UploadRecord{}, false, nil
		}
		return domain.UploadRecord{}, false, err
	}
	return recordFromModel(model), true, nil
}

// ListRecords returns live records matching the filter, newest last.
func (s *GormStore) ListRecords(filter domain.ListFilter) ([]domain.UploadRecord, error) {
	tx := s.db.Order("created_at ASC")
	if filter.OwnerID != "" {
		tx = tx.Where("owner_id = ?", filter.OwnerID)
	}
	if filter.Status != "" {
		tx = tx.Where("status = ?", string(filter.Status))
	}
	if filter.Skip > 0 {
		tx = tx.Offset(filter.Skip)
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	var models []UploadRecordModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.UploadRecord, 0, len(models))
	for _, m := range models {
		res = append(res, recordFromModel(m))
	}
	return res, nil
}

// RotateKey starts a new storage key generation for a live record.
func (s *GormStore) RotateKey(id, newKey, mimeType string) (bool, error) {
	tx := s.db.Model(&UploadRecordModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"storage_key": newKey,
			"mime_type":   mimeType,
			"status":      string(domain.StatusProcessing),
			"object_url":  "",
			"updated_at":  time.Now().UTC(),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// CompleteUpload marks the record COMPLETED with its public URL, but only
// while it still carries storageKey. Unscoped: a soft-deleted record still
// takes the write-back, it just stays invisible to readers.
func (s *GormStore) CompleteUpload(id, storageKey, objectURL string) (bool, error) {
	return s.finishUpload(id, storageKey, domain.StatusCompleted, objectURL)
}

// FailUpload marks the record FAILED with a cleared URL, under the same
// storage key guard as CompleteUpload.
func (s *GormStore) FailUpload(id, storageKey string) (bool, error) {
	return s.finishUpload(id, storageKey, domain.StatusFailed, "")
}

func (s *GormStore) finishUpload(id, storageKey string, status domain.UploadStatus, objectURL string) (bool, error) {
	// Single conditional UPDATE, never read-then-write: the WHERE on
	// storage_key is what rejects stale jobs racing a replacement.
	tx := s.db.Unscoped().Model(&UploadRecordModel{}).
		Where("id = ? AND storage_key = ?", id, storageKey).
		Updates(map[string]any{
			"status":     string(status),
			"object_url": objectURL,
			"updated_at": time.Now().UTC(),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// SoftDelete hides the record owned by ownerID and reports affected rows.
func (s *GormStore) SoftDelete(id, ownerID string) (int64, error) {
	tx := s.db.Where("id = ? AND owner_id = ?", id, ownerID).Delete(&UploadRecordModel{})
	if tx.Error != nil {
		return 0, tx.Error
	}
	return tx.RowsAffected, nil
}

// ListStaleProcessing returns live PROCESSING records not updated since olderThan.
func (s *GormStore) ListStaleProcessing(olderThan time.Time) ([]domain.UploadRecord, error) {
	var models []UploadRecordModel
	if err := s.db.
		Where("status = ? AND updated_at < ?", string(domain.StatusProcessing), olderThan).
		Order("updated_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.UploadRecord, 0, len(models))
	for _, m := range models {
		res = append(res, recordFromModel(m))
	}
	return res, nil
}
