package store

import (
	"time"

	"gorm.io/gorm"

	"docvault/pkg/domain"
)

// GORM model used for persistence. gorm.DeletedAt gives soft deletion:
// normal queries exclude deleted rows without an explicit predicate.
type UploadRecordModel struct {
	ID         string `gorm:"primaryKey"`
	StorageKey string `gorm:"uniqueIndex;not null"`
	MimeType   string `gorm:"not null"`
	Status     string `gorm:"not null;index"`
	ObjectURL  string
	OwnerID    string         `gorm:"not null;index"`
	CreatedAt  time.Time      `gorm:"not null"`
	UpdatedAt  time.Time      `gorm:"not null"`
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}

func recordToModel(r domain.UploadRecord) UploadRecordModel {
	m := UploadRecordModel{
		ID:         r.ID,
		StorageKey: r.StorageKey,
		MimeType:   r.MimeType,
		Status:     string(r.Status),
		ObjectURL:  r.ObjectURL,
		OwnerID:    r.OwnerID,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.DeletedAt != nil {
		m.DeletedAt = gorm.DeletedAt{Time: *r.DeletedAt, Valid: true}
	}
	return m
}

func recordFromModel(m UploadRecordModel) domain.UploadRecord {
	r := domain.UploadRecord{
		ID:         m.ID,
		StorageKey: m.StorageKey,
		MimeType:   m.MimeType,
		Status:     domain.UploadStatus(m.Status),
		ObjectURL:  m.ObjectURL,
		OwnerID:    m.OwnerID,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if m.DeletedAt.Valid {
		t := m.DeletedAt.Time
		r.DeletedAt = &t
	}
	return r
}
