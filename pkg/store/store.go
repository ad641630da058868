package store

import (
	"time"

	"docvault/pkg/domain"
)

// Store defines persistence operations for upload records.
//
// CompleteUpload and FailUpload are the only mutations of Status/ObjectURL
// after creation besides RotateKey; both are conditional on the record still
// carrying the storage key the job was enqueued for, so a stale job's
// write-back is a no-op. They report whether a row matched.
type Store interface {
	// CreateRecords persists the whole batch in one transaction; on error
	// no record of the batch exists.
	CreateRecords(records []domain.UploadRecord) error
	GetRecord(id string) (domain.UploadRecord, bool, error)
	GetOwnedRecord(id, ownerID string) (domain.UploadRecord, bool, error)
	ListRecords(filter domain.ListFilter) ([]domain.UploadRecord, error)

	// RotateKey moves a record to a new storage key generation: fresh key,
	// status back to PROCESSING, object URL cleared.
	RotateKey(id, newKey, mimeType string) (bool, error)
	CompleteUpload(id, storageKey, objectURL string) (bool, error)
	FailUpload(id, storageKey string) (bool, error)

	// SoftDelete hides the record from all reads and returns affected rows;
	// 0 means the record did not exist for that owner.
	SoftDelete(id, ownerID string) (int64, error)

	// ListStaleProcessing returns live PROCESSING records not touched since
	// olderThan, for the reconciliation sweep.
	ListStaleProcessing(olderThan time.Time) ([]domain.UploadRecord, error)
}
