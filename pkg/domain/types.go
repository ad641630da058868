package domain

import "time"

type UploadStatus string

const (
	StatusProcessing UploadStatus = "PROCESSING"
	StatusCompleted  UploadStatus = "COMPLETED"
	StatusFailed     UploadStatus = "FAILED"
)

// UploadRecord tracks one uploaded file's lifecycle. ObjectURL is empty
// unless Status is COMPLETED; DeletedAt is nil while the record is live.
type UploadRecord struct {
	ID         string       `json:"id"`
	StorageKey string       `json:"storageKey"`
	MimeType   string       `json:"mimeType"`
	Status     UploadStatus `json:"status"`
	ObjectURL  string       `json:"objectURL,omitempty"`
	OwnerID    string       `json:"ownerId"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
	DeletedAt  *time.Time   `json:"-"`
}

// FileUpload is the inbound payload contract: raw bytes plus the metadata
// captured by the HTTP layer, already validated for size and type upstream.
type FileUpload struct {
	Filename string
	MimeType string
	Data     []byte
}

// UploadJob is one unit of work for the transfer worker. StorageKey pins the
// job to the record generation it was enqueued for; a record whose key has
// since rotated must ignore this job's outcome.
type UploadJob struct {
	RecordID   string
	StorageKey string
	Filename   string
	MimeType   string
	Data       []byte
}

// ListFilter scopes ListRecords. Zero values mean "no filter"; Limit is
// clamped by the caller.
type ListFilter struct {
	OwnerID string
	Status  UploadStatus
	Skip    int
	Limit   int
}

// ProcessingEvent is the start-of-processing message published for
// downstream consumers that track metadata.
type ProcessingEvent struct {
	RecordID   string `json:"recordId"`
	MimeType   string `json:"mimeType"`
	StorageKey string `json:"storageKey"`
}

// ProcessingFailure is reported back on the event stream by downstream
// consumers when their own processing of a record fails.
type ProcessingFailure struct {
	RecordID   string `json:"recordId"`
	StorageKey string `json:"storageKey,omitempty"`
	Reason     string `json:"reason,omitempty"`
}
