package store

import (
	"errors"
	"sync"
	"time"

	"docvault/pkg/domain"
)

// MemoryStore keeps records in-process. It mirrors the GormStore semantics
// (batch atomicity, storage key guard, soft delete visibility) so app code
// and tests can run without Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.UploadRecord
	order   []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.UploadRecord)}
}

// CreateRecords stores the batch; on any duplicate ID or storage key nothing
// from the batch is kept.
func (m *MemoryStore) CreateRecords(records []domain.UploadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make(map[string]bool, len(m.records))
	for _, existing := range m.records {
		keys[existing.StorageKey] = true
	}
	for _, r := range records {
		if _, ok := m.records[r.ID]; ok {
			return errors.New("duplicate record id: " + r.ID)
		}
		if keys[r.StorageKey] {
			return errors.New("duplicate storage key: " + r.StorageKey)
		}
		keys[r.StorageKey] = true
	}
	for _, r := range records {
		m.records[r.ID] = r
		m.order = append(m.order, r.ID)
	}
	return nil
}

// GetRecord returns a live record by ID.
func (m *MemoryStore) GetRecord(id string) (domain.UploadRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok || r.DeletedAt != nil {
		return domain.UploadRecord{}, false, nil
	}
	return r, true, nil
}

// GetOwnedRecord returns a live record only if ownerID owns it.
func (m *MemoryStore) GetOwnedRecord(id, ownerID string) (domain.UploadRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok || r.DeletedAt != nil || r.OwnerID != ownerID {
		return domain.UploadRecord{}, false, nil
	}
	return r, true, nil
}

// ListRecords returns live records matching the filter in insertion order.
func (m *MemoryStore) ListRecords(filter domain.ListFilter) ([]domain.UploadRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]domain.UploadRecord, 0, len(m.order))
	for _, id := range m.order {
		r, ok := m.records[id]
		if !ok || r.DeletedAt != nil {
			continue
		}
		if filter.OwnerID != "" && r.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		matched = append(matched, r)
	}
	if filter.Skip > 0 {
		if filter.Skip >= len(matched) {
			return []domain.UploadRecord{}, nil
		}
		matched = matched[filter.Skip:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// RotateKey starts a new storage key generation for a live record.
func (m *MemoryStore) RotateKey(id, newKey, mimeType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.DeletedAt != nil {
		return false, nil
	}
	r.StorageKey = newKey
	r.MimeType = mimeType
	r.Status = domain.StatusProcessing
	r.ObjectURL = ""
	r.UpdatedAt = time.Now().UTC()
	m.records[id] = r
	return true, nil
}

// CompleteUpload applies the guarded COMPLETED transition.
func (m *MemoryStore) CompleteUpload(id, storageKey, objectURL string) (bool, error) {
	return m.finishUpload(id, storageKey, domain.StatusCompleted, objectURL), nil
}

// FailUpload applies the guarded FAILED transition.
func (m *MemoryStore) FailUpload(id, storageKey string) (bool, error) {
	return m.finishUpload(id, storageKey, domain.StatusFailed, ""), nil
}

func (m *MemoryStore) finishUpload(id, storageKey string, status domain.UploadStatus, objectURL string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	// Deleted records still take the write-back; the guard checks only the key.
	if !ok || r.StorageKey != storageKey {
		return false
	}
	r.Status = status
	r.ObjectURL = objectURL
	r.UpdatedAt = time.Now().UTC()
	m.records[id] = r
	return true
}

// SoftDelete hides the record owned by ownerID and reports affected rows.
func (m *MemoryStore) SoftDelete(id, ownerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.DeletedAt != nil || r.OwnerID != ownerID {
		return 0, nil
	}
	now := time.Now().UTC()
	r.DeletedAt = &now
	r.UpdatedAt = now
	m.records[id] = r
	return 1, nil
}

// ListStaleProcessing returns live PROCESSING records not updated since olderThan.
func (m *MemoryStore) ListStaleProcessing(olderThan time.Time) ([]domain.UploadRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.UploadRecord, 0)
	for _, id := range m.order {
		r, ok := m.records[id]
		if !ok || r.DeletedAt != nil {
			continue
		}
		if r.Status == domain.StatusProcessing && r.UpdatedAt.Before(olderThan) {
			res = append(res, r)
		}
	}
	return res, nil
}
