package domain

import "errors"

// ErrNotFound reports a record that does not exist, is soft-deleted, or is
// not owned by the requesting principal. Callers match it with errors.Is.
var ErrNotFound = errors.New("record not found")
