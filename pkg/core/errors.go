package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors.
var (
	ErrConflict     = errors.New("document update conflict")
	ErrNotFound     = errors.New("not found")
	ErrInvalidQuery = errors.New("invalid query")
	ErrClosed       = errors.New("storage instance is closed")
	ErrBadRequest   = errors.New("bad request")
)

// Per-item status codes reported by bulk operations.
const (
	StatusBadRequest = http.StatusBadRequest
	StatusNotFound   = http.StatusNotFound
	StatusConflict   = http.StatusConflict
)

// WriteError is a rejected bulk-write item. Status 409 is the conflict record:
// Document is the attempted write and Existing the state actually stored.
type WriteError struct {
	DocumentID string
	Status     int
	Document   Document
	Existing   *Document
	Err        error
}

// NewConflict builds the 409 record for a rejected write.
func NewConflict(attempted Document, existing *Document) *WriteError {
	return &WriteError{
		DocumentID: attempted.ID,
		Status:     StatusConflict,
		Document:   attempted,
		Existing:   existing,
		Err:        ErrConflict,
	}
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %d: %v", e.DocumentID, e.Status, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// StatusFor maps a failure to the status reported in a bulk-write result.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrConflict):
		return StatusConflict
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	default:
		return StatusBadRequest
	}
}
