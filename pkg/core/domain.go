// Package core holds the domain types shared by the storage engine and its adapters.
package core

import (
	"fmt"
	"strings"

	"github.com/mohae/deepcopy"
)

// Reserved field names used to address document metadata from selectors and sort fields.
const (
	FieldID      = "_id"
	FieldRev     = "_rev"
	FieldDeleted = "_deleted"
)

// Attachment describes a binary blob bound to a document.
// Data is only meaningful on writes; stored documents and change events carry metadata only.
type Attachment struct {
	ContentType string `json:"content_type" yaml:"content_type"`
	Length      int64  `json:"length" yaml:"length"`
	Digest      string `json:"digest" yaml:"digest"`
	Data        []byte `json:"-" yaml:"-"`
}

// Stub returns the attachment without its payload.
func (a Attachment) Stub() Attachment {
	a.Data = nil
	return a
}

// Document is the central entity of the domain.
type Document struct {
	ID          string                `json:"id" yaml:"id"`
	Rev         string                `json:"rev,omitempty" yaml:"rev,omitempty"`
	Deleted     bool                  `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	Attachments map[string]Attachment `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Data        map[string]any        `json:"data,omitempty" yaml:"data,omitempty"`
}

// DocumentID returns the primary key of the document.
func (d Document) DocumentID() string {
	return d.ID
}

// Get resolves a field path against the document.
// The reserved names _id, _rev and _deleted address metadata; anything else is a
// dot-separated path into Data. The second result is false when the field is undefined.
func (d Document) Get(path string) (any, bool) {
	switch path {
	case FieldID:
		return d.ID, true
	case FieldRev:
		if d.Rev == "" {
			return nil, false
		}
		return d.Rev, true
	case FieldDeleted:
		return d.Deleted, true
	}

	var cur any = d.Data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Clone returns a deep copy of the document. Attachment payloads are dropped.
func (d Document) Clone() Document {
	c := Document{
		ID:      d.ID,
		Rev:     d.Rev,
		Deleted: d.Deleted,
	}
	if d.Data != nil {
		c.Data = deepcopy.Copy(d.Data).(map[string]any)
	}
	if d.Attachments != nil {
		c.Attachments = make(map[string]Attachment, len(d.Attachments))
		for k, a := range d.Attachments {
			c.Attachments[k] = a.Stub()
		}
	}
	return c
}

// Record is the row a backend persists for a document.
type Record struct {
	Document `yaml:",inline"`
	Sequence int64 `json:"sequence" yaml:"sequence"`
}

// Operation classifies a change event.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// ChangeEvent is one entry of a store's change log.
type ChangeEvent struct {
	Sequence  int64     `json:"sequence" yaml:"sequence"`
	ID        string    `json:"id" yaml:"id"`
	Operation Operation `json:"operation" yaml:"operation"`
	Doc       *Document `json:"doc,omitempty" yaml:"doc,omitempty"`
	Previous  *Document `json:"previous,omitempty" yaml:"previous,omitempty"`
	Timestamp int64     `json:"timestamp" yaml:"timestamp"` // Unix milliseconds
}

// String implements lifecycle.Event.
func (e ChangeEvent) String() string {
	return fmt.Sprintf("%d %s %s", e.Sequence, e.Operation, e.ID)
}

// Clone returns a copy of the event that shares no document state with e.
func (e ChangeEvent) Clone() ChangeEvent {
	if e.Doc != nil {
		d := e.Doc.Clone()
		e.Doc = &d
	}
	if e.Previous != nil {
		p := e.Previous.Clone()
		e.Previous = &p
	}
	return e
}

// Classify returns the operation a write produces given the stored state before it.
// A stored tombstone counts as absent: writing over it is an insert.
func Classify(previous *Document, next Document) Operation {
	switch {
	case next.Deleted:
		return OperationDelete
	case previous == nil || previous.Deleted:
		return OperationInsert
	default:
		return OperationUpdate
	}
}

// WriteRow is a single item of a bulk write.
// Previous is the document state the caller based its write on; nil means "create".
type WriteRow struct {
	Previous *Document
	Document Document
}

// BulkWriteResult splits a bulk write into stored documents and rejected items.
type BulkWriteResult struct {
	Success map[string]Document
	Error   map[string]*WriteError
}
