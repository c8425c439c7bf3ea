// Package attachment implements content addressing for document attachments.
//
// Metadata ({content type, length, digest}) lives on the document; bytes live in the
// backend's blob tier keyed by (document id, attachment id, digest) and are only read
// through an explicit fetch.
package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/aretw0/strata/pkg/core"
)

// DigestPrefix tags the hash function used for digests.
const DigestPrefix = "sha256-"

// Hash returns the content digest of data. It is a pure function of the bytes.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return DigestPrefix + base64.StdEncoding.EncodeToString(sum[:])
}

// Blobs is the blob tier of a backend.
type Blobs interface {
	PutAttachment(ctx context.Context, docID, attachmentID, digest string, data []byte) error
	GetAttachment(ctx context.Context, docID, attachmentID, digest string) ([]byte, error)
}

// Store persists attachment bytes and hands back metadata.
type Store struct {
	blobs  Blobs
	logger *slog.Logger
}

// NewStore creates a Store over the given blob tier.
func NewStore(blobs Blobs, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{blobs: blobs, logger: logger}
}

// Attach persists bytes for (docID, attachmentID) and returns their metadata.
func (s *Store) Attach(ctx context.Context, docID, attachmentID string, data []byte, contentType string) (core.Attachment, error) {
	digest := Hash(data)
	if err := s.blobs.PutAttachment(ctx, docID, attachmentID, digest, data); err != nil {
		return core.Attachment{}, fmt.Errorf("failed to store attachment %s/%s: %w", docID, attachmentID, err)
	}
	s.logger.Debug("attachment stored", "doc", docID, "attachment", attachmentID, "digest", digest, "length", len(data))
	return core.Attachment{
		ContentType: contentType,
		Length:      int64(len(data)),
		Digest:      digest,
	}, nil
}

// Prepare persists every attachment carrying bytes on doc and replaces it with its
// metadata. Attachments without bytes are stubs and must reference an attachment of
// the previously stored document with the same digest.
func (s *Store) Prepare(ctx context.Context, doc *core.Document, previous *core.Document) error {
	if len(doc.Attachments) == 0 {
		return nil
	}
	out := make(map[string]core.Attachment, len(doc.Attachments))
	for id, att := range doc.Attachments {
		if att.Data != nil {
			meta, err := s.Attach(ctx, doc.ID, id, att.Data, att.ContentType)
			if err != nil {
				return err
			}
			out[id] = meta
			continue
		}

		var prev core.Attachment
		ok := false
		if previous != nil {
			prev, ok = previous.Attachments[id]
		}
		if !ok || (att.Digest != "" && att.Digest != prev.Digest) {
			return fmt.Errorf("attachment %s/%s has no data and no stored revision: %w", doc.ID, id, core.ErrNotFound)
		}
		if att.ContentType != "" {
			prev.ContentType = att.ContentType
		}
		out[id] = prev.Stub()
	}
	doc.Attachments = out
	return nil
}

// Data fetches the bytes of an attachment present on doc.
func (s *Store) Data(ctx context.Context, doc core.Document, attachmentID string) ([]byte, error) {
	att, ok := doc.Attachments[attachmentID]
	if !ok || doc.Deleted {
		return nil, fmt.Errorf("attachment %s/%s: %w", doc.ID, attachmentID, core.ErrNotFound)
	}
	data, err := s.blobs.GetAttachment(ctx, doc.ID, attachmentID, att.Digest)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment %s/%s: %w", doc.ID, attachmentID, err)
	}
	return data, nil
}
