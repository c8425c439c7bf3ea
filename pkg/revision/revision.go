// Package revision generates and parses MVCC revision identifiers of the form
// "<generation>-<digest>".
package revision

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/aretw0/strata/pkg/core"
)

// ErrInvalidRevision is returned for strings that are not "<generation>-<digest>".
var ErrInvalidRevision = errors.New("invalid revision")

// digestSize is the BLAKE2b output size in bytes (32 hex characters).
const digestSize = 16

// Revision is a parsed revision identifier.
type Revision struct {
	Generation int
	Digest     string
}

func (r Revision) String() string {
	return strconv.Itoa(r.Generation) + "-" + r.Digest
}

// Parse splits a revision string into generation and digest.
func Parse(rev string) (Revision, error) {
	gen, digest, ok := strings.Cut(rev, "-")
	if !ok || digest == "" {
		return Revision{}, fmt.Errorf("%w: %q", ErrInvalidRevision, rev)
	}
	n, err := strconv.Atoi(gen)
	if err != nil || n < 1 {
		return Revision{}, fmt.Errorf("%w: %q", ErrInvalidRevision, rev)
	}
	return Revision{Generation: n, Digest: digest}, nil
}

// body is the hashed view of a document. The revision itself is excluded.
type body struct {
	ID          string                     `json:"id"`
	Deleted     bool                       `json:"deleted"`
	Attachments map[string]core.Attachment `json:"attachments,omitempty"`
	Data        map[string]any             `json:"data,omitempty"`
}

// Digest hashes the document body. encoding/json writes map keys sorted, so equal
// bodies always produce equal digests.
func Digest(doc core.Document) (string, error) {
	data, err := json.Marshal(body{
		ID:          doc.ID,
		Deleted:     doc.Deleted,
		Attachments: doc.Attachments,
		Data:        doc.Data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
	}
	h, err := blake2b.New(digestSize, nil)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Next computes the revision that follows previous for the given document body.
// An empty previous starts a new lineage at generation 1.
func Next(previous string, doc core.Document) (string, error) {
	gen := 0
	if previous != "" {
		prev, err := Parse(previous)
		if err != nil {
			return "", err
		}
		gen = prev.Generation
	}
	digest, err := Digest(doc)
	if err != nil {
		return "", err
	}
	return Revision{Generation: gen + 1, Digest: digest}.String(), nil
}

// Compare orders revisions by generation, then digest. Malformed revisions sort first.
func Compare(a, b string) int {
	ra, errA := Parse(a)
	rb, errB := Parse(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	if ra.Generation != rb.Generation {
		if ra.Generation < rb.Generation {
			return -1
		}
		return 1
	}
	return strings.Compare(ra.Digest, rb.Digest)
}
