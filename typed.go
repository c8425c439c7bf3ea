package strata

import (
	"context"

	"github.com/aretw0/strata/internal/platform"
	"github.com/aretw0/strata/pkg/typed"
)

// DocumentModel is a typed view of a stored document.
type DocumentModel[T any] = typed.DocumentModel[T]

// Collection gives type-safe access to a document instance.
type Collection[T any] = typed.Collection[T]

// NewCollection wraps an open instance.
func NewCollection[T any](inst *Instance) *Collection[T] {
	return typed.NewCollection[T](inst)
}

// OpenCollection opens a typed collection on s.
func OpenCollection[T any](ctx context.Context, s *Storage, p Params) (*Collection[T], error) {
	return platform.OpenCollection[T](ctx, s, p)
}
