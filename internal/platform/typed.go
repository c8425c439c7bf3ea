package platform

import (
	"context"

	"github.com/aretw0/strata/pkg/storage"
	"github.com/aretw0/strata/pkg/typed"
)

// OpenCollection opens a document instance on s and wraps it in a typed collection.
// Closing the returned instance releases the collection.
func OpenCollection[T any](ctx context.Context, s *storage.Storage, p storage.Params) (*typed.Collection[T], error) {
	inst, err := s.CreateStorageInstance(ctx, p)
	if err != nil {
		return nil, err
	}
	return typed.NewCollection[T](inst), nil
}
