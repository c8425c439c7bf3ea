package platform

import (
	"github.com/aretw0/strata/pkg/storage"
)

// New creates a Storage over the adapter selected by opts.
//
//	st, err := strata.New("./data", strata.WithAdapter("leveldb"))
//
// The URI argument is adapter-specific (e.g., the root directory for 'fs').
func New(uri string, opts ...Option) (*storage.Storage, error) {
	opener, err := Init(uri, opts...)
	if err != nil {
		return nil, err
	}

	o := apply(opts)
	var sopts []storage.Option
	if o.logger != nil {
		sopts = append(sopts, storage.WithLogger(o.logger))
	}
	if o.registerer != nil {
		sopts = append(sopts, storage.WithRegisterer(o.registerer))
	}
	return storage.New(opener, sopts...), nil
}
