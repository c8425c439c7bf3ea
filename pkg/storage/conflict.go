package storage

import "github.com/aretw0/strata/pkg/core"

// conflicts applies the optimistic concurrency rule shared by document and key-object
// stores. based reports whether the writer supplied the revision it started from.
//
// A write conflicts when it names a base revision that differs from the stored one,
// names a base revision while nothing is stored, or names none while a record exists
// (tombstones included).
func conflicts(baseRev string, based bool, stored *core.Document) bool {
	switch {
	case based && stored == nil:
		return true
	case based:
		return stored.Rev != baseRev
	default:
		return stored != nil
	}
}
