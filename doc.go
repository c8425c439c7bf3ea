// Package strata is the Composition Root of the Strata storage engine.
//
// Strata offers one storage-instance contract over interchangeable backends:
// optimistic concurrency through revisions, a sequenced change log with live
// subscriptions, an embedded selector/sort query engine and content-addressed
// attachments. Upper layers (replication, live queries) build on it.
//
// Adapters:
//
//   - fs: one JSON or YAML file per document, readable and editable by hand.
//   - leveldb: an embedded LevelDB database per collection.
//   - memory: process-local, for tests and caches.
//
// Usage:
//
//	st, err := strata.New("./data", strata.WithAdapter("leveldb"))
//	users, err := st.CreateStorageInstance(ctx, strata.Params{
//		DatabaseName:   "app",
//		CollectionName: "users",
//		PrimaryKey:     "id",
//	})
//
//	res, err := users.BulkWrite(ctx, []core.WriteRow{{
//		Document: core.Document{Data: map[string]any{"id": "alice", "age": 30}},
//	}})
package strata
