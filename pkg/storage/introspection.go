package storage

import (
	"sort"

	"github.com/aretw0/introspection"
)

// InstanceState exposes internal state for observability.
type InstanceState struct {
	Adapter       string `json:"adapter"`
	Database      string `json:"database"`
	Collection    string `json:"collection"`
	LastSequence  int64  `json:"last_sequence"`
	Subscriptions int    `json:"subscriptions"`
	SharedHandles int    `json:"shared_handles"`
	Closed        bool   `json:"closed"`
}

// State implements introspection.Introspectable.
func (i *Instance) State() any {
	i.mu.Lock()
	subs := len(i.subs)
	i.mu.Unlock()

	refs := i.shared.handles()

	return InstanceState{
		Adapter:       i.storage.Name(),
		Database:      i.params.DatabaseName,
		Collection:    i.params.CollectionName,
		LastSequence:  i.shared.log.LastSequence(),
		Subscriptions: subs,
		SharedHandles: refs,
		Closed:        i.closed.Load(),
	}
}

// ComponentType implements introspection.Component.
func (i *Instance) ComponentType() string {
	return "storage_instance"
}

// State implements introspection.Introspectable.
func (l *LocalInstance) State() any {
	refs := l.shared.handles()

	return InstanceState{
		Adapter:       l.storage.Name(),
		Database:      l.params.DatabaseName,
		Collection:    l.params.CollectionName,
		SharedHandles: refs,
		Closed:        l.closed.Load(),
	}
}

// ComponentType implements introspection.Component.
func (l *LocalInstance) ComponentType() string {
	return "key_object_instance"
}

var _ introspection.Introspectable = (*Instance)(nil)
var _ introspection.Component = (*Instance)(nil)
var _ introspection.Introspectable = (*LocalInstance)(nil)
var _ introspection.Component = (*LocalInstance)(nil)

// StoreState describes one open logical store.
type StoreState struct {
	Namespace    string `json:"namespace"`
	Local        bool   `json:"local"`
	Handles      int    `json:"handles"`
	LastSequence int64  `json:"last_sequence,omitempty"`
	Subscribers  int    `json:"subscribers,omitempty"`
	Unpersisted  int    `json:"unpersisted,omitempty"`
}

// StorageState exposes the open stores of a Storage.
type StorageState struct {
	Adapter string       `json:"adapter"`
	Stores  []StoreState `json:"stores"`
}

// State implements introspection.Introspectable.
func (s *Storage) State() any {
	stores := s.snapshot()
	state := StorageState{Adapter: s.Name(), Stores: make([]StoreState, 0, len(stores))}
	for _, st := range stores {
		state.Stores = append(state.Stores, StoreState{
			Namespace:    st.ns.String(),
			Local:        st.ns.Local,
			Handles:      st.handles,
			LastSequence: st.lastSequence,
			Subscribers:  st.subscribers,
			Unpersisted:  st.unpersisted,
		})
	}
	sort.Slice(state.Stores, func(i, j int) bool {
		return state.Stores[i].Namespace < state.Stores[j].Namespace
	})
	return state
}

// ComponentType implements introspection.Component.
func (s *Storage) ComponentType() string {
	return "storage"
}

var _ introspection.Introspectable = (*Storage)(nil)
