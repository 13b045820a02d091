// File: broker/table.go
//
// Handle table: registration and removal under the write lock, resolution as
// a short read-lock lookup. Handles are unique for the table's lifetime and
// never reused.

package broker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kenkendk/ceenhttpd-sub003/api"
)

// Handle identifies a remote-referenceable object in a peer's table.
type Handle int64

// HandleTable maps handles to locally owned objects. Instance-scoped: every
// supervisor or worker builds its own table, nothing is process-global.
type HandleTable struct {
	mu      sync.RWMutex
	objects map[Handle]any
	next    atomic.Int64
}

// NewHandleTable returns an empty table. Handle zero is never issued.
func NewHandleTable() *HandleTable {
	return &HandleTable{objects: make(map[Handle]any)}
}

// RegisterLocal assigns a fresh handle to obj and stores it. The object
// remains exclusively owned by this side.
func (t *HandleTable) RegisterLocal(obj any) Handle {
	h := Handle(t.next.Add(1))
	t.mu.Lock()
	t.objects[h] = obj
	t.mu.Unlock()
	return h
}

// Resolve looks up a previously registered object.
func (t *HandleTable) Resolve(h Handle) (any, error) {
	t.mu.RLock()
	obj, ok := t.objects[h]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", api.ErrUnknownHandle, h)
	}
	return obj, nil
}

// Release removes a handle. The handle value is retired, not recycled.
func (t *HandleTable) Release(h Handle) {
	t.mu.Lock()
	delete(t.objects, h)
	t.mu.Unlock()
}

// Len reports the number of live registrations.
func (t *HandleTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.objects)
}

// ResolveServer resolves h and requires the request-server capability set.
func (t *HandleTable) ResolveServer(h Handle) (api.RequestServer, error) {
	obj, err := t.Resolve(h)
	if err != nil {
		return nil, err
	}
	srv, ok := obj.(api.RequestServer)
	if !ok {
		return nil, fmt.Errorf("%w: %d is not a request server", api.ErrWrongCapability, h)
	}
	return srv, nil
}

// ResolveEntry resolves h and requires the storage-entry capability set.
func (t *HandleTable) ResolveEntry(h Handle) (api.StorageEntry, error) {
	obj, err := t.Resolve(h)
	if err != nil {
		return nil, err
	}
	entry, ok := obj.(api.StorageEntry)
	if !ok {
		return nil, fmt.Errorf("%w: %d is not a storage entry", api.ErrWrongCapability, h)
	}
	return entry, nil
}

// ResolveCreator resolves h and requires the storage-creation capability set.
func (t *HandleTable) ResolveCreator(h Handle) (api.StorageCreator, error) {
	obj, err := t.Resolve(h)
	if err != nil {
		return nil, err
	}
	creator, ok := obj.(api.StorageCreator)
	if !ok {
		return nil, fmt.Errorf("%w: %d is not a storage creator", api.ErrWrongCapability, h)
	}
	return creator, nil
}
