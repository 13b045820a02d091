// File: api/interfaces.go
//
// Capability sets for worker wrappers, the worker-resident request server,
// and the two storage interfaces that receive automatic broker proxies.

package api

import "net"

// Worker is the supervisor-facing wrapper around a serving unit. The reload
// orchestrator only ever sees this interface; the concrete variant (in-process
// dispatcher or spawned subprocess) is selected once at startup.
type Worker interface {
	// HandleRequest hands an accepted connection to the worker. The
	// connection's descriptor travels out-of-band; after a successful return
	// the caller no longer owns conn.
	HandleRequest(conn *net.TCPConn, remote *net.TCPAddr, logTaskID string) error

	// Stop asks the worker to drain: no new dispatches are accepted, in-flight
	// requests run to completion. Idempotent.
	Stop()

	// StopDone is closed once the worker's serving task has completed, either
	// after a requested Stop or because it failed. The runner watches this to
	// detect crashes.
	StopDone() <-chan struct{}

	// Err reports why the serving task ended, nil for a clean drain.
	Err() error

	// Kill aborts the worker, including in-flight work. More severe than Stop.
	Kill() error

	// ActiveClients reports the number of requests currently being serviced.
	ActiveClients() int64
}

// RequestServer is the worker-resident object that actually services
// connections. It is registered in the broker's handle table and named by the
// ServerHandle field of the channel handshake; the excluded HTTP pipeline
// lives behind this boundary.
type RequestServer interface {
	// HandleRequestSimple services one connection. closed is closed when the
	// peer disconnects, so the handler can observe client departure without
	// polling the socket.
	HandleRequestSimple(conn net.Conn, remote net.Addr, logTaskID string, closed <-chan struct{}) error

	// Stop signals the server to finish in-flight requests and refuse new ones.
	Stop()

	// ActiveClients reports requests currently in flight.
	ActiveClients() int64
}

// StorageEntry is the storage-entry capability set. A worker holds a broker
// proxy for it, so every call lands on the supervisor's actual store.
type StorageEntry interface {
	Get(key string) (value string, found bool, err error)
	Set(key, value string) error
	Delete(key string) error
	Keys() ([]string, error)
}

// StorageCreator is the storage-creation capability set. Open returns an
// entry that, across a process boundary, is a proxy referencing the
// supervisor-owned object by handle, never a copy.
type StorageCreator interface {
	Open(name string) (StorageEntry, error)
}
