// File: broker/proxy.go
//
// Automatic proxies for the storage capability sets, plus the server-side
// dispatch that backs them. A proxy forwards each method as a control-channel
// call carrying the object's handle; the object itself never moves.

package broker

import (
	"fmt"

	"github.com/kenkendk/ceenhttpd-sub003/api"
)

// Method names carried on the wire for the proxied capability sets.
const (
	methodGet           = "Get"
	methodSet           = "Set"
	methodDelete        = "Delete"
	methodKeys          = "Keys"
	methodOpen          = "Open"
	methodStop          = "Stop"
	methodActiveClients = "ActiveClients"
	methodAnnounce      = "Announce"
)

// invokeLocal resolves the target handle in the local table and executes the
// named method. Capability checking happens here: a handle naming the wrong
// kind of object faults the call, never the table.
func (c *Conn) invokeLocal(f *frame) ([]Value, error) {
	// Handle zero is reserved for the announce rendezvous; it never names a
	// table entry.
	if f.Handle == 0 && f.Method == methodAnnounce {
		if len(f.Values) != 1 || f.Values[0].Kind != valHandle {
			return nil, fmt.Errorf("Announce: want 1 handle arg")
		}
		c.announceMu.Lock()
		fn := c.announceFn
		c.announceMu.Unlock()
		if fn == nil {
			return nil, fmt.Errorf("Announce: no receiver registered")
		}
		fn(f.Values[0].Handle)
		return nil, nil
	}

	obj, err := c.table.Resolve(f.Handle)
	if err != nil {
		return nil, err
	}

	switch f.Method {
	case methodGet, methodSet, methodDelete, methodKeys:
		entry, ok := obj.(api.StorageEntry)
		if !ok {
			return nil, fmt.Errorf("%w: %d is not a storage entry", api.ErrWrongCapability, f.Handle)
		}
		return c.invokeEntry(entry, f)
	case methodOpen:
		creator, ok := obj.(api.StorageCreator)
		if !ok {
			return nil, fmt.Errorf("%w: %d is not a storage creator", api.ErrWrongCapability, f.Handle)
		}
		return c.invokeCreator(creator, f)
	case methodStop, methodActiveClients:
		srv, ok := obj.(api.RequestServer)
		if !ok {
			return nil, fmt.Errorf("%w: %d is not a request server", api.ErrWrongCapability, f.Handle)
		}
		return c.invokeServer(srv, f)
	default:
		return nil, fmt.Errorf("unknown method %q", f.Method)
	}
}

func (c *Conn) invokeEntry(entry api.StorageEntry, f *frame) ([]Value, error) {
	switch f.Method {
	case methodGet:
		if len(f.Values) != 1 {
			return nil, fmt.Errorf("Get: want 1 arg, got %d", len(f.Values))
		}
		val, found, err := entry.Get(f.Values[0].Str)
		if err != nil {
			return nil, err
		}
		return []Value{StringValue(val), BoolValue(found)}, nil
	case methodSet:
		if len(f.Values) != 2 {
			return nil, fmt.Errorf("Set: want 2 args, got %d", len(f.Values))
		}
		return nil, entry.Set(f.Values[0].Str, f.Values[1].Str)
	case methodDelete:
		if len(f.Values) != 1 {
			return nil, fmt.Errorf("Delete: want 1 arg, got %d", len(f.Values))
		}
		return nil, entry.Delete(f.Values[0].Str)
	default: // methodKeys
		keys, err := entry.Keys()
		if err != nil {
			return nil, err
		}
		out := make([]Value, len(keys))
		for i, k := range keys {
			out[i] = StringValue(k)
		}
		return out, nil
	}
}

// invokeCreator opens an entry and registers it locally; only the fresh
// handle crosses the wire, preserving reference semantics.
func (c *Conn) invokeCreator(creator api.StorageCreator, f *frame) ([]Value, error) {
	if len(f.Values) != 1 {
		return nil, fmt.Errorf("Open: want 1 arg, got %d", len(f.Values))
	}
	entry, err := creator.Open(f.Values[0].Str)
	if err != nil {
		return nil, err
	}
	h := c.table.RegisterLocal(entry)
	return []Value{HandleValue(h)}, nil
}

func (c *Conn) invokeServer(srv api.RequestServer, f *frame) ([]Value, error) {
	switch f.Method {
	case methodStop:
		srv.Stop()
		return nil, nil
	default: // methodActiveClients
		return []Value{IntValue(srv.ActiveClients())}, nil
	}
}

// StorageEntryProxy is the client stub for a peer-owned storage entry.
type StorageEntryProxy struct {
	conn   *Conn
	handle Handle
}

var _ api.StorageEntry = (*StorageEntryProxy)(nil)

// NewStorageEntryProxy binds a proxy to a peer-side entry handle.
func NewStorageEntryProxy(conn *Conn, h Handle) *StorageEntryProxy {
	return &StorageEntryProxy{conn: conn, handle: h}
}

// Handle returns the peer-side handle this proxy refers to.
func (p *StorageEntryProxy) Handle() Handle { return p.handle }

func (p *StorageEntryProxy) Get(key string) (string, bool, error) {
	res, err := p.conn.Invoke(p.handle, methodGet, StringValue(key))
	if err != nil {
		return "", false, err
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("Get: malformed result (%d values)", len(res))
	}
	return res[0].Str, res[1].Bool, nil
}

func (p *StorageEntryProxy) Set(key, value string) error {
	_, err := p.conn.Invoke(p.handle, methodSet, StringValue(key), StringValue(value))
	return err
}

func (p *StorageEntryProxy) Delete(key string) error {
	_, err := p.conn.Invoke(p.handle, methodDelete, StringValue(key))
	return err
}

func (p *StorageEntryProxy) Keys() ([]string, error) {
	res, err := p.conn.Invoke(p.handle, methodKeys)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(res))
	for i, v := range res {
		keys[i] = v.Str
	}
	return keys, nil
}

// StorageCreatorProxy is the client stub for a peer-owned storage creator.
// Open hands back an entry proxy wrapping the handle the peer returned.
type StorageCreatorProxy struct {
	conn   *Conn
	handle Handle
}

var _ api.StorageCreator = (*StorageCreatorProxy)(nil)

// NewStorageCreatorProxy binds a proxy to a peer-side creator handle.
func NewStorageCreatorProxy(conn *Conn, h Handle) *StorageCreatorProxy {
	return &StorageCreatorProxy{conn: conn, handle: h}
}

func (p *StorageCreatorProxy) Open(name string) (api.StorageEntry, error) {
	res, err := p.conn.Invoke(p.handle, methodOpen, StringValue(name))
	if err != nil {
		return nil, err
	}
	if len(res) != 1 || res[0].Kind != valHandle {
		return nil, fmt.Errorf("Open: peer returned no handle")
	}
	return NewStorageEntryProxy(p.conn, res[0].Handle), nil
}

// ServerProxy is the supervisor-side stub for the worker's request server,
// used for lifecycle calls over the control channel.
type ServerProxy struct {
	conn   *Conn
	handle Handle
}

// NewServerProxy binds a proxy to the worker's server handle.
func NewServerProxy(conn *Conn, h Handle) *ServerProxy {
	return &ServerProxy{conn: conn, handle: h}
}

// Stop asks the remote server to drain.
func (p *ServerProxy) Stop() error {
	_, err := p.conn.Invoke(p.handle, methodStop)
	return err
}

// ActiveClients reads the remote server's in-flight request count.
func (p *ServerProxy) ActiveClients() (int64, error) {
	res, err := p.conn.Invoke(p.handle, methodActiveClients)
	if err != nil {
		return 0, err
	}
	if len(res) != 1 {
		return 0, fmt.Errorf("ActiveClients: malformed result")
	}
	return res[0].Int, nil
}
