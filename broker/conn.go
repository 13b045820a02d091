// File: broker/conn.go
//
// Duplex control-channel connection: a single reader goroutine dispatches
// inbound calls against the local handle table and completes pending outbound
// calls; a single writer goroutine drains the outbound frame queue.

package broker

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/kenkendk/ceenhttpd-sub003/api"
)

// Conn is one control-channel connection bound to a local handle table.
// Transport-agnostic: any duplex byte stream works.
type Conn struct {
	rw    io.ReadWriteCloser
	table *HandleTable
	log   zerolog.Logger

	outMu   sync.Mutex
	outCond *sync.Cond
	out     *queue.Queue

	pendingMu sync.Mutex
	pending   map[uint32]chan *frame

	announceMu sync.Mutex
	announceFn func(Handle)

	nextCall atomic.Uint32
	closed   atomic.Bool
	done     chan struct{}
}

// NewConn wraps rw. Serve must be started before the peer sends calls.
func NewConn(rw io.ReadWriteCloser, table *HandleTable, log zerolog.Logger) *Conn {
	c := &Conn{
		rw:      rw,
		table:   table,
		log:     log,
		out:     queue.New(),
		pending: make(map[uint32]chan *frame),
		done:    make(chan struct{}),
	}
	c.outCond = sync.NewCond(&c.outMu)
	go c.writeLoop()
	return c
}

// SetAnnounceFunc registers the callback invoked when the peer announces its
// server handle (a call against the reserved zero handle).
func (c *Conn) SetAnnounceFunc(fn func(Handle)) {
	c.announceMu.Lock()
	c.announceFn = fn
	c.announceMu.Unlock()
}

// Announce tells the peer which local handle names this side's server
// instance. Sent once, before the descriptor channel handshake references it.
func (c *Conn) Announce(h Handle) error {
	_, err := c.Invoke(0, methodAnnounce, HandleValue(h))
	return err
}

// enqueue hands a frame to the writer goroutine.
func (c *Conn) enqueue(f *frame) error {
	if c.closed.Load() {
		return api.ErrChannelClosed
	}
	c.outMu.Lock()
	c.out.Add(f)
	c.outMu.Unlock()
	c.outCond.Signal()
	return nil
}

func (c *Conn) writeLoop() {
	for {
		c.outMu.Lock()
		for c.out.Length() == 0 && !c.closed.Load() {
			c.outCond.Wait()
		}
		if c.closed.Load() && c.out.Length() == 0 {
			c.outMu.Unlock()
			return
		}
		f := c.out.Remove().(*frame)
		c.outMu.Unlock()

		if err := writeFrame(c.rw, f); err != nil {
			c.log.Error().Err(err).Msg("control channel write failed")
			c.shutdown(err)
			return
		}
	}
}

// Serve runs the read loop until the stream fails or the connection is
// closed. A single malformed frame kills the whole connection.
func (c *Conn) Serve() error {
	for {
		f, err := readFrame(c.rw)
		if err != nil {
			if errors.Is(err, io.EOF) || c.closed.Load() {
				c.shutdown(api.ErrChannelClosed)
				return nil
			}
			c.shutdown(err)
			return fmt.Errorf("control channel: %w", err)
		}

		switch f.Type {
		case frameCall:
			go c.dispatch(f)
		case frameResult, frameFault:
			c.pendingMu.Lock()
			ch, ok := c.pending[f.CallID]
			if ok {
				delete(c.pending, f.CallID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- f
			} else {
				c.log.Warn().Uint32("call_id", f.CallID).Msg("response for unknown call")
			}
		default:
			err := fmt.Errorf("control channel: unknown frame type %d", f.Type)
			c.shutdown(err)
			return err
		}
	}
}

// Invoke performs a remote call against the peer's object named by handle.
// A remote fault surfaces as *api.Fault; transport failure as an error.
func (c *Conn) Invoke(h Handle, method string, args ...Value) ([]Value, error) {
	if c.closed.Load() {
		return nil, api.ErrChannelClosed
	}
	id := c.nextCall.Add(1)
	ch := make(chan *frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	err := c.enqueue(&frame{Type: frameCall, CallID: id, Handle: h, Method: method, Values: args})
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Type == frameFault {
			msg := ""
			if len(resp.Values) > 0 {
				msg = resp.Values[0].Str
			}
			return nil, &api.Fault{Method: method, Message: msg}
		}
		return resp.Values, nil
	case <-c.done:
		return nil, api.ErrChannelClosed
	}
}

// dispatch services one inbound call and enqueues its result or fault.
func (c *Conn) dispatch(f *frame) {
	values, err := c.invokeLocal(f)
	resp := &frame{Type: frameResult, CallID: f.CallID, Handle: f.Handle, Method: f.Method, Values: values}
	if err != nil {
		resp.Type = frameFault
		resp.Values = []Value{StringValue(err.Error())}
	}
	if qerr := c.enqueue(resp); qerr != nil {
		c.log.Error().Err(qerr).Str("method", f.Method).Msg("dropping response on closed channel")
	}
}

// Close tears down the connection and fails every pending call.
func (c *Conn) Close() error {
	c.shutdown(api.ErrChannelClosed)
	return nil
}

func (c *Conn) shutdown(cause error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	// Broadcast under the cond's mutex: the writer checks the closed flag
	// under outMu before parking, so taking the lock here guarantees it is
	// either not yet parked (and will re-check) or parked and woken. A bare
	// signal could fall between its check and its wait and be lost.
	c.outMu.Lock()
	c.outCond.Broadcast()
	c.outMu.Unlock()
	c.rw.Close()
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- &frame{Type: frameFault, Values: []Value{StringValue(cause.Error())}}
	}
	c.pendingMu.Unlock()
}
