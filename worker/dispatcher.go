// File: worker/dispatcher.go
//
// Worker-side receive loop: takes transferred descriptors off the channel,
// registers them with the event reactor for disconnect detection, and hands
// them to the resolved request server.

package worker

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/kenkendk/ceenhttpd-sub003/api"
	"github.com/kenkendk/ceenhttpd-sub003/broker"
	"github.com/kenkendk/ceenhttpd-sub003/fdpass"
	"github.com/kenkendk/ceenhttpd-sub003/protocol"
	"github.com/kenkendk/ceenhttpd-sub003/reactor"
)

// Dispatcher is one worker's serving loop over a descriptor channel.
type Dispatcher struct {
	channel *fdpass.Channel
	table   *broker.HandleTable
	mux     reactor.EventReactor
	log     zerolog.Logger

	state  atomic.Int32
	active atomic.Int64
	wg     sync.WaitGroup

	watchMu sync.Mutex
	watches map[uintptr]*watchEntry

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error
}

// watchEntry tracks one registered descriptor and its reader-closed signal.
// Holding the *os.File keeps the original descriptor alive for the reactor
// until the watch is dropped.
type watchEntry struct {
	file   *os.File
	closed chan struct{}
	once   sync.Once
}

// NewDispatcher builds a dispatcher over an established channel. The handle
// table must contain the request server the peer's handshake will name; mux
// is the startup-selected event reactor.
func NewDispatcher(channel *fdpass.Channel, table *broker.HandleTable, mux reactor.EventReactor, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		channel: channel,
		table:   table,
		mux:     mux,
		log:     log,
		watches: make(map[uintptr]*watchEntry),
		done:    make(chan struct{}),
	}
}

// State reports the dispatcher's lifecycle position.
func (d *Dispatcher) State() State { return State(d.state.Load()) }

// ActiveClients reports requests currently being serviced. Incremented on
// dispatch, decremented on completion; read without mutation.
func (d *Dispatcher) ActiveClients() int64 { return d.active.Load() }

// Done is closed when the serving loop has fully ended.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Err reports why the loop ended; nil after a requested drain.
func (d *Dispatcher) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

// Run executes the full state machine and blocks until the loop ends.
// Returns the fatal error, nil for a clean drain.
func (d *Dispatcher) Run() error {
	d.state.Store(int32(StateAwaitingHandshake))

	srv, err := d.verifyHandshake()
	if err != nil {
		d.mux.Close()
		return d.fail(err)
	}
	d.state.Store(int32(StateVerified))

	muxDone := make(chan struct{})
	go d.watchLoop(muxDone)

	d.state.Store(int32(StateServing))
	err = d.serve(srv)

	// Let in-flight requests finish before declaring the loop ended.
	d.wg.Wait()
	d.mux.Close()
	<-muxDone
	d.dropAllWatches()

	if err != nil {
		return d.fail(err)
	}
	d.state.Store(int32(StateStopped))
	d.doneOnce.Do(func() { close(d.done) })
	return nil
}

// verifyHandshake reads the one handshake frame and checks all three trust
// conditions: version, request signature, and a resolvable server handle
// with the right capability set. Any mismatch is fatal for this worker.
func (d *Dispatcher) verifyHandshake() (api.RequestServer, error) {
	h, err := d.channel.ReadHandshake()
	if err != nil {
		return nil, err
	}
	if err := h.VerifySignature(protocol.RequestSignature); err != nil {
		return nil, err
	}
	srv, err := d.table.ResolveServer(broker.Handle(h.ServerHandle))
	if err != nil {
		return nil, err
	}
	d.log.Debug().Int64("server_handle", h.ServerHandle).Msg("handshake verified")
	return srv, nil
}

// serve is the Serving loop. One receive or dispatch error terminates the
// whole loop: a corrupted frame means channel desynchronization, not a
// recoverable per-request failure.
func (d *Dispatcher) serve(srv api.RequestServer) error {
	for {
		fd, meta, err := d.channel.Receive()
		if err != nil {
			if errors.Is(err, api.ErrChannelClosed) {
				// Peer closed the channel: this is the drain signal.
				d.state.Store(int32(StateDraining))
				return nil
			}
			return err
		}
		if err := d.dispatch(srv, fd, meta); err != nil {
			return err
		}
	}
}

// dispatch wires one received descriptor into a net.Conn, arms disconnect
// detection, and invokes the server in its own task.
func (d *Dispatcher) dispatch(srv api.RequestServer, fd int, meta *protocol.SocketRequest) error {
	file := os.NewFile(uintptr(fd), "handoff-conn")
	conn, err := net.FileConn(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("dispatch: wrap descriptor: %w", err)
	}

	// net.FileConn duplicated the descriptor; the original stays registered
	// with the reactor for peer-close detection and is released by the watch.
	watch := &watchEntry{file: file, closed: make(chan struct{})}
	d.watchMu.Lock()
	d.watches[uintptr(fd)] = watch
	d.watchMu.Unlock()
	if err := d.mux.Register(uintptr(fd), uintptr(fd)); err != nil {
		d.dropWatch(uintptr(fd), false)
		conn.Close()
		return fmt.Errorf("dispatch: register descriptor: %w", err)
	}

	remote := &net.TCPAddr{IP: net.ParseIP(meta.RemoteIP), Port: int(meta.RemotePort)}
	d.active.Add(1)
	d.wg.Add(1)
	go func() {
		defer func() {
			d.active.Add(-1)
			d.wg.Done()
			conn.Close()
			d.dropWatch(uintptr(fd), true)
		}()
		if err := srv.HandleRequestSimple(conn, remote, meta.LogTaskID, watch.closed); err != nil {
			d.log.Warn().Err(err).Str("task", meta.LogTaskID).Msg("request handler failed")
		}
	}()
	return nil
}

// watchLoop waits on the reactor and fires reader-closed signals. It ends
// when the reactor is closed underneath it.
func (d *Dispatcher) watchLoop(done chan<- struct{}) {
	defer close(done)
	events := make([]reactor.Event, 64)
	for {
		n, err := d.mux.Wait(events, 500)
		if err != nil {
			return
		}
		for i := 0; i < n; i++ {
			if events[i].Closed {
				d.signalClosed(events[i].Fd)
			}
		}
	}
}

func (d *Dispatcher) signalClosed(fd uintptr) {
	d.watchMu.Lock()
	w := d.watches[fd]
	d.watchMu.Unlock()
	if w != nil {
		w.once.Do(func() { close(w.closed) })
	}
}

// dropWatch removes a descriptor from the watch set and closes the original
// descriptor. unregister is false when registration itself failed.
func (d *Dispatcher) dropWatch(fd uintptr, unregister bool) {
	d.watchMu.Lock()
	w := d.watches[fd]
	delete(d.watches, fd)
	d.watchMu.Unlock()
	if w == nil {
		return
	}
	if unregister {
		_ = d.mux.Unregister(fd)
	}
	w.once.Do(func() { close(w.closed) })
	w.file.Close()
}

func (d *Dispatcher) dropAllWatches() {
	d.watchMu.Lock()
	fds := make([]uintptr, 0, len(d.watches))
	for fd := range d.watches {
		fds = append(fds, fd)
	}
	d.watchMu.Unlock()
	for _, fd := range fds {
		d.dropWatch(fd, false)
	}
}

// Stop asks the serving loop to drain by closing the channel; descriptors
// already dispatched keep running.
func (d *Dispatcher) Stop() {
	d.state.Store(int32(StateDraining))
	d.channel.Close()
}

func (d *Dispatcher) fail(err error) error {
	d.errMu.Lock()
	d.err = err
	d.errMu.Unlock()
	d.state.Store(int32(StateStopped))
	d.channel.Close()
	d.log.Error().Err(err).Msg("dispatcher terminated")
	d.doneOnce.Do(func() { close(d.done) })
	return err
}
