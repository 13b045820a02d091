// File: worker/inprocess.go
//
// In-process worker variant: the dispatcher runs in a goroutine of the
// supervisor's own process, but connections still travel through a real
// socketpair descriptor transfer, so both variants share one wire path.

package worker

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kenkendk/ceenhttpd-sub003/api"
	"github.com/kenkendk/ceenhttpd-sub003/broker"
	"github.com/kenkendk/ceenhttpd-sub003/fdpass"
	"github.com/kenkendk/ceenhttpd-sub003/protocol"
	"github.com/kenkendk/ceenhttpd-sub003/reactor"
)

// InProcess wraps a dispatcher goroutine behind the api.Worker contract.
type InProcess struct {
	srv      api.RequestServer
	supChan  *fdpass.Channel
	disp     *Dispatcher
	log      zerolog.Logger
	stopOnce sync.Once
}

var _ api.Worker = (*InProcess)(nil)

// NewInProcess starts an in-process worker serving srv. The returned worker
// has already completed the channel handshake.
func NewInProcess(srv api.RequestServer, log zerolog.Logger) (*InProcess, error) {
	supEnd, wrkEnd, err := fdpass.Pair()
	if err != nil {
		return nil, err
	}
	mux, err := reactor.New()
	if err != nil {
		supEnd.Close()
		wrkEnd.Close()
		return nil, err
	}

	table := broker.NewHandleTable()
	handle := table.RegisterLocal(srv)

	w := &InProcess{
		srv:     srv,
		supChan: supEnd,
		disp:    NewDispatcher(wrkEnd, table, mux, log),
		log:     log,
	}
	go w.disp.Run()

	err = supEnd.WriteHandshake(&protocol.Handshake{
		Version:      protocol.HandshakeVersion,
		ServerHandle: int64(handle),
		Signature:    protocol.RequestSignature,
	})
	if err != nil {
		w.Kill()
		return nil, err
	}
	return w, nil
}

// HandleRequest transfers the accepted connection's descriptor to the
// dispatcher. The caller's conn is closed either way.
func (w *InProcess) HandleRequest(conn *net.TCPConn, remote *net.TCPAddr, logTaskID string) error {
	file, err := conn.File()
	conn.Close()
	if err != nil {
		return &api.TransferError{Op: "dup", Cause: err}
	}
	defer file.Close()

	meta := &protocol.SocketRequest{
		LocalHandle: int32(file.Fd()),
		RemoteIP:    remote.IP.String(),
		RemotePort:  int32(remote.Port),
		LogTaskID:   logTaskID,
	}
	return w.supChan.Transfer(int(file.Fd()), meta)
}

// Stop drains: the channel closes so the dispatcher accepts no new
// dispatches, the server finishes what it has.
func (w *InProcess) Stop() {
	w.stopOnce.Do(func() {
		w.srv.Stop()
		w.supChan.Close()
		w.disp.Stop()
	})
}

// StopDone is closed when the dispatcher's serving loop has ended.
func (w *InProcess) StopDone() <-chan struct{} { return w.disp.Done() }

// Err reports the dispatcher's terminal error, nil after a clean drain.
func (w *InProcess) Err() error { return w.disp.Err() }

// Kill aborts intake immediately. In-flight handler goroutines cannot be
// forcibly terminated in-process; they run to completion.
func (w *InProcess) Kill() error {
	w.supChan.Close()
	w.disp.Stop()
	return nil
}

// ActiveClients reports in-flight requests on the dispatcher.
func (w *InProcess) ActiveClients() int64 { return w.disp.ActiveClients() }

// Dispatcher exposes the underlying dispatcher for state inspection.
func (w *InProcess) Dispatcher() *Dispatcher { return w.disp }

// String identifies the variant in logs.
func (w *InProcess) String() string { return fmt.Sprintf("in-process worker (%s)", w.disp.State()) }
