// File: worker/subprocess.go
//
// Subprocess worker variant. The supervisor listens on one unix socket; the
// spawned worker dials it twice, in a fixed order. The first connection
// becomes the control channel and carries the worker's server-handle
// announcement, the second becomes the descriptor channel and receives the
// handshake naming that handle.

//go:build unix

package worker

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kenkendk/ceenhttpd-sub003/api"
	"github.com/kenkendk/ceenhttpd-sub003/broker"
	"github.com/kenkendk/ceenhttpd-sub003/fdpass"
	"github.com/kenkendk/ceenhttpd-sub003/protocol"
	"github.com/kenkendk/ceenhttpd-sub003/reactor"
)

// rendezvousTimeout bounds how long the supervisor waits for the spawned
// worker to connect and announce itself.
const rendezvousTimeout = 10 * time.Second

// Subprocess runs the dispatcher in a spawned process and drives it through
// the control channel and the descriptor channel.
type Subprocess struct {
	cmd     *exec.Cmd
	ctrl    *broker.Conn
	proxy   *broker.ServerProxy
	channel *fdpass.Channel
	log     zerolog.Logger

	stopOnce sync.Once
	stopped  atomic.Bool
	done     chan struct{}
	errMu    sync.Mutex
	err      error
}

var _ api.Worker = (*Subprocess)(nil)

// NewSubprocess starts cmd and completes the two-connection rendezvous over
// the socket at path. The spawned process is expected to call ServeChild
// against the same path. The command's process group attributes are set here;
// everything else (binary, args, env, stdio) is the caller's.
func NewSubprocess(cmd *exec.Cmd, path string, abstract bool, log zerolog.Logger) (*Subprocess, error) {
	ln, err := fdpass.Listen(path, abstract)
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = childProcAttr()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	w := &Subprocess{cmd: cmd, log: log, done: make(chan struct{})}
	if err := w.rendezvous(ln); err != nil {
		w.killProcess()
		cmd.Wait()
		return nil, err
	}
	go w.reap()
	return w, nil
}

// rendezvous accepts both connections, waits for the announce, and sends the
// descriptor-channel handshake.
func (w *Subprocess) rendezvous(ln *fdpass.Listener) error {
	ln.SetDeadline(time.Now().Add(rendezvousTimeout))

	ctrlCh, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("worker rendezvous (control): %w", err)
	}
	announced := make(chan broker.Handle, 1)
	table := broker.NewHandleTable()
	w.ctrl = broker.NewConn(ctrlCh.Stream(), table, w.log)
	w.ctrl.SetAnnounceFunc(func(h broker.Handle) {
		select {
		case announced <- h:
		default:
		}
	})
	go w.ctrl.Serve()

	w.channel, err = ln.Accept()
	if err != nil {
		return fmt.Errorf("worker rendezvous (descriptor): %w", err)
	}

	var handle broker.Handle
	select {
	case handle = <-announced:
	case <-time.After(rendezvousTimeout):
		return errors.New("worker rendezvous: no server handle announced")
	}

	err = w.channel.WriteHandshake(&protocol.Handshake{
		Version:      protocol.HandshakeVersion,
		ServerHandle: int64(handle),
		Signature:    protocol.RequestSignature,
	})
	if err != nil {
		return err
	}
	w.proxy = broker.NewServerProxy(w.ctrl, handle)
	return nil
}

// reap waits for the process and classifies the exit: requested stops end
// clean, anything else is a crash.
func (w *Subprocess) reap() {
	werr := w.cmd.Wait()
	if !w.stopped.Load() {
		if werr == nil {
			werr = errors.New("worker process exited unexpectedly")
		} else {
			werr = fmt.Errorf("worker process exited: %w", werr)
		}
		w.errMu.Lock()
		w.err = werr
		w.errMu.Unlock()
	}
	w.ctrl.Close()
	w.channel.Close()
	close(w.done)
}

// HandleRequest transfers the accepted connection's descriptor to the worker
// process. The caller's conn is closed either way.
func (w *Subprocess) HandleRequest(conn *net.TCPConn, remote *net.TCPAddr, logTaskID string) error {
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
	return w.channel.Transfer(int(file.Fd()), meta)
}

// Stop initiates a drain: the remote server is told to stop and the
// descriptor channel closes, so the worker finishes in-flight requests and
// exits on its own.
func (w *Subprocess) Stop() {
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		if err := w.proxy.Stop(); err != nil && !errors.Is(err, api.ErrChannelClosed) {
			w.log.Warn().Err(err).Msg("remote stop call failed")
		}
		w.channel.Close()
	})
}

// StopDone is closed once the worker process has been reaped.
func (w *Subprocess) StopDone() <-chan struct{} { return w.done }

// Err reports why the worker ended, nil after a requested stop.
func (w *Subprocess) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Kill forcibly terminates the worker's whole process group.
func (w *Subprocess) Kill() error {
	w.stopped.Store(true)
	err := w.killProcess()
	w.channel.Close()
	w.ctrl.Close()
	return err
}

func (w *Subprocess) killProcess() error {
	if w.cmd.Process == nil {
		return nil
	}
	if err := killGroup(w.cmd.Process.Pid); err != nil {
		return w.cmd.Process.Kill()
	}
	return nil
}

// ActiveClients queries the worker over the control channel; an unreachable
// worker counts as idle.
func (w *Subprocess) ActiveClients() int64 {
	n, err := w.proxy.ActiveClients()
	if err != nil {
		return 0
	}
	return n
}

// Pid reports the worker process id.
func (w *Subprocess) Pid() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// ServeChild is the worker-process side of the rendezvous: dial the control
// channel, announce the server handle, dial the descriptor channel, and run
// the dispatcher until drained or failed. Call this from the spawned
// process's main.
func ServeChild(path string, abstract bool, srv api.RequestServer, log zerolog.Logger) error {
	ctrlCh, err := fdpass.Dial(path, abstract)
	if err != nil {
		return err
	}
	table := broker.NewHandleTable()
	handle := table.RegisterLocal(srv)
	ctrl := broker.NewConn(ctrlCh.Stream(), table, log)
	defer ctrl.Close()
	go ctrl.Serve()

	if err := ctrl.Announce(handle); err != nil {
		return fmt.Errorf("announce server handle: %w", err)
	}

	dataCh, err := fdpass.Dial(path, abstract)
	if err != nil {
		return err
	}
	mux, err := reactor.New()
	if err != nil {
		dataCh.Close()
		return err
	}
	return NewDispatcher(dataCh, table, mux, log).Run()
}
