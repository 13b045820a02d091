// File: runner/instance.go
//
// One protocol instance: a bound listening socket, an accept loop, and the
// worker currently serving it. The socket outlives worker swaps; only bind
// target or backlog changes force a rebind.

package runner

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kenkendk/ceenhttpd-sub003/api"
	"github.com/kenkendk/ceenhttpd-sub003/config"
	"github.com/kenkendk/ceenhttpd-sub003/control"
)

// InstanceRunner binds one listener and dispatches accepted connections to
// its current worker.
type InstanceRunner struct {
	log     zerolog.Logger
	metrics *control.MetricsRegistry
	crashFn api.CrashFunc
	ln      *net.TCPListener

	mu      sync.Mutex
	cfg     config.Listener
	current *workerRef

	stopped    atomic.Bool
	acceptDone chan struct{}
}

// workerRef pairs a worker with its stop disposition, so the crash watcher
// can tell a requested drain from an unsolicited death.
type workerRef struct {
	w             api.Worker
	stopRequested atomic.Bool
}

// NewInstanceRunner binds cfg's socket and starts serving through w. The
// listener is live when this returns.
func NewInstanceRunner(cfg *config.Listener, w api.Worker, crashFn api.CrashFunc, metrics *control.MetricsRegistry, log zerolog.Logger) (*InstanceRunner, error) {
	ln, err := listenWithBacklog(cfg.Addr, cfg.Port, cfg.Backlog)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", cfg, err)
	}
	r := &InstanceRunner{
		log:        log,
		metrics:    metrics,
		crashFn:    crashFn,
		ln:         ln,
		cfg:        *cfg,
		current:    &workerRef{w: w},
		acceptDone: make(chan struct{}),
	}
	go r.watch(r.current)
	go r.acceptLoop()
	log.Info().Str("bind", cfg.String()).Bool("tls", cfg.TLS).Int("backlog", cfg.Backlog).Msg("instance listening")
	return r, nil
}

// Addr reports the bound address.
func (r *InstanceRunner) Addr() net.Addr { return r.ln.Addr() }

// Worker returns the worker currently receiving dispatches.
func (r *InstanceRunner) Worker() api.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	return r.current.w
}

func (r *InstanceRunner) currentRef() *workerRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// acceptLoop feeds accepted connections to the current worker, tagging each
// with a fresh task id for log correlation.
func (r *InstanceRunner) acceptLoop() {
	defer close(r.acceptDone)
	for {
		conn, err := r.ln.AcceptTCP()
		if err != nil {
			if !r.stopped.Load() {
				r.log.Error().Err(err).Msg("accept failed")
			}
			return
		}
		ref := r.currentRef()
		if ref == nil {
			conn.Close()
			continue
		}
		go r.dispatch(ref, conn)
	}
}

// dispatch hands one accepted connection to the worker. A transfer failure
// loses this connection only, never the accept loop.
func (r *InstanceRunner) dispatch(ref *workerRef, conn *net.TCPConn) {
	taskID := uuid.NewString()
	remote, _ := conn.RemoteAddr().(*net.TCPAddr)
	if err := ref.w.HandleRequest(conn, remote, taskID); err != nil {
		r.log.Warn().Err(err).Str("task", taskID).Msg("dispatch failed")
		r.count("dispatch_errors")
		return
	}
	r.count("requests_dispatched")
}

func (r *InstanceRunner) count(name string) {
	if r.metrics != nil {
		r.metrics.Add(name, 1)
	}
}

// watch waits for ref's worker to end and raises a crash notification when
// the death was not requested. Fires at most once per worker.
func (r *InstanceRunner) watch(ref *workerRef) {
	<-ref.w.StopDone()
	if ref.stopRequested.Load() || r.stopped.Load() {
		return
	}
	cause := ref.w.Err()
	if cause == nil {
		cause = errors.New("worker stopped unexpectedly")
	}
	r.notifyCrash(cause)
}

func (r *InstanceRunner) notifyCrash(cause error) {
	r.mu.Lock()
	ev := api.InstanceCrashed{Addr: r.cfg.Addr, Port: r.cfg.Port, TLS: r.cfg.TLS, Cause: cause}
	r.mu.Unlock()
	r.log.Error().Err(cause).Str("bind", fmt.Sprintf("%s:%d", ev.Addr, ev.Port)).Msg("worker crashed")
	r.count("worker_crashes")
	if r.crashFn != nil {
		r.crashFn(ev)
	}
}

// SwapWorker installs w as the serving worker and drains the previous one.
// The listening socket is untouched, so no connection attempt is refused
// during the swap.
func (r *InstanceRunner) SwapWorker(w api.Worker) {
	ref := &workerRef{w: w}
	r.mu.Lock()
	old := r.current
	r.current = ref
	maxWaits := r.cfg.MaxStopWaits
	r.mu.Unlock()

	go r.watch(ref)
	if old != nil {
		r.drain(old, maxWaits)
	}
}

// ApplyConfig adopts reloadable settings that do not touch the socket.
func (r *InstanceRunner) ApplyConfig(cfg *config.Listener) {
	r.mu.Lock()
	r.cfg.TLS = cfg.TLS
	r.cfg.MaxStopWaits = cfg.MaxStopWaits
	r.mu.Unlock()
}

// drain stops ref's worker and waits in one-second polls, up to maxWaits,
// before escalating to a forced kill. A non-positive maxWaits kills without
// waiting.
func (r *InstanceRunner) drain(ref *workerRef, maxWaits int) {
	ref.stopRequested.Store(true)
	if maxWaits <= 0 {
		ref.w.Kill()
		return
	}
	ref.w.Stop()
	for i := 0; i < maxWaits; i++ {
		select {
		case <-ref.w.StopDone():
			return
		case <-time.After(time.Second):
			r.log.Info().Int("wait", i+1).Int64("active", ref.w.ActiveClients()).Msg("waiting for worker drain")
		}
	}
	r.log.Warn().Msg("drain timed out, killing worker")
	ref.w.Kill()
}

// Stop closes the listener, waits for the accept loop, and drains the
// current worker. Crash notifications are suppressed from here on.
func (r *InstanceRunner) Stop() {
	if !r.stopped.CompareAndSwap(false, true) {
		return
	}
	r.ln.Close()
	<-r.acceptDone

	r.mu.Lock()
	ref := r.current
	maxWaits := r.cfg.MaxStopWaits
	r.current = nil
	r.mu.Unlock()
	if ref != nil {
		r.drain(ref, maxWaits)
	}
	r.log.Info().Msg("instance stopped")
}
