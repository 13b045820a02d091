// File: fake/worker.go

package fake

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kenkendk/ceenhttpd-sub003/api"
)

// Worker is a scriptable worker wrapper recording lifecycle timestamps, used
// to assert reload ordering and drain/kill escalation.
type Worker struct {
	mu sync.Mutex

	// NeverFinishStop keeps StopDone open forever, forcing drain timeouts.
	NeverFinishStop bool

	// StopLatency delays the StopDone close after Stop.
	StopLatency time.Duration

	active    atomic.Int64
	handled   atomic.Int64
	kills     atomic.Int64
	stopOnce  sync.Once
	crashOnce sync.Once
	doneOnce  sync.Once
	stopDone  chan struct{}
	err       error
	stoppedAt time.Time
	killedAt  time.Time
}

var _ api.Worker = (*Worker)(nil)

// NewWorker returns a worker that stops instantly when asked.
func NewWorker() *Worker {
	return &Worker{stopDone: make(chan struct{})}
}

func (w *Worker) HandleRequest(conn *net.TCPConn, remote *net.TCPAddr, logTaskID string) error {
	w.active.Add(1)
	defer w.active.Add(-1)
	if conn != nil {
		conn.Close()
	}
	w.handled.Add(1)
	return nil
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stoppedAt = time.Now()
		w.mu.Unlock()
		if w.NeverFinishStop {
			return
		}
		if w.StopLatency > 0 {
			go func() {
				time.Sleep(w.StopLatency)
				w.closeDone()
			}()
			return
		}
		w.closeDone()
	})
}

func (w *Worker) closeDone() {
	w.doneOnce.Do(func() { close(w.stopDone) })
}

func (w *Worker) StopDone() <-chan struct{} { return w.stopDone }

func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Crash simulates the serving task failing: StopDone closes with cause
// attached, exactly as a real dispatcher failure surfaces.
func (w *Worker) Crash(cause error) {
	w.crashOnce.Do(func() {
		w.mu.Lock()
		w.err = cause
		w.mu.Unlock()
		w.closeDone()
	})
}

func (w *Worker) Kill() error {
	w.kills.Add(1)
	w.mu.Lock()
	if w.killedAt.IsZero() {
		w.killedAt = time.Now()
	}
	w.mu.Unlock()
	return nil
}

func (w *Worker) ActiveClients() int64 { return w.active.Load() }

// Handled reports dispatched requests.
func (w *Worker) Handled() int64 { return w.handled.Load() }

// Kills reports how many times Kill was issued.
func (w *Worker) Kills() int64 { return w.kills.Load() }

// StoppedAt reports when Stop was first called, zero if never.
func (w *Worker) StoppedAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stoppedAt
}

// KilledAt reports when Kill was first called, zero if never.
func (w *Worker) KilledAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killedAt
}
