//go:build unix

package runner

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kenkendk/ceenhttpd-sub003/api"
	"github.com/kenkendk/ceenhttpd-sub003/config"
	"github.com/kenkendk/ceenhttpd-sub003/fake"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testListener(port, maxStopWaits int) *config.Listener {
	return &config.Listener{Addr: "127.0.0.1", Port: port, Backlog: 16, MaxStopWaits: maxStopWaits}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// dialAndRelease connects to addr and reads until the server side closes.
func dialAndRelease(t *testing.T, addr string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	conn.Read(make([]byte, 1))
}

func TestInstanceDispatchesAcceptedConnections(t *testing.T) {
	w := fake.NewWorker()
	r, err := NewInstanceRunner(testListener(freePort(t), 5), w, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	defer r.Stop()

	dialAndRelease(t, r.Addr().String())
	waitFor(t, "request dispatched", func() bool { return w.Handled() == 1 })
}

func TestSwapWorkerRedirectsDispatch(t *testing.T) {
	w1 := fake.NewWorker()
	r, err := NewInstanceRunner(testListener(freePort(t), 5), w1, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	defer r.Stop()

	w2 := fake.NewWorker()
	r.SwapWorker(w2)
	require.False(t, w1.StoppedAt().IsZero())

	dialAndRelease(t, r.Addr().String())
	waitFor(t, "new worker dispatched", func() bool { return w2.Handled() == 1 })
	require.EqualValues(t, 0, w1.Handled())
}

func TestDrainTimeoutKillsExactlyOnce(t *testing.T) {
	w1 := fake.NewWorker()
	w1.NeverFinishStop = true
	r, err := NewInstanceRunner(testListener(freePort(t), 1), w1, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	defer r.Stop()

	start := time.Now()
	r.SwapWorker(fake.NewWorker())

	require.False(t, w1.StoppedAt().IsZero(), "drain must attempt a graceful stop first")
	require.EqualValues(t, 1, w1.Kills())
	require.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestDrainZeroWaitsKillsImmediately(t *testing.T) {
	w1 := fake.NewWorker()
	r, err := NewInstanceRunner(testListener(freePort(t), 0), w1, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	defer r.Stop()

	r.SwapWorker(fake.NewWorker())

	require.EqualValues(t, 1, w1.Kills())
	require.True(t, w1.StoppedAt().IsZero(), "no graceful stop when waiting is disabled")
}

func TestCrashNotifiedExactlyOnce(t *testing.T) {
	var (
		mu     sync.Mutex
		events []api.InstanceCrashed
	)
	crashFn := func(ev api.InstanceCrashed) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	port := freePort(t)
	w := fake.NewWorker()
	r, err := NewInstanceRunner(testListener(port, 5), w, crashFn, nil, zerolog.Nop())
	require.NoError(t, err)
	defer r.Stop()

	cause := errors.New("boom")
	w.Crash(cause)
	w.Crash(cause)

	waitFor(t, "crash notification", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	require.Equal(t, "127.0.0.1", events[0].Addr)
	require.Equal(t, port, events[0].Port)
	require.ErrorIs(t, events[0].Cause, cause)
}

func TestCrashAfterStopSuppressed(t *testing.T) {
	var notified atomic.Int64
	crashFn := func(api.InstanceCrashed) { notified.Add(1) }

	w := fake.NewWorker()
	r, err := NewInstanceRunner(testListener(freePort(t), 5), w, crashFn, nil, zerolog.Nop())
	require.NoError(t, err)

	r.Stop()
	w.Crash(errors.New("late"))

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 0, notified.Load())
}
