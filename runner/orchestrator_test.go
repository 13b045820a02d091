//go:build unix

package runner

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kenkendk/ceenhttpd-sub003/api"
	"github.com/kenkendk/ceenhttpd-sub003/config"
	"github.com/kenkendk/ceenhttpd-sub003/control"
	"github.com/kenkendk/ceenhttpd-sub003/fake"
	"github.com/kenkendk/ceenhttpd-sub003/worker"
)

// recordingFactory builds fake workers and remembers when each was created,
// so reload ordering can be asserted against stop timestamps.
type recordingFactory struct {
	mu      sync.Mutex
	workers []*fake.Worker
	created []time.Time
}

func (f *recordingFactory) make(cfg *config.Listener) (api.Worker, error) {
	w := fake.NewWorker()
	f.mu.Lock()
	f.workers = append(f.workers, w)
	f.created = append(f.created, time.Now())
	f.mu.Unlock()
	return w, nil
}

func (f *recordingFactory) worker(i int) *fake.Worker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[i]
}

func (f *recordingFactory) createdAt(i int) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

func (f *recordingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers)
}

func httpConfig(l *config.Listener) *config.Config {
	return &config.Config{SocketPath: "/tmp/test.sock", HTTP: l}
}

func TestReloadSwapsWorkerWithoutRebinding(t *testing.T) {
	f := &recordingFactory{}
	metrics := control.NewMetricsRegistry()
	o := NewOrchestrator(f.make, nil, metrics, zerolog.Nop())
	defer o.Stop()

	port := freePort(t)
	require.NoError(t, o.Reload(httpConfig(testListener(port, 5))))
	r1 := o.Runner(ProtoHTTP)
	require.NotNil(t, r1)

	dialAndRelease(t, r1.Addr().String())
	waitFor(t, "first worker dispatched", func() bool { return f.worker(0).Handled() == 1 })

	require.NoError(t, o.Reload(httpConfig(testListener(port, 5))))
	require.Same(t, r1, o.Runner(ProtoHTTP), "unchanged socket must keep the listener")
	require.False(t, f.worker(0).StoppedAt().IsZero())

	dialAndRelease(t, r1.Addr().String())
	waitFor(t, "second worker dispatched", func() bool { return f.worker(1).Handled() == 1 })
	require.EqualValues(t, 1, f.worker(0).Handled())
	require.GreaterOrEqual(t, metrics.Get("requests_dispatched"), int64(2))
}

func TestReloadAddrChangeBindsNewBeforeStoppingOld(t *testing.T) {
	f := &recordingFactory{}
	o := NewOrchestrator(f.make, nil, nil, zerolog.Nop())
	defer o.Stop()

	p1, p2 := freePort(t), freePort(t)
	require.NoError(t, o.Reload(httpConfig(testListener(p1, 5))))
	require.NoError(t, o.Reload(httpConfig(testListener(p2, 5))))

	require.Equal(t, p2, o.Runner(ProtoHTTP).Addr().(*net.TCPAddr).Port)
	old := f.worker(0)
	require.False(t, old.StoppedAt().IsZero())
	require.True(t, f.createdAt(1).Before(old.StoppedAt()),
		"replacement must be ready before the old instance is stopped")

	dialAndRelease(t, o.Runner(ProtoHTTP).Addr().String())
	waitFor(t, "new instance serving", func() bool { return f.worker(1).Handled() == 1 })

	_, err := net.DialTimeout("tcp", (&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: p1}).String(), 500*time.Millisecond)
	require.Error(t, err, "old bind target must be released")
}

func TestReloadBacklogChangeRecreatesInstance(t *testing.T) {
	f := &recordingFactory{}
	o := NewOrchestrator(f.make, nil, nil, zerolog.Nop())
	defer o.Stop()

	port := freePort(t)
	first := testListener(port, 5)
	require.NoError(t, o.Reload(httpConfig(first)))
	r1 := o.Runner(ProtoHTTP)

	second := testListener(port, 5)
	second.Backlog = first.Backlog * 2
	require.NoError(t, o.Reload(httpConfig(second)))

	r2 := o.Runner(ProtoHTTP)
	require.NotSame(t, r1, r2, "backlog change must recreate the listener")
	require.True(t, f.worker(0).StoppedAt().Before(f.createdAt(1)),
		"old instance must be fully stopped before the replacement binds")

	dialAndRelease(t, r2.Addr().String())
	waitFor(t, "recreated instance serving", func() bool { return f.worker(1).Handled() == 1 })
}

func TestReloadDisableStopsInstance(t *testing.T) {
	f := &recordingFactory{}
	o := NewOrchestrator(f.make, nil, nil, zerolog.Nop())
	defer o.Stop()

	port := freePort(t)
	require.NoError(t, o.Reload(httpConfig(testListener(port, 5))))
	require.NoError(t, o.Reload(&config.Config{SocketPath: "/tmp/test.sock"}))

	require.Nil(t, o.Runner(ProtoHTTP))
	require.False(t, f.worker(0).StoppedAt().IsZero())

	_, err := net.DialTimeout("tcp", (&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}).String(), 500*time.Millisecond)
	require.Error(t, err)
}

func TestReloadFailedBindKeepsOldInstance(t *testing.T) {
	f := &recordingFactory{}
	o := NewOrchestrator(f.make, nil, nil, zerolog.Nop())
	defer o.Stop()

	p1 := freePort(t)
	require.NoError(t, o.Reload(httpConfig(testListener(p1, 5))))
	r1 := o.Runner(ProtoHTTP)

	// Occupy the reload target so the new bind fails.
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()
	p2 := blocker.Addr().(*net.TCPAddr).Port

	require.Error(t, o.Reload(httpConfig(testListener(p2, 5))))

	require.Same(t, r1, o.Runner(ProtoHTTP), "old instance must keep serving")
	require.True(t, f.worker(0).StoppedAt().IsZero())
	require.EqualValues(t, 1, f.worker(1).Kills(), "partially created worker must be killed")

	dialAndRelease(t, r1.Addr().String())
	waitFor(t, "old instance still serving", func() bool { return f.worker(0).Handled() == 1 })
}

func TestReloadUnchangedConfigKeepsInFlightRequest(t *testing.T) {
	srv1 := fake.NewRequestServer()
	srv1.Block = make(chan struct{})
	srv2 := fake.NewRequestServer()

	var mu sync.Mutex
	servers := []*fake.RequestServer{srv1, srv2}
	var workers []*worker.InProcess
	factory := func(*config.Listener) (api.Worker, error) {
		mu.Lock()
		defer mu.Unlock()
		srv := servers[0]
		servers = servers[1:]
		w, err := worker.NewInProcess(srv, zerolog.Nop())
		if err == nil {
			workers = append(workers, w)
		}
		return w, err
	}

	o := NewOrchestrator(factory, nil, nil, zerolog.Nop())
	defer o.Stop()

	port := freePort(t)
	require.NoError(t, o.Reload(httpConfig(testListener(port, 5))))
	r1 := o.Runner(ProtoHTTP)

	client, err := net.DialTimeout("tcp", r1.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer client.Close()
	waitFor(t, "request in flight", func() bool { return srv1.ActiveClients() == 1 })

	reloadDone := make(chan error, 1)
	go func() { reloadDone <- o.Reload(httpConfig(testListener(port, 5))) }()

	// The reload drains the old worker while the held request keeps it busy.
	waitFor(t, "old worker draining", func() bool { return srv1.Stopped() })
	close(srv1.Block)

	select {
	case err := <-reloadDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("reload did not finish")
	}
	require.Same(t, r1, o.Runner(ProtoHTTP))

	// The request that straddled the reload completed normally: the server
	// closed the connection after handling, so the client sees a clean end
	// of stream, not a reset or an error.
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = client.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	require.EqualValues(t, 1, srv1.Handled())

	mu.Lock()
	old := workers[0]
	mu.Unlock()
	select {
	case <-old.StopDone():
	case <-time.After(5 * time.Second):
		t.Fatal("old worker did not drain")
	}
	require.NoError(t, old.Err())
}

func TestReloadProtocolsReconcileIndependently(t *testing.T) {
	slowHTTP := fake.NewWorker()
	slowHTTP.NeverFinishStop = true

	var (
		mu           sync.Mutex
		httpsWorkers []*fake.Worker
		httpHanded   bool
	)
	factory := func(cfg *config.Listener) (api.Worker, error) {
		mu.Lock()
		defer mu.Unlock()
		if cfg.TLS {
			w := fake.NewWorker()
			httpsWorkers = append(httpsWorkers, w)
			return w, nil
		}
		if !httpHanded {
			httpHanded = true
			return slowHTTP, nil
		}
		return fake.NewWorker(), nil
	}

	o := NewOrchestrator(factory, nil, nil, zerolog.Nop())
	defer o.Stop()

	pHTTP, pHTTPS := freePort(t), freePort(t)
	mkCfg := func() *config.Config {
		https := testListener(pHTTPS, 3)
		https.TLS = true
		return &config.Config{SocketPath: "/tmp/test.sock", HTTP: testListener(pHTTP, 3), HTTPS: https}
	}
	require.NoError(t, o.Reload(mkCfg()))

	start := time.Now()
	reloadDone := make(chan error, 1)
	go func() { reloadDone <- o.Reload(mkCfg()) }()

	// The HTTPS swap must complete while the HTTP drain is still waiting out
	// its poll budget; one protocol's drain must not serialize the other.
	waitFor(t, "https worker swapped during http drain", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(httpsWorkers) == 2 && !httpsWorkers[0].StoppedAt().IsZero()
	})
	require.Less(t, time.Since(start), 2*time.Second)
	select {
	case <-reloadDone:
		t.Fatal("reload finished before the slow http drain elapsed")
	default:
	}

	select {
	case err := <-reloadDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("reload did not finish")
	}
	require.EqualValues(t, 1, slowHTTP.Kills())
}

func TestReplaceCrashedTouchesOnlyMatchingInstance(t *testing.T) {
	f := &recordingFactory{}
	o := NewOrchestrator(f.make, nil, nil, zerolog.Nop())
	defer o.Stop()

	cfg := &config.Config{
		SocketPath: "/tmp/test.sock",
		HTTP:       testListener(freePort(t), 5),
		HTTPS:      testListener(freePort(t), 5),
	}
	cfg.HTTPS.TLS = true
	require.NoError(t, o.Reload(cfg))

	httpW := o.Runner(ProtoHTTP).Worker().(*fake.Worker)
	httpsW := o.Runner(ProtoHTTPS).Worker().(*fake.Worker)

	httpW.Crash(errors.New("boom"))
	require.NoError(t, o.ReplaceCrashed(api.InstanceCrashed{Addr: cfg.HTTP.Addr, Port: cfg.HTTP.Port, Cause: errors.New("boom")}))

	require.NotSame(t, httpW, o.Runner(ProtoHTTP).Worker())
	require.Same(t, httpsW, o.Runner(ProtoHTTPS).Worker())
	require.True(t, httpsW.StoppedAt().IsZero(), "healthy instance's worker must not be touched")
	require.True(t, httpsW.KilledAt().IsZero())

	// An event for a bind target no instance owns is a no-op.
	require.NoError(t, o.ReplaceCrashed(api.InstanceCrashed{Addr: "127.0.0.1", Port: 1}))
}

func TestReloadBothProtocols(t *testing.T) {
	f := &recordingFactory{}
	o := NewOrchestrator(f.make, nil, nil, zerolog.Nop())
	defer o.Stop()

	cfg := &config.Config{
		SocketPath: "/tmp/test.sock",
		HTTP:       testListener(freePort(t), 5),
		HTTPS:      testListener(freePort(t), 5),
	}
	cfg.HTTPS.TLS = true
	require.NoError(t, o.Reload(cfg))

	require.NotNil(t, o.Runner(ProtoHTTP))
	require.NotNil(t, o.Runner(ProtoHTTPS))
	require.Equal(t, 2, f.count())

	o.Stop()
	require.Nil(t, o.Runner(ProtoHTTP))
	require.Nil(t, o.Runner(ProtoHTTPS))
}
