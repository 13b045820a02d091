// File: runner/orchestrator.go
//
// Reload reconciliation. For each protocol the desired listener config is
// compared against the running instance and the cheapest transition wins:
// a worker swap when the socket can stay, a bind-new-then-stop-old when the
// address moves, and a full stop-then-create when the backlog changes.
// Each protocol reconciles under its own lock, so a slow drain on one never
// delays the other.

package runner

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kenkendk/ceenhttpd-sub003/api"
	"github.com/kenkendk/ceenhttpd-sub003/config"
	"github.com/kenkendk/ceenhttpd-sub003/control"
)

// Protocol keys for the orchestrated instances.
const (
	ProtoHTTP  = "http"
	ProtoHTTPS = "https"
)

// WorkerFactory builds a fresh worker for a listener configuration. Called
// once per instance creation and once per in-place swap.
type WorkerFactory func(cfg *config.Listener) (api.Worker, error)

// protoState is one protocol's runner and config, guarded by its own lock.
type protoState struct {
	mu     sync.Mutex
	runner *InstanceRunner
	cfg    *config.Listener
}

// Orchestrator reconciles running instances against configuration reloads.
type Orchestrator struct {
	factory WorkerFactory
	crashFn api.CrashFunc
	metrics *control.MetricsRegistry
	log     zerolog.Logger

	// protos is fixed at construction; only the states behind it mutate.
	protos map[string]*protoState
}

// NewOrchestrator returns an orchestrator with no running instances.
func NewOrchestrator(factory WorkerFactory, crashFn api.CrashFunc, metrics *control.MetricsRegistry, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		factory: factory,
		crashFn: crashFn,
		metrics: metrics,
		log:     log,
		protos: map[string]*protoState{
			ProtoHTTP:  {},
			ProtoHTTPS: {},
		},
	}
}

// Reload brings both protocol instances in line with cfg. The protocols
// reconcile concurrently; a failure on one does not abort the other, and the
// HTTP error wins when both fail.
func (o *Orchestrator) Reload(cfg *config.Config) error {
	if o.metrics != nil {
		o.metrics.Add("reloads", 1)
	}

	var (
		wg       sync.WaitGroup
		httpErr  error
		httpsErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		httpErr = o.reconcile(ProtoHTTP, cfg.HTTP)
	}()
	go func() {
		defer wg.Done()
		httpsErr = o.reconcile(ProtoHTTPS, cfg.HTTPS)
	}()
	wg.Wait()

	if httpErr != nil {
		return httpErr
	}
	return httpsErr
}

// reconcile applies the wanted listener config to one protocol, serialized
// by that protocol's lock.
func (o *Orchestrator) reconcile(proto string, want *config.Listener) error {
	st := o.protos[proto]
	st.mu.Lock()
	defer st.mu.Unlock()

	cur := st.runner
	have := st.cfg

	switch {
	case want == nil && cur == nil:
		return nil

	case want == nil:
		o.log.Info().Str("proto", proto).Msg("instance disabled")
		cur.Stop()
		st.runner = nil
		st.cfg = nil
		return nil

	case cur == nil:
		return o.start(st, proto, want)

	case !have.SocketEqual(want):
		// Bind the new target before stopping the old instance so the
		// protocol is never entirely unreachable. A failed bind leaves the
		// old instance serving.
		o.log.Info().Str("proto", proto).Str("from", have.String()).Str("to", want.String()).Msg("bind target moved")
		old := cur
		if err := o.start(st, proto, want); err != nil {
			return err
		}
		old.Stop()
		return nil

	case !have.BacklogEqual(want):
		// The backlog is fixed at listen time, so the socket has to go down
		// before the replacement comes up.
		o.log.Info().Str("proto", proto).Int("backlog", want.Backlog).Msg("backlog changed, recreating instance")
		cur.Stop()
		st.runner = nil
		st.cfg = nil
		return o.start(st, proto, want)

	default:
		w, err := o.factory(want)
		if err != nil {
			return fmt.Errorf("reload %s: %w", proto, err)
		}
		cur.ApplyConfig(want)
		cur.SwapWorker(w)
		st.cfg = want
		o.log.Info().Str("proto", proto).Msg("worker swapped in place")
		return nil
	}
}

// start creates a worker and an instance for it, recording both in st. A
// bind failure kills the worker it was built for. Caller holds st.mu.
func (o *Orchestrator) start(st *protoState, proto string, cfg *config.Listener) error {
	w, err := o.factory(cfg)
	if err != nil {
		return fmt.Errorf("start %s: %w", proto, err)
	}
	r, err := NewInstanceRunner(cfg, w, o.crashFn, o.metrics, o.log)
	if err != nil {
		w.Kill()
		return fmt.Errorf("start %s: %w", proto, err)
	}
	st.runner = r
	st.cfg = cfg
	return nil
}

// ReplaceCrashed swaps a fresh worker into the instance whose bind target
// matches ev. Only the crashed instance is touched; the other protocol keeps
// its worker. A crash on an instance that no longer exists is a no-op.
func (o *Orchestrator) ReplaceCrashed(ev api.InstanceCrashed) error {
	for _, proto := range []string{ProtoHTTP, ProtoHTTPS} {
		st := o.protos[proto]
		st.mu.Lock()
		if st.runner == nil || st.cfg == nil || st.cfg.Addr != ev.Addr || st.cfg.Port != ev.Port {
			st.mu.Unlock()
			continue
		}
		w, err := o.factory(st.cfg)
		if err != nil {
			st.mu.Unlock()
			return fmt.Errorf("replace %s: %w", proto, err)
		}
		o.log.Info().Str("proto", proto).Str("bind", st.cfg.String()).Msg("replacing crashed worker")
		st.runner.SwapWorker(w)
		st.mu.Unlock()
		return nil
	}
	return nil
}

// Runner returns the running instance for proto, nil if disabled.
func (o *Orchestrator) Runner(proto string) *InstanceRunner {
	st := o.protos[proto]
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.runner
}

// Stop shuts down every running instance.
func (o *Orchestrator) Stop() {
	for _, proto := range []string{ProtoHTTP, ProtoHTTPS} {
		st := o.protos[proto]
		st.mu.Lock()
		if st.runner != nil {
			st.runner.Stop()
			st.runner = nil
			st.cfg = nil
		}
		st.mu.Unlock()
	}
}
