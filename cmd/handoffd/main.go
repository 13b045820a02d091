// Command handoffd supervises the protocol instances described by a TOML
// configuration file. Accepted connections are handed to worker processes
// over descriptor transfer; SIGHUP reloads the configuration and swaps
// workers without closing listening sockets.
//
// The same binary is re-executed with -worker to run the worker side.
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kenkendk/ceenhttpd-sub003/api"
	"github.com/kenkendk/ceenhttpd-sub003/config"
	"github.com/kenkendk/ceenhttpd-sub003/control"
	"github.com/kenkendk/ceenhttpd-sub003/observability"
	"github.com/kenkendk/ceenhttpd-sub003/runner"
	"github.com/kenkendk/ceenhttpd-sub003/worker"
)

func main() {
	var (
		cfgPath    = flag.String("config", "", "TOML configuration file")
		workerMode = flag.Bool("worker", false, "run as a worker process")
		socket     = flag.String("socket", "", "rendezvous socket path (worker mode)")
		abstract   = flag.Bool("abstract", false, "use the abstract socket namespace (worker mode)")
		inProcess  = flag.Bool("inprocess", false, "run workers as goroutines instead of processes")
	)
	flag.Parse()

	if *workerMode {
		log := observability.NewLogger("worker")
		if err := worker.ServeChild(*socket, *abstract, newEchoServer(), log); err != nil {
			log.Error().Err(err).Msg("worker exited")
			os.Exit(1)
		}
		return
	}

	log := observability.NewLogger("handoffd")
	cfg := config.DefaultConfig()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatal().Err(err).Msg("configuration unreadable")
		}
		cfg = loaded
	}

	var cfgMu sync.Mutex
	metrics := control.NewMetricsRegistry()

	factory := func(l *config.Listener) (api.Worker, error) {
		wlog := observability.NewLogger("worker-sup")
		if *inProcess {
			return worker.NewInProcess(newEchoServer(), wlog)
		}
		cfgMu.Lock()
		base, abs := cfg.SocketPath, cfg.Abstract
		cfgMu.Unlock()
		sock := fmt.Sprintf("%s.%d", base, time.Now().UnixNano())
		cmd := exec.Command(os.Args[0], "-worker", "-socket", sock,
			fmt.Sprintf("-abstract=%v", abs))
		return worker.NewSubprocess(cmd, sock, abs, wlog)
	}

	crashed := make(chan api.InstanceCrashed, 8)
	crashFn := func(ev api.InstanceCrashed) {
		select {
		case crashed <- ev:
		default:
		}
	}

	orch := runner.NewOrchestrator(factory, crashFn, metrics, log)
	if err := orch.Reload(cfg); err != nil {
		log.Fatal().Err(err).Msg("initial configuration failed")
	}
	log.Info().Msg("supervisor running")

	// A crashed worker gets a fresh replacement swapped onto its untouched
	// socket. Only the crashed instance is touched; the healthy protocol's
	// worker keeps serving.
	go func() {
		for ev := range crashed {
			log.Warn().Str("bind", fmt.Sprintf("%s:%d", ev.Addr, ev.Port)).Msg("replacing crashed worker")
			if err := orch.ReplaceCrashed(ev); err != nil {
				log.Error().Err(err).Msg("worker replacement failed")
			}
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			if *cfgPath == "" {
				log.Warn().Msg("no configuration file to reload")
				continue
			}
			loaded, err := config.Load(*cfgPath)
			if err != nil {
				log.Error().Err(err).Msg("reload skipped, configuration unreadable")
				continue
			}
			cfgMu.Lock()
			cfg = loaded
			cfgMu.Unlock()
			if err := orch.Reload(loaded); err != nil {
				log.Error().Err(err).Msg("reload failed")
			} else {
				log.Info().Msg("configuration reloaded")
			}
			continue
		}
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		break
	}
	orch.Stop()
	log.Info().Interface("metrics", metrics.Snapshot()).Msg("supervisor stopped")
}

// echoServer is the built-in request server: it mirrors client bytes back
// until the client disconnects. Real deployments supply their own
// api.RequestServer.
type echoServer struct {
	active  atomic.Int64
	stopped atomic.Bool
}

func newEchoServer() *echoServer { return &echoServer{} }

func (s *echoServer) HandleRequestSimple(conn net.Conn, remote net.Addr, logTaskID string, closed <-chan struct{}) error {
	s.active.Add(1)
	defer s.active.Add(-1)
	defer conn.Close()
	if s.stopped.Load() {
		return api.ErrWorkerStopped
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-closed:
			conn.Close()
		case <-done:
		}
	}()

	_, err := io.Copy(conn, conn)
	return err
}

func (s *echoServer) Stop() { s.stopped.Store(true) }

func (s *echoServer) ActiveClients() int64 { return s.active.Load() }
