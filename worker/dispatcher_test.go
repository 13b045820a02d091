//go:build unix

package worker

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kenkendk/ceenhttpd-sub003/api"
	"github.com/kenkendk/ceenhttpd-sub003/broker"
	"github.com/kenkendk/ceenhttpd-sub003/fake"
	"github.com/kenkendk/ceenhttpd-sub003/fdpass"
	"github.com/kenkendk/ceenhttpd-sub003/protocol"
	"github.com/kenkendk/ceenhttpd-sub003/reactor"
)

// newDispatcherPair starts a dispatcher over a socketpair and returns the
// supervisor channel end, the registered fake server's handle, and the Run
// result channel. No handshake has been sent yet.
func newDispatcherPair(t *testing.T, srv *fake.RequestServer) (*fdpass.Channel, *Dispatcher, broker.Handle, chan error) {
	t.Helper()
	sup, wrk, err := fdpass.Pair()
	require.NoError(t, err)
	t.Cleanup(func() {
		sup.Close()
		wrk.Close()
	})

	mux, err := reactor.New()
	require.NoError(t, err)

	table := broker.NewHandleTable()
	handle := table.RegisterLocal(srv)

	d := NewDispatcher(wrk, table, mux, zerolog.Nop())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run() }()
	return sup, d, handle, runDone
}

func waitRun(t *testing.T, runDone chan error) error {
	t.Helper()
	select {
	case err := <-runDone:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not finish")
		return nil
	}
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

func TestDispatcherRejectsWrongVersion(t *testing.T) {
	sup, d, handle, runDone := newDispatcherPair(t, fake.NewRequestServer())

	require.NoError(t, sup.WriteHandshake(&protocol.Handshake{
		Version:      protocol.HandshakeVersion + 1,
		ServerHandle: int64(handle),
		Signature:    protocol.RequestSignature,
	}))

	err := waitRun(t, runDone)
	require.ErrorIs(t, err, api.ErrBadVersion)
	require.Equal(t, StateStopped, d.State())
	require.Error(t, d.Err())
}

func TestDispatcherRejectsSignatureMismatch(t *testing.T) {
	sup, d, handle, runDone := newDispatcherPair(t, fake.NewRequestServer())

	require.NoError(t, sup.WriteHandshake(&protocol.Handshake{
		Version:      protocol.HandshakeVersion,
		ServerHandle: int64(handle),
		Signature:    "SocketRequest{Bogus:string}",
	}))

	err := waitRun(t, runDone)
	require.ErrorIs(t, err, api.ErrSignatureMismatch)
	require.Equal(t, StateStopped, d.State())
}

func TestDispatcherRejectsUnknownServerHandle(t *testing.T) {
	sup, d, handle, runDone := newDispatcherPair(t, fake.NewRequestServer())

	require.NoError(t, sup.WriteHandshake(&protocol.Handshake{
		Version:      protocol.HandshakeVersion,
		ServerHandle: int64(handle) + 41,
		Signature:    protocol.RequestSignature,
	}))

	err := waitRun(t, runDone)
	require.ErrorIs(t, err, api.ErrUnknownHandle)
	require.Equal(t, StateStopped, d.State())
}

func TestDispatcherClosesReactorOnHandshakeFailure(t *testing.T) {
	sup, wrk, err := fdpass.Pair()
	require.NoError(t, err)
	defer sup.Close()
	defer wrk.Close()

	mux, err := reactor.New()
	require.NoError(t, err)

	table := broker.NewHandleTable()
	handle := table.RegisterLocal(fake.NewRequestServer())

	d := NewDispatcher(wrk, table, mux, zerolog.Nop())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run() }()

	require.NoError(t, sup.WriteHandshake(&protocol.Handshake{
		Version:      protocol.HandshakeVersion + 1,
		ServerHandle: int64(handle),
		Signature:    protocol.RequestSignature,
	}))
	require.Error(t, waitRun(t, runDone))

	// The reactor must be released with the dispatcher, not leaked.
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	require.Error(t, mux.Register(r.Fd(), 0))
}

func TestDispatcherDrainsWhenChannelCloses(t *testing.T) {
	sup, d, handle, runDone := newDispatcherPair(t, fake.NewRequestServer())

	require.NoError(t, sup.WriteHandshake(&protocol.Handshake{
		Version:      protocol.HandshakeVersion,
		ServerHandle: int64(handle),
		Signature:    protocol.RequestSignature,
	}))
	waitFor(t, "serving state", func() bool { return d.State() == StateServing })

	sup.Close()

	require.NoError(t, waitRun(t, runDone))
	require.Equal(t, StateStopped, d.State())
	require.NoError(t, d.Err())

	select {
	case <-d.Done():
	default:
		t.Fatal("done channel not closed after drain")
	}
}

func TestDispatcherFailsFastOnCorruptFrame(t *testing.T) {
	sup, d, handle, runDone := newDispatcherPair(t, fake.NewRequestServer())

	require.NoError(t, sup.WriteHandshake(&protocol.Handshake{
		Version:      protocol.HandshakeVersion,
		ServerHandle: int64(handle),
		Signature:    protocol.RequestSignature,
	}))
	waitFor(t, "serving state", func() bool { return d.State() == StateServing })

	// A payload with no ancillary data is a protocol violation, not a
	// recoverable request.
	_, err := sup.Stream().Write([]byte{0, 0, 0, 2, 1, 2})
	require.NoError(t, err)

	require.Error(t, waitRun(t, runDone))
	require.Equal(t, StateStopped, d.State())
	require.Error(t, d.Err())
}
