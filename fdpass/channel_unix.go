// File: fdpass/channel_unix.go
//
// POSIX descriptor channel over a unix-domain stream socket. Every transfer
// is one sendmsg carrying the length-prefixed metadata frame plus a single
// SCM_RIGHTS block; the kernel does not merge stream data across ancillary
// boundaries, so one recvmsg yields exactly one transfer.

//go:build unix

package fdpass

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kenkendk/ceenhttpd-sub003/api"
	"github.com/kenkendk/ceenhttpd-sub003/protocol"
)

// SocketAddr builds the unix address for the channel endpoint. abstract
// selects the Linux abstract namespace instead of a filesystem path.
func SocketAddr(path string, abstract bool) *net.UnixAddr {
	name := path
	if abstract {
		name = "@" + path
	}
	return &net.UnixAddr{Name: name, Net: "unix"}
}

// Channel is one descriptor-channel connection. Transfers are serialized so
// metadata and ancillary data stay paired; Receive is single-consumer.
type Channel struct {
	conn   *net.UnixConn
	mu     sync.Mutex
	ready  atomic.Bool
	closed atomic.Bool
}

// NewChannel wraps an established unix connection. The channel is unusable
// for transfers until the handshake completes.
func NewChannel(conn *net.UnixConn) *Channel {
	return &Channel{conn: conn}
}

// Dial connects to the channel endpoint at path.
func Dial(path string, abstract bool) (*Channel, error) {
	conn, err := net.DialUnix("unix", nil, SocketAddr(path, abstract))
	if err != nil {
		return nil, fmt.Errorf("channel dial %s: %w", path, err)
	}
	return NewChannel(conn), nil
}

// Listener accepts descriptor-channel connections.
type Listener struct {
	ln *net.UnixListener
}

// Listen binds the channel endpoint at path.
func Listen(path string, abstract bool) (*Listener, error) {
	ln, err := net.ListenUnix("unix", SocketAddr(path, abstract))
	if err != nil {
		return nil, fmt.Errorf("channel listen %s: %w", path, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept waits for the next channel connection.
func (l *Listener) Accept() (*Channel, error) {
	conn, err := l.ln.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return NewChannel(conn), nil
}

// Close shuts down the listener.
func (l *Listener) Close() error { return l.ln.Close() }

// SetDeadline bounds pending and future Accept calls.
func (l *Listener) SetDeadline(t time.Time) error { return l.ln.SetDeadline(t) }

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Pair returns two connected channel ends over a socketpair, used by the
// in-process worker variant so it exercises the same wire path as a spawned
// worker.
func Pair() (*Channel, *Channel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("channel socketpair: %w", err)
	}
	a, err := fdToUnixConn(fds[0])
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := fdToUnixConn(fds[1])
	if err != nil {
		a.Close()
		unix.Close(fds[1])
		return nil, nil, err
	}
	return NewChannel(a), NewChannel(b), nil
}

func fdToUnixConn(fd int) (*net.UnixConn, error) {
	f := fdFile(fd, "channel-pair")
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("channel fileconn: %w", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("channel fileconn: not a unix socket")
	}
	return uc, nil
}

// WriteHandshake sends the one-shot handshake and marks the sender side
// ready. Stream ordering guarantees the peer sees it before any transfer.
func (c *Channel) WriteHandshake(h *protocol.Handshake) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := protocol.WriteHandshake(c.conn, h); err != nil {
		return err
	}
	c.ready.Store(true)
	return nil
}

// ReadHandshake reads and returns the peer's handshake, marking the receiver
// side ready. Version and signature verification are the caller's decision to
// make fatal; a read error already is.
func (c *Channel) ReadHandshake() (*protocol.Handshake, error) {
	h, err := protocol.ReadHandshake(c.conn)
	if err != nil {
		return nil, err
	}
	c.ready.Store(true)
	return h, nil
}

// Transfer sends one descriptor with its metadata. The descriptor number
// inside meta is log-only; the receiver gets a fresh descriptor from the
// ancillary data. Fails if the handshake has not completed or the channel is
// disconnected.
func (c *Channel) Transfer(fd int, meta *protocol.SocketRequest) error {
	if c.closed.Load() {
		return &api.TransferError{Op: "send", Cause: api.ErrChannelClosed}
	}
	if !c.ready.Load() {
		return &api.TransferError{Op: "send", Cause: errors.New("handshake not completed")}
	}
	frame, err := meta.EncodeFrame()
	if err != nil {
		return &api.TransferError{Op: "encode", Cause: err}
	}
	oob := unix.UnixRights(fd)

	c.mu.Lock()
	defer c.mu.Unlock()
	n, oobn, err := c.conn.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return &api.TransferError{Op: "send", Cause: err}
	}
	if n != len(frame) || oobn != len(oob) {
		return &api.TransferError{Op: "send",
			Cause: fmt.Errorf("partial write: %d/%d payload, %d/%d oob", n, len(frame), oobn, len(oob))}
	}
	return nil
}

// Receive blocks for the next transfer and returns the received descriptor
// (CLOEXEC set) plus its metadata. A payload without ancillary data is a
// protocol violation fatal to the channel.
func (c *Channel) Receive() (int, *protocol.SocketRequest, error) {
	buf := make([]byte, protocol.MaxRequestFrame+4)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || c.closed.Load() {
			return -1, nil, api.ErrChannelClosed
		}
		return -1, nil, fmt.Errorf("channel receive: %w", err)
	}
	if n == 0 {
		return -1, nil, api.ErrChannelClosed
	}

	meta, consumed, err := protocol.DecodeFrame(buf[:n])
	if err != nil {
		return -1, nil, fmt.Errorf("channel receive metadata: %w", err)
	}
	if consumed != n {
		return -1, nil, fmt.Errorf("channel receive: %d trailing bytes after frame", n-consumed)
	}

	if oobn == 0 {
		return -1, nil, api.ErrNoAncillaryData
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(cmsgs) == 0 {
		return -1, nil, api.ErrNoAncillaryData
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) == 0 {
		return -1, nil, api.ErrNoAncillaryData
	}
	fd := fds[0]
	unix.CloseOnExec(fd)
	// A single transfer never carries more than one descriptor; close any
	// extras instead of leaking them.
	for _, extra := range fds[1:] {
		unix.Close(extra)
	}
	return fd, meta, nil
}

// Stream exposes the underlying byte stream, used when the same socket
// carries a framed control protocol instead of descriptor transfers.
func (c *Channel) Stream() *net.UnixConn { return c.conn }

// Close tears down the channel connection.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}
