//go:build !unix

// Stub for platforms without SCM_RIGHTS descriptor passing.

package fdpass

import (
	"net"
	"time"

	"github.com/kenkendk/ceenhttpd-sub003/api"
	"github.com/kenkendk/ceenhttpd-sub003/protocol"
)

// Channel is unavailable on this platform.
type Channel struct{}

// Listener is unavailable on this platform.
type Listener struct{}

func SocketAddr(path string, abstract bool) *net.UnixAddr {
	return &net.UnixAddr{Name: path, Net: "unix"}
}

func NewChannel(conn *net.UnixConn) *Channel { return &Channel{} }

func Dial(path string, abstract bool) (*Channel, error) { return nil, api.ErrNotSupported }

func Listen(path string, abstract bool) (*Listener, error) { return nil, api.ErrNotSupported }

func Pair() (*Channel, *Channel, error) { return nil, nil, api.ErrNotSupported }

func (l *Listener) Accept() (*Channel, error)     { return nil, api.ErrNotSupported }
func (l *Listener) Close() error                  { return api.ErrNotSupported }
func (l *Listener) Addr() net.Addr                { return nil }
func (l *Listener) SetDeadline(t time.Time) error { return api.ErrNotSupported }

func (c *Channel) WriteHandshake(h *protocol.Handshake) error { return api.ErrNotSupported }
func (c *Channel) ReadHandshake() (*protocol.Handshake, error) {
	return nil, api.ErrNotSupported
}
func (c *Channel) Transfer(fd int, meta *protocol.SocketRequest) error {
	return api.ErrNotSupported
}
func (c *Channel) Receive() (int, *protocol.SocketRequest, error) {
	return -1, nil, api.ErrNotSupported
}
func (c *Channel) Stream() *net.UnixConn { return nil }
func (c *Channel) Close() error          { return nil }
