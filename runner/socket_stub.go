//go:build !unix

// Stub for platforms where the backlog cannot be set on a raw socket.

package runner

import (
	"net"

	"github.com/kenkendk/ceenhttpd-sub003/api"
)

func listenWithBacklog(addr string, port, backlog int) (*net.TCPListener, error) {
	return nil, api.ErrNotSupported
}
