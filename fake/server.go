// File: fake/server.go

package fake

import (
	"net"
	"sync/atomic"

	"github.com/kenkendk/ceenhttpd-sub003/api"
)

// RequestServer counts handled requests and can be made to block until
// released, so tests can hold requests in flight deliberately.
type RequestServer struct {
	handled atomic.Int64
	active  atomic.Int64
	stopped atomic.Bool

	// Block, when non-nil, is waited on inside every HandleRequestSimple call.
	Block chan struct{}

	// Fail, when set, is returned by HandleRequestSimple.
	Fail error
}

var _ api.RequestServer = (*RequestServer)(nil)

// NewRequestServer returns a non-blocking fake.
func NewRequestServer() *RequestServer {
	return &RequestServer{}
}

func (s *RequestServer) HandleRequestSimple(conn net.Conn, remote net.Addr, logTaskID string, closed <-chan struct{}) error {
	s.active.Add(1)
	defer s.active.Add(-1)
	if s.Block != nil {
		<-s.Block
	}
	if conn != nil {
		conn.Close()
	}
	if s.Fail != nil {
		return s.Fail
	}
	s.handled.Add(1)
	return nil
}

func (s *RequestServer) Stop()                { s.stopped.Store(true) }
func (s *RequestServer) ActiveClients() int64 { return s.active.Load() }

// Handled reports completed requests.
func (s *RequestServer) Handled() int64 { return s.handled.Load() }

// Stopped reports whether Stop was called.
func (s *RequestServer) Stopped() bool { return s.stopped.Load() }
