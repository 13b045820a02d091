//go:build linux

// File: reactor/reactor_linux.go
//
// Linux epoll(7)-based reactor.

package reactor

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

func mechanisms() []mechanism {
	return []mechanism{
		{name: "epoll", make: newEpollReactor},
	}
}

// epollReactor watches descriptors with EPOLLIN|EPOLLRDHUP so peer
// disconnection surfaces without a read attempt.
type epollReactor struct {
	epfd int
	mu   sync.RWMutex
	tags map[int32]uintptr
}

func newEpollReactor() (EventReactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollReactor{epfd: epfd, tags: make(map[int32]uintptr)}, nil
}

func (r *epollReactor) Register(fd uintptr, userData uintptr) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	r.mu.Lock()
	r.tags[int32(fd)] = userData
	r.mu.Unlock()
	return nil
}

func (r *epollReactor) Unregister(fd uintptr) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(fd), nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	r.mu.Lock()
	delete(r.tags, int32(fd))
	r.mu.Unlock()
	return nil
}

func (r *epollReactor) Wait(events []Event, timeoutMs int) (int, error) {
	raw := make([]unix.EpollEvent, len(events))
	for {
		n, err := unix.EpollWait(r.epfd, raw, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("epoll wait: %w", err)
		}
		r.mu.RLock()
		for i := 0; i < n; i++ {
			events[i] = Event{
				Fd:       uintptr(raw[i].Fd),
				UserData: r.tags[raw[i].Fd],
				Closed:   raw[i].Events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			}
		}
		r.mu.RUnlock()
		return n, nil
	}
}

func (r *epollReactor) Close() error {
	return unix.Close(r.epfd)
}
