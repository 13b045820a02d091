//go:build darwin || freebsd || netbsd || openbsd || dragonfly

// File: reactor/reactor_bsd.go
//
// kqueue(2)-based reactor for Darwin and the BSDs.

package reactor

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

func mechanisms() []mechanism {
	return []mechanism{
		{name: "kqueue", make: newKqueueReactor},
	}
}

type kqueueReactor struct {
	kq   int
	mu   sync.RWMutex
	tags map[uint64]uintptr
}

func newKqueueReactor() (EventReactor, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue create: %w", err)
	}
	unix.CloseOnExec(kq)
	return &kqueueReactor{kq: kq, tags: make(map[uint64]uintptr)}, nil
}

func (r *kqueueReactor) Register(fd uintptr, userData uintptr) error {
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD,
	}
	if _, err := unix.Kevent(r.kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		return fmt.Errorf("kevent add: %w", err)
	}
	r.mu.Lock()
	r.tags[uint64(fd)] = userData
	r.mu.Unlock()
	return nil
}

func (r *kqueueReactor) Unregister(fd uintptr) error {
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_DELETE,
	}
	if _, err := unix.Kevent(r.kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		return fmt.Errorf("kevent delete: %w", err)
	}
	r.mu.Lock()
	delete(r.tags, uint64(fd))
	r.mu.Unlock()
	return nil
}

func (r *kqueueReactor) Wait(events []Event, timeoutMs int) (int, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1_000_000)
		ts = &t
	}
	raw := make([]unix.Kevent_t, len(events))
	for {
		n, err := unix.Kevent(r.kq, nil, raw, ts)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("kevent wait: %w", err)
		}
		r.mu.RLock()
		for i := 0; i < n; i++ {
			events[i] = Event{
				Fd:       uintptr(raw[i].Ident),
				UserData: r.tags[raw[i].Ident],
				Closed:   raw[i].Flags&unix.EV_EOF != 0 || raw[i].Flags&unix.EV_ERROR != 0,
			}
		}
		r.mu.RUnlock()
		return n, nil
	}
}

func (r *kqueueReactor) Close() error {
	return unix.Close(r.kq)
}
