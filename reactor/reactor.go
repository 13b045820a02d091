// File: reactor/reactor.go
//
// Platform-neutral event reactor interface and the probing factory.

package reactor

import (
	"errors"
	"fmt"
)

// ErrNoMechanism means no multiplexing mechanism could be constructed on
// this platform. Fatal to the caller: the dispatcher cannot run without one.
var ErrNoMechanism = errors.New("reactor: no event mechanism available on this platform")

// Event is one readiness notification returned by Wait.
type Event struct {
	Fd       uintptr // registered descriptor
	UserData uintptr // caller-provided tag from Register
	Closed   bool    // peer hung up or the descriptor errored
}

// EventReactor multiplexes readiness notifications for many descriptors on
// one waiting task.
type EventReactor interface {
	// Register adds fd to the watch set with an opaque tag returned in events.
	Register(fd uintptr, userData uintptr) error

	// Unregister removes fd from the watch set.
	Unregister(fd uintptr) error

	// Wait blocks up to timeoutMs (-1 = forever) and fills events.
	// Returns the number of events written.
	Wait(events []Event, timeoutMs int) (int, error)

	// Close releases the mechanism; pending Wait calls fail.
	Close() error
}

type mechanism struct {
	name string
	make func() (EventReactor, error)
}

// New constructs the platform's event reactor, probing mechanisms in fixed
// preference order. Selection happens once at startup, never per request.
func New() (EventReactor, error) {
	var firstErr error
	for _, m := range mechanisms() {
		r, err := m.make()
		if err == nil {
			return r, nil
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", m.name, err)
		}
	}
	if firstErr != nil {
		return nil, fmt.Errorf("%w (last probe: %v)", ErrNoMechanism, firstErr)
	}
	return nil, ErrNoMechanism
}
