//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

// File: reactor/reactor_stub.go
//
// Stub for platforms without a supported multiplexing mechanism.

package reactor

func mechanisms() []mechanism {
	return nil
}
