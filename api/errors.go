// File: api/errors.go
//
// Common error values and structured error types used across the module.

package api

import "fmt"

// Sentinel errors shared by the channel, broker, and worker packages.
var (
	ErrChannelClosed     = fmt.Errorf("descriptor channel is closed")
	ErrNoAncillaryData   = fmt.Errorf("message carried no ancillary descriptor")
	ErrBadVersion        = fmt.Errorf("unsupported handshake version")
	ErrSignatureMismatch = fmt.Errorf("request signature mismatch")
	ErrUnknownHandle     = fmt.Errorf("unknown object handle")
	ErrWrongCapability   = fmt.Errorf("handle resolves to wrong capability set")
	ErrWorkerStopped     = fmt.Errorf("worker is stopped")
	ErrNotSupported      = fmt.Errorf("operation not supported on this platform")
)

// TransferError reports a failed descriptor transfer. It is fatal to the
// dispatch attempt that raised it, never to the supervisor's accept loop.
type TransferError struct {
	Op    string
	Cause error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("descriptor transfer %s: %v", e.Op, e.Cause)
}

func (e *TransferError) Unwrap() error { return e.Cause }

// Fault is a remote invocation failure propagated through the control
// channel. The invocation that produced it is lost; the channel survives.
type Fault struct {
	Method  string
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("remote fault in %s: %s", f.Method, f.Message)
}
