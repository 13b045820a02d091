// Package reactor provides the event-multiplexer abstraction used by the
// worker dispatcher to watch many transferred descriptors from one task, and
// its platform implementations: epoll on Linux, kqueue on the BSDs and
// Darwin.
//
// Mechanism selection is a one-time startup decision made by New, which
// probes the platform's mechanisms in fixed preference order and fails only
// if none can be constructed.
package reactor
