// Package protocol implements the binary wire formats of the handoff core:
// the one-shot channel handshake, the per-connection socket request metadata,
// and the type fingerprint both peers must agree on before any descriptor is
// trusted.
//
// All codecs are hand-rolled over encoding/binary with explicit short-frame
// checks and hard size limits; a desynchronized stream is never resynchronized.
package protocol
