// File: protocol/handshake.go
//
// One-shot channel handshake: sent exactly once per descriptor channel
// connection, before any transfer is trusted.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kenkendk/ceenhttpd-sub003/api"
)

// HandshakeVersion is the single supported handshake version.
const HandshakeVersion = 1

// MaxSignatureLen bounds the signature field to keep the handshake frame
// small and reject garbage streams early.
const MaxSignatureLen = 4096

var (
	ErrShortFrame       = errors.New("handshake frame too short")
	ErrSignatureTooLong = errors.New("handshake signature exceeds maximum length")
)

// Handshake identifies the peer's server object and the metadata layout it
// expects. Layout: [version u8][serverHandle i64 BE][sigLen u16 BE][sig].
type Handshake struct {
	Version      uint8
	ServerHandle int64
	Signature    string
}

// Encode serializes the handshake into wire form.
func (h *Handshake) Encode() ([]byte, error) {
	if len(h.Signature) > MaxSignatureLen {
		return nil, ErrSignatureTooLong
	}
	buf := make([]byte, 1+8+2+len(h.Signature))
	buf[0] = h.Version
	binary.BigEndian.PutUint64(buf[1:9], uint64(h.ServerHandle))
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(h.Signature)))
	copy(buf[11:], h.Signature)
	return buf, nil
}

// DecodeHandshake parses a handshake frame, rejecting short frames and
// unsupported versions before looking at anything else.
func DecodeHandshake(raw []byte) (*Handshake, error) {
	if len(raw) < 11 {
		return nil, ErrShortFrame
	}
	if raw[0] != HandshakeVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", api.ErrBadVersion, raw[0], HandshakeVersion)
	}
	sigLen := int(binary.BigEndian.Uint16(raw[9:11]))
	if sigLen > MaxSignatureLen {
		return nil, ErrSignatureTooLong
	}
	if len(raw) < 11+sigLen {
		return nil, ErrShortFrame
	}
	return &Handshake{
		Version:      raw[0],
		ServerHandle: int64(binary.BigEndian.Uint64(raw[1:9])),
		Signature:    string(raw[11 : 11+sigLen]),
	}, nil
}

// WriteHandshake writes exactly one handshake frame to w.
func WriteHandshake(w io.Writer, h *Handshake) error {
	buf, err := h.Encode()
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}
	return nil
}

// ReadHandshake reads exactly one handshake frame from r. The version byte is
// checked before the remainder is read, so a bad peer is rejected on the
// first byte it sends.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	head := make([]byte, 11)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("handshake read: %w", err)
	}
	if head[0] != HandshakeVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", api.ErrBadVersion, head[0], HandshakeVersion)
	}
	sigLen := int(binary.BigEndian.Uint16(head[9:11]))
	if sigLen > MaxSignatureLen {
		return nil, ErrSignatureTooLong
	}
	sig := make([]byte, sigLen)
	if _, err := io.ReadFull(r, sig); err != nil {
		return nil, fmt.Errorf("handshake read signature: %w", err)
	}
	return &Handshake{
		Version:      head[0],
		ServerHandle: int64(binary.BigEndian.Uint64(head[1:9])),
		Signature:    string(sig),
	}, nil
}

// VerifySignature compares the peer's advertised signature with the locally
// computed one. A mismatch is fatal for the channel.
func (h *Handshake) VerifySignature(local string) error {
	if h.Signature != local {
		return fmt.Errorf("%w: peer %q, local %q", api.ErrSignatureMismatch, h.Signature, local)
	}
	return nil
}
