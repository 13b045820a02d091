// File: protocol/socketrequest.go
//
// Per-connection metadata codec. One SocketRequest travels with every
// transferred descriptor; the descriptor itself rides as ancillary data on
// the same message, never inside this payload.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxRequestFrame bounds a single metadata frame. Metadata is tens of bytes
// in practice; anything near this limit is a desynchronized stream.
const MaxRequestFrame = 64 * 1024

var ErrFrameTooLarge = errors.New("socket request frame exceeds maximum size")

// SocketRequest describes a transferred connection. LocalHandle is the
// sender's descriptor number and is informational only: descriptor numbers
// are process-local, so the receiver must use the ancillary-data descriptor
// and never this integer.
type SocketRequest struct {
	LocalHandle int32
	RemoteIP    string
	RemotePort  int32
	LogTaskID   string
}

// Encode serializes the request payload (without the outer length prefix).
// Layout: [localHandle i32 BE][ipLen u16 BE][ip][remotePort i32 BE]
// [taskLen u16 BE][task].
func (s *SocketRequest) Encode() ([]byte, error) {
	if len(s.RemoteIP) > 0xFFFF || len(s.LogTaskID) > 0xFFFF {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, 0, 4+2+len(s.RemoteIP)+4+2+len(s.LogTaskID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(s.LocalHandle))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s.RemoteIP)))
	buf = append(buf, s.RemoteIP...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(s.RemotePort))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s.LogTaskID)))
	buf = append(buf, s.LogTaskID...)
	if len(buf) > MaxRequestFrame {
		return nil, ErrFrameTooLarge
	}
	return buf, nil
}

// DecodeSocketRequest parses a request payload.
func DecodeSocketRequest(raw []byte) (*SocketRequest, error) {
	if len(raw) > MaxRequestFrame {
		return nil, ErrFrameTooLarge
	}
	if len(raw) < 6 {
		return nil, ErrShortFrame
	}
	s := &SocketRequest{LocalHandle: int32(binary.BigEndian.Uint32(raw[0:4]))}
	off := 4

	ipLen := int(binary.BigEndian.Uint16(raw[off : off+2]))
	off += 2
	if len(raw) < off+ipLen+6 {
		return nil, ErrShortFrame
	}
	s.RemoteIP = string(raw[off : off+ipLen])
	off += ipLen

	s.RemotePort = int32(binary.BigEndian.Uint32(raw[off : off+4]))
	off += 4

	taskLen := int(binary.BigEndian.Uint16(raw[off : off+2]))
	off += 2
	if len(raw) < off+taskLen {
		return nil, ErrShortFrame
	}
	s.LogTaskID = string(raw[off : off+taskLen])
	return s, nil
}

// EncodeFrame wraps the request payload with a u32 BE length prefix, the form
// carried on the descriptor channel.
func (s *SocketRequest) EncodeFrame() ([]byte, error) {
	payload, err := s.Encode()
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

// DecodeFrame parses a length-prefixed request frame and reports how many
// bytes it consumed.
func DecodeFrame(raw []byte) (*SocketRequest, int, error) {
	if len(raw) < 4 {
		return nil, 0, ErrShortFrame
	}
	length := int(binary.BigEndian.Uint32(raw[0:4]))
	if length > MaxRequestFrame {
		return nil, 0, ErrFrameTooLarge
	}
	if len(raw) < 4+length {
		return nil, 0, ErrShortFrame
	}
	s, err := DecodeSocketRequest(raw[4 : 4+length])
	if err != nil {
		return nil, 0, err
	}
	return s, 4 + length, nil
}

// ReadFrame reads one length-prefixed request frame from a byte stream.
func ReadFrame(r io.Reader) (*SocketRequest, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("request frame read: %w", err)
	}
	length := int(binary.BigEndian.Uint32(head))
	if length > MaxRequestFrame {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("request frame read payload: %w", err)
	}
	return DecodeSocketRequest(payload)
}
