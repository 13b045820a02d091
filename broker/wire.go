// File: broker/wire.go
//
// Control-channel frame codec. Wire format per frame:
//   [type u8][callID u32 BE][handle i64 BE][methodLen u16 BE][method]
//   [argc u16 BE] then per value [kind u8][len u32 BE][bytes]
// Handles travel as 8-byte values tagged with their own kind, which is what
// gives calls reference rather than value semantics.

package broker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	frameCall uint8 = iota + 1
	frameResult
	frameFault
)

const (
	valString uint8 = iota
	valHandle
	valBool
	valInt
)

// maxWireValue bounds a single encoded value. Storage values are small; a
// larger length means the stream is desynchronized.
const maxWireValue = 1 << 20

var errWireDesync = errors.New("control channel stream desynchronized")

// Value is one call argument or result.
type Value struct {
	Kind   uint8
	Str    string
	Handle Handle
	Bool   bool
	Int    int64
}

// StringValue tags s as a string argument.
func StringValue(s string) Value { return Value{Kind: valString, Str: s} }

// HandleValue tags h as an object reference.
func HandleValue(h Handle) Value { return Value{Kind: valHandle, Handle: h} }

// BoolValue tags b as a boolean result.
func BoolValue(b bool) Value { return Value{Kind: valBool, Bool: b} }

// IntValue tags i as an integer result.
func IntValue(i int64) Value { return Value{Kind: valInt, Int: i} }

type frame struct {
	Type   uint8
	CallID uint32
	Handle Handle
	Method string
	Values []Value
}

func encodeFrame(f *frame) ([]byte, error) {
	if len(f.Method) > 0xFFFF || len(f.Values) > 0xFFFF {
		return nil, errWireDesync
	}
	buf := make([]byte, 0, 17+len(f.Method)+len(f.Values)*16)
	buf = append(buf, f.Type)
	buf = binary.BigEndian.AppendUint32(buf, f.CallID)
	buf = binary.BigEndian.AppendUint64(buf, uint64(f.Handle))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.Method)))
	buf = append(buf, f.Method...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.Values)))
	for _, v := range f.Values {
		buf = append(buf, v.Kind)
		switch v.Kind {
		case valString:
			if len(v.Str) > maxWireValue {
				return nil, errWireDesync
			}
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Str)))
			buf = append(buf, v.Str...)
		case valHandle:
			buf = binary.BigEndian.AppendUint32(buf, 8)
			buf = binary.BigEndian.AppendUint64(buf, uint64(v.Handle))
		case valBool:
			buf = binary.BigEndian.AppendUint32(buf, 1)
			if v.Bool {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case valInt:
			buf = binary.BigEndian.AppendUint32(buf, 8)
			buf = binary.BigEndian.AppendUint64(buf, uint64(v.Int))
		default:
			return nil, fmt.Errorf("%w: unknown value kind %d", errWireDesync, v.Kind)
		}
	}
	return buf, nil
}

// writeFrame writes one length-prefixed frame.
func writeFrame(w io.Writer, f *frame) error {
	payload, err := encodeFrame(f)
	if err != nil {
		return err
	}
	head := binary.BigEndian.AppendUint32(nil, uint32(len(payload)))
	if _, err := w.Write(head); err != nil {
		return fmt.Errorf("control frame write: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("control frame write: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame. Any malformed content is fatal:
// a desynchronized binary stream cannot be resynchronized safely.
func readFrame(r io.Reader) (*frame, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint32(head))
	if length < 17 || length > 4*maxWireValue {
		return nil, errWireDesync
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("control frame read: %w", err)
	}

	f := &frame{
		Type:   payload[0],
		CallID: binary.BigEndian.Uint32(payload[1:5]),
		Handle: Handle(binary.BigEndian.Uint64(payload[5:13])),
	}
	off := 13
	mlen := int(binary.BigEndian.Uint16(payload[off : off+2]))
	off += 2
	if len(payload) < off+mlen+2 {
		return nil, errWireDesync
	}
	f.Method = string(payload[off : off+mlen])
	off += mlen

	argc := int(binary.BigEndian.Uint16(payload[off : off+2]))
	off += 2
	f.Values = make([]Value, 0, argc)
	for i := 0; i < argc; i++ {
		if len(payload) < off+5 {
			return nil, errWireDesync
		}
		kind := payload[off]
		vlen := int(binary.BigEndian.Uint32(payload[off+1 : off+5]))
		off += 5
		if vlen > maxWireValue || len(payload) < off+vlen {
			return nil, errWireDesync
		}
		raw := payload[off : off+vlen]
		off += vlen

		v := Value{Kind: kind}
		switch kind {
		case valString:
			v.Str = string(raw)
		case valHandle:
			if vlen != 8 {
				return nil, errWireDesync
			}
			v.Handle = Handle(binary.BigEndian.Uint64(raw))
		case valBool:
			if vlen != 1 {
				return nil, errWireDesync
			}
			v.Bool = raw[0] != 0
		case valInt:
			if vlen != 8 {
				return nil, errWireDesync
			}
			v.Int = int64(binary.BigEndian.Uint64(raw))
		default:
			return nil, fmt.Errorf("%w: unknown value kind %d", errWireDesync, kind)
		}
		f.Values = append(f.Values, v)
	}
	if off != len(payload) {
		return nil, errWireDesync
	}
	return f, nil
}
