package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestSocketRequestRoundtrip(t *testing.T) {
	in := &SocketRequest{
		LocalHandle: 17,
		RemoteIP:    "192.0.2.41",
		RemotePort:  54021,
		LogTaskID:   "f4b7a1c2-0000-4000-8000-000000000001",
	}
	raw, err := in.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	out, err := DecodeSocketRequest(raw)
	if err != nil {
		t.Fatalf("DecodeSocketRequest failed: %v", err)
	}
	if *out != *in {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", out, in)
	}
}

func TestSocketRequestFrameRoundtrip(t *testing.T) {
	in := &SocketRequest{LocalHandle: 3, RemoteIP: "2001:db8::1", RemotePort: 8443, LogTaskID: "t1"}
	frame, err := in.EncodeFrame()
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	out, n, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if n != len(frame) {
		t.Errorf("consumed %d bytes, frame is %d", n, len(frame))
	}
	if *out != *in {
		t.Errorf("frame roundtrip mismatch: got %+v, want %+v", out, in)
	}
}

func TestSocketRequestReadFrameStream(t *testing.T) {
	var buf bytes.Buffer
	reqs := []*SocketRequest{
		{LocalHandle: 1, RemoteIP: "10.0.0.1", RemotePort: 1001, LogTaskID: "a"},
		{LocalHandle: 2, RemoteIP: "10.0.0.2", RemotePort: 1002, LogTaskID: "b"},
		{LocalHandle: 3, RemoteIP: "10.0.0.3", RemotePort: 1003, LogTaskID: "c"},
	}
	for _, r := range reqs {
		frame, err := r.EncodeFrame()
		if err != nil {
			t.Fatalf("EncodeFrame failed: %v", err)
		}
		buf.Write(frame)
	}
	for i, want := range reqs {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if *got != *want {
			t.Errorf("frame %d mismatch: got %+v, want %+v", i, got, want)
		}
	}
}

func TestSocketRequestRejectsTruncated(t *testing.T) {
	in := &SocketRequest{LocalHandle: 9, RemoteIP: "10.1.1.1", RemotePort: 80, LogTaskID: "task"}
	raw, _ := in.Encode()
	for cut := 1; cut < len(raw); cut++ {
		if _, err := DecodeSocketRequest(raw[:cut]); !errors.Is(err, ErrShortFrame) {
			t.Fatalf("truncation at %d not rejected: %v", cut, err)
		}
	}
}

func TestSocketRequestRejectsOversizedFrame(t *testing.T) {
	raw := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if _, _, err := DecodeFrame(raw); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}
