package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/raptazure/distributed-process/pkg/transport"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := WriteFrame(w, []byte("ab"), []byte("cd")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteFrame(w, []byte("ef")); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := bufio.NewReader(&buf)
	got, err := ReadFrame(r)
	if err != nil || string(got) != "abcd" {
		t.Fatalf("first frame: %q err=%v", got, err)
	}
	got, err = ReadFrame(r)
	if err != nil || string(got) != "ef" {
		t.Fatalf("second frame: %q err=%v", got, err)
	}
}

func TestFrameEmpty(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := WriteFrame(w); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil || len(got) != 0 {
		t.Fatalf("empty frame: %q err=%v", got, err)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(MaxFrameSize+1))
	if _, err := ReadFrame(bufio.NewReader(bytes.NewReader(lenbuf[:]))); err == nil {
		t.Fatalf("expected error for oversized frame")
	}
}

func TestHelloRoundTrip(t *testing.T) {
	in := Hello{Src: "127.0.0.1:12345", Rel: uint8(transport.ReliableOrdered)}
	b, err := EncodeHello(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeHello(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestHelloBadReliability(t *testing.T) {
	b, err := EncodeHello(Hello{Src: "x", Rel: 9})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeHello(b); err == nil {
		t.Fatalf("expected error for reliability out of range")
	}
}
