package transport

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestReliabilityString(t *testing.T) {
	cases := map[Reliability]string{
		ReliableOrdered:   "reliable-ordered",
		ReliableUnordered: "reliable-unordered",
		Unreliable:        "unreliable",
		Reliability(99):   "unknown",
	}
	for r, want := range cases {
		if got := r.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", r, got, want)
		}
	}
}

func TestConcat(t *testing.T) {
	if got := Concat(nil); got != nil {
		t.Fatalf("Concat(nil) = %v, want nil", got)
	}
	got := Concat([][]byte{[]byte("ab"), []byte("cd"), []byte("ef")})
	if !bytes.Equal(got, []byte("abcdef")) {
		t.Fatalf("Concat = %q, want abcdef", got)
	}

	// The result must not alias the fragments.
	frag := []byte("xy")
	got = Concat([][]byte{frag})
	frag[0] = 'Z'
	if !bytes.Equal(got, []byte("xy")) {
		t.Fatalf("Concat aliases its input: %q", got)
	}
}

func TestErrorsMatchThroughWrapping(t *testing.T) {
	err := fmt.Errorf("dial b: %w", &ConnectError{Code: ConnectInvalidAddress, Msg: "bad"})
	var ce *ConnectError
	if !errors.As(err, &ce) || ce.Code != ConnectInvalidAddress {
		t.Fatalf("errors.As failed on wrapped ConnectError: %v", err)
	}

	err = fmt.Errorf("send: %w", &SendError{Code: SendFailed, Msg: "remote gone"})
	var se *SendError
	if !errors.As(err, &se) || se.Code != SendFailed {
		t.Fatalf("errors.As failed on wrapped SendError: %v", err)
	}
}

func TestErrorMessages(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&NewEndPointError{Msg: "boom"}, "new endpoint: boom"},
		{&ConnectError{Code: ConnectInvalidAddress, Msg: "x"}, "connect invalid address: x"},
		{&NewMulticastGroupError{Code: NewMulticastGroupUnsupported, Msg: "x"}, "new multicast group unsupported: x"},
		{&ResolveMulticastGroupError{Code: ResolveMulticastGroupNotFound, Msg: "x"}, "resolve multicast group not found: x"},
		{&SendError{Code: SendFailed, Msg: "x"}, "send failed: x"},
	}
	for _, c := range cases {
		if got := c.err.Error(); got != c.want {
			t.Fatalf("Error() = %q, want %q", got, c.want)
		}
	}
}
