package main

import "testing"

func TestLookupCodec(t *testing.T) {
	c, err := lookupCodec("json")
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if got := c.ContentType(); got != "application/json" {
		t.Fatalf("json content type = %q", got)
	}

	c, err = lookupCodec("cbor")
	if err != nil {
		t.Fatalf("cbor: %v", err)
	}
	if got := c.ContentType(); got != "application/cbor" {
		t.Fatalf("cbor content type = %q", got)
	}

	if _, err := lookupCodec("xml"); err == nil {
		t.Fatalf("expected error for unknown codec")
	}
}

func TestEchoMsgRoundTrip(t *testing.T) {
	for _, name := range []string{"json", "cbor"} {
		c, err := lookupCodec(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		in := echoMsg{Seq: 7, Body: "ping"}
		b, err := c.Marshal(in)
		if err != nil {
			t.Fatalf("%s marshal: %v", name, err)
		}
		var out echoMsg
		if err := c.Unmarshal(b, &out); err != nil {
			t.Fatalf("%s unmarshal: %v", name, err)
		}
		if out != in {
			t.Fatalf("%s roundtrip mismatch: %#v", name, out)
		}
	}
}
