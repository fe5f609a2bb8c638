package codec

import (
	"testing"
)

func TestJSONCodec(t *testing.T) {
	c := JSON()
	in := map[string]any{"a": 1, "b": "x"}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["a"].(float64) != 1 || out["b"].(string) != "x" {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestCBORCodec(t *testing.T) {
	c, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	type header struct {
		Src string `cbor:"src"`
		Rel uint8  `cbor:"rel"`
	}
	in := header{Src: "127.0.0.1:9000", Rel: 2}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out header
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if r.Get("application/json") == nil {
		t.Fatalf("expected JSON preloaded")
	}
	if r.Get("application/cbor") != nil {
		t.Fatalf("CBOR should require explicit registration")
	}
	c, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	r.Register(c)
	if r.Get("application/cbor") == nil {
		t.Fatalf("expected CBOR after Register")
	}
}
