// Package wire implements the framing shared by the stream-oriented backends
// (tcp, quic): length-prefixed frames (u32 LE) plus the CBOR-encoded hello
// header exchanged once per connection.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/raptazure/distributed-process/pkg/codec"
	"github.com/raptazure/distributed-process/pkg/transport"
)

// MaxFrameSize caps a single frame to keep a malformed or hostile length
// prefix from forcing a huge allocation.
const MaxFrameSize = 1 << 24

var errFrameTooLarge = errors.New("wire: frame exceeds max size")

// WriteFrame writes one frame whose body is the fragments concatenated in
// order, and flushes. Callers must serialize WriteFrame calls per writer.
func WriteFrame(w *bufio.Writer, fragments ...[]byte) error {
	total := 0
	for _, f := range fragments {
		total += len(f)
	}
	if total > MaxFrameSize {
		return errFrameTooLarge
	}
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(total))
	if _, err := w.Write(lenbuf[:]); err != nil {
		return err
	}
	for _, f := range fragments {
		if _, err := w.Write(f); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadFrame reads the next frame body.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n > MaxFrameSize {
		return nil, errFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Hello is the first frame on every stream connection: it carries the
// dialer's own endpoint address (so the remote party can dial back) and the
// requested reliability tier.
type Hello struct {
	Src string `cbor:"src"`
	Rel uint8  `cbor:"rel"`
}

var cborCodec = mustCBOR()

func mustCBOR() codec.Codec {
	c, err := codec.CBOR()
	if err != nil {
		panic(err)
	}
	return c
}

// EncodeHello marshals h with the canonical CBOR codec.
func EncodeHello(h Hello) ([]byte, error) {
	return cborCodec.Marshal(h)
}

// DecodeHello unmarshals and validates a hello frame.
func DecodeHello(b []byte) (Hello, error) {
	var h Hello
	if err := cborCodec.Unmarshal(b, &h); err != nil {
		return Hello{}, fmt.Errorf("decode hello: %w", err)
	}
	if h.Rel > uint8(transport.Unreliable) {
		return Hello{}, fmt.Errorf("decode hello: bad reliability %d", h.Rel)
	}
	return h, nil
}
