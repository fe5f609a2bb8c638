package quic_test

import (
	"context"
	"errors"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/raptazure/distributed-process/pkg/transport"
	"github.com/raptazure/distributed-process/pkg/transport/quic"
	"github.com/raptazure/distributed-process/pkg/transport/transporttest"
)

func TestContract(t *testing.T) {
	transporttest.Run(t, func(t *testing.T) transport.Transport { return quic.New("127.0.0.1") })
}

func TestConnectNoListener(t *testing.T) {
	tr := quic.New("127.0.0.1")
	defer tr.Close()
	a, err := tr.NewEndPoint()
	if err != nil {
		t.Fatalf("new endpoint: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = a.Connect(ctx, "127.0.0.1:1", transport.ReliableOrdered)
	var ce *transport.ConnectError
	if !errors.As(err, &ce) || ce.Code != transport.ConnectFailed {
		t.Fatalf("got %v, want ConnectFailed", err)
	}
}

func openFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Fatalf("read /proc/self/fd: %v", err)
	}
	return len(entries)
}

// TestCloseReleasesConnection checks that closing a connection whose peer is
// already gone still releases the UDP socket, rather than holding it until
// the idle timeout.
func TestCloseReleasesConnection(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("counts descriptors via /proc/self/fd")
	}
	tr := quic.New("127.0.0.1")
	defer tr.Close()
	a, err := tr.NewEndPoint()
	if err != nil {
		t.Fatalf("new endpoint a: %v", err)
	}
	b, err := tr.NewEndPoint()
	if err != nil {
		t.Fatalf("new endpoint b: %v", err)
	}

	baseline := openFDs(t)
	c, err := a.Connect(context.Background(), b.Addr(), transport.ReliableOrdered)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Send([]byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Peer goes away first, then the local close must still tear the
	// connection down within the grace period.
	if err := b.Close(); err != nil {
		t.Fatalf("close b: %v", err)
	}
	c.Close()

	deadline := time.Now().Add(8 * time.Second)
	for {
		if openFDs(t) <= baseline {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("descriptors not released: before=%d now=%d", baseline, openFDs(t))
		}
		time.Sleep(50 * time.Millisecond)
	}
}
