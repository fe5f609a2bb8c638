package mem_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raptazure/distributed-process/pkg/transport"
	"github.com/raptazure/distributed-process/pkg/transport/mem"
	"github.com/raptazure/distributed-process/pkg/transport/transporttest"
)

func TestContract(t *testing.T) {
	transporttest.Run(t, func(t *testing.T) transport.Transport { return mem.New() })
}

func TestConnectUnknownEndpoint(t *testing.T) {
	tr := mem.New()
	defer tr.Close()
	a, err := tr.NewEndPoint()
	if err != nil {
		t.Fatalf("new endpoint: %v", err)
	}
	// Well-formed mem address, but nobody lives there: this is a failed dial,
	// not an invalid address.
	_, err = a.Connect(context.Background(), "mem-999", transport.ReliableOrdered)
	var ce *transport.ConnectError
	if !errors.As(err, &ce) || ce.Code != transport.ConnectFailed {
		t.Fatalf("got %v, want ConnectFailed", err)
	}
}

func TestSendAfterRemoteEndpointClosed(t *testing.T) {
	tr := mem.New()
	defer tr.Close()
	a, _ := tr.NewEndPoint()
	b, _ := tr.NewEndPoint()

	c, err := a.Connect(context.Background(), b.Addr(), transport.ReliableOrdered)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close b: %v", err)
	}
	// A failed connection fails all subsequent sends, not intermittently.
	for i := 0; i < 3; i++ {
		err := c.Send([]byte("x"))
		var se *transport.SendError
		if !errors.As(err, &se) || se.Code != transport.SendFailed {
			t.Fatalf("send %d: got %v, want SendFailed", i, err)
		}
	}
}

func TestEndpointCloseClosesOutboundConnections(t *testing.T) {
	tr := mem.New()
	defer tr.Close()
	a, _ := tr.NewEndPoint()
	b, _ := tr.NewEndPoint()

	if _, err := a.Connect(context.Background(), b.Addr(), transport.ReliableOrdered); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close a: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := b.Receive(ctx); err != nil {
		t.Fatalf("receive opened: %v", err)
	}
	ev, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("receive closed: %v", err)
	}
	if _, ok := ev.(transport.ConnectionClosed); !ok {
		t.Fatalf("expected ConnectionClosed after peer endpoint close, got %#v", ev)
	}
}

func TestReceiveDrainsBeforeClose(t *testing.T) {
	tr := mem.New()
	defer tr.Close()
	a, _ := tr.NewEndPoint()
	b, _ := tr.NewEndPoint()

	c, err := a.Connect(context.Background(), b.Addr(), transport.ReliableOrdered)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Send([]byte("last words")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Events already queued stay observable; only then does the closed
	// endpoint report its demise.
	ctx := context.Background()
	if ev, err := b.Receive(ctx); err != nil {
		t.Fatalf("receive buffered opened: %v (%#v)", err, ev)
	}
	if ev, err := b.Receive(ctx); err != nil {
		t.Fatalf("receive buffered message: %v (%#v)", err, ev)
	}
	if _, err := b.Receive(ctx); !errors.Is(err, transport.ErrEndPointClosed) {
		t.Fatalf("got %v, want ErrEndPointClosed", err)
	}
}

func TestNewEndPointAfterTransportClose(t *testing.T) {
	tr := mem.New()
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := tr.NewEndPoint()
	var ne *transport.NewEndPointError
	if !errors.As(err, &ne) || ne.Code != mem.NewEndPointTransportClosed {
		t.Fatalf("got %v, want NewEndPointTransportClosed", err)
	}
}

func TestSpawnPropagatesNewEndPointError(t *testing.T) {
	tr := mem.New()
	_ = tr.Close()
	ran := make(chan struct{})
	_, err := transport.Spawn(tr, func(transport.EndPoint) { close(ran) })
	var ne *transport.NewEndPointError
	if !errors.As(err, &ne) {
		t.Fatalf("got %v, want NewEndPointError", err)
	}
	select {
	case <-ran:
		t.Fatalf("handler must not run when NewEndPoint fails")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMulticastSendAfterDeleteIsSilent(t *testing.T) {
	tr := mem.New()
	defer tr.Close()
	a, _ := tr.NewEndPoint()
	b, _ := tr.NewEndPoint()

	g, err := a.NewMulticastGroup()
	if err != nil {
		t.Fatalf("new group: %v", err)
	}
	gb, err := b.ResolveMulticastGroup(g.Addr())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	gb.Subscribe()
	g.Delete()
	g.Send([]byte("into the void")) // no error, no delivery

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if ev, err := b.Receive(ctx); err == nil {
		t.Fatalf("unexpected delivery after delete: %#v", ev)
	}
}
