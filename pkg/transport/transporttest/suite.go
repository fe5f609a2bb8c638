package transporttest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/raptazure/distributed-process/pkg/transport"
)

const waitTimeout = 5 * time.Second

// Run executes the contract suite against a backend. factory must return a
// fresh Transport whose endpoints can reach each other; the suite closes it.
func Run(t *testing.T, factory func(t *testing.T) transport.Transport) {
	t.Run("OrderedDelivery", func(t *testing.T) { testOrderedDelivery(t, factory(t)) })
	t.Run("FragmentRoundTrip", func(t *testing.T) { testFragmentRoundTrip(t, factory(t)) })
	t.Run("CloseIdempotent", func(t *testing.T) { testCloseIdempotent(t, factory(t)) })
	t.Run("ConnectionLifecyclePairing", func(t *testing.T) { testLifecyclePairing(t, factory(t)) })
	t.Run("InvalidAddress", func(t *testing.T) { testInvalidAddress(t, factory(t)) })
	t.Run("Multicast", func(t *testing.T) { testMulticast(t, factory(t)) })
	t.Run("Spawn", func(t *testing.T) { testSpawn(t, factory(t)) })
	t.Run("ConcurrentReceivers", func(t *testing.T) { testConcurrentReceivers(t, factory(t)) })
}

func newEndPoint(t *testing.T, tr transport.Transport) transport.EndPoint {
	t.Helper()
	ep, err := tr.NewEndPoint()
	if err != nil {
		t.Fatalf("new endpoint: %v", err)
	}
	return ep
}

func recvEvent(t *testing.T, ep transport.EndPoint) transport.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	ev, err := ep.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return ev
}

// testOrderedDelivery is the canonical conversation: A connects to B with
// ReliableOrdered, sends ["ab","cd"] then ["ef"], and closes. B must observe
// open, both messages in order and byte-identical, then exactly one close.
func testOrderedDelivery(t *testing.T, tr transport.Transport) {
	defer tr.Close()
	a := newEndPoint(t, tr)
	b := newEndPoint(t, tr)

	c, err := a.Connect(context.Background(), b.Addr(), transport.ReliableOrdered)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Send([]byte("ab"), []byte("cd")); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if err := c.Send([]byte("ef")); err != nil {
		t.Fatalf("send 2: %v", err)
	}

	opened, ok := recvEvent(t, b).(transport.ConnectionOpened)
	if !ok {
		t.Fatalf("expected ConnectionOpened first")
	}
	if opened.Reliability != transport.ReliableOrdered {
		t.Fatalf("reliability = %v, want reliable-ordered", opened.Reliability)
	}
	if opened.Remote != a.Addr() {
		t.Fatalf("remote addr = %q, want %q", opened.Remote, a.Addr())
	}

	m1, ok := recvEvent(t, b).(transport.Received)
	if !ok || m1.ConnID != opened.ConnID {
		t.Fatalf("expected Received on conn %d, got %#v", opened.ConnID, m1)
	}
	if got := transport.Concat(m1.Payload); !bytes.Equal(got, []byte("abcd")) {
		t.Fatalf("message 1 = %q, want abcd", got)
	}
	m2, ok := recvEvent(t, b).(transport.Received)
	if !ok || m2.ConnID != opened.ConnID {
		t.Fatalf("expected second Received, got %#v", m2)
	}
	if got := transport.Concat(m2.Payload); !bytes.Equal(got, []byte("ef")) {
		t.Fatalf("message 2 = %q, want ef", got)
	}

	c.Close()
	closed, ok := recvEvent(t, b).(transport.ConnectionClosed)
	if !ok || closed.ConnID != opened.ConnID {
		t.Fatalf("expected ConnectionClosed for conn %d, got %#v", opened.ConnID, closed)
	}
}

func testFragmentRoundTrip(t *testing.T, tr transport.Transport) {
	defer tr.Close()
	a := newEndPoint(t, tr)
	b := newEndPoint(t, tr)

	c, err := a.Connect(context.Background(), b.Addr(), transport.ReliableOrdered)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()
	want := []byte("hello transport world")
	if err := c.Send([]byte("hello "), []byte("transport"), []byte(" world")); err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, ok := recvEvent(t, b).(transport.ConnectionOpened); !ok {
		t.Fatalf("expected ConnectionOpened first")
	}
	msg, ok := recvEvent(t, b).(transport.Received)
	if !ok {
		t.Fatalf("expected Received")
	}
	if got := transport.Concat(msg.Payload); !bytes.Equal(got, want) {
		t.Fatalf("payload = %q, want %q", got, want)
	}
}

func testCloseIdempotent(t *testing.T, tr transport.Transport) {
	defer tr.Close()
	a := newEndPoint(t, tr)
	b := newEndPoint(t, tr)

	c, err := a.Connect(context.Background(), b.Addr(), transport.ReliableOrdered)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.Close()
	c.Close() // second close is a no-op

	for i := 0; i < 2; i++ {
		err := c.Send([]byte("x"))
		var se *transport.SendError
		if !errors.As(err, &se) || se.Code != transport.SendFailed {
			t.Fatalf("send %d after close: got %v, want SendFailed", i, err)
		}
	}
}

// testLifecyclePairing opens two connections and closes them, checking ids
// are distinct while open, every open has exactly one close, and no Received
// trails its ConnectionClosed.
func testLifecyclePairing(t *testing.T, tr transport.Transport) {
	defer tr.Close()
	a := newEndPoint(t, tr)
	b := newEndPoint(t, tr)
	col := NewCollector(b)
	defer col.Stop()

	c1, err := a.Connect(context.Background(), b.Addr(), transport.ReliableOrdered)
	if err != nil {
		t.Fatalf("connect 1: %v", err)
	}
	c2, err := a.Connect(context.Background(), b.Addr(), transport.ReliableUnordered)
	if err != nil {
		t.Fatalf("connect 2: %v", err)
	}
	if err := c1.Send([]byte("one")); err != nil {
		t.Fatalf("send c1: %v", err)
	}
	if err := c2.Send([]byte("two")); err != nil {
		t.Fatalf("send c2: %v", err)
	}
	c1.Close()
	c2.Close()

	if !col.WaitFor(waitTimeout, func(evs []transport.Event) bool {
		closes := 0
		for _, ev := range evs {
			if _, ok := ev.(transport.ConnectionClosed); ok {
				closes++
			}
		}
		return closes == 2
	}) {
		t.Fatalf("timed out waiting for both closes: %#v", col.Snapshot())
	}

	evs := col.Snapshot()
	opened := map[transport.ConnectionID]int{}
	closed := map[transport.ConnectionID]int{}
	for _, ev := range evs {
		switch e := ev.(type) {
		case transport.ConnectionOpened:
			opened[e.ConnID]++
		case transport.ConnectionClosed:
			closed[e.ConnID]++
			if opened[e.ConnID] != 1 {
				t.Fatalf("close for conn %d without single open", e.ConnID)
			}
		case transport.Received:
			if closed[e.ConnID] != 0 {
				t.Fatalf("Received for conn %d after its close", e.ConnID)
			}
			if opened[e.ConnID] != 1 {
				t.Fatalf("Received for conn %d before open", e.ConnID)
			}
		}
	}
	if len(opened) != 2 {
		t.Fatalf("expected 2 distinct connection ids, got %d", len(opened))
	}
	for id, n := range closed {
		if n != 1 {
			t.Fatalf("conn %d closed %d times", id, n)
		}
	}
}

func testInvalidAddress(t *testing.T, tr transport.Transport) {
	defer tr.Close()
	a := newEndPoint(t, tr)
	b := newEndPoint(t, tr)
	col := NewCollector(b)
	defer col.Stop()

	_, err := a.Connect(context.Background(), "not an address", transport.ReliableOrdered)
	var ce *transport.ConnectError
	if !errors.As(err, &ce) || ce.Code != transport.ConnectInvalidAddress {
		t.Fatalf("got %v, want ConnectInvalidAddress", err)
	}

	// A failed connect must never surface an event anywhere.
	time.Sleep(50 * time.Millisecond)
	if evs := col.Snapshot(); len(evs) != 0 {
		t.Fatalf("unexpected events after failed connect: %#v", evs)
	}
}

func testMulticast(t *testing.T, tr transport.Transport) {
	defer tr.Close()
	a := newEndPoint(t, tr)

	g, err := a.NewMulticastGroup()
	if err != nil {
		// A backend without multicast answers definitively, and resolution is
		// equally unsupported: never NotFound, never a timeout.
		var ne *transport.NewMulticastGroupError
		if !errors.As(err, &ne) || ne.Code != transport.NewMulticastGroupUnsupported {
			t.Fatalf("got %v, want NewMulticastGroupUnsupported", err)
		}
		_, rerr := a.ResolveMulticastGroup("anything")
		var re *transport.ResolveMulticastGroupError
		if !errors.As(rerr, &re) || re.Code != transport.ResolveMulticastGroupUnsupported {
			t.Fatalf("resolve on multicast-less backend: got %v, want Unsupported", rerr)
		}
		return
	}

	b := newEndPoint(t, tr)
	gb, err := b.ResolveMulticastGroup(g.Addr())
	if err != nil {
		t.Fatalf("resolve %q: %v", g.Addr(), err)
	}

	// The declared ceiling (<= 0 meaning unbounded) is a property of the
	// group, so every handle must report the same value, and it must admit
	// the suite's tiny payloads.
	if gs, bs := g.MaxMsgSize(), gb.MaxMsgSize(); gs != bs {
		t.Fatalf("max message size differs across handles: %d vs %d", gs, bs)
	}
	if size := g.MaxMsgSize(); size > 0 && size < len("multicast") {
		t.Fatalf("declared max message size %d is below the suite payload", size)
	}

	gb.Subscribe()
	gb.Subscribe() // double subscribe behaves as one

	g.Send([]byte("multi"), []byte("cast"))
	ev := recvEvent(t, b)
	mc, ok := ev.(transport.ReceivedMulticast)
	if !ok || mc.Group != g.Addr() {
		t.Fatalf("expected ReceivedMulticast for %q, got %#v", g.Addr(), ev)
	}
	if got := transport.Concat(mc.Payload); !bytes.Equal(got, []byte("multicast")) {
		t.Fatalf("payload = %q, want multicast", got)
	}

	// Unknown address resolves to NotFound, distinct from Unsupported.
	_, err = a.ResolveMulticastGroup("no-such-group")
	var re *transport.ResolveMulticastGroupError
	if !errors.As(err, &re) || re.Code != transport.ResolveMulticastGroupNotFound {
		t.Fatalf("got %v, want ResolveMulticastGroupNotFound", err)
	}

	// Unsubscribe stops delivery; unsubscribing again is a no-op.
	gb.Unsubscribe()
	gb.Unsubscribe()
	g.Send([]byte("dropped"))

	// Close releases only this handle's send capability.
	g.Close()
	g.Send([]byte("also dropped"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if ev, err := b.Receive(ctx); err == nil {
		t.Fatalf("unexpected event after unsubscribe: %#v", ev)
	}

	// Delete destroys the group for everyone.
	gb.Delete()
	if _, err := a.ResolveMulticastGroup(g.Addr()); err == nil {
		t.Fatalf("expected resolve to fail after delete")
	}
}

func testSpawn(t *testing.T, tr transport.Transport) {
	defer tr.Close()
	seen := make(chan transport.EndPointAddress, 1)
	addr, err := transport.Spawn(tr, func(ep transport.EndPoint) {
		seen <- ep.Addr()
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	select {
	case got := <-seen:
		if got != addr {
			t.Fatalf("handler saw %q, caller got %q", got, addr)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("handler never ran")
	}
}

// testConcurrentReceivers checks that competing Receive callers partition the
// queue: every event is seen exactly once across all receivers.
func testConcurrentReceivers(t *testing.T, tr transport.Transport) {
	defer tr.Close()
	a := newEndPoint(t, tr)
	b := newEndPoint(t, tr)

	const messages = 50
	c, err := a.Connect(context.Background(), b.Addr(), transport.ReliableOrdered)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()
	for i := 0; i < messages; i++ {
		if err := c.Send([]byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	const workers = 4
	got := make(chan transport.Event, messages+1)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ev, err := b.Receive(ctx)
				if err != nil {
					return
				}
				got <- ev
				if len(got) == cap(got) {
					cancel()
					return
				}
			}
		}()
	}
	wg.Wait()
	close(got)

	seen := make(map[byte]int)
	for ev := range got {
		if r, ok := ev.(transport.Received); ok {
			seen[transport.Concat(r.Payload)[0]]++
		}
	}
	if len(seen) != messages {
		t.Fatalf("saw %d distinct messages, want %d", len(seen), messages)
	}
	for k, n := range seen {
		if n != 1 {
			t.Fatalf("message %d delivered %d times", k, n)
		}
	}
}
