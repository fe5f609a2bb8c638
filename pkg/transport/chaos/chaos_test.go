package chaos_test

import (
	"context"
	"testing"
	"time"

	"github.com/raptazure/distributed-process/pkg/transport"
	"github.com/raptazure/distributed-process/pkg/transport/chaos"
	"github.com/raptazure/distributed-process/pkg/transport/mem"
	"github.com/raptazure/distributed-process/pkg/transport/transporttest"
)

func dialUnreliable(t *testing.T, tr transport.Transport) (transport.Connection, transport.EndPoint) {
	t.Helper()
	a, err := tr.NewEndPoint()
	if err != nil {
		t.Fatalf("new endpoint a: %v", err)
	}
	b, err := tr.NewEndPoint()
	if err != nil {
		t.Fatalf("new endpoint b: %v", err)
	}
	c, err := a.Connect(context.Background(), b.Addr(), transport.Unreliable)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c, b
}

// A fully lossy link drops everything, silently, and breaks no invariant:
// the receiver still sees a clean open/close pair and nothing in between.
func TestFullLossBreaksNoInvariant(t *testing.T) {
	tr := mem.New()
	defer tr.Close()
	c, b := dialUnreliable(t, tr)
	col := transporttest.NewCollector(b)
	defer col.Stop()

	faulty := chaos.Wrap(c, chaos.Config{Loss: 1, Seed: 1})
	for i := 0; i < 20; i++ {
		if err := faulty.Send([]byte{byte(i)}); err != nil {
			t.Fatalf("lossy send %d must be silent, got %v", i, err)
		}
	}
	faulty.Close()

	if !col.WaitFor(2*time.Second, func(evs []transport.Event) bool {
		for _, ev := range evs {
			if _, ok := ev.(transport.ConnectionClosed); ok {
				return true
			}
		}
		return false
	}) {
		t.Fatalf("never saw ConnectionClosed: %#v", col.Snapshot())
	}
	for _, ev := range col.Snapshot() {
		if _, ok := ev.(transport.Received); ok {
			t.Fatalf("dropped message was delivered: %#v", ev)
		}
	}
}

func TestDuplicate(t *testing.T) {
	tr := mem.New()
	defer tr.Close()
	c, b := dialUnreliable(t, tr)
	col := transporttest.NewCollector(b)
	defer col.Stop()

	faulty := chaos.Wrap(c, chaos.Config{Dup: 1, Seed: 1})
	defer faulty.Close()
	if err := faulty.Send([]byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}

	if !col.WaitFor(2*time.Second, func(evs []transport.Event) bool {
		n := 0
		for _, ev := range evs {
			if _, ok := ev.(transport.Received); ok {
				n++
			}
		}
		return n == 2
	}) {
		t.Fatalf("expected exactly two deliveries: %#v", col.Snapshot())
	}
}

// With partial loss, whatever does arrive is intact and arrives in send
// order on the mem backend; dropped messages simply never show up.
func TestPartialLossKeepsSurvivorsIntact(t *testing.T) {
	tr := mem.New()
	defer tr.Close()
	c, b := dialUnreliable(t, tr)
	col := transporttest.NewCollector(b)
	defer col.Stop()

	faulty := chaos.Wrap(c, chaos.Config{Loss: 0.5, Seed: 42})
	const total = 40
	for i := 0; i < total; i++ {
		if err := faulty.Send([]byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	faulty.Close()

	if !col.WaitFor(2*time.Second, func(evs []transport.Event) bool {
		for _, ev := range evs {
			if _, ok := ev.(transport.ConnectionClosed); ok {
				return true
			}
		}
		return false
	}) {
		t.Fatalf("never saw ConnectionClosed")
	}

	last := -1
	delivered := 0
	for _, ev := range col.Snapshot() {
		r, ok := ev.(transport.Received)
		if !ok {
			continue
		}
		payload := transport.Concat(r.Payload)
		if len(payload) != 1 || int(payload[0]) >= total {
			t.Fatalf("corrupted payload: %#v", payload)
		}
		if int(payload[0]) <= last {
			t.Fatalf("survivors out of order: %d after %d", payload[0], last)
		}
		last = int(payload[0])
		delivered++
	}
	if delivered == 0 || delivered == total {
		t.Fatalf("expected a strict subset delivered, got %d of %d", delivered, total)
	}
}

func TestConfigSwap(t *testing.T) {
	tr := mem.New()
	defer tr.Close()
	c, b := dialUnreliable(t, tr)
	col := transporttest.NewCollector(b)
	defer col.Stop()

	faulty := chaos.Wrap(c, chaos.Config{Loss: 1, Seed: 1})
	defer faulty.Close()
	if err := faulty.Send([]byte("gone")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if faulty.GetConfig().Loss != 1 {
		t.Fatalf("GetConfig should report the wrapped model")
	}

	faulty.SetConfig(chaos.Config{Seed: 1})
	if err := faulty.Send([]byte("kept")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !col.WaitFor(2*time.Second, func(evs []transport.Event) bool {
		for _, ev := range evs {
			if r, ok := ev.(transport.Received); ok {
				return string(transport.Concat(r.Payload)) == "kept"
			}
		}
		return false
	}) {
		t.Fatalf("message after config swap never arrived")
	}
}
