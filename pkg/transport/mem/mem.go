// Package mem is an in-process reference backend for the transport contract.
// Endpoints live in a registry guarded by a mutex, frames never leave the
// process, and every capability of the abstraction is supported: all three
// reliability tiers and the full multicast group lifecycle. It doubles as the
// conformance target for pkg/transport/transporttest and as a stand-in for a
// shared-memory style transport.
package mem

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/raptazure/distributed-process/pkg/transport"
)

// queueCap bounds each endpoint's receive queue. Reliable sends block when
// the queue is full; unreliable and multicast sends drop.
const queueCap = 1024

const (
	addrPrefix  = "mem-"
	mcastPrefix = "mcast-"
)

// NewEndPoint error codes specific to this backend. The base contract leaves
// the code set empty; mem extends it.
const (
	// NewEndPointTransportClosed: NewEndPoint was called after Close.
	NewEndPointTransportClosed transport.NewEndPointErrorCode = iota + 1
)

// Transport is the in-memory switch. All endpoints created from one Transport
// can reach each other; distinct Transports are disjoint address spaces.
type Transport struct {
	mu        sync.Mutex
	endpoints map[transport.EndPointAddress]*endPoint
	groups    map[transport.MulticastAddress]*group
	nextEP    int
	nextGroup int
	closed    bool
}

// New returns an empty in-memory transport.
func New() *Transport {
	return &Transport{
		endpoints: make(map[transport.EndPointAddress]*endPoint),
		groups:    make(map[transport.MulticastAddress]*group),
	}
}

// NewEndPoint registers a fresh endpoint with address "mem-N".
func (t *Transport) NewEndPoint() (transport.EndPoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, &transport.NewEndPointError{Code: NewEndPointTransportClosed, Msg: "transport closed"}
	}
	addr := transport.EndPointAddress(fmt.Sprintf("%s%d", addrPrefix, t.nextEP))
	t.nextEP++
	ep := &endPoint{
		t:        t,
		addr:     addr,
		events:   make(chan transport.Event, queueCap),
		closed:   make(chan struct{}),
		outbound: make(map[*conn]struct{}),
	}
	t.endpoints[addr] = ep
	zap.L().Debug("mem: endpoint created", zap.String("addr", string(addr)))
	return ep, nil
}

// Close tears down every endpoint and invalidates the transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	eps := make([]*endPoint, 0, len(t.endpoints))
	for _, ep := range t.endpoints {
		eps = append(eps, ep)
	}
	t.mu.Unlock()
	for _, ep := range eps {
		_ = ep.Close()
	}
	return nil
}

func (t *Transport) lookup(addr transport.EndPointAddress) *endPoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoints[addr]
}

func (t *Transport) unregister(ep *endPoint) {
	t.mu.Lock()
	delete(t.endpoints, ep.addr)
	t.mu.Unlock()
}

// ---- EndPoint ----

type endPoint struct {
	t      *Transport
	addr   transport.EndPointAddress
	events chan transport.Event
	closed chan struct{}

	mu        sync.Mutex
	closeOnce sync.Once
	nextConn  transport.ConnectionID
	outbound  map[*conn]struct{}
}

func (ep *endPoint) Addr() transport.EndPointAddress { return ep.addr }

func (ep *endPoint) Receive(ctx context.Context) (transport.Event, error) {
	// Drain buffered events before reporting closure so messages sent shortly
	// before a shutdown remain observable.
	select {
	case ev := <-ep.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-ep.events:
		return ev, nil
	case <-ep.closed:
		return nil, transport.ErrEndPointClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue places ev on the receive queue. Reliable enqueues block until there
// is room; unreliable ones drop when the queue is full. Returns false once
// the endpoint is closed.
func (ep *endPoint) enqueue(ev transport.Event, reliable bool) bool {
	if reliable {
		select {
		case ep.events <- ev:
			return true
		case <-ep.closed:
			return false
		}
	}
	select {
	case ep.events <- ev:
		return true
	case <-ep.closed:
		return false
	default:
		return false
	}
}

func (ep *endPoint) isClosed() bool {
	select {
	case <-ep.closed:
		return true
	default:
		return false
	}
}

func (ep *endPoint) Connect(_ context.Context, remote transport.EndPointAddress, reliability transport.Reliability) (transport.Connection, error) {
	if !strings.HasPrefix(string(remote), addrPrefix) {
		return nil, &transport.ConnectError{
			Code: transport.ConnectInvalidAddress,
			Msg:  fmt.Sprintf("not a mem address: %q", remote),
		}
	}
	if ep.isClosed() {
		return nil, &transport.ConnectError{Code: transport.ConnectFailed, Msg: "local endpoint closed"}
	}
	dst := ep.t.lookup(remote)
	if dst == nil {
		return nil, &transport.ConnectError{
			Code: transport.ConnectFailed,
			Msg:  fmt.Sprintf("no endpoint at %q", remote),
		}
	}

	dst.mu.Lock()
	id := dst.nextConn
	dst.nextConn++
	dst.mu.Unlock()

	c := &conn{id: id, rel: reliability, local: ep, remote: dst}
	if !dst.enqueue(transport.ConnectionOpened{ConnID: id, Reliability: reliability, Remote: ep.addr}, true) {
		return nil, &transport.ConnectError{Code: transport.ConnectFailed, Msg: "remote endpoint closed"}
	}
	ep.mu.Lock()
	ep.outbound[c] = struct{}{}
	ep.mu.Unlock()
	return c, nil
}

func (ep *endPoint) NewMulticastGroup() (transport.MulticastGroup, error) {
	t := ep.t
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, &transport.NewMulticastGroupError{Code: transport.NewMulticastGroupFailed, Msg: "transport closed"}
	}
	addr := transport.MulticastAddress(fmt.Sprintf("%s%d", mcastPrefix, t.nextGroup))
	t.nextGroup++
	g := &group{addr: addr, subs: make(map[*endPoint]struct{})}
	t.groups[addr] = g
	t.mu.Unlock()
	return &mcGroup{g: g, ep: ep}, nil
}

func (ep *endPoint) ResolveMulticastGroup(addr transport.MulticastAddress) (transport.MulticastGroup, error) {
	t := ep.t
	t.mu.Lock()
	g := t.groups[addr]
	t.mu.Unlock()
	if g == nil {
		return nil, &transport.ResolveMulticastGroupError{
			Code: transport.ResolveMulticastGroupNotFound,
			Msg:  fmt.Sprintf("no group at %q", addr),
		}
	}
	return &mcGroup{g: g, ep: ep}, nil
}

func (ep *endPoint) Close() error {
	ep.closeOnce.Do(func() {
		ep.mu.Lock()
		conns := make([]*conn, 0, len(ep.outbound))
		for c := range ep.outbound {
			conns = append(conns, c)
		}
		ep.mu.Unlock()
		// Closing ep's outbound connections first lets remotes observe the
		// matching ConnectionClosed events before the queue goes away.
		for _, c := range conns {
			c.Close()
		}
		close(ep.closed)
		ep.t.unregister(ep)
		ep.t.dropSubscriber(ep)
		zap.L().Debug("mem: endpoint closed", zap.String("addr", string(ep.addr)))
	})
	return nil
}

func (t *Transport) dropSubscriber(ep *endPoint) {
	t.mu.Lock()
	groups := make([]*group, 0, len(t.groups))
	for _, g := range t.groups {
		groups = append(groups, g)
	}
	t.mu.Unlock()
	for _, g := range groups {
		g.mu.Lock()
		delete(g.subs, ep)
		g.mu.Unlock()
	}
}

// ---- Connection ----

type conn struct {
	id     transport.ConnectionID
	rel    transport.Reliability
	local  *endPoint
	remote *endPoint

	// mu serializes sends and close so fragments of distinct messages never
	// interleave and no Received can follow the ConnectionClosed event.
	mu     sync.Mutex
	closed bool
}

func (c *conn) Send(fragments ...[]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.local.isClosed() {
		return &transport.SendError{Code: transport.SendFailed, Msg: "connection closed"}
	}
	if c.remote.isClosed() {
		c.closed = true
		return &transport.SendError{Code: transport.SendFailed, Msg: "remote endpoint gone"}
	}
	ev := transport.Received{ConnID: c.id, Payload: copyFragments(fragments)}
	reliable := c.rel != transport.Unreliable
	if !c.remote.enqueue(ev, reliable) && reliable {
		c.closed = true
		return &transport.SendError{Code: transport.SendFailed, Msg: "remote endpoint gone"}
	}
	return nil
}

func (c *conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.local.mu.Lock()
	delete(c.local.outbound, c)
	c.local.mu.Unlock()
	c.remote.enqueue(transport.ConnectionClosed{ConnID: c.id}, true)
}

func copyFragments(fragments [][]byte) [][]byte {
	out := make([][]byte, len(fragments))
	for i, f := range fragments {
		buf := make([]byte, len(f))
		copy(buf, f)
		out[i] = buf
	}
	return out
}

// ---- MulticastGroup ----

// group is the shared state behind every handle resolved for one address.
type group struct {
	addr transport.MulticastAddress

	mu      sync.Mutex
	subs    map[*endPoint]struct{}
	deleted bool
}

// mcGroup is one caller's handle onto a group. Close releases only this
// handle's send capability; Delete destroys the group for everyone.
type mcGroup struct {
	g          *group
	ep         *endPoint
	sendClosed atomic.Bool
}

func (m *mcGroup) Addr() transport.MulticastAddress { return m.g.addr }

// MaxMsgSize reports no ceiling: in-process delivery is unbounded.
func (m *mcGroup) MaxMsgSize() int { return 0 }

func (m *mcGroup) Send(fragments ...[]byte) {
	if m.sendClosed.Load() {
		return
	}
	m.g.mu.Lock()
	if m.g.deleted {
		m.g.mu.Unlock()
		return
	}
	subs := make([]*endPoint, 0, len(m.g.subs))
	for ep := range m.g.subs {
		subs = append(subs, ep)
	}
	m.g.mu.Unlock()

	payload := copyFragments(fragments)
	for _, ep := range subs {
		// Multicast is the unreliable tier: full queues drop silently.
		ep.enqueue(transport.ReceivedMulticast{Group: m.g.addr, Payload: payload}, false)
	}
}

func (m *mcGroup) Subscribe() {
	m.g.mu.Lock()
	defer m.g.mu.Unlock()
	if m.g.deleted {
		return
	}
	m.g.subs[m.ep] = struct{}{}
}

func (m *mcGroup) Unsubscribe() {
	m.g.mu.Lock()
	defer m.g.mu.Unlock()
	delete(m.g.subs, m.ep)
}

func (m *mcGroup) Close() {
	m.sendClosed.Store(true)
}

func (m *mcGroup) Delete() {
	m.g.mu.Lock()
	m.g.deleted = true
	m.g.subs = make(map[*endPoint]struct{})
	m.g.mu.Unlock()

	m.ep.t.mu.Lock()
	delete(m.ep.t.groups, m.g.addr)
	m.ep.t.mu.Unlock()
}
