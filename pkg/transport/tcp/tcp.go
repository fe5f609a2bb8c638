// Package tcp is a stream backend for the transport contract with
// length-prefixed frames (u32 LE) over one socket per connection. Every
// endpoint owns its own net.Listener; the endpoint address is the listener's
// host:port, so remotes can dial back with the address carried in
// ConnectionOpened events. TCP delivery is stronger than any requested tier,
// so all three reliability tiers are honored. Multicast is unsupported and
// fails fast.
package tcp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/raptazure/distributed-process/pkg/transport"
	"github.com/raptazure/distributed-process/pkg/wire"
)

const queueCap = 1024

// NewEndPoint error codes specific to this backend.
const (
	// NewEndPointListenFailed: the listening socket could not be opened.
	NewEndPointListenFailed transport.NewEndPointErrorCode = iota + 1
	// NewEndPointTransportClosed: NewEndPoint was called after Close.
	NewEndPointTransportClosed
)

// Transport creates TCP endpoints bound to one local host.
type Transport struct {
	host string

	mu        sync.Mutex
	endpoints []*endPoint
	closed    bool
}

// New returns a transport whose endpoints listen on an ephemeral port of
// host (for example "127.0.0.1").
func New(host string) *Transport {
	return &Transport{host: host}
}

// NewEndPoint opens a listening socket and starts its accept loop.
func (t *Transport) NewEndPoint() (transport.EndPoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, &transport.NewEndPointError{Code: NewEndPointTransportClosed, Msg: "transport closed"}
	}
	l, err := net.Listen("tcp", net.JoinHostPort(t.host, "0"))
	if err != nil {
		return nil, &transport.NewEndPointError{Code: NewEndPointListenFailed, Msg: err.Error()}
	}
	ep := &endPoint{
		addr:     transport.EndPointAddress(l.Addr().String()),
		l:        l,
		events:   make(chan transport.Event, queueCap),
		closed:   make(chan struct{}),
		inbound:  make(map[net.Conn]struct{}),
		outbound: make(map[*conn]struct{}),
	}
	t.endpoints = append(t.endpoints, ep)
	go ep.acceptLoop()
	zap.L().Debug("tcp: endpoint listening", zap.String("addr", string(ep.addr)))
	return ep, nil
}

// Close tears down every endpoint created by this transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	eps := t.endpoints
	t.endpoints = nil
	t.mu.Unlock()
	for _, ep := range eps {
		_ = ep.Close()
	}
	return nil
}

// ---- EndPoint ----

type endPoint struct {
	addr   transport.EndPointAddress
	l      net.Listener
	events chan transport.Event
	closed chan struct{}

	mu        sync.Mutex
	closeOnce sync.Once
	nextConn  transport.ConnectionID
	inbound   map[net.Conn]struct{}
	outbound  map[*conn]struct{}
}

func (ep *endPoint) Addr() transport.EndPointAddress { return ep.addr }

func (ep *endPoint) Receive(ctx context.Context) (transport.Event, error) {
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

func (ep *endPoint) acceptLoop() {
	for {
		c, err := ep.l.Accept()
		if err != nil {
			return
		}
		ep.mu.Lock()
		ep.inbound[c] = struct{}{}
		ep.mu.Unlock()
		go ep.handleConn(c)
	}
}

// handleConn owns one inbound socket: it reads the hello, allocates the
// connection id, and turns frames into Received events until EOF or error,
// which becomes the single ConnectionClosed event.
func (ep *endPoint) handleConn(c net.Conn) {
	defer func() {
		_ = c.Close()
		ep.mu.Lock()
		delete(ep.inbound, c)
		ep.mu.Unlock()
	}()

	br := bufio.NewReader(c)
	raw, err := wire.ReadFrame(br)
	if err != nil {
		return
	}
	hello, err := wire.DecodeHello(raw)
	if err != nil {
		zap.L().Debug("tcp: bad hello", zap.Error(err))
		return
	}
	rel := transport.Reliability(hello.Rel)
	reliable := rel != transport.Unreliable

	ep.mu.Lock()
	id := ep.nextConn
	ep.nextConn++
	ep.mu.Unlock()

	if !ep.enqueue(transport.ConnectionOpened{ConnID: id, Reliability: rel, Remote: transport.EndPointAddress(hello.Src)}, true) {
		return
	}
	for {
		buf, err := wire.ReadFrame(br)
		if err != nil {
			ep.enqueue(transport.ConnectionClosed{ConnID: id}, true)
			return
		}
		ep.enqueue(transport.Received{ConnID: id, Payload: [][]byte{buf}}, reliable)
	}
}

func (ep *endPoint) Connect(ctx context.Context, remote transport.EndPointAddress, reliability transport.Reliability) (transport.Connection, error) {
	if _, _, err := net.SplitHostPort(string(remote)); err != nil {
		return nil, &transport.ConnectError{
			Code: transport.ConnectInvalidAddress,
			Msg:  fmt.Sprintf("parse %q: %v", remote, err),
		}
	}
	d := &net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", string(remote))
	if err != nil {
		return nil, &transport.ConnectError{Code: transport.ConnectFailed, Msg: err.Error()}
	}
	bw := bufio.NewWriter(c)
	raw, err := wire.EncodeHello(wire.Hello{Src: string(ep.addr), Rel: uint8(reliability)})
	if err != nil {
		_ = c.Close()
		return nil, &transport.ConnectError{Code: transport.ConnectFailed, Msg: err.Error()}
	}
	if err := wire.WriteFrame(bw, raw); err != nil {
		_ = c.Close()
		return nil, &transport.ConnectError{Code: transport.ConnectFailed, Msg: err.Error()}
	}

	cn := &conn{ep: ep, c: c, bw: bw}
	ep.mu.Lock()
	ep.outbound[cn] = struct{}{}
	ep.mu.Unlock()
	// Connections are directional: the remote never writes frames back, so a
	// read on this side only ever observes EOF, which marks the connection
	// failed for all subsequent sends.
	go cn.watchRemote()
	return cn, nil
}

func (ep *endPoint) NewMulticastGroup() (transport.MulticastGroup, error) {
	return nil, &transport.NewMulticastGroupError{
		Code: transport.NewMulticastGroupUnsupported,
		Msg:  "tcp backend has no multicast capability",
	}
}

func (ep *endPoint) ResolveMulticastGroup(transport.MulticastAddress) (transport.MulticastGroup, error) {
	return nil, &transport.ResolveMulticastGroupError{
		Code: transport.ResolveMulticastGroupUnsupported,
		Msg:  "tcp backend has no multicast capability",
	}
}

func (ep *endPoint) Close() error {
	ep.closeOnce.Do(func() {
		ep.mu.Lock()
		conns := make([]*conn, 0, len(ep.outbound))
		for cn := range ep.outbound {
			conns = append(conns, cn)
		}
		sockets := make([]net.Conn, 0, len(ep.inbound))
		for c := range ep.inbound {
			sockets = append(sockets, c)
		}
		ep.mu.Unlock()
		for _, cn := range conns {
			cn.Close()
		}
		close(ep.closed)
		_ = ep.l.Close()
		for _, c := range sockets {
			_ = c.Close()
		}
		zap.L().Debug("tcp: endpoint closed", zap.String("addr", string(ep.addr)))
	})
	return nil
}

// ---- Connection ----

type conn struct {
	ep *endPoint
	c  net.Conn

	mu     sync.Mutex
	bw     *bufio.Writer
	closed bool
}

func (cn *conn) Send(fragments ...[]byte) error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return &transport.SendError{Code: transport.SendFailed, Msg: "connection closed"}
	}
	if err := wire.WriteFrame(cn.bw, fragments...); err != nil {
		cn.closed = true
		cn.teardown()
		return &transport.SendError{Code: transport.SendFailed, Msg: err.Error()}
	}
	return nil
}

func (cn *conn) Close() {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return
	}
	cn.closed = true
	cn.mu.Unlock()
	cn.teardown()
}

// teardown releases the socket and the endpoint's bookkeeping. Exactly one
// of Close and watchRemote runs it, whichever marks the connection closed
// first. Closing the socket is also the close signal: the remote's read loop
// turns the EOF into the ConnectionClosed event.
func (cn *conn) teardown() {
	_ = cn.c.Close()
	cn.ep.mu.Lock()
	delete(cn.ep.outbound, cn)
	cn.ep.mu.Unlock()
}

func (cn *conn) watchRemote() {
	br := bufio.NewReader(cn.c)
	_, _ = wire.ReadFrame(br)
	cn.mu.Lock()
	already := cn.closed
	cn.closed = true
	cn.mu.Unlock()
	if !already {
		cn.teardown()
	}
}
