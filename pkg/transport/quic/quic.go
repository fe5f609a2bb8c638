// Package quic runs the transport contract over quic-go: one QUIC connection
// plus one bidirectional stream per transport connection, with the same
// frame and hello format as the tcp backend (pkg/wire). TLS is an ephemeral
// self-signed certificate; peers do not verify it, so this backend provides
// transport semantics, not peer authentication. Multicast is unsupported and
// fails fast.
package quic

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/raptazure/distributed-process/pkg/transport"
	"github.com/raptazure/distributed-process/pkg/wire"
)

const (
	queueCap = 1024
	alpn     = "dproc-transport"

	// closeGrace bounds how long a locally closed connection waits for the
	// peer to act on the stream FIN before the QUIC connection is torn down.
	closeGrace = 3 * time.Second
)

// NewEndPoint error codes specific to this backend.
const (
	// NewEndPointListenFailed: the QUIC listener could not be opened.
	NewEndPointListenFailed transport.NewEndPointErrorCode = iota + 1
	// NewEndPointTransportClosed: NewEndPoint was called after Close.
	NewEndPointTransportClosed
	// NewEndPointCertFailed: generating the ephemeral certificate failed.
	NewEndPointCertFailed
)

// Transport creates QUIC endpoints bound to one local host.
type Transport struct {
	host     string
	tlsConf  *tls.Config
	quicConf *quicgo.Config

	mu        sync.Mutex
	endpoints []*endPoint
	closed    bool
	certErr   error
}

// New returns a transport whose endpoints listen on an ephemeral UDP port of
// host, using a freshly generated self-signed certificate.
func New(host string) *Transport {
	t := &Transport{host: host, quicConf: &quicgo.Config{}}
	cert, err := selfSignedCert()
	if err != nil {
		t.certErr = err
		return t
	}
	t.tlsConf = &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
	return t
}

func (t *Transport) NewEndPoint() (transport.EndPoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, &transport.NewEndPointError{Code: NewEndPointTransportClosed, Msg: "transport closed"}
	}
	if t.certErr != nil {
		return nil, &transport.NewEndPointError{Code: NewEndPointCertFailed, Msg: t.certErr.Error()}
	}
	l, err := quicgo.ListenAddr(net.JoinHostPort(t.host, "0"), t.tlsConf, t.quicConf)
	if err != nil {
		return nil, &transport.NewEndPointError{Code: NewEndPointListenFailed, Msg: err.Error()}
	}
	ep := &endPoint{
		addr:     transport.EndPointAddress(l.Addr().String()),
		l:        l,
		quicConf: t.quicConf,
		events:   make(chan transport.Event, queueCap),
		closed:   make(chan struct{}),
		outbound: make(map[*conn]struct{}),
	}
	t.endpoints = append(t.endpoints, ep)
	go ep.acceptLoop()
	zap.L().Debug("quic: endpoint listening", zap.String("addr", string(ep.addr)))
	return ep, nil
}

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
	addr     transport.EndPointAddress
	l        *quicgo.Listener
	quicConf *quicgo.Config
	events   chan transport.Event
	closed   chan struct{}

	mu        sync.Mutex
	closeOnce sync.Once
	cancel    context.CancelFunc
	nextConn  transport.ConnectionID
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
	ctx, cancel := context.WithCancel(context.Background())
	ep.mu.Lock()
	ep.cancel = cancel
	ep.mu.Unlock()
	for {
		qc, err := ep.l.Accept(ctx)
		if err != nil {
			return
		}
		go ep.handleConn(ctx, qc)
	}
}

func (ep *endPoint) handleConn(ctx context.Context, qc quicgo.Connection) {
	defer func() { _ = qc.CloseWithError(0, "") }()

	st, err := qc.AcceptStream(ctx)
	if err != nil {
		return
	}
	br := bufio.NewReader(st)
	raw, err := wire.ReadFrame(br)
	if err != nil {
		return
	}
	hello, err := wire.DecodeHello(raw)
	if err != nil {
		zap.L().Debug("quic: bad hello", zap.Error(err))
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
	tlsClient := &tls.Config{
		InsecureSkipVerify: true, // semantics only; no peer authentication at this layer
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	qc, err := quicgo.DialAddr(ctx, string(remote), tlsClient, ep.quicConf)
	if err != nil {
		return nil, &transport.ConnectError{Code: transport.ConnectFailed, Msg: err.Error()}
	}
	st, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "")
		return nil, &transport.ConnectError{Code: transport.ConnectFailed, Msg: err.Error()}
	}
	bw := bufio.NewWriter(st)
	raw, err := wire.EncodeHello(wire.Hello{Src: string(ep.addr), Rel: uint8(reliability)})
	if err != nil {
		_ = qc.CloseWithError(0, "")
		return nil, &transport.ConnectError{Code: transport.ConnectFailed, Msg: err.Error()}
	}
	if err := wire.WriteFrame(bw, raw); err != nil {
		_ = qc.CloseWithError(0, "")
		return nil, &transport.ConnectError{Code: transport.ConnectFailed, Msg: err.Error()}
	}

	cn := &conn{ep: ep, qc: qc, st: st, bw: bw}
	ep.mu.Lock()
	ep.outbound[cn] = struct{}{}
	ep.mu.Unlock()
	return cn, nil
}

func (ep *endPoint) NewMulticastGroup() (transport.MulticastGroup, error) {
	return nil, &transport.NewMulticastGroupError{
		Code: transport.NewMulticastGroupUnsupported,
		Msg:  "quic backend has no multicast capability",
	}
}

func (ep *endPoint) ResolveMulticastGroup(transport.MulticastAddress) (transport.MulticastGroup, error) {
	return nil, &transport.ResolveMulticastGroupError{
		Code: transport.ResolveMulticastGroupUnsupported,
		Msg:  "quic backend has no multicast capability",
	}
}

func (ep *endPoint) Close() error {
	ep.closeOnce.Do(func() {
		ep.mu.Lock()
		conns := make([]*conn, 0, len(ep.outbound))
		for cn := range ep.outbound {
			conns = append(conns, cn)
		}
		cancel := ep.cancel
		ep.mu.Unlock()
		for _, cn := range conns {
			cn.Close()
		}
		close(ep.closed)
		if cancel != nil {
			cancel()
		}
		_ = ep.l.Close()
		zap.L().Debug("quic: endpoint closed", zap.String("addr", string(ep.addr)))
	})
	return nil
}

// ---- Connection ----

type conn struct {
	ep *endPoint
	qc quicgo.Connection
	st quicgo.Stream

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
		_ = cn.qc.CloseWithError(0, "")
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
	// Closing the stream sends the FIN; the remote's read loop turns the end
	// of stream into the ConnectionClosed event and then closes the QUIC
	// connection from its side. Tearing the connection down here immediately
	// could abort the stream before buffered frames drain, so wait for the
	// peer's close, but only up to closeGrace: a peer that is already gone
	// must not pin the UDP socket until the idle timeout.
	_ = cn.st.Close()
	cn.ep.mu.Lock()
	delete(cn.ep.outbound, cn)
	cn.ep.mu.Unlock()
	go func() {
		select {
		case <-cn.qc.Context().Done():
		case <-time.After(closeGrace):
		}
		_ = cn.qc.CloseWithError(0, "")
	}()
}

// selfSignedCert generates a short-lived self-signed TLS certificate for
// local QUIC use.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
