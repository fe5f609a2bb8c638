package transport

import "context"

// EndPointAddress names a unicast endpoint. It is opaque and backend-assigned:
// callers may compare, order, log and exchange it over the wire so a remote
// party can dial back, but must not interpret its contents.
type EndPointAddress string

// MulticastAddress names a multicast group. Same shape as EndPointAddress but
// resolved via EndPoint.ResolveMulticastGroup rather than Connect.
type MulticastAddress string

// Reliability is the delivery contract requested once at Connect time and
// fixed for the connection's lifetime. A backend unable to honor the requested
// tier fails the connect attempt; it never downgrades silently.
type Reliability int

const (
	// ReliableOrdered guarantees delivery and in-order arrival of messages
	// relative to each other on the same connection.
	ReliableOrdered Reliability = iota
	// ReliableUnordered guarantees delivery but not relative order.
	ReliableUnordered
	// Unreliable guarantees neither: messages may be dropped silently, and a
	// drop is specified behavior, not an error.
	Unreliable
)

func (r Reliability) String() string {
	switch r {
	case ReliableOrdered:
		return "reliable-ordered"
	case ReliableUnordered:
		return "reliable-unordered"
	case Unreliable:
		return "unreliable"
	default:
		return "unknown"
	}
}

// ConnectionID identifies an open connection as observed by one EndPoint's
// receive queue. It is not globally unique; an id is reused only after the
// prior connection with that id has been closed and its ConnectionClosed
// event delivered.
type ConnectionID int32

// Transport produces EndPoints. Creating an endpoint is heavyweight (it may
// allocate sockets, goroutines and buffers); do not call NewEndPoint on hot
// paths.
type Transport interface {
	// NewEndPoint creates a new, fully independent EndPoint. On failure the
	// returned error is a *NewEndPointError.
	NewEndPoint() (EndPoint, error)

	// Close tears down the transport and every endpoint derived from it.
	Close() error
}

// EndPoint owns a single shared receive queue and acts as the factory for
// outbound Connections and MulticastGroups.
type EndPoint interface {
	// Receive blocks until the next event is available. The queue is one
	// strictly-ordered FIFO per endpoint: concurrent callers each get a
	// disjoint subset of events in queue order, never the same event twice and
	// never reordered relative to each other. Pass context.Background() for
	// the default non-cancellable behavior; once the endpoint is closed every
	// pending and future call fails with ErrEndPointClosed.
	Receive(ctx context.Context) (Event, error)

	// Addr is constant for the endpoint's lifetime.
	Addr() EndPointAddress

	// Connect dials remote asynchronously with the given reliability tier. On
	// success the remote endpoint's queue eventually receives a matching
	// ConnectionOpened event; the local call may return before the remote
	// observes the open. An address this backend cannot parse or resolve
	// fails with a *ConnectError carrying ConnectInvalidAddress.
	Connect(ctx context.Context, remote EndPointAddress, reliability Reliability) (Connection, error)

	// NewMulticastGroup creates a group. A backend without multicast
	// capability answers definitively with a *NewMulticastGroupError carrying
	// NewMulticastGroupUnsupported; callers never discover lack of support
	// through timeouts.
	NewMulticastGroup() (MulticastGroup, error)

	// ResolveMulticastGroup looks up the group named by addr. "No group at
	// that address" (ResolveMulticastGroupNotFound) and "resolution itself
	// unsupported" (ResolveMulticastGroupUnsupported) are distinct answers.
	ResolveMulticastGroup(addr MulticastAddress) (MulticastGroup, error)

	// Close invalidates the endpoint, every Connection and MulticastGroup
	// derived from it, and unblocks pending Receive calls.
	Close() error
}

// Connection is a lightweight directional send channel to a remote endpoint.
// A handle is owned by the caller that obtained it from Connect; concurrent
// sends on the same handle interleave at message granularity but never split
// one message's fragments with another's.
type Connection interface {
	// Send transmits one logical message. The fragment list exists purely so
	// the caller can avoid a large concatenation; the receiver observes the
	// fragments concatenated in the order given, as a single Received event.
	// Once a connection has failed (remote gone, local close, backend fault)
	// every subsequent Send fails with a *SendError carrying SendFailed.
	Send(fragments ...[]byte) error

	// Close is idempotent and never fails. After it returns, further local
	// sends fail with SendFailed. It does not block waiting for remote
	// acknowledgement.
	Close()
}

// MulticastGroup is a fan-out channel bound to a multicast address. Its
// subscribe/unsubscribe lifecycle is independent of its send/close lifecycle.
type MulticastGroup interface {
	// Addr is the group's constant identity.
	Addr() MulticastAddress

	// MaxMsgSize is the backend-declared message ceiling; a value <= 0 means
	// unbounded or unknown. Where a ceiling is declared, backends document
	// whether oversized sends are rejected or truncated.
	MaxMsgSize() int

	// Send is fire-and-forget: no acknowledgement and no error. Failures are
	// unreliable and unreported, matching the Unreliable tier.
	Send(fragments ...[]byte)

	// Subscribe starts delivery of this group's events onto the owning
	// endpoint's receive queue. Subscribing twice is a safe no-op.
	Subscribe()

	// Unsubscribe stops delivery. Unsubscribing without a prior subscribe is
	// a safe no-op.
	Unsubscribe()

	// Close releases this caller's ability to send to the group. Other local
	// and remote senders and subscribers are unaffected.
	Close()

	// Delete destroys the group entirely: all subscribers everywhere stop
	// receiving. Once triggered it is irreversible.
	Delete()
}

// Concat joins a Received or ReceivedMulticast payload back into the logical
// message bytes. Fragment boundaries carry no meaning for receivers.
func Concat(fragments [][]byte) []byte {
	switch len(fragments) {
	case 0:
		return nil
	case 1:
		out := make([]byte, len(fragments[0]))
		copy(out, fragments[0])
		return out
	}
	n := 0
	for _, f := range fragments {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range fragments {
		out = append(out, f...)
	}
	return out
}
