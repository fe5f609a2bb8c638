package transport

import "errors"

// Every fallible operation returns a closed, operation-specific failure: a
// typed code plus a free-form diagnostic, surfaced through the error
// interface and matched with errors.As. Nothing is swallowed and nothing is
// retried internally. Message loss under Unreliable delivery and multicast
// sends is specified silent behavior, never an error.

// ErrEndPointClosed unblocks Receive callers when their endpoint is torn down.
var ErrEndPointClosed = errors.New("transport: endpoint closed")

// NewEndPointErrorCode has no constants in the base contract: the abstraction
// fixes only the shape of the failure. Concrete backends declare their own
// richer code sets as constants of this type.
type NewEndPointErrorCode int

// NewEndPointError reports a failed Transport.NewEndPoint call.
type NewEndPointError struct {
	Code NewEndPointErrorCode
	Msg  string
}

func (e *NewEndPointError) Error() string { return "new endpoint: " + e.Msg }

// ConnectErrorCode enumerates EndPoint.Connect failures.
type ConnectErrorCode int

const (
	// ConnectInvalidAddress: the remote address could not be parsed or
	// resolved by this backend.
	ConnectInvalidAddress ConnectErrorCode = iota
	// ConnectFailed: any other dial failure, including a reliability tier the
	// backend cannot honor.
	ConnectFailed
)

func (c ConnectErrorCode) String() string {
	switch c {
	case ConnectInvalidAddress:
		return "invalid address"
	case ConnectFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectError reports a failed EndPoint.Connect call.
type ConnectError struct {
	Code ConnectErrorCode
	Msg  string
}

func (e *ConnectError) Error() string { return "connect " + e.Code.String() + ": " + e.Msg }

// NewMulticastGroupErrorCode enumerates EndPoint.NewMulticastGroup failures.
type NewMulticastGroupErrorCode int

const (
	// NewMulticastGroupUnsupported: the backend has no multicast capability.
	// This answer is definitive and immediate.
	NewMulticastGroupUnsupported NewMulticastGroupErrorCode = iota
	// NewMulticastGroupFailed: the backend supports multicast but could not
	// create the group.
	NewMulticastGroupFailed
)

func (c NewMulticastGroupErrorCode) String() string {
	switch c {
	case NewMulticastGroupUnsupported:
		return "unsupported"
	case NewMulticastGroupFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NewMulticastGroupError reports a failed EndPoint.NewMulticastGroup call.
type NewMulticastGroupError struct {
	Code NewMulticastGroupErrorCode
	Msg  string
}

func (e *NewMulticastGroupError) Error() string {
	return "new multicast group " + e.Code.String() + ": " + e.Msg
}

// ResolveMulticastGroupErrorCode enumerates resolution failures. NotFound and
// Unsupported are distinct answers and are never conflated.
type ResolveMulticastGroupErrorCode int

const (
	// ResolveMulticastGroupNotFound: resolution works, but no group exists at
	// that address.
	ResolveMulticastGroupNotFound ResolveMulticastGroupErrorCode = iota
	// ResolveMulticastGroupUnsupported: resolution itself is unsupported by
	// this backend.
	ResolveMulticastGroupUnsupported
)

func (c ResolveMulticastGroupErrorCode) String() string {
	switch c {
	case ResolveMulticastGroupNotFound:
		return "not found"
	case ResolveMulticastGroupUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// ResolveMulticastGroupError reports a failed EndPoint.ResolveMulticastGroup call.
type ResolveMulticastGroupError struct {
	Code ResolveMulticastGroupErrorCode
	Msg  string
}

func (e *ResolveMulticastGroupError) Error() string {
	return "resolve multicast group " + e.Code.String() + ": " + e.Msg
}

// SendErrorCode enumerates Connection.Send failures.
type SendErrorCode int

const (
	// SendFailed: the connection is no longer usable (remote gone, locally
	// closed, or backend fault). The cause is not distinguished further at
	// this layer, and a failed connection fails all subsequent sends, not
	// intermittently.
	SendFailed SendErrorCode = iota
)

func (c SendErrorCode) String() string {
	switch c {
	case SendFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SendError reports a failed Connection.Send call.
type SendError struct {
	Code SendErrorCode
	Msg  string
}

func (e *SendError) Error() string { return "send " + e.Code.String() + ": " + e.Msg }
