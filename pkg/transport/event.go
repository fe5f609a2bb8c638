package transport

// Event is the sealed union of notifications an endpoint's receive queue
// produces. Total order is the delivery order on one endpoint's queue; no
// ordering is guaranteed across endpoints.
type Event interface {
	isEvent()
}

// ConnectionOpened reports a new inbound connection. Remote is the dialing
// endpoint's address, usable to dial back.
type ConnectionOpened struct {
	ConnID      ConnectionID
	Reliability Reliability
	Remote      EndPointAddress
}

// Received carries one logical message. Payload holds the sender's fragments
// in send order; receivers treat them as already-concatenated content (see
// Concat) and must not read meaning into the boundaries.
type Received struct {
	ConnID  ConnectionID
	Payload [][]byte
}

// ConnectionClosed reports that the connection with ConnID is gone. For a
// given id it follows the ConnectionOpened at most once, and no Received for
// that id is observed after it.
type ConnectionClosed struct {
	ConnID ConnectionID
}

// ReceivedMulticast carries one message delivered to a subscribed group.
type ReceivedMulticast struct {
	Group   MulticastAddress
	Payload [][]byte
}

func (ConnectionOpened) isEvent()  {}
func (Received) isEvent()          {}
func (ConnectionClosed) isEvent()  {}
func (ReceivedMulticast) isEvent() {}
