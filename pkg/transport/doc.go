// Package transport defines the canonical transport abstraction shared by all
// concrete backends (mem, tcp, quic) and by the distributed-systems layers
// built on top of it.
//
// Key concepts:
// - Transport: heavyweight factory for EndPoints; the only globally shared resource
// - EndPoint: owns one strictly-FIFO receive queue and mints outbound Connections
// - Connection: a lightweight directional send channel with a fixed reliability tier
// - MulticastGroup: a fan-out channel with explicit subscribe/unsubscribe lifecycle
// - Event: the tagged notifications an endpoint's receive queue produces
//
// Backends differ in wiring, never in semantics: the ordering, lifecycle and
// error contracts documented on the interfaces here bind every implementation
// identically, and pkg/transport/transporttest checks them against each one.
package transport
