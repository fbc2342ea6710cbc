// Package transport carries pvlink messages between clients and servers.
//
// The transport layer handles:
//   - Length-prefixed message framing over TCP circuits
//   - Keep-alive ping/pong for circuit liveness
//   - Correlation allocation and batching of outbound requests
//   - Circuit reconnection (via package connection)
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│   CBOR Messages (pkg/wire)     │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// # Delivery Contract
//
// The client runtime only sees the Transport interface. Requests are
// queued until Flush and then written in order on the circuit of their
// server. Inbound messages and circuit state changes are handed to the
// installed Handler in the order they were received on each circuit.
// Every read or write correlation eventually gets a status: if a circuit
// is down at Flush time, or goes down with requests in flight, the
// transport answers them itself with StatusDisconnected.
//
// # Keep-Alive
//
// Clients ping each circuit; servers answer pings themselves:
//   - Ping interval: 5 seconds
//   - Pong timeout: 2 seconds
//   - Max missed pongs: 3
package transport
