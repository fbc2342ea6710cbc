// Package wire defines the CBOR wire format of the pvlink protocol.
//
// pvlink uses CBOR (RFC 8949) with integer keys for efficient encoding.
// Every message on a circuit is one length-prefixed Message envelope;
// the Kind field selects which of the other fields are meaningful.
//
// # Message Kinds
//
// Client to server:
//   - Search: resolve one or more channel names (batched Entries)
//   - Read: fetch a channel value in a given representation
//   - Write: put a value, optionally asking for completion notification
//   - Subscribe / Cancel: start or stop a monitor
//
// Server to client:
//   - SearchReply, ReadReply, WriteReply: answers carrying the request's correlation
//   - Event: a monitor update carrying the subscription's correlation
//   - ChannelGone: the named channel no longer exists on the server
//
// Either side may send Ping; the peer answers with Pong.
//
// # Correlations
//
// Correlation 0 is never used by a request. Replies and events copy the
// correlation of the request or subscription they belong to.
package wire
