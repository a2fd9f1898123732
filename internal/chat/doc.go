// Package chat is the real-time messaging core of groupchat.
//
// It owns the connection registry (which live connections exist, which group
// each belongs to, which user each carries), the broadcast engine that fans a
// payload out to a group, the presence queries derived from the registry, and
// the group session protocol that drives one connection from authentication
// through the relay loop to eviction.
//
// The package is transport agnostic. A transport implements Peer: it reports
// inbound frames through Receive and drains a Conn's outbound channel once
// the connection is attached. Persistence and identity are consumed through
// the MessageStore, IdentityResolver and UserDirectory interfaces.
//
// Everything here is single process: one Registry per server instance,
// constructed in main and passed explicitly to whoever needs it.
package chat
