// Package server is the HTTP and WebSocket surface of the group chat service.
//
// It loads configuration, adapts gorilla websocket connections to chat.Peer,
// enforces the origin allow-list and per-connection inbound rate limits, and
// serves the REST API for accounts, groups, presence and history on a chi
// router. The chat core itself lives in internal/chat.
package server
