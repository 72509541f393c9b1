// Package server exposes the VAD engine over the network: an HTTP API with
// a websocket streaming endpoint and monitoring routes, and a UDP server that
// speaks the binary protocol in internal/protocol.
package server
