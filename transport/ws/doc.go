// Package ws adapts gorilla/websocket connections to the engine's Transport.
//
// A Conn serializes writes, so messages reach a client in the order they
// were sent, and keeps the connection alive with ping/pong. Inbound frames are
// read by ReadLoop, which returns once the peer or the caller closes the
// connection.
package ws
