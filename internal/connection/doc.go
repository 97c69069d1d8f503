// Package connection implements the server side of one duplex session.
//
// A Connection wraps a Transport and enforces the handshake state machine:
//   - client state advances CONNECTING -> CONNECTED -> DISCONNECTED on inbound messages
//   - application state advances the same way on outbound messages
//   - calls that are illegal for the current state fail with a *StateError
//
// Typed helpers (ReceiveText, SendJSON, ...) sit on top of Receive/Send.
// A disconnect observed by a typed receive surfaces as *DisconnectError;
// the Iter* helpers end their sequence on disconnect instead.
//
// WebSocketTransport adapts gorilla/websocket to the Transport boundary.
package connection
