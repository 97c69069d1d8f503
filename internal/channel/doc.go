// Package channel implements envelopes and per-topic channel handlers.
//
// An Envelope is one parsed inbound message. A Channel is constructed by the
// router for every envelope whose topic matched a route, and Dispatch
// switches on the envelope kind:
//
//	__join__      authorize, add to backend, reply ok or error
//	__leave__     remove from backend, no reply
//	__heartbeat__ acknowledge with the same ref
//	anything else Handler.Received
//
// Topic-specific behavior lives in a Handler; embed BaseHandler to get the
// defaults (authorize everyone, no-op hooks).
package channel
