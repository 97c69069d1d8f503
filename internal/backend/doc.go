// Package backend owns topic membership and event fan-out.
//
// Membership is keyed by MemberKey (connection ID + topic), never by the
// identity of the handler object that joined, so a member stays reachable
// no matter which Channel instance later publishes on its behalf.
//
// InMemoryBackend is the process-local reference implementation. Construct
// one at startup and pass it to the router; there is no package-level
// instance.
package backend
