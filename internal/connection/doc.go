// Package connection implements the real-time connection core.
//
// The Connection Manager:
//   - Owns the single STOMP-over-WebSocket transport for the process
//   - Connects only once a complete credential is held, and retries forever
//     on a single reconnect timer after any handshake or transport failure
//   - Keeps the desired room subscriptions (the Subscription Registry) across
//     drops and replays them on every successful connect
//   - Hands every inbound frame to the router and reports connectivity to
//     status observers
//
// All transitions happen on one control goroutine fed by a mailbox; the
// synchronous operations (Subscribe, Unsubscribe, Publish) share its mutex.
package connection
