// Package eventlog records connection events.
//
// Every event is logged. When a database is configured, events are also
// batched and appended to the connection_events table so reconnect storms
// and handshake failures can be inspected after the fact.
package eventlog
