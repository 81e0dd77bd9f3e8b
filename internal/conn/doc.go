// Package conn wraps a net.Conn in an event-driven connection.
//
// Every Conn owns a serial execution context: reads, closes, errors and
// half-close notifications are delivered one at a time, in order, to the
// connection's pipeline of Handler stages. Different connections run
// concurrently; a single connection never does.
//
// A Conn also carries an attribute store (see package attr) and, once paired,
// a write-once reference to its peer.
package conn
