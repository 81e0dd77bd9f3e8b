// Package relay binds an inbound connection to the outbound connection it
// asks for.
//
// One Engine is installed as the last stage of every connection half. On the
// inbound half it notices when a target becomes known, dials it once, queues
// inbound data while the dial is in flight and flushes the queue in order as
// soon as the outbound side is ready. On both halves it forwards data to the
// linked peer and propagates half-close and close to it.
package relay
