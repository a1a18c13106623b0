// Package stream provides the producer and the consumer-group coordinator
// over the shared ordered store. Producers append entries to a bounded log;
// competing consumers of a group read never-delivered entries, acknowledge
// them once processed and reclaim entries stranded by crashed consumers.
// Delivery is at-least-once: consumers are expected to be idempotent.
package stream
