// Package store abstracts the shared ordered store that every tandem process
// coordinates through. It exposes the narrow primitive set the lock manager
// and the stream coordinator are built on: conditional key operations with
// TTL, bounded log appends and group-based log reads. Backends implement the
// Store interface; Redis is the production backend, the in-memory store is
// meant for tests and single-process development.
package store
