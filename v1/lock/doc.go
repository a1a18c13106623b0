// Package lock provides distributed mutual exclusion over the shared store.
// Each acquisition writes a fresh owner token under the resource key with a
// lease TTL; release and extension are conditioned on the token still being
// the current value, so a process can never remove or extend a lock it no
// longer owns. A crashed holder is covered by the lease expiring at the
// store. Blocking acquisition polls: a holder may release with no external
// signal, so there is nothing to subscribe to.
package lock
