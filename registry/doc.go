// Package registry implements the node session registry: the
// coordination core that tracks which learning nodes are registered,
// their live state, and a capability index.
//
// One Session actor goroutine exists per registered node. It owns that
// node's record snapshot, enforces the heartbeat deadline, and
// serializes every mutation of the node through its mailbox. The
// Coordinator is the single owner of session lifecycles: its command
// loop serializes registration, deregistration and index mutation, and
// a periodic sweep reconciles the in-memory view against the durable
// record store.
//
// Callers reach per-node operations through the Coordinator, which
// either answers from its index or delegates to the node's actor. All
// blocking operations take a context and surface timeouts distinctly
// from unknown-node failures.
package registry
