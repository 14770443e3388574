// Package flhub is the coordination hub for a fleet of federated
// learning nodes. Nodes register with the hub, maintain liveness via
// heartbeats, and report training status and a shrinking per-node
// privacy budget.
//
// The registry package holds the coordination core; store provides the
// durable record backends; api the HTTP surface. cmd/flhubd wires them
// into the daemon.
package flhub

// Version is the flhub release version.
const Version = "0.4.0"
