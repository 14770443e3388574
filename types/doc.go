// Package types defines the shared data model of the flhub registry:
// node session records, capability tags, privacy budgets and the
// public views returned by the coordinator.
//
// The package carries no behavior beyond validation and deep copies,
// so it can be imported by both the registry and its stores without
// creating dependency cycles.
package types
