package registry

import "errors"

var (
	// ErrSessionNotFound indicates no live session exists for the node ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInsufficientBudget rejects a privacy budget consumption that
	// would drive epsilon or delta negative. The record is unchanged.
	ErrInsufficientBudget = errors.New("insufficient privacy budget")

	// ErrTimeout indicates a session actor did not answer within the
	// call's bound. Distinct from ErrSessionNotFound so callers can
	// choose to retry.
	ErrTimeout = errors.New("session request timed out")

	// ErrSessionTerminated indicates the target actor exited while the
	// request was in flight.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrCoordinatorClosed rejects operations after Close.
	ErrCoordinatorClosed = errors.New("coordinator closed")
)
