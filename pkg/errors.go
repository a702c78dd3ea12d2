package pkg

import "errors"

var (
	// ErrRoutingFailure is returned when a lookup hits a failed node or stops making progress
	ErrRoutingFailure = errors.New("routing failure")

	// ErrBootstrapJoin is returned when a joining node's bootstrap lookup fails or resolves to itself
	ErrBootstrapJoin = errors.New("bootstrap join failed")

	// ErrSuccessorsExhausted is returned when every entry of a successor list has failed
	ErrSuccessorsExhausted = errors.New("all successors have failed")

	// ErrInvariantViolation is returned when an operation detects inconsistent input or state
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrNodeFailed is returned when an operation is invoked on a failed or departed node
	ErrNodeFailed = errors.New("node has failed")
)
