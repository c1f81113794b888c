package circuitbreaker

import "errors"

var (
	// ErrCircuitOpen is returned when the circuit breaker is open or has
	// no half-open slot left.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)
