// README: Matching error taxonomy.
package matching

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")
	ErrForbidden  = errors.New("not the owner")
	// ErrStateConflict means the entity left the expected state, usually because a
	// concurrent caller won the race.
	ErrStateConflict = errors.New("state conflict")
	// ErrNoCandidate is a normal outcome: nothing compatible right now.
	ErrNoCandidate = errors.New("no match yet")
	// ErrInvariantViolation signals a storage contract breach. It is never retried.
	ErrInvariantViolation = errors.New("invariant violation")

	ErrOfferUnavailable   = fmt.Errorf("offer unavailable: %w", ErrStateConflict)
	ErrRequestUnavailable = fmt.Errorf("request unavailable: %w", ErrStateConflict)
)
