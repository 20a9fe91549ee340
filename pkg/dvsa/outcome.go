package dvsa

import (
	"fmt"
	"time"
)

// OutcomeKind tags the result of one registration lookup.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeNotFound
	OutcomeInvalidFormat
	OutcomeRateLimited
	OutcomeTransientError
	OutcomeFatalError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeInvalidFormat:
		return "invalid_format"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransientError:
		return "transient_error"
	case OutcomeFatalError:
		return "fatal_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is what FetchStatus returns for a registration. Expected remote
// conditions (404, 429, ...) are encoded in Kind rather than returned as Go
// errors; Err only carries detail for the error kinds.
type Outcome struct {
	Kind       OutcomeKind
	Result     *MOTResult // set for OutcomeSuccess
	StatusCode int
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

// Retryable reports whether another attempt may produce a different answer.
func (o Outcome) Retryable() bool {
	return o.Kind == OutcomeRateLimited || o.Kind == OutcomeTransientError
}

// Terminal reports whether the outcome is a definitive classification for
// the vehicle.
func (o Outcome) Terminal() bool {
	return o.Kind == OutcomeSuccess || o.Kind == OutcomeNotFound || o.Kind == OutcomeInvalidFormat
}

// Detail is a short human readable description used in logs and error lists.
func (o Outcome) Detail() string {
	switch {
	case o.Err != nil:
		return fmt.Sprintf("%s: %v", o.Kind, o.Err)
	case o.StatusCode != 0:
		return fmt.Sprintf("%s (HTTP %d)", o.Kind, o.StatusCode)
	default:
		return o.Kind.String()
	}
}
