// Package clock declares the time source used across the dispatch core.
package clock

import "time"

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
