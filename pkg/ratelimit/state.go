// Package ratelimit implements the shared request admission gate used by the
// ChartMogul client. All requests issued by one extraction run, whichever
// goroutine issues them, pass through a single Gate so the configured
// requests-per-second ceiling holds for the run as a whole.
package ratelimit

import (
	"time"
)

// Defaults for the ChartMogul API ceiling.
const (
	// DefaultMaxRequestsPerSecond is the documented ChartMogul ceiling for one account.
	DefaultMaxRequestsPerSecond = 40

	// Window is the rolling window the ceiling is defined over.
	Window = time.Second
)

// GateState is a point-in-time snapshot of a Gate.
type GateState struct {
	// MaxPerSecond is the configured ceiling.
	MaxPerSecond int `json:"max_per_second"`

	// Admitted is the number of requests admitted since the gate was created.
	Admitted int64 `json:"admitted"`

	// Waiting is the number of callers currently blocked in Wait.
	Waiting int64 `json:"waiting"`

	// LastAdmit is when the most recent request was admitted.
	LastAdmit time.Time `json:"last_admit"`
}

// Interval returns the minimum spacing between two admissions.
func (s GateState) Interval() time.Duration {
	if s.MaxPerSecond <= 0 {
		return 0
	}
	return Window / time.Duration(s.MaxPerSecond)
}
