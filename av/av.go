package av

import (
	"fmt"
)

// NeutralRate is the playback rate of an uncorrected stream.
const NeutralRate = 1.0

// Info identifies one stream of the registry.
type Info struct {
	ID   int    // stable id from the registry
	Name string // display name
	URL  string // source locator, opaque to the sync controller
}

func (info Info) String() string {
	return fmt.Sprintf("<id: %d, name: %s, URL: %s>", info.ID, info.Name, info.URL)
}

// StreamHandle is the capability contract a playback layer exposes for one
// stream. Calls are expected to be cheap and non-blocking; any buffering or
// network I/O happens behind the handle.
type StreamHandle interface {
	Info() Info

	// Position returns the current playback position in seconds and whether
	// the player has enough data at that position to be trusted.
	Position() (seconds float64, ready bool)

	// SetRate changes the playback speed factor.
	SetRate(factor float64) error

	// SeekTo moves playback to the given position in seconds.
	SeekTo(seconds float64) error

	// ResetRate restores NeutralRate.
	ResetRate() error
}

// RateReporter is implemented by handles that can report their current rate.
// Handles without it are normalized unconditionally.
type RateReporter interface {
	Rate() float64
}

// Closer releases the resources behind a handle.
type Closer interface {
	Close() error
}
