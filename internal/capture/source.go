// Package capture defines the read contract over a wireless capture store.
package capture

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSourceUnavailable means no candidate store exists or it could not be opened.
	ErrSourceUnavailable = errors.New("capture source unavailable")
	// ErrQuery marks a failed fetch against an otherwise reachable store.
	ErrQuery = errors.New("capture query failed")
)

// Sighting is one row of observed device activity.
type Sighting struct {
	Identifier string
	Kind       string
	LastSeen   time.Time
	Metadata   []byte
}

// Source reads sightings from the freshest capture store.
//
// FetchSince returns rows with LastSeen >= min, and LastSeen <= max when max
// is non-zero, newest first. Reconnect re-resolves the freshest store; on
// failure the previous handle stays in use.
type Source interface {
	FetchSince(ctx context.Context, min, max time.Time) ([]Sighting, error)
	Reconnect(ctx context.Context) error
	Path() string
	Close() error
}
