// Package window keeps device identifiers and probed network names bucketed
// into four aging bands and rotates them on the poll loop's cadence.
package window

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ipsix/tailwatch/internal/capture"
)

type Band int

const (
	Current Band = iota
	Recent
	Mid
	Old
)

const numBands = 4

// ErrReconnect wraps a failed store refresh during Rotate.
var ErrReconnect = errors.New("store reconnect failed")

// DefaultWidth is the span of one band.
const DefaultWidth = 5 * time.Minute

var Bands = []Band{Current, Recent, Mid, Old}

func (b Band) String() string {
	switch b {
	case Current:
		return "current"
	case Recent:
		return "recent"
	case Mid:
		return "mid"
	case Old:
		return "old"
	default:
		return fmt.Sprintf("band(%d)", int(b))
	}
}

// Range is the bootstrap window for b: [now-(b+1)*width, now-b*width].
// The current band is left open at the top.
func (b Band) Range(now time.Time, width time.Duration) (from, to time.Time) {
	from = now.Add(-time.Duration(b+1) * width)
	if b == Current {
		return from, time.Time{}
	}
	return from, now.Add(-time.Duration(b) * width)
}

// Selector turns raw sightings into the identifiers and names a band keeps,
// applying ignore lists and probe extraction.
type Selector interface {
	Select(sightings []capture.Sighting) (ids, names []string)
}

type BandSize struct {
	Band  string `json:"band"`
	IDs   int    `json:"ids"`
	Names int    `json:"names"`
}

// Tracker is mutated only by the poll loop. Readers on other goroutines
// (status endpoints) see either the pre- or post-rotation state.
type Tracker struct {
	width time.Duration

	mu       sync.RWMutex
	ids      [numBands]*Set
	names    [numBands]*Set
	// boundary is where the period closed by the next rotation began.
	boundary time.Time
}

func New(width time.Duration) *Tracker {
	if width <= 0 {
		width = DefaultWidth
	}
	t := &Tracker{width: width}
	for i := range t.ids {
		t.ids[i] = NewSet()
		t.names[i] = NewSet()
	}
	return t
}

func (t *Tracker) Width() time.Duration {
	return t.width
}

func (t *Tracker) Contains(identifier string, band Band) bool {
	if band < Current || band > Old {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ids[band].Has(identifier)
}

func (t *Tracker) ContainsName(name string, band Band) bool {
	if band < Current || band > Old {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.names[band].Has(name)
}

// Seed replaces the contents of one band.
func (t *Tracker) Seed(band Band, ids, names []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids[band] = NewSet(ids...)
	t.names[band] = NewSet(names...)
}

// Observe records a sighting from the running period in the current band.
func (t *Tracker) Observe(identifier, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids[Current].Add(identifier)
	if name != "" {
		t.names[Current].Add(name)
	}
}

func (t *Tracker) IDs(band Band) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ids[band].Items()
}

func (t *Tracker) Names(band Band) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.names[band].Items()
}

func (t *Tracker) Sizes() []BandSize {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]BandSize, 0, numBands)
	for _, b := range Bands {
		out = append(out, BandSize{Band: b.String(), IDs: t.ids[b].Len(), Names: t.names[b].Len()})
	}
	return out
}

// Shift ages every band by one step: old <- mid, mid <- recent,
// recent <- current, and current starts empty.
func (t *Tracker) Shift() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shiftLocked()
}

func (t *Tracker) shiftLocked() {
	for b := Old; b > Current; b-- {
		t.ids[b] = t.ids[b-1]
		t.names[b] = t.names[b-1]
	}
	t.ids[Current] = NewSet()
	t.names[Current] = NewSet()
}

// Repopulate replaces the recent band with the period that just closed.
func (t *Tracker) Repopulate(ids, names []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids[Recent] = NewSet(ids...)
	t.names[Recent] = NewSet(names...)
}

// Anchor marks the start of the period the next rotation reloads into the
// recent band. Bootstrap anchors at the start of its current window.
func (t *Tracker) Anchor(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.boundary = at
}

// Boundary is the start of the period the next rotation reloads.
func (t *Tracker) Boundary() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.boundary
}

// Rotate shifts the bands, reconnects src to the freshest store and reloads
// the recent band from the period that just closed: [boundary, now], or
// [now-width, now] when no boundary is set. now becomes the next boundary.
// All work happens on a pending copy that is committed in one step, so
// readers never observe a half-rotated tracker.
//
// A failed reconnect is reported but the query still runs on the previous
// handle. A failed query leaves recent holding the shifted current band.
// The shift is committed in every case.
func (t *Tracker) Rotate(ctx context.Context, src capture.Source, sel Selector, now time.Time) error {
	t.mu.RLock()
	pending := &Tracker{width: t.width, ids: t.ids, names: t.names}
	from := t.boundary
	t.mu.RUnlock()
	pending.shiftLocked()
	if from.IsZero() || !from.Before(now) {
		from = now.Add(-t.width)
	}

	var errs []error
	if err := src.Reconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrReconnect, err))
	}

	rows, err := src.FetchSince(ctx, from, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("repopulate: %w", err))
	} else {
		ids, names := sel.Select(rows)
		pending.ids[Recent] = NewSet(ids...)
		pending.names[Recent] = NewSet(names...)
	}

	t.mu.Lock()
	t.ids = pending.ids
	t.names = pending.names
	t.boundary = now
	t.mu.Unlock()

	return errors.Join(errs...)
}
