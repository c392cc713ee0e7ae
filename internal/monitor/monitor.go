// Package monitor drives the poll loop: each tick pulls fresh sightings,
// classifies them against the window bands and emits alerts, and every few
// ticks rotates the bands.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ipsix/tailwatch/internal/alerting"
	"github.com/ipsix/tailwatch/internal/capture"
	"github.com/ipsix/tailwatch/internal/detection"
	"github.com/ipsix/tailwatch/internal/ignore"
	"github.com/ipsix/tailwatch/internal/logging"
	"github.com/ipsix/tailwatch/internal/metrics"
	"github.com/ipsix/tailwatch/internal/probe"
	"github.com/ipsix/tailwatch/internal/window"
)

// ErrTickPanic marks a tick stage that panicked and was recovered.
var ErrTickPanic = errors.New("tick panicked")

const (
	StateStarting     = "starting"
	StateRunning      = "running"
	StateShuttingDown = "shutting_down"
	StateStopped      = "stopped"
)

type Options struct {
	PollInterval time.Duration
	// Lookback bounds each tick's fetch to sightings newer than now-Lookback.
	Lookback     time.Duration
	RotateEvery  int
	Backoff      time.Duration
	Clock        Clock
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Minute
	}
	if o.Lookback <= 0 {
		o.Lookback = 2 * time.Minute
	}
	if o.RotateEvery <= 0 {
		o.RotateEvery = 5
	}
	if o.Backoff < 0 {
		o.Backoff = 0
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	return o
}

// Sink receives alerts. Send reports false when the alert was suppressed.
type Sink interface {
	Send(alert alerting.Alert) bool
}

type Status struct {
	State            string            `json:"state"`
	StartedAt        time.Time         `json:"started_at"`
	LastTick         time.Time         `json:"last_tick,omitempty"`
	Ticks            int64             `json:"ticks"`
	Rotations        int64             `json:"rotations"`
	Alerts           int64             `json:"alerts"`
	Store            string            `json:"store"`
	ReconnectPending bool              `json:"reconnect_pending"`
	LastError        string            `json:"last_error,omitempty"`
	Bands            []window.BandSize `json:"bands"`
	IgnoredMACs      int               `json:"ignored_macs"`
	IgnoredSSIDs     int               `json:"ignored_ssids"`
	PollInterval     string            `json:"poll_interval"`
	RotateEvery      int               `json:"rotate_every"`
}

// Monitor owns the capture source and the window tracker; only its own
// goroutine mutates them. Status may be read concurrently.
type Monitor struct {
	opts       Options
	clock      Clock
	src        capture.Source
	tracker    *window.Tracker
	classifier *detection.Classifier
	filter     *ignore.Filter
	sink       Sink
	logger     *logging.Logger

	mu               sync.RWMutex
	state            string
	startedAt        time.Time
	lastTick         time.Time
	ticks            int64
	rotations        int64
	alerts           int64
	reconnectPending bool
	lastErr          string
}

func New(src capture.Source, tracker *window.Tracker, filter *ignore.Filter, sink Sink, logger *logging.Logger, opts Options) *Monitor {
	if logger == nil {
		logger = logging.Nop()
	}
	opts = opts.withDefaults()
	return &Monitor{
		opts:       opts,
		clock:      opts.Clock,
		src:        src,
		tracker:    tracker,
		classifier: detection.NewClassifier(tracker.Width()),
		filter:     filter,
		sink:       sink,
		logger:     logger,
		state:      StateStarting,
	}
}

// Select applies the ignore lists and probe extraction to rows headed for
// a band. It is the tracker's selector for bootstrap and rotation.
func (m *Monitor) Select(rows []capture.Sighting) (ids, names []string) {
	ids = make([]string, 0, len(rows))
	names = []string{}
	for _, row := range rows {
		if m.filter.IsIgnoredID(row.Identifier) {
			continue
		}
		ids = append(ids, row.Identifier)
		if name := m.probedName(row); name != "" {
			m.logger.Debug("probe observed", logging.F("ssid", name), logging.F("identifier", row.Identifier))
			names = append(names, name)
		}
	}
	return ids, names
}

func (m *Monitor) probedName(row capture.Sighting) string {
	name, ok := probe.ExtractProbedName(row.Metadata)
	if !ok {
		return ""
	}
	if m.filter.IsIgnoredName(name) {
		metrics.Ignored.WithLabelValues("ssid").Inc()
		return ""
	}
	return name
}

// Bootstrap cold-seeds all four bands from their historical windows so
// alerts can fire on the first tick. Any failure here is fatal to startup.
func (m *Monitor) Bootstrap(ctx context.Context) error {
	now := m.clock.Now()
	width := m.tracker.Width()
	for _, band := range window.Bands {
		from, to := band.Range(now, width)
		rows, err := m.src.FetchSince(ctx, from, to)
		if err != nil {
			return fmt.Errorf("bootstrap %s band: %w", band, err)
		}
		ids, names := m.Select(rows)
		m.tracker.Seed(band, ids, names)
		m.logger.Info("band seeded",
			logging.F("band", band.String()),
			logging.F("macs", len(ids)),
			logging.F("ssids", len(names)),
		)
	}
	m.tracker.Anchor(now.Add(-width))
	m.mu.Lock()
	m.startedAt = now
	m.state = StateRunning
	m.mu.Unlock()
	m.recordBands()
	return nil
}

// Tick runs one poll cycle. The tick counter always advances and rotation
// runs on its cadence even when the fetch failed; errors from either stage
// are joined and returned.
func (m *Monitor) Tick(ctx context.Context) error {
	now := m.clock.Now()
	scanErr := m.guard("scan", func() error { return m.scan(ctx, now) })

	m.mu.Lock()
	m.ticks++
	n := m.ticks
	pending := m.reconnectPending
	m.mu.Unlock()
	metrics.Ticks.Inc()

	var rotateErr error
	if n%int64(m.opts.RotateEvery) == 0 {
		rotateErr = m.guard("rotate", func() error { return m.rotate(ctx, now) })
	} else if pending {
		m.retryReconnect(ctx)
	}

	err := errors.Join(scanErr, rotateErr)
	m.mu.Lock()
	m.lastTick = now
	m.lastErr = ""
	if err != nil {
		m.lastErr = err.Error()
	}
	m.mu.Unlock()
	metrics.LastTick.Set(float64(now.Unix()))
	return err
}

func (m *Monitor) guard(stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TickErrors.WithLabelValues("panic").Inc()
			m.logger.Error("tick panic recovered",
				logging.F("stage", stage),
				logging.F("panic", fmt.Sprint(r)),
				logging.F("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("%w: %s: %v", ErrTickPanic, stage, r)
		}
	}()
	return fn()
}

func (m *Monitor) scan(ctx context.Context, now time.Time) error {
	started := time.Now()
	rows, err := m.src.FetchSince(ctx, now.Add(-m.opts.Lookback), time.Time{})
	metrics.RecordFetch(time.Since(started), err)
	if err != nil {
		return fmt.Errorf("fetch current sightings: %w", err)
	}

	for _, row := range rows {
		metrics.Sightings.Inc()
		if m.filter.IsIgnoredID(row.Identifier) {
			metrics.Ignored.WithLabelValues("mac").Inc()
			continue
		}
		name := m.probedName(row)
		if name != "" {
			m.logger.Info("probe observed", logging.F("ssid", name), logging.F("identifier", row.Identifier))
		}
		m.tracker.Observe(row.Identifier, name)

		findings := m.classifier.Classify(m.tracker, detection.Observation{
			Identifier: row.Identifier,
			Kind:       row.Kind,
			ProbedName: name,
			LastSeen:   row.LastSeen,
		})
		for _, f := range findings {
			if !m.sink.Send(alerting.FromFinding(f, now)) {
				continue
			}
			metrics.RecordAlert(string(f.Tier))
			m.mu.Lock()
			m.alerts++
			m.mu.Unlock()
		}
	}
	return nil
}

func (m *Monitor) rotate(ctx context.Context, now time.Time) error {
	err := m.tracker.Rotate(ctx, m.src, m, now)
	metrics.Rotations.Inc()
	reconnectFailed := errors.Is(err, window.ErrReconnect)
	if reconnectFailed {
		metrics.RecordReconnect(err)
	} else {
		metrics.RecordReconnect(nil)
	}
	if err != nil {
		metrics.TickErrors.WithLabelValues("rotate").Inc()
	}

	m.mu.Lock()
	m.rotations++
	m.reconnectPending = reconnectFailed
	m.mu.Unlock()

	m.recordBands()
	fields := []logging.Field{logging.F("store", m.src.Path())}
	for _, size := range m.tracker.Sizes() {
		fields = append(fields, logging.F(size.Band+"_macs", size.IDs), logging.F(size.Band+"_ssids", size.Names))
	}
	m.logger.Info("windows rotated", fields...)
	if err != nil {
		return fmt.Errorf("rotate windows: %w", err)
	}
	return nil
}

// retryReconnect re-attempts a store refresh that failed at the last
// rotation. The previous handle keeps serving ticks until it succeeds.
func (m *Monitor) retryReconnect(ctx context.Context) {
	err := m.src.Reconnect(ctx)
	metrics.RecordReconnect(err)
	if err != nil {
		m.logger.Warn("store reconnect retry failed", logging.F("error", err), logging.F("store", m.src.Path()))
		return
	}
	m.mu.Lock()
	m.reconnectPending = false
	m.mu.Unlock()
}

func (m *Monitor) recordBands() {
	for _, size := range m.tracker.Sizes() {
		metrics.SetBandSize(size.Band, size.IDs)
	}
}

// Run ticks immediately and then on every PollInterval until ctx is done.
// A failed tick is logged and followed by the error backoff; it never ends
// the loop.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.startedAt.IsZero() {
		m.startedAt = m.clock.Now()
	}
	m.state = StateRunning
	m.mu.Unlock()

	ticker := m.clock.Ticker(m.opts.PollInterval)
	defer ticker.Stop()

	m.logger.Info("monitoring started",
		logging.F("store", m.src.Path()),
		logging.F("poll_interval", m.opts.PollInterval),
		logging.F("rotate_every", m.opts.RotateEvery),
	)

	defer func() {
		m.mu.Lock()
		m.state = StateStopped
		m.mu.Unlock()
	}()

	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				m.shuttingDown()
				return nil
			}
			m.logger.Error("tick failed", logging.F("tick", m.Ticks()), logging.F("error", err))
			if m.opts.Backoff > 0 {
				select {
				case <-ctx.Done():
					m.shuttingDown()
					return nil
				case <-m.clock.After(m.opts.Backoff):
				}
			}
		}

		select {
		case <-ctx.Done():
			m.shuttingDown()
			return nil
		case <-ticker.Chan():
		}
	}
}

func (m *Monitor) shuttingDown() {
	m.mu.Lock()
	m.state = StateShuttingDown
	m.mu.Unlock()
	m.logger.Info("shutting down gracefully", logging.F("ticks", m.Ticks()))
}

func (m *Monitor) Ticks() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ticks
}

func (m *Monitor) Status() Status {
	ignoredMACs, ignoredSSIDs := m.filter.Counts()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:            m.state,
		StartedAt:        m.startedAt,
		LastTick:         m.lastTick,
		Ticks:            m.ticks,
		Rotations:        m.rotations,
		Alerts:           m.alerts,
		Store:            m.src.Path(),
		ReconnectPending: m.reconnectPending,
		LastError:        m.lastErr,
		Bands:            m.tracker.Sizes(),
		IgnoredMACs:      ignoredMACs,
		IgnoredSSIDs:     ignoredSSIDs,
		PollInterval:     m.opts.PollInterval.String(),
		RotateEvery:      m.opts.RotateEvery,
	}
}
