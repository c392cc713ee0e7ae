package alerting

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ipsix/tailwatch/internal/detection"
	"github.com/ipsix/tailwatch/internal/logging"
)

// Alert is one delivered finding.
type Alert struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Tier        detection.Tier `json:"tier"`
	Band        string         `json:"band"`
	Identifier  string         `json:"identifier"`
	Kind        string         `json:"kind,omitempty"`
	ProbedName  string         `json:"probed_name,omitempty"`
	LastSeen    time.Time      `json:"last_seen"`
	Description string         `json:"description"`
}

func FromFinding(f detection.Finding, now time.Time) Alert {
	return Alert{
		ID:          uuid.NewString(),
		Timestamp:   now.UTC(),
		Tier:        f.Tier,
		Band:        f.Band.String(),
		Identifier:  f.Identifier,
		Kind:        f.Kind,
		ProbedName:  f.ProbedName,
		LastSeen:    f.LastSeen,
		Description: f.Description,
	}
}

// Message renders the operator-facing line, e.g.
// "WARNING: Device AA:BB:CC:DD:EE:FF (Wi-Fi Client) seen again after 5-10 mins".
func (a Alert) Message() string {
	return a.Tier.Label() + ": " + a.Description
}

type Channel interface {
	Name() string
	Send(alert Alert) error
}

type Engine struct {
	logger   *logging.Logger
	channels []Channel
	dedup    time.Duration
	now      func() time.Time
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// New builds an engine. A dedup window of zero delivers every alert.
func New(logger *logging.Logger, dedup time.Duration) *Engine {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{
		logger:   logger,
		dedup:    dedup,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
}

func (e *Engine) Register(channel Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels = append(e.channels, channel)
}

func (e *Engine) Channels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.channels))
	for _, ch := range e.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Send fans the alert out to every channel. Delivery failures are logged and
// never stop the remaining channels. It reports whether the alert was
// delivered rather than suppressed.
func (e *Engine) Send(alert Alert) bool {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = e.now().UTC()
	}

	if e.isDuplicate(alert) {
		e.logger.Debug("alert suppressed",
			logging.F("identifier", alert.Identifier),
			logging.F("tier", string(alert.Tier)),
		)
		return false
	}

	e.mu.Lock()
	channels := append([]Channel(nil), e.channels...)
	e.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Send(alert); err != nil {
			e.logger.Error("alert delivery failed",
				logging.F("channel", ch.Name()),
				logging.F("identifier", alert.Identifier),
				logging.F("error", err),
			)
		}
	}
	return true
}

func (e *Engine) isDuplicate(alert Alert) bool {
	if e.dedup <= 0 {
		return false
	}
	key := fingerprint(alert)
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastSeen[key]
	if ok && now.Sub(last) < e.dedup {
		return true
	}
	for k, seen := range e.lastSeen {
		if now.Sub(seen) >= e.dedup {
			delete(e.lastSeen, k)
		}
	}
	e.lastSeen[key] = now
	return false
}

// Close releases channels holding connections.
func (e *Engine) Close() error {
	e.mu.Lock()
	channels := e.channels
	e.channels = nil
	e.mu.Unlock()

	var firstErr error
	for _, ch := range channels {
		closer, ok := ch.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			e.logger.Warn("alert channel close failed", logging.F("channel", ch.Name()), logging.F("error", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func fingerprint(alert Alert) string {
	return alert.Identifier + "|" + string(alert.Tier)
}
