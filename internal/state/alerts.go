package state

import (
	"sort"
	"sync"
	"time"

	"github.com/ipsix/tailwatch/internal/alerting"
	"github.com/ipsix/tailwatch/internal/detection"
)

// DeviceSummary is the newest alert per device.
type DeviceSummary struct {
	Identifier string         `json:"identifier"`
	Kind       string         `json:"kind,omitempty"`
	ProbedName string         `json:"probed_name,omitempty"`
	Tier       detection.Tier `json:"tier"`
	Alerts     int            `json:"alerts"`
	LastAlert  time.Time      `json:"last_alert"`
}

// AlertCache keeps a bounded in-memory history of delivered alerts. It is
// registered as an alert channel named "memory".
type AlertCache struct {
	mu      sync.RWMutex
	latest  map[string]DeviceSummary
	history []alerting.Alert
	limit   int
}

func NewAlertCache(limit int) *AlertCache {
	if limit <= 0 {
		limit = 200
	}
	return &AlertCache{
		latest: make(map[string]DeviceSummary),
		limit:  limit,
	}
}

func (c *AlertCache) Name() string { return "memory" }

func (c *AlertCache) Send(alert alerting.Alert) error {
	c.Add(alert)
	return nil
}

func (c *AlertCache) Add(alert alerting.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	summary := c.latest[alert.Identifier]
	summary.Identifier = alert.Identifier
	summary.Kind = alert.Kind
	if alert.ProbedName != "" {
		summary.ProbedName = alert.ProbedName
	}
	summary.Tier = alert.Tier
	summary.Alerts++
	summary.LastAlert = alert.Timestamp
	c.latest[alert.Identifier] = summary

	c.history = append(c.history, alert)
	if len(c.history) > c.limit {
		c.history = c.history[len(c.history)-c.limit:]
	}
}

// Devices returns per-device summaries, most recent alert first.
func (c *AlertCache) Devices() []DeviceSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]DeviceSummary, 0, len(c.latest))
	for _, s := range c.latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastAlert.Equal(out[j].LastAlert) {
			return out[i].Identifier < out[j].Identifier
		}
		return out[i].LastAlert.After(out[j].LastAlert)
	})
	return out
}

// History returns cached alerts oldest first, optionally filtered by tier.
func (c *AlertCache) History(tier detection.Tier) []alerting.Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]alerting.Alert, 0, len(c.history))
	for _, a := range c.history {
		if tier != "" && a.Tier != tier {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Counts tallies cached alerts by tier.
func (c *AlertCache) Counts() map[detection.Tier]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[detection.Tier]int{}
	for _, a := range c.history {
		out[a.Tier]++
	}
	return out
}
