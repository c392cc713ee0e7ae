// Package detection classifies repeated device appearances into alert tiers.
package detection

import (
	"fmt"
	"time"

	"github.com/ipsix/tailwatch/internal/window"
)

type Tier string

const (
	TierAdvisory Tier = "advisory"
	TierWarning  Tier = "warning"
	TierCritical Tier = "critical"
)

// Label is the console tag used for a tier.
func (t Tier) Label() string {
	switch t {
	case TierAdvisory:
		return "ALERT"
	case TierWarning:
		return "WARNING"
	case TierCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

func ParseTier(value string) (Tier, error) {
	switch Tier(value) {
	case TierAdvisory, TierWarning, TierCritical:
		return Tier(value), nil
	}
	return "", fmt.Errorf("unknown tier %q", value)
}

// Rule maps a band repeat to a tier. The set is fixed policy.
type Rule struct {
	Band window.Band
	Tier Tier
}

// Rules are evaluated newest band first; every match fires.
var Rules = []Rule{
	{Band: window.Recent, Tier: TierAdvisory},
	{Band: window.Mid, Tier: TierWarning},
	{Band: window.Old, Tier: TierCritical},
}

// Bands is the read side of the window tracker.
type Bands interface {
	Contains(identifier string, band window.Band) bool
}

type Observation struct {
	Identifier string
	Kind       string
	ProbedName string
	LastSeen   time.Time
}

type Finding struct {
	Tier        Tier
	Band        window.Band
	Identifier  string
	Kind        string
	ProbedName  string
	LastSeen    time.Time
	Description string
}

type Classifier struct {
	width time.Duration
}

func NewClassifier(width time.Duration) *Classifier {
	if width <= 0 {
		width = window.DefaultWidth
	}
	return &Classifier{width: width}
}

// Classify returns one finding per band the identifier reappears in, in
// recent, mid, old order. The current band is never consulted.
func (c *Classifier) Classify(bands Bands, obs Observation) []Finding {
	findings := []Finding{}
	for _, rule := range Rules {
		if !bands.Contains(obs.Identifier, rule.Band) {
			continue
		}
		findings = append(findings, Finding{
			Tier:        rule.Tier,
			Band:        rule.Band,
			Identifier:  obs.Identifier,
			Kind:        obs.Kind,
			ProbedName:  obs.ProbedName,
			LastSeen:    obs.LastSeen,
			Description: c.describe(rule, obs),
		})
	}
	return findings
}

func (c *Classifier) describe(rule Rule, obs Observation) string {
	low := minutes(time.Duration(rule.Band) * c.width)
	high := minutes(time.Duration(rule.Band+1) * c.width)
	var desc string
	if rule.Tier == TierCritical {
		desc = fmt.Sprintf("Device %s (%s) potentially following - seen across %s-%s min window", obs.Identifier, obs.Kind, low, high)
	} else {
		desc = fmt.Sprintf("Device %s (%s) seen again after %s-%s mins", obs.Identifier, obs.Kind, low, high)
	}
	if obs.ProbedName != "" {
		desc += " - Probing for: " + obs.ProbedName
	}
	return desc
}

func minutes(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%d", int(d/time.Minute))
	}
	return fmt.Sprintf("%.1f", d.Minutes())
}

// Tiers projects findings onto their tiers, preserving order.
func Tiers(findings []Finding) []Tier {
	out := make([]Tier, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Tier)
	}
	return out
}
