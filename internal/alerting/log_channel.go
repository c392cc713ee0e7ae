package alerting

import (
	"github.com/ipsix/tailwatch/internal/detection"
	"github.com/ipsix/tailwatch/internal/logging"
)

type LogChannel struct {
	logger *logging.Logger
	tiers  []string
}

func NewLogChannel(logger *logging.Logger, tiers []string) *LogChannel {
	return &LogChannel{logger: logger, tiers: tiers}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(alert Alert) error {
	if !tierAllowed(l.tiers, alert.Tier) {
		return nil
	}
	fields := []logging.Field{
		logging.F("tier", string(alert.Tier)),
		logging.F("band", alert.Band),
		logging.F("identifier", alert.Identifier),
		logging.F("kind", alert.Kind),
	}
	if alert.ProbedName != "" {
		fields = append(fields, logging.F("probed_name", alert.ProbedName))
	}
	if alert.Tier == detection.TierCritical {
		l.logger.Error(alert.Message(), fields...)
	} else {
		l.logger.Warn(alert.Message(), fields...)
	}
	return nil
}
