package alerting

import (
	"fmt"
	"strings"

	"github.com/ipsix/tailwatch/internal/config"
	"github.com/ipsix/tailwatch/internal/detection"
	"github.com/ipsix/tailwatch/internal/logging"
)

// BuildChannels instantiates the enabled channels. journal may be nil when
// storage is off; a store channel then fails to build.
func BuildChannels(cfg config.AlertingConfig, logger *logging.Logger, journal Journal) ([]Channel, error) {
	channels := []Channel{}
	for _, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		switch ch.Type {
		case "log":
			channels = append(channels, NewLogChannel(logger, ch.Tiers))
		case "webhook":
			if ch.URL == "" {
				closeAll(channels)
				return nil, fmt.Errorf("webhook url required")
			}
			channels = append(channels, NewWebhookChannel(ch.URL, ch.Tiers, logger))
		case "syslog":
			channels = append(channels, NewSyslogChannel(ch.SyslogNetwork, ch.SyslogAddress, ch.SyslogTag, ch.Tiers))
		case "email":
			channels = append(channels, NewEmailChannel(EmailConfig{
				SMTPServer: ch.SMTPServer,
				SMTPUser:   ch.SMTPUser,
				SMTPPass:   ch.SMTPPass,
				From:       ch.From,
				To:         ch.To,
				Subject:    ch.Subject,
			}, ch.Tiers))
		case "nats":
			if ch.URL == "" {
				closeAll(channels)
				return nil, fmt.Errorf("nats url required")
			}
			nc, err := NewNATSChannel(ch.URL, ch.NATSSubject, ch.Tiers, logger)
			if err != nil {
				closeAll(channels)
				return nil, err
			}
			channels = append(channels, nc)
		case "store":
			if journal == nil {
				closeAll(channels)
				return nil, fmt.Errorf("store channel requires storage")
			}
			channels = append(channels, NewJournalChannel(journal, ch.Tiers))
		default:
			closeAll(channels)
			return nil, fmt.Errorf("unknown alert channel type: %s", ch.Type)
		}
	}
	if len(channels) == 0 {
		channels = append(channels, NewLogChannel(logger, nil))
	}
	return channels, nil
}

func closeAll(channels []Channel) {
	for _, ch := range channels {
		if c, ok := ch.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}

func tierAllowed(allow []string, tier detection.Tier) bool {
	if len(allow) == 0 {
		return true
	}
	for _, v := range allow {
		if detection.Tier(strings.ToLower(v)) == tier {
			return true
		}
	}
	return false
}
