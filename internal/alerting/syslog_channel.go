package alerting

import (
	"fmt"
	"log/syslog"

	"github.com/ipsix/tailwatch/internal/detection"
)

type SyslogChannel struct {
	writer *syslog.Writer
	err    error
	tiers  []string
}

// NewSyslogChannel dials eagerly; a dial failure surfaces on every Send.
func NewSyslogChannel(network, address, tag string, tiers []string) *SyslogChannel {
	if network == "" {
		network = "unixgram"
	}
	if address == "" {
		address = "/dev/log"
	}
	if tag == "" {
		tag = "tailwatch"
	}
	writer, err := syslog.Dial(network, address, syslog.LOG_USER|syslog.LOG_INFO, tag)
	return &SyslogChannel{writer: writer, err: err, tiers: tiers}
}

func (s *SyslogChannel) Name() string { return "syslog" }

func (s *SyslogChannel) Send(alert Alert) error {
	if !tierAllowed(s.tiers, alert.Tier) {
		return nil
	}
	if s.writer == nil {
		return fmt.Errorf("syslog writer not available: %v", s.err)
	}
	msg := alert.Message()
	switch alert.Tier {
	case detection.TierCritical:
		return s.writer.Crit(msg)
	case detection.TierWarning:
		return s.writer.Warning(msg)
	default:
		return s.writer.Notice(msg)
	}
}

func (s *SyslogChannel) Close() error {
	if s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
