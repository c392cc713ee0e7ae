package alerting

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/ipsix/tailwatch/internal/logging"
)

const DefaultNATSSubject = "tailwatch.alerts"

// NATSChannel publishes alerts to <subject>.<tier>.
type NATSChannel struct {
	conn    *nats.Conn
	subject string
	tiers   []string
}

func NewNATSChannel(url, subject string, tiers []string, logger *logging.Logger) (*NATSChannel, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if subject == "" {
		subject = DefaultNATSSubject
	}
	conn, err := nats.Connect(url,
		nats.Name("tailwatch"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", logging.F("error", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", logging.F("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSChannel{conn: conn, subject: subject, tiers: tiers}, nil
}

func (n *NATSChannel) Name() string { return "nats" }

func (n *NATSChannel) Send(alert Alert) error {
	if !tierAllowed(n.tiers, alert.Tier) {
		return nil
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return n.conn.Publish(n.subject+"."+string(alert.Tier), payload)
}

// Close drains pending publishes before closing the connection.
func (n *NATSChannel) Close() error {
	if n.conn == nil || n.conn.IsClosed() {
		return nil
	}
	return n.conn.Drain()
}
