package alerting

import (
	"fmt"
	"net/smtp"
	"strings"
)

type EmailConfig struct {
	SMTPServer string
	SMTPUser   string
	SMTPPass   string
	From       string
	To         []string
	Subject    string
}

type EmailChannel struct {
	cfg   EmailConfig
	tiers []string
	send  func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailChannel(cfg EmailConfig, tiers []string) *EmailChannel {
	return &EmailChannel{cfg: cfg, tiers: tiers, send: smtp.SendMail}
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Send(alert Alert) error {
	if !tierAllowed(e.tiers, alert.Tier) {
		return nil
	}
	if e.cfg.SMTPServer == "" || e.cfg.From == "" || len(e.cfg.To) == 0 {
		return fmt.Errorf("email channel not configured")
	}
	subject := e.cfg.Subject
	if subject == "" {
		subject = "Tailwatch " + alert.Tier.Label()
	}
	body := fmt.Sprintf("Tier: %s\nBand: %s\nDevice: %s (%s)\nLast seen: %s\n\n%s\n",
		alert.Tier, alert.Band, alert.Identifier, alert.Kind,
		alert.LastSeen.Format("2006-01-02 15:04:05"), alert.Message())
	msg := strings.Join([]string{
		"From: " + e.cfg.From,
		"To: " + strings.Join(e.cfg.To, ","),
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if e.cfg.SMTPUser != "" && e.cfg.SMTPPass != "" {
		host := strings.Split(e.cfg.SMTPServer, ":")[0]
		auth = smtp.PlainAuth("", e.cfg.SMTPUser, e.cfg.SMTPPass, host)
	}
	return e.send(e.cfg.SMTPServer, auth, e.cfg.From, e.cfg.To, []byte(msg))
}
