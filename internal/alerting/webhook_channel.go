package alerting

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/ipsix/tailwatch/internal/logging"
)

const webhookFailureThreshold = 3

type WebhookChannel struct {
	url     string
	tiers   []string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewWebhookChannel posts alerts as JSON. After repeated failures the
// breaker opens and sends fail fast until its timeout elapses.
func NewWebhookChannel(url string, tiers []string, logger *logging.Logger) *WebhookChannel {
	if logger == nil {
		logger = logging.Nop()
	}
	return &WebhookChannel{
		url:    url,
		tiers:  tiers,
		client: httpClient,
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "webhook",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= webhookFailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook breaker state changed",
					logging.F("url", url),
					logging.F("from", from.String()),
					logging.F("to", to.String()),
				)
			},
		}),
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Send(alert Alert) error {
	if !tierAllowed(w.tiers, alert.Tier) {
		return nil
	}
	payload, err := json.Marshal(webhookPayload{Alert: alert, Message: alert.Message()})
	if err != nil {
		return err
	}
	_, err = w.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, w.post(payload)
	})
	return err
}

// State reports the breaker state, e.g. "closed" or "open".
func (w *WebhookChannel) State() string {
	return w.breaker.State().String()
}

func (w *WebhookChannel) post(payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

type webhookPayload struct {
	Alert
	Message string `json:"message"`
}

var httpClient = &http.Client{Timeout: 10 * time.Second}
