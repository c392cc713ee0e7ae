package alerting

import (
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipsix/tailwatch/internal/config"
	"github.com/ipsix/tailwatch/internal/detection"
	"github.com/ipsix/tailwatch/internal/logging"
)

func TestWebhookPostsJSON(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, nil, logging.Nop())
	require.NoError(t, ch.Send(testAlert(detection.TierWarning)))
	assert.Equal(t, "warning", got["tier"])
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", got["identifier"])
	assert.Contains(t, got["message"], "WARNING: Device")
}

func TestWebhookBreakerOpens(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, nil, logging.Nop())
	for i := 0; i < webhookFailureThreshold; i++ {
		require.Error(t, ch.Send(testAlert(detection.TierCritical)))
	}
	assert.Equal(t, "open", ch.State())

	require.Error(t, ch.Send(testAlert(detection.TierCritical)))
	assert.EqualValues(t, webhookFailureThreshold, atomic.LoadInt32(&hits))
}

func TestWebhookTierFilter(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, []string{"critical"}, logging.Nop())
	require.NoError(t, ch.Send(testAlert(detection.TierAdvisory)))
	assert.EqualValues(t, 0, atomic.LoadInt32(&hits))
}

func TestEmailChannelFormatsMessage(t *testing.T) {
	ch := NewEmailChannel(EmailConfig{SMTPServer: "mail.local:25", From: "tw@local", To: []string{"ops@local"}}, nil)
	var sent string
	ch.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "mail.local:25", addr)
		sent = string(msg)
		return nil
	}
	require.NoError(t, ch.Send(testAlert(detection.TierCritical)))
	assert.Contains(t, sent, "Subject: Tailwatch CRITICAL")
	assert.Contains(t, sent, "Device: AA:BB:CC:DD:EE:FF (Wi-Fi Client)")

	unconfigured := NewEmailChannel(EmailConfig{}, nil)
	require.Error(t, unconfigured.Send(testAlert(detection.TierCritical)))
}

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()
	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestNATSChannelPublishesByTier(t *testing.T) {
	srv := runNATSServer(t)

	sub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("tailwatch.alerts.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	ch, err := NewNATSChannel(srv.ClientURL(), "", nil, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, ch.Send(testAlert(detection.TierCritical)))

	select {
	case msg := <-msgs:
		assert.Equal(t, "tailwatch.alerts.critical", msg.Subject)
		var alert Alert
		require.NoError(t, json.Unmarshal(msg.Data, &alert))
		assert.Equal(t, "AA:BB:CC:DD:EE:FF", alert.Identifier)
	case <-time.After(5 * time.Second):
		t.Fatal("no alert published")
	}
	require.NoError(t, ch.Close())
}

type memJournal struct{ saved []Alert }

func (m *memJournal) Save(alert Alert) error {
	m.saved = append(m.saved, alert)
	return nil
}

func TestBuildChannels(t *testing.T) {
	journal := &memJournal{}
	channels, err := BuildChannels(config.AlertingConfig{Channels: []config.AlertChannelConfig{
		{Type: "log", Enabled: true},
		{Type: "webhook", Enabled: false},
		{Type: "store", Enabled: true, Tiers: []string{"critical"}},
	}}, logging.Nop(), journal)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "log", channels[0].Name())
	assert.Equal(t, "store", channels[1].Name())

	require.NoError(t, channels[1].Send(testAlert(detection.TierWarning)))
	require.NoError(t, channels[1].Send(testAlert(detection.TierCritical)))
	assert.Len(t, journal.saved, 1)
}

func TestBuildChannelsClosesBuiltChannelsOnError(t *testing.T) {
	srv := runNATSServer(t)

	for _, bad := range []config.AlertChannelConfig{
		{Type: "webhook", Enabled: true},
		{Type: "nats", Enabled: true},
	} {
		_, err := BuildChannels(config.AlertingConfig{Channels: []config.AlertChannelConfig{
			{Type: "nats", Enabled: true, URL: srv.ClientURL()},
			bad,
		}}, logging.Nop(), nil)
		require.Error(t, err, bad.Type)
		assert.Contains(t, err.Error(), bad.Type+" url required")
		require.Eventually(t, func() bool { return srv.NumClients() == 0 }, 2*time.Second, 20*time.Millisecond, bad.Type)
	}
}

func TestBuildChannelsErrors(t *testing.T) {
	_, err := BuildChannels(config.AlertingConfig{Channels: []config.AlertChannelConfig{
		{Type: "store", Enabled: true},
	}}, logging.Nop(), nil)
	require.Error(t, err)

	_, err = BuildChannels(config.AlertingConfig{Channels: []config.AlertChannelConfig{
		{Type: "pager", Enabled: true},
	}}, logging.Nop(), nil)
	require.Error(t, err)

	channels, err := BuildChannels(config.AlertingConfig{}, logging.Nop(), nil)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "log", channels[0].Name())
}
