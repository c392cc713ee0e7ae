package daemon

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipsix/tailwatch/internal/alerting"
	"github.com/ipsix/tailwatch/internal/capture"
	"github.com/ipsix/tailwatch/internal/config"
	"github.com/ipsix/tailwatch/internal/detection"
	"github.com/ipsix/tailwatch/internal/logging"
	"github.com/ipsix/tailwatch/internal/storage"
)

type stubSource struct {
	fetchErr error
	closed   bool
}

func (s *stubSource) FetchSince(context.Context, time.Time, time.Time) ([]capture.Sighting, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return []capture.Sighting{{Identifier: "AA:BB:CC:DD:EE:FF", Kind: "Wi-Fi Client", LastSeen: time.Now()}}, nil
}

func (s *stubSource) Reconnect(context.Context) error { return nil }
func (s *stubSource) Path() string                    { return "stub.kismet" }
func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Capture.StoreGlob = filepath.Join(dir, "*.kismet")
	cfg.Ignore.MACList = filepath.Join(dir, "mac_list")
	cfg.Ignore.SSIDList = filepath.Join(dir, "ssid_list")
	cfg.Daemon.ShutdownTimeout = time.Second
	return cfg
}

func TestHandleSignalsCancelsOnSIGTERM(t *testing.T) {
	runner := &Runner{logger: logging.Nop()}
	sigCh := make(chan os.Signal, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		runner.handleSignals(sigCh, cancel)
		close(done)
	}()

	sigCh <- syscall.SIGHUP
	sigCh <- syscall.SIGTERM

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleSignals did not return after SIGTERM")
	}
	assert.Error(t, ctx.Err())
}

func TestRunFailsWithoutCaptureStore(t *testing.T) {
	runner := New(testConfig(t), logging.Nop())
	err := runner.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, capture.ErrSourceUnavailable)
}

func TestRunFailsWhenBootstrapFails(t *testing.T) {
	runner := New(testConfig(t), logging.Nop())
	src := &stubSource{fetchErr: capture.ErrQuery}
	runner.openSource = func(context.Context) (capture.Source, error) { return src, nil }

	err := runner.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, capture.ErrQuery)
	assert.True(t, src.closed)
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Enabled = true
	cfg.Storage.DBPath = filepath.Join(t.TempDir(), "badger")
	cfg.Alerting.Channels = append(cfg.Alerting.Channels, config.AlertChannelConfig{Type: "store", Enabled: true})

	runner := New(cfg, logging.Nop())
	src := &stubSource{}
	runner.openSource = func(context.Context) (capture.Source, error) { return src, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, runner.Run(ctx))
	assert.True(t, src.closed)
}

func TestRetentionJobPrunes(t *testing.T) {
	kv, err := storage.NewBadgerStore(filepath.Join(t.TempDir(), "badger"))
	require.NoError(t, err)
	defer kv.Close()
	journal := storage.NewAlertStore(kv)

	now := time.Now()
	require.NoError(t, journal.Save(alerting.Alert{ID: "old", Timestamp: now.Add(-48 * time.Hour), Tier: detection.TierAdvisory}))
	require.NoError(t, journal.Save(alerting.Alert{ID: "new", Timestamp: now, Tier: detection.TierCritical}))

	job := retentionJob(journal, kv, 24*time.Hour, logging.Nop())
	require.NoError(t, job(context.Background()))

	left, err := journal.List(time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].ID)
}
