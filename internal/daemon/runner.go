package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/ipsix/tailwatch/internal/alerting"
	"github.com/ipsix/tailwatch/internal/api"
	"github.com/ipsix/tailwatch/internal/capture"
	"github.com/ipsix/tailwatch/internal/config"
	"github.com/ipsix/tailwatch/internal/ignore"
	"github.com/ipsix/tailwatch/internal/kismet"
	"github.com/ipsix/tailwatch/internal/logging"
	"github.com/ipsix/tailwatch/internal/monitor"
	"github.com/ipsix/tailwatch/internal/scheduler"
	"github.com/ipsix/tailwatch/internal/state"
	"github.com/ipsix/tailwatch/internal/storage"
	"github.com/ipsix/tailwatch/internal/window"
)

const alertCacheSize = 500

type Runner struct {
	cfg        config.Config
	logger     *logging.Logger
	openSource func(ctx context.Context) (capture.Source, error)
	clock      monitor.Clock
}

func New(cfg config.Config, logger *logging.Logger) *Runner {
	r := &Runner{
		cfg:    cfg,
		logger: logger,
	}
	r.openSource = func(ctx context.Context) (capture.Source, error) {
		return kismet.Open(ctx, cfg.Capture.StoreGlob,
			kismet.WithQueryTimeout(cfg.Capture.QueryTimeout),
			kismet.WithLogger(logger),
		)
	}
	return r
}

// Run starts monitoring and blocks until ctx is cancelled or SIGINT/SIGTERM
// arrives. Failing to open or bootstrap from the capture store is fatal.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer func() {
		signal.Stop(sigCh)
		close(sigCh)
	}()
	go r.handleSignals(sigCh, cancel)

	r.logger.Info("config loaded", logging.F("config", r.cfg.Redacted()))

	src, err := r.openSource(ctx)
	if err != nil {
		return fmt.Errorf("open capture store: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			r.logger.Warn("capture store close failed", logging.F("error", err))
		}
	}()

	filter := ignore.Load(r.logger, r.cfg.Ignore.MACList, r.cfg.Ignore.SSIDList)

	var (
		kv      *storage.BadgerStore
		journal *storage.AlertStore
	)
	if r.cfg.Storage.Enabled {
		kv, err = storage.NewBadgerStoreWithKey(r.cfg.Storage.DBPath, r.cfg.Storage.EncryptionKeyBase64, r.logger)
		if err != nil {
			return fmt.Errorf("open alert storage: %w", err)
		}
		defer kv.Close()
		journal = storage.NewAlertStore(kv)
	}

	engine := alerting.New(r.logger, r.cfg.Alerting.DedupWindow)
	defer func() {
		if err := engine.Close(); err != nil {
			r.logger.Warn("alert channels close failed", logging.F("error", err))
		}
	}()
	cache := state.NewAlertCache(alertCacheSize)
	engine.Register(cache)
	var j alerting.Journal
	if journal != nil {
		j = journal
	}
	channels, err := alerting.BuildChannels(r.cfg.Alerting, r.logger, j)
	if err != nil {
		return fmt.Errorf("build alert channels: %w", err)
	}
	for _, ch := range channels {
		engine.Register(ch)
	}
	r.logger.Info("alert channels ready", logging.F("channels", engine.Channels()))

	tracker := window.New(r.cfg.Monitor.BandWidth)
	mon := monitor.New(src, tracker, filter, engine, r.logger, monitor.Options{
		PollInterval: r.cfg.Monitor.PollInterval,
		Lookback:     r.cfg.Monitor.CurrentLookback,
		RotateEvery:  r.cfg.Monitor.RotateEvery,
		Backoff:      r.cfg.Monitor.ErrorBackoff,
		Clock:        r.clock,
	})
	if err := mon.Bootstrap(ctx); err != nil {
		return err
	}

	sup, err := r.supervisor(mon, cache, journal, kv, engine)
	if err != nil {
		return err
	}
	supErr := sup.ServeBackground(ctx)

	r.logger.Info("daemon started")
	if err := mon.Run(ctx); err != nil {
		r.logger.Error("monitor stopped", logging.F("error", err))
	}
	cancel()

	return r.shutdown(supErr, r.cfg.Daemon.ShutdownTimeoutDuration())
}

// supervisor builds the restartable side services: the API and the
// retention scheduler. The poll loop itself runs in the foreground.
func (r *Runner) supervisor(mon *monitor.Monitor, cache *state.AlertCache, journal *storage.AlertStore, kv *storage.BadgerStore, engine *alerting.Engine) (*suture.Supervisor, error) {
	handler := &sutureslog.Handler{Logger: r.logger.Slog()}
	sup := suture.New("tailwatch", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          r.cfg.Daemon.ShutdownTimeoutDuration(),
	})

	var sched *scheduler.Scheduler
	if journal != nil && r.cfg.Storage.RetentionDays > 0 {
		sched = scheduler.New(r.logger)
		err := sched.AddJob(scheduler.JobConfig{
			Name:       "alert-retention",
			Schedule:   r.cfg.Storage.RetentionSchedule,
			RunOnStart: true,
		}, retentionJob(journal, kv, r.cfg.Storage.RetentionWindow(), r.logger))
		if err != nil {
			return nil, fmt.Errorf("schedule retention: %w", err)
		}
		sup.Add(sched)
	}

	if r.cfg.API.Enabled {
		deps := api.Deps{Monitor: mon, Cache: cache, Channels: engine}
		if journal != nil {
			deps.History = journal
		}
		if sched != nil {
			deps.Jobs = sched
		}
		sup.Add(api.New(r.cfg.API, r.logger, deps))
	}
	return sup, nil
}

func retentionJob(journal *storage.AlertStore, kv *storage.BadgerStore, keep time.Duration, logger *logging.Logger) scheduler.JobFunc {
	return func(ctx context.Context) error {
		cutoff := time.Now().Add(-keep)
		removed, err := journal.PruneOlderThan(cutoff)
		if err != nil {
			return fmt.Errorf("prune alerts: %w", err)
		}
		logger.Info("alert journal pruned", logging.F("removed", removed), logging.F("cutoff", cutoff))
		if err := ctx.Err(); err != nil {
			return err
		}
		return kv.CollectGarbage()
	}
}

func (r *Runner) handleSignals(sigCh <-chan os.Signal, cancel context.CancelFunc) {
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			r.logger.Info("reload requested; restart to apply config and ignore list changes")
		case syscall.SIGINT, syscall.SIGTERM:
			r.logger.Warn("shutdown signal received", logging.F("signal", sig.String()))
			cancel()
			return
		default:
			r.logger.Warn("unexpected signal received", logging.F("signal", sig.String()))
		}
	}
}

func (r *Runner) shutdown(supErr <-chan error, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r.logger.Info("shutdown starting", logging.F("timeout", timeout))
	select {
	case <-supErr:
	case <-time.After(timeout):
		r.logger.Warn("services did not stop before timeout")
	}
	r.logger.Info("shutdown complete")
	return nil
}
