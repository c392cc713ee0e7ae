// Package scheduler runs housekeeping jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ipsix/tailwatch/internal/logging"
)

type JobConfig struct {
	Name       string
	// Schedule is a standard five-field cron expression or a descriptor
	// such as @daily or @every 1h.
	Schedule   string
	Timeout    time.Duration
	RunOnStart bool
}

type JobFunc func(ctx context.Context) error

type Scheduler struct {
	logger *logging.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	jobs    map[string]*job
	running bool
}

func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		logger: logger,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		ctx:    context.Background(),
		jobs:   make(map[string]*job),
	}
}

func (s *Scheduler) AddJob(cfg JobConfig, fn JobFunc) error {
	if cfg.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job %q has no function", cfg.Name)
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		return fmt.Errorf("job %q schedule is required", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[cfg.Name]; exists {
		return fmt.Errorf("job %q already exists", cfg.Name)
	}
	j := &job{cfg: cfg, fn: fn}
	id, err := s.cron.AddFunc(cfg.Schedule, func() { s.execute(j) })
	if err != nil {
		return fmt.Errorf("job %q schedule %q: %w", cfg.Name, cfg.Schedule, err)
	}
	j.id = id
	s.jobs[cfg.Name] = j
	return nil
}

// Serve runs the cron loop until ctx is done.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx = ctx
	var onStart []*job
	for _, j := range s.jobs {
		if j.cfg.RunOnStart {
			onStart = append(onStart, j)
		}
	}
	s.mu.Unlock()

	for _, j := range onStart {
		s.execute(j)
	}

	s.cron.Start()
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return ctx.Err()
}

func (s *Scheduler) String() string { return "scheduler" }

// Jobs lists job names with their next scheduled run.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for name, j := range s.jobs {
		out = append(out, JobStatus{
			Name:     name,
			Schedule: j.cfg.Schedule,
			Next:     s.cron.Entry(j.id).Next,
			LastRun:  j.lastRun,
			LastErr:  j.lastErr,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next,omitempty"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
}

func (s *Scheduler) execute(j *job) {
	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()

	runCtx, cancel := context.WithTimeout(base, j.cfg.Timeout)
	defer cancel()

	started := time.Now()
	err := s.call(runCtx, j)
	finished := time.Now()

	s.mu.Lock()
	j.lastRun = started
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed",
			logging.F("job", j.cfg.Name),
			logging.F("error", err),
			logging.F("duration", finished.Sub(started)),
		)
		return
	}
	s.logger.Info("job completed",
		logging.F("job", j.cfg.Name),
		logging.F("duration", finished.Sub(started)),
	)
}

func (s *Scheduler) call(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panic recovered",
				logging.F("job", j.cfg.Name),
				logging.F("panic", fmt.Sprint(r)),
				logging.F("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("job %q panicked: %v", j.cfg.Name, r)
		}
	}()
	return j.fn(ctx)
}

type job struct {
	cfg     JobConfig
	fn      JobFunc
	id      cron.EntryID
	lastRun time.Time
	lastErr string
}

// cronLogger adapts cron's key/value logger to ours.
type cronLogger struct {
	logger *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug("cron: "+msg, pairs(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error("cron: "+msg, append(pairs(keysAndValues), logging.F("error", err))...)
}

func pairs(kv []interface{}) []logging.Field {
	fields := make([]logging.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logging.F(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
