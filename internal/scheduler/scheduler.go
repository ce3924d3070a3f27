package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeventeLantos/guest-messaging/internal/metrics"
)

// Job is one unit of periodic work, typically a dispatch tick.
type Job func(ctx context.Context) error

type Status struct {
	Running   bool      `json:"running"`
	Interval  string    `json:"interval"`
	Runs      int64     `json:"runs"`
	LastRunAt time.Time `json:"lastRunAt,omitzero"`
	LastError string    `json:"lastError,omitempty"`
}

type Scheduler struct {
	interval time.Duration
	timeout  time.Duration
	job      Job
	logger   *slog.Logger

	running atomic.Bool
	runs    atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	lastMu    sync.Mutex
	lastRunAt time.Time
	lastErr   error
}

// New returns a stopped scheduler. Each run of job gets its own deadline of
// timeout; a zero timeout falls back to the interval.
func New(interval, timeout time.Duration, job Job, logger *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if job == nil {
		return nil, errors.New("job must not be nil")
	}
	if timeout <= 0 {
		timeout = interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		interval: interval,
		timeout:  timeout,
		job:      job,
		logger:   logger.With("component", "scheduler"),
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("scheduler started", "interval", s.interval.String())

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopping")
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop cancels the running tick, if any, and waits for the loop to exit.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.logger.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Status() Status {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()

	st := Status{
		Running:   s.running.Load(),
		Interval:  s.interval.String(),
		Runs:      s.runs.Load(),
		LastRunAt: s.lastRunAt,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Scheduler) safeTick(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	start := time.Now()
	err := s.run(ctx)

	s.lastMu.Lock()
	s.runs.Add(1)
	s.lastRunAt = start.UTC()
	s.lastErr = err
	s.lastMu.Unlock()

	if err != nil {
		metrics.SchedulerTicksTotal.WithLabelValues("error").Inc()
		s.logger.Error("scheduler tick failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	metrics.SchedulerTicksTotal.WithLabelValues("ok").Inc()
	s.logger.Info("scheduler tick completed", "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()
	return s.job(ctx)
}
