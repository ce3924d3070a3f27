package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/LeventeLantos/guest-messaging/internal/metrics"
)

// Options describes the retry behavior of one call.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the +/- fraction applied to every delay.
	Jitter float64
	// Context selects the retryability classifier. Ignored when Retryable is set.
	Context Context
	// Retryable overrides the classifier for Execute.
	Retryable func(err error, failureReason string) bool
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.1,
	}
}

// Result is the outcome of a retried call.
type Result[T any] struct {
	Success  bool
	Data     T
	Err      error
	Attempts int
	Duration time.Duration
}

// Envelope lets an operation report a business failure without an error
// being raised, so it can still be classified and retried.
type Envelope[T any] struct {
	Data          T
	Err           error
	FailureReason string
}

func (e Envelope[T]) Failed() bool { return e.Err != nil || e.FailureReason != "" }

// Manager carries the default options and the clock used between attempts.
type Manager struct {
	defaults Options
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func() float64
}

type ManagerOption func(*Manager)

// WithSleep replaces the wait between attempts. Tests use it to avoid real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ManagerOption {
	return func(m *Manager) { m.sleep = fn }
}

// WithJitterSource replaces the [0,1) random source used for jitter.
func WithJitterSource(fn func() float64) ManagerOption {
	return func(m *Manager) { m.jitter = fn }
}

func NewManager(defaults Options, opts ...ManagerOption) *Manager {
	m := &Manager{
		defaults: normalize(defaults, DefaultOptions()),
		sleep:    sleepCtx,
		jitter:   rand.Float64,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Defaults() Options { return m.defaults }

// Execute runs op until it succeeds, returns a non-retryable error, or the
// attempts run out.
func Execute[T any](ctx context.Context, m *Manager, op func(ctx context.Context) (T, error), opts ...Options) Result[T] {
	cfg := m.options(opts)
	return run(ctx, m, cfg, func(ctx context.Context) Envelope[T] {
		data, err := op(ctx)
		return Envelope[T]{Data: data, Err: err}
	})
}

// ExecuteWithContext runs an envelope-returning op classified by rc.
func ExecuteWithContext[T any](ctx context.Context, m *Manager, rc Context, op func(ctx context.Context) Envelope[T], opts ...Options) Result[T] {
	cfg := m.options(opts)
	cfg.Context = rc
	cfg.Retryable = nil
	return run(ctx, m, cfg, op)
}

func run[T any](ctx context.Context, m *Manager, cfg Options, op func(ctx context.Context) Envelope[T]) Result[T] {
	start := time.Now()
	label := string(cfg.Context)
	if label == "" {
		label = "generic"
	}

	var res Result[T]
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		if err := ctx.Err(); err != nil {
			res.Err = joinErr(res.Err, err)
			break
		}

		env := op(ctx)
		res.Data = env.Data
		if !env.Failed() {
			res.Success = true
			res.Err = nil
			break
		}

		res.Err = env.Err
		if res.Err == nil {
			res.Err = errors.New(env.FailureReason)
		}

		if attempt == cfg.MaxAttempts || !cfg.retryable(env.Err, env.FailureReason) {
			break
		}

		metrics.RetryAttemptsTotal.WithLabelValues(label).Inc()
		if err := m.sleep(ctx, m.delay(cfg, attempt)); err != nil {
			res.Err = joinErr(res.Err, err)
			break
		}
	}

	res.Duration = time.Since(start)
	if !res.Success {
		metrics.RetryExhaustedTotal.WithLabelValues(label).Inc()
	}
	return res
}

// delay is base*2^(attempt-1), capped, with jitter applied after the cap.
func (m *Manager) delay(cfg Options, attempt int) time.Duration {
	d := cfg.BaseDelay
	for i := 1; i < attempt && d < cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if cfg.Jitter > 0 {
		spread := float64(d) * cfg.Jitter
		d += time.Duration(spread * (2*m.jitter() - 1))
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (m *Manager) options(opts []Options) Options {
	if len(opts) == 0 {
		return m.defaults
	}
	return normalize(opts[0], m.defaults)
}

func (o Options) retryable(err error, reason string) bool {
	if o.Retryable != nil {
		return o.Retryable(err, reason)
	}
	if o.Context == "" {
		return true
	}
	return IsRetryable(o.Context, err, reason)
}

func normalize(o, def Options) Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = def.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = def.MaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.Jitter <= 0 {
		o.Jitter = def.Jitter
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func joinErr(prev, next error) error {
	if prev == nil {
		return next
	}
	return errors.Join(prev, next)
}
