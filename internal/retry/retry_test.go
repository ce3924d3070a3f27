package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestManager(s *recordedSleeps, jitter float64) *Manager {
	return NewManager(DefaultOptions(),
		WithSleep(s.sleep),
		WithJitterSource(func() float64 { return jitter }),
	)
}

func TestExecute_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	s := &recordedSleeps{}
	m := newTestManager(s, 0.5)

	calls := 0
	res := Execute(context.Background(), m, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("503 service unavailable")
		}
		return "ok", nil
	}, Options{Context: SMS})

	if !res.Success || res.Data != "ok" {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(s.delays) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), s.delays)
	}
	for i := range want {
		if s.delays[i] != want[i] {
			t.Fatalf("sleep %d: expected %v, got %v", i, want[i], s.delays[i])
		}
	}
}

func TestExecute_NoTrailingDelayAfterLastAttempt(t *testing.T) {
	t.Parallel()

	s := &recordedSleeps{}
	m := newTestManager(s, 0.5)

	res := Execute(context.Background(), m, func(ctx context.Context) (int, error) {
		return 0, errors.New("request timeout")
	})

	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
	if len(s.delays) != 2 {
		t.Fatalf("expected 2 sleeps for 3 attempts, got %d", len(s.delays))
	}
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()

	s := &recordedSleeps{}
	m := newTestManager(s, 0.5)

	calls := 0
	res := Execute(context.Background(), m, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("invalid 'To' phone number")
	}, Options{Context: SMS, MaxAttempts: 5})

	if res.Success || calls != 1 || res.Attempts != 1 {
		t.Fatalf("expected single attempt, got calls=%d res=%+v", calls, res)
	}
	if len(s.delays) != 0 {
		t.Fatalf("expected no sleeps, got %v", s.delays)
	}
}

func TestExecute_CustomRetryable(t *testing.T) {
	t.Parallel()

	s := &recordedSleeps{}
	m := newTestManager(s, 0.5)

	sentinel := errors.New("try again")
	calls := 0
	res := Execute(context.Background(), m, func(ctx context.Context) (int, error) {
		calls++
		return 0, sentinel
	}, Options{MaxAttempts: 2, Retryable: func(err error, _ string) bool { return errors.Is(err, sentinel) }})

	if calls != 2 || !errors.Is(res.Err, sentinel) {
		t.Fatalf("expected 2 calls ending in sentinel, got calls=%d err=%v", calls, res.Err)
	}
}

func TestExecuteWithContext_RetriesBusinessFailure(t *testing.T) {
	t.Parallel()

	s := &recordedSleeps{}
	m := newTestManager(s, 0.5)

	calls := 0
	res := ExecuteWithContext(context.Background(), m, Push, func(ctx context.Context) Envelope[int] {
		calls++
		if calls == 1 {
			return Envelope[int]{FailureReason: "UNAVAILABLE"}
		}
		return Envelope[int]{Data: 7}
	})

	if !res.Success || res.Data != 7 || res.Attempts != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecuteWithContext_FailureReasonIgnoredOutsidePush(t *testing.T) {
	t.Parallel()

	s := &recordedSleeps{}
	m := newTestManager(s, 0.5)

	res := ExecuteWithContext(context.Background(), m, SMS, func(ctx context.Context) Envelope[int] {
		return Envelope[int]{FailureReason: "unavailable"}
	})

	if res.Success || res.Attempts != 1 {
		t.Fatalf("expected one attempt, got %+v", res)
	}
	if res.Err == nil || res.Err.Error() != "unavailable" {
		t.Fatalf("expected reason surfaced as error, got %v", res.Err)
	}
}

func TestDelay_CapAndJitter(t *testing.T) {
	t.Parallel()

	cfg := Options{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Jitter: 0.1}

	mid := NewManager(cfg, WithJitterSource(func() float64 { return 0.5 }))
	if got := mid.delay(cfg, 10); got != 5*time.Second {
		t.Fatalf("expected capped delay 5s, got %v", got)
	}

	high := NewManager(cfg, WithJitterSource(func() float64 { return 1 }))
	if got := high.delay(cfg, 1); got != 1100*time.Millisecond {
		t.Fatalf("expected +10%% jitter, got %v", got)
	}

	low := NewManager(cfg, WithJitterSource(func() float64 { return 0 }))
	if got := low.delay(cfg, 2); got != 1800*time.Millisecond {
		t.Fatalf("expected -10%% jitter, got %v", got)
	}
}

func TestExecute_ContextCancelledDuringWait(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{BaseDelay: time.Hour, MaxDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan Result[int], 1)
	go func() {
		done <- Execute(ctx, m, func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("network unreachable")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		if res.Success || !errors.Is(res.Err, context.Canceled) {
			t.Fatalf("expected cancellation, got %+v", res)
		}
		if calls != 1 {
			t.Fatalf("expected one call before cancellation, got %d", calls)
		}
	case <-time.After(time.Second):
		t.Fatalf("Execute did not return after cancellation")
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		rc     Context
		err    error
		reason string
		want   bool
	}{
		{SMS, errors.New("Too Many Requests"), "", true},
		{SMS, errors.New("status 504 from upstream"), "", true},
		{SMS, errors.New("unsubscribed recipient"), "", false},
		{SMS, errors.New("twilio status 400 code 21503: invalid To +15035550101"), "", false},
		{SMS, &StatusError{Status: 400, Err: errors.New("code 21503: 502 is not a number")}, "", false},
		{SMS, &StatusError{Status: 429, Err: errors.New("slow down")}, "", true},
		{SMS, &StatusError{Status: 503, Err: errors.New("unavailable")}, "", true},
		{HTTP, errors.New("dial tcp: connection refused"), "", true},
		{Database, errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"), "", true},
		{Database, errors.New("duplicate key value"), "", false},
		{Push, nil, "Service Unavailable", true},
		{Push, nil, "InvalidRegistration", false},
		{SMS, context.Canceled, "", false},
		{Context("carrier-pigeon"), errors.New("timeout"), "", false},
	}

	for i, tc := range cases {
		if got := IsRetryable(tc.rc, tc.err, tc.reason); got != tc.want {
			t.Fatalf("case %d (%s %v %q): expected %v, got %v", i, tc.rc, tc.err, tc.reason, tc.want, got)
		}
	}
}
