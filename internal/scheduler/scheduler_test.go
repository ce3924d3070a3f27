package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func counting(calls *atomic.Int64) Job {
	return func(context.Context) error {
		calls.Add(1)
		return nil
	}
}

func TestNew_InvalidArgs(t *testing.T) {
	t.Parallel()

	t.Run("interval must be > 0", func(t *testing.T) {
		t.Parallel()

		s, err := New(0, 0, func(context.Context) error { return nil }, nil)
		if err == nil {
			t.Fatalf("expected error, got nil")
		}
		if s != nil {
			t.Fatalf("expected nil scheduler, got %#v", s)
		}
	})

	t.Run("job must not be nil", func(t *testing.T) {
		t.Parallel()

		s, err := New(100*time.Millisecond, 0, nil, nil)
		if err == nil {
			t.Fatalf("expected error, got nil")
		}
		if s != nil {
			t.Fatalf("expected nil scheduler, got %#v", s)
		}
	})
}

func TestScheduler_StartStop_Basics(t *testing.T) {
	var calls atomic.Int64

	s, err := New(10*time.Millisecond, 0, counting(&calls), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if s.IsRunning() {
		t.Fatalf("expected scheduler not running initially")
	}

	if ok := s.Start(); !ok {
		t.Fatalf("expected Start() true on first call")
	}
	if !s.IsRunning() {
		t.Fatalf("expected scheduler running after Start()")
	}
	if ok := s.Start(); ok {
		t.Fatalf("expected Start() false when already running")
	}

	waitForAtLeast(t, &calls, 1, 500*time.Millisecond)

	if ok := s.Stop(); !ok {
		t.Fatalf("expected Stop() true on first call")
	}
	if s.IsRunning() {
		t.Fatalf("expected scheduler not running after Stop()")
	}
	if ok := s.Stop(); ok {
		t.Fatalf("expected Stop() false when already stopped")
	}
}

func TestScheduler_DoesNotTickAfterStop(t *testing.T) {
	var calls atomic.Int64

	s, err := New(10*time.Millisecond, 0, counting(&calls), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if ok := s.Start(); !ok {
		t.Fatalf("expected Start() true")
	}

	waitForAtLeast(t, &calls, 2, 750*time.Millisecond)

	if ok := s.Stop(); !ok {
		t.Fatalf("expected Stop() true")
	}
	beforeStop := calls.Load()

	time.Sleep(100 * time.Millisecond)
	if afterStop := calls.Load(); afterStop != beforeStop {
		t.Fatalf("expected no ticks after Stop; before=%d after=%d", beforeStop, afterStop)
	}
}

func TestScheduler_ImmediateTickOnStart(t *testing.T) {
	var calls atomic.Int64

	s, err := New(10*time.Second, time.Second, counting(&calls), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if ok := s.Start(); !ok {
		t.Fatalf("expected Start() true")
	}
	defer s.Stop()

	waitForAtLeast(t, &calls, 1, 500*time.Millisecond)
}

func TestScheduler_PanicInTickIsRecoveredAndContinues(t *testing.T) {
	var calls atomic.Int64
	var panicked atomic.Bool

	s, err := New(10*time.Millisecond, 0, func(context.Context) error {
		if panicked.CompareAndSwap(false, true) {
			panic("boom")
		}
		calls.Add(1)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if ok := s.Start(); !ok {
		t.Fatalf("expected Start() true")
	}
	defer s.Stop()

	waitForAtLeast(t, &calls, 1, 750*time.Millisecond)
}

func TestScheduler_StatusRecordsLastError(t *testing.T) {
	var calls atomic.Int64
	boom := errors.New("fetch due: connection refused")

	s, err := New(10*time.Second, time.Second, func(context.Context) error {
		calls.Add(1)
		return boom
	}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if st := s.Status(); st.Running || st.Runs != 0 || st.Interval != "10s" {
		t.Fatalf("unexpected initial status: %+v", st)
	}

	s.Start()
	waitForAtLeast(t, &calls, 1, 500*time.Millisecond)
	s.Stop()

	st := s.Status()
	if st.Running {
		t.Fatalf("expected stopped status")
	}
	if st.Runs != 1 {
		t.Fatalf("expected 1 run, got %d", st.Runs)
	}
	if st.LastError != boom.Error() {
		t.Fatalf("LastError = %q, want %q", st.LastError, boom.Error())
	}
	if st.LastRunAt.IsZero() {
		t.Fatalf("expected LastRunAt to be set")
	}
}

func TestScheduler_TickHasDeadline(t *testing.T) {
	deadlines := make(chan bool, 1)

	s, err := New(10*time.Second, 50*time.Millisecond, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		select {
		case deadlines <- ok:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	s.Start()
	defer s.Stop()

	select {
	case ok := <-deadlines:
		if !ok {
			t.Fatalf("expected tick context to carry a deadline")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("tick did not run")
	}

	deadline := time.Now().Add(time.Second)
	for s.Status().Runs == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("tick did not time out")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.Status().LastError; got != context.DeadlineExceeded.Error() {
		t.Fatalf("LastError = %q, want deadline exceeded", got)
	}
}

func TestScheduler_StartStopMultipleTimes(t *testing.T) {
	var calls atomic.Int64

	s, err := New(10*time.Millisecond, 0, counting(&calls), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if ok := s.Start(); !ok {
			t.Fatalf("iteration %d: expected Start() true", i)
		}

		waitForAtLeast(t, &calls, 1, 750*time.Millisecond)

		if ok := s.Stop(); !ok {
			t.Fatalf("iteration %d: expected Stop() true", i)
		}

		calls.Store(0)
	}
}

func TestScheduler_JobReceivesCancelableContext(t *testing.T) {
	var capturedMu sync.Mutex
	var captured context.Context

	s, err := New(10*time.Millisecond, time.Minute, func(ctx context.Context) error {
		capturedMu.Lock()
		if captured == nil {
			captured = ctx
		}
		capturedMu.Unlock()
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if ok := s.Start(); !ok {
		t.Fatalf("expected Start() true")
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for {
		capturedMu.Lock()
		got := captured
		capturedMu.Unlock()

		if got != nil {
			break
		}
		if time.Now().After(deadline) {
			_ = s.Stop()
			t.Fatalf("did not capture tick context in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if ok := s.Stop(); !ok {
		t.Fatalf("expected Stop() true")
	}

	capturedMu.Lock()
	ctx := captured
	capturedMu.Unlock()

	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected tick context to be canceled after Stop()")
	}
}

// waitForAtLeast polls until calls >= n or fails the test after timeout.
func waitForAtLeast(t *testing.T, calls *atomic.Int64, n int64, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if calls.Load() >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for calls >= %d (got %d)", n, calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
