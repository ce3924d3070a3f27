package sideeffect

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestRun_SwallowsErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ok := Run(context.Background(), logger, "optout_sync", func(ctx context.Context) error {
		return errors.New("db down")
	}, slog.String("phone", "****0101"))

	if ok {
		t.Fatalf("expected ok=false")
	}
	out := buf.String()
	if !strings.Contains(out, "optout_sync") || !strings.Contains(out, "db down") || !strings.Contains(out, "****0101") {
		t.Fatalf("expected failure logged with attrs, got %q", out)
	}
}

func TestRun_RecoversPanics(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ok := Run(context.Background(), logger, "publish", func(ctx context.Context) error {
		panic("boom")
	})

	if ok {
		t.Fatalf("expected ok=false after panic")
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("expected panic logged, got %q", buf.String())
	}
}

func TestRun_Success(t *testing.T) {
	called := false
	ok := Run(context.Background(), nil, "noop", func(ctx context.Context) error {
		called = true
		return nil
	})
	if !ok || !called {
		t.Fatalf("expected fn called and ok=true")
	}
}
