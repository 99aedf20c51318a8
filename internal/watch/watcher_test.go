package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startWatcher(t *testing.T, opts Options, run RunFunc) (context.CancelFunc, <-chan error) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	opts.Logger = logger
	w, err := NewWatcher(opts, run)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestWatcherRunsOnStartupAndOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))

	var runs atomic.Int32
	cancel, done := startWatcher(t, Options{Path: path, Debounce: 20 * time.Millisecond}, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	waitFor(t, func() bool { return runs.Load() == 1 })

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("x"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	// A burst of writes collapses into one pass.
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("[ ]"), 0o644))
	}
	waitFor(t, func() bool { return runs.Load() >= 2 })
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), runs.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher did not stop")
	}
}

func TestWatcherRunsOnInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	var runs atomic.Int32
	startWatcher(t, Options{Path: path, Interval: 20 * time.Millisecond}, func(context.Context) error {
		runs.Add(1)
		return errors.New("pass failed")
	})
	// Failed passes do not stop the loop.
	waitFor(t, func() bool { return runs.Load() >= 3 })
}

func TestNewWatcherValidates(t *testing.T) {
	_, err := NewWatcher(Options{Path: "x.json"}, nil)
	assert.Error(t, err)
	_, err = NewWatcher(Options{}, func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 1, 0); got != time.Millisecond {
		t.Fatalf("expected floor of 1ms, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.2, 0.5); got != 0 {
		t.Fatalf("expected disabled interval, got %s", got)
	}
}
