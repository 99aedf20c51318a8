// Package watch re-runs a sync pass when the event export changes, and
// optionally on a jittered interval.
package watch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const defaultDebounce = 500 * time.Millisecond

type Options struct {
	// Path is the file whose changes trigger a pass. Its directory is
	// watched so editors that replace the file by rename are still seen.
	Path     string
	Debounce time.Duration
	// Interval schedules passes even without changes; zero disables it.
	Interval time.Duration
	Jitter   float64
	Logger   logrus.FieldLogger
}

// RunFunc performs one pass. Its error is logged; it never stops the watcher.
type RunFunc func(ctx context.Context) error

type Watcher struct {
	opts Options
	run  RunFunc
	rng  *rand.Rand
}

func NewWatcher(opts Options, run RunFunc) (*Watcher, error) {
	if run == nil {
		return nil, errors.New("watch: run func is required")
	}
	if opts.Path == "" {
		return nil, errors.New("watch: path is required")
	}
	abs, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, err
	}
	opts.Path = abs
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	opts.Jitter = clampJitterRatio(opts.Jitter)
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Watcher{
		opts: opts,
		run:  run,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Run performs a pass straight away, then one per debounced burst of changes
// to Path and one per interval tick, until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	dir := filepath.Dir(w.opts.Path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.pass(ctx, "startup")

	debounce := time.NewTimer(time.Hour)
	stopTimer(debounce)
	defer debounce.Stop()

	var tick <-chan time.Time
	var interval *time.Timer
	if w.opts.Interval > 0 {
		interval = time.NewTimer(w.nextInterval())
		defer interval.Stop()
		tick = interval.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			stopTimer(debounce)
			debounce.Reset(w.opts.Debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.opts.Logger.WithError(err).Warn("file watcher error")

		case <-debounce.C:
			w.pass(ctx, "change")

		case <-tick:
			w.pass(ctx, "interval")
			interval.Reset(w.nextInterval())
		}
	}
}

func (w *Watcher) pass(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	logger := w.opts.Logger.WithFields(logrus.Fields{"trigger": trigger, "path": w.opts.Path})
	started := time.Now()
	if err := w.run(ctx); err != nil {
		logger.WithError(err).Error("sync pass failed")
		return
	}
	logger.WithField("elapsed", time.Since(started).String()).Info("sync pass finished")
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.opts.Path {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename)
}

func (w *Watcher) nextInterval() time.Duration {
	return jitteredIntervalWithSample(w.opts.Interval, w.opts.Jitter, w.rng.Float64())
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func clampJitterRatio(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
