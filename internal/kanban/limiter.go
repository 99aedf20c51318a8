package kanban

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultRateLimit  = 100
	DefaultRateWindow = 10 * time.Second
)

// WindowStore records call timestamps for a sliding window. Reserve either
// records a call at now and returns zero, or records nothing and returns how
// long the caller must wait before capacity frees up.
type WindowStore interface {
	Reserve(ctx context.Context, now time.Time, limit int, window time.Duration) (time.Duration, error)
}

type LimiterOptions struct {
	Limit  int
	Window time.Duration
	Clock  Clock
	Store  WindowStore
}

// Limiter throttles callers to Limit calls per Window. Callers over budget
// sleep until the oldest call in the window ages out; they are never rejected.
type Limiter struct {
	limit  int
	window time.Duration
	clock  Clock
	store  WindowStore
}

func NewLimiter(opts LimiterOptions) *Limiter {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultRateWindow
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryWindow()
	}
	return &Limiter{
		limit:  limit,
		window: window,
		clock:  clock,
		store:  store,
	}
}

// Wait blocks until one unit of budget is available and consumes it.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, err := l.store.Reserve(ctx, l.clock.Now(), l.limit, l.window)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *Limiter) Limit() int {
	return l.limit
}

func (l *Limiter) Window() time.Duration {
	return l.window
}

// MemoryWindow is an in-process WindowStore guarded by a mutex.
type MemoryWindow struct {
	mu     sync.Mutex
	stamps []time.Time
}

func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{}
}

func (w *MemoryWindow) Reserve(_ context.Context, now time.Time, limit int, window time.Duration) (time.Duration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-window)
	expired := 0
	for expired < len(w.stamps) && !w.stamps[expired].After(cutoff) {
		expired++
	}
	if expired > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[expired:]...)
	}
	if len(w.stamps) < limit {
		w.stamps = append(w.stamps, now)
		return 0, nil
	}
	wait := w.stamps[0].Add(window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, nil
}

// Len reports the number of calls currently inside the window.
func (w *MemoryWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.stamps)
}
