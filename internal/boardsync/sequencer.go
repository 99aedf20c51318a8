package boardsync

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relayboard/internal/kanban"
)

// RequestFailure is one deferred mutation that did not succeed.
type RequestFailure struct {
	Request kanban.Request
	Err     error
}

type DrainReport struct {
	Executed int
	Failed   []RequestFailure
}

func (r *DrainReport) merge(other DrainReport) {
	r.Executed += other.Executed
	r.Failed = append(r.Failed, other.Failed...)
}

// Sequencer buffers mutations that nothing downstream needs an answer from
// and replays them in submission order through a single worker.
//
// Drain hands the buffered requests to the worker one at a time and returns
// once the buffer is empty. A failed request is logged and recorded; the
// drain continues with the next one. If ctx is cancelled mid-drain the
// requests not yet handed over stay buffered for the next Drain.
type Sequencer struct {
	exec   kanban.Executor
	logger logrus.FieldLogger

	mu      sync.Mutex
	pending []kanban.Request
	closed  bool
	// draining serialises Drain calls so two drains never interleave.
	draining sync.Mutex
}

func NewSequencer(exec kanban.Executor, logger logrus.FieldLogger) *Sequencer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Sequencer{exec: exec, logger: logger}
}

func (s *Sequencer) Enqueue(req kanban.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSequencerClosed
	}
	s.pending = append(s.pending, req)
	return nil
}

func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Sequencer) Drain(ctx context.Context) (DrainReport, error) {
	s.draining.Lock()
	defer s.draining.Unlock()

	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	var report DrainReport
	if len(batch) == 0 {
		return report, ctx.Err()
	}

	tasks := make(chan kanban.Request)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for req := range tasks {
			if _, err := s.exec.Execute(ctx, req); err != nil {
				s.logger.WithError(err).WithField("request", req.String()).Error("deferred request failed")
				report.Failed = append(report.Failed, RequestFailure{Request: req, Err: err})
				continue
			}
			report.Executed++
		}
	}()

	sent := 0
feed:
	for _, req := range batch {
		if ctx.Err() != nil {
			break
		}
		select {
		case tasks <- req:
			sent++
		case <-ctx.Done():
			break feed
		}
	}
	close(tasks)
	<-done

	if sent < len(batch) {
		s.mu.Lock()
		s.pending = append(append([]kanban.Request{}, batch[sent:]...), s.pending...)
		s.mu.Unlock()
		return report, ctx.Err()
	}
	return report, nil
}

// Close drains what is buffered and refuses further requests.
func (s *Sequencer) Close(ctx context.Context) (DrainReport, error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Drain(ctx)
}
