package boardsync

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relayboard/internal/kanban"
)

type recordingExecutor struct {
	mu       sync.Mutex
	seen     []string
	failOn   map[string]error
	onRecord func(count int)
}

func (r *recordingExecutor) Execute(_ context.Context, req kanban.Request) (*kanban.Response, error) {
	r.mu.Lock()
	r.seen = append(r.seen, req.Endpoint)
	count := len(r.seen)
	err := r.failOn[req.Endpoint]
	hook := r.onRecord
	r.mu.Unlock()
	if hook != nil {
		hook(count)
	}
	if err != nil {
		return nil, err
	}
	return &kanban.Response{StatusCode: http.StatusOK}, nil
}

func (r *recordingExecutor) endpoints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func put(endpoint string) kanban.Request {
	return kanban.Request{Method: http.MethodPut, Endpoint: endpoint}
}

func TestSequencerDrainsInSubmissionOrder(t *testing.T) {
	exec := &recordingExecutor{}
	logger, _ := test.NewNullLogger()
	seq := NewSequencer(exec, logger)

	for _, endpoint := range []string{"/lists/1", "/cards/1", "/cards/2", "/lists/2"} {
		require.NoError(t, seq.Enqueue(put(endpoint)))
	}
	assert.Equal(t, 4, seq.Pending())

	report, err := seq.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Executed)
	assert.Empty(t, report.Failed)
	assert.Equal(t, []string{"/lists/1", "/cards/1", "/cards/2", "/lists/2"}, exec.endpoints())
	assert.Zero(t, seq.Pending())
}

func TestSequencerContinuesPastFailures(t *testing.T) {
	boom := errors.New("boom")
	exec := &recordingExecutor{failOn: map[string]error{"/cards/2": boom}}
	logger, hook := test.NewNullLogger()
	seq := NewSequencer(exec, logger)

	for _, endpoint := range []string{"/cards/1", "/cards/2", "/cards/3"} {
		require.NoError(t, seq.Enqueue(put(endpoint)))
	}
	report, err := seq.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Executed)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "/cards/2", report.Failed[0].Request.Endpoint)
	assert.ErrorIs(t, report.Failed[0].Err, boom)
	assert.Equal(t, []string{"/cards/1", "/cards/2", "/cards/3"}, exec.endpoints())
	assert.NotEmpty(t, hook.AllEntries())
}

func TestSequencerKeepsUnsentRequestsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &recordingExecutor{onRecord: func(count int) {
		if count == 2 {
			cancel()
		}
	}}
	logger, _ := test.NewNullLogger()
	seq := NewSequencer(exec, logger)
	for _, endpoint := range []string{"/a", "/b", "/c", "/d", "/e"} {
		require.NoError(t, seq.Enqueue(put(endpoint)))
	}

	report, err := seq.Drain(ctx)
	require.ErrorIs(t, err, context.Canceled)
	handed := len(exec.endpoints())
	assert.GreaterOrEqual(t, handed, 2)
	assert.Equal(t, 5-handed, seq.Pending())
	assert.Equal(t, handed, report.Executed+len(report.Failed))

	// The next drain resumes with what was left, in order.
	_, err = seq.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b", "/c", "/d", "/e"}, exec.endpoints())
	assert.Zero(t, seq.Pending())
}

func TestSequencerCloseDrainsAndRejects(t *testing.T) {
	exec := &recordingExecutor{}
	logger, _ := test.NewNullLogger()
	seq := NewSequencer(exec, logger)
	require.NoError(t, seq.Enqueue(put("/cards/1")))

	report, err := seq.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)
	assert.ErrorIs(t, seq.Enqueue(put("/cards/2")), ErrSequencerClosed)
}

func TestSequencerEmptyDrain(t *testing.T) {
	seq := NewSequencer(&recordingExecutor{}, nil)
	report, err := seq.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Executed)
}
