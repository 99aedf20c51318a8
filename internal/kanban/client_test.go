package kanban

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, clock *FakeClock, limiter *Limiter) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	logger, _ := test.NewNullLogger()
	if limiter == nil {
		limiter = NewLimiter(LimiterOptions{Clock: clock})
	}
	return NewClient(Options{
		BaseURL: server.URL + "/1",
		APIKey:  "key_1",
		Token:   "token_1",
		Clock:   clock,
		Limiter: limiter,
		Logger:  logger,
	})
}

func TestExecuteRetriesTransientStatusThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	clock := NewFakeClock(testEpoch)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `[{"id":"b1","name":"Board"}]`)
	}, clock, nil)

	boards, err := NewService(client).Boards(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Board{{ID: "b1", Name: "Board"}}, boards)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())
}

func TestExecuteGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	clock := NewFakeClock(testEpoch)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"message":"upstream down"}`)
	}, clock, nil)

	_, err := client.Execute(context.Background(), Request{Method: http.MethodGet, Endpoint: "/members/me/boards"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransient))
	assert.False(t, errors.Is(err, ErrPermanent))

	var transient *TransientServiceError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, 6, transient.Attempts)
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
	assert.Equal(t, int32(6), calls.Load())
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, clock.Sleeps())
}

func TestExecuteDoesNotRetryPermanentStatus(t *testing.T) {
	var calls atomic.Int32
	clock := NewFakeClock(testEpoch)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "invalid value for idList")
	}, clock, nil)

	_, err := client.Execute(context.Background(), Request{Method: http.MethodPost, Endpoint: "/cards"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermanent)

	var permanent *PermanentServiceError
	require.ErrorAs(t, err, &permanent)
	assert.Equal(t, http.StatusBadRequest, permanent.StatusCode)
	assert.Equal(t, "invalid value for idList", permanent.Message)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, clock.Sleeps())
}

func TestExecuteHonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	clock := NewFakeClock(testEpoch)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `{"id":"c1"}`)
	}, clock, nil)

	_, err := client.Execute(context.Background(), Request{Method: http.MethodGet, Endpoint: "/cards/c1"})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, clock.Sleeps())
}

func TestExecuteNoRetryFailsOnFirstTransientStatus(t *testing.T) {
	var calls atomic.Int32
	clock := NewFakeClock(testEpoch)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, clock, nil)

	_, err := client.Execute(context.Background(), AddComment("c1", "caption"))
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteDoesNotReplayUploadAfterAmbiguousFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o644))

	var calls atomic.Int32
	clock := NewFakeClock(testEpoch)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, clock, nil)

	_, err := client.Execute(context.Background(), UploadAttachment("c1", path, "photo.jpg"))
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, clock.Sleeps())
}

func TestExecuteRetriesThrottledNoRetryRequest(t *testing.T) {
	var calls atomic.Int32
	clock := NewFakeClock(testEpoch)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `{"id":"a1"}`)
	}, clock, nil)

	_, err := client.Execute(context.Background(), AddComment("c1", "caption"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []time.Duration{3 * time.Second}, clock.Sleeps())
}

func TestExecuteConsumesBudgetPerAttempt(t *testing.T) {
	clock := NewFakeClock(testEpoch)
	window := NewMemoryWindow()
	limiter := NewLimiter(LimiterOptions{Clock: clock, Store: window})
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	}, clock, limiter)

	_, err := client.Execute(context.Background(), Request{Method: http.MethodGet, Endpoint: "/boards/b1"})
	require.NoError(t, err)
	assert.Equal(t, 2, window.Len())
}

func TestExecuteSendsCredentialsAndForm(t *testing.T) {
	clock := NewFakeClock(testEpoch)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1/cards/c1", r.URL.Path)
		assert.Equal(t, "key_1", r.URL.Query().Get("key"))
		assert.Equal(t, "token_1", r.URL.Query().Get("token"))
		assert.NotEmpty(t, r.Header.Get("X-Correlation-Id"))
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "new body", r.PostForm.Get("desc"))
		assert.Empty(t, r.URL.Query().Get("desc"))
		_, _ = io.WriteString(w, `{"id":"c1"}`)
	}, clock, nil)

	_, err := client.Execute(context.Background(), UpdateCardDescription("c1", "new body"))
	require.NoError(t, err)
}

func TestExecuteUploadsMultipartFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 2048)), 0o644))

	clock := NewFakeClock(testEpoch)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "photo.jpg", r.FormValue("name"))
		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		assert.Equal(t, "photo.jpg", header.Filename)
		payload, _ := io.ReadAll(file)
		assert.Len(t, payload, 2048)
		_, _ = io.WriteString(w, `{"id":"a1","name":"photo.jpg","bytes":2048}`)
	}, clock, nil)

	resp, err := client.Execute(context.Background(), UploadAttachment("c1", path, "photo.jpg"))
	require.NoError(t, err)
	var attachment Attachment
	require.NoError(t, resp.Decode(&attachment))
	assert.Equal(t, int64(2048), attachment.Bytes)
}

func TestExecuteLogsRetries(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	}))
	defer server.Close()
	clock := NewFakeClock(testEpoch)
	client := NewClient(Options{BaseURL: server.URL, Clock: clock, Logger: logger})

	_, err := client.Execute(context.Background(), Request{Method: http.MethodGet, Endpoint: "/members/me/boards"})
	require.NoError(t, err)

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warned = true
			assert.Equal(t, http.StatusGatewayTimeout, entry.Data["status"])
			assert.NotEmpty(t, entry.Data["correlation_id"])
		}
	}
	assert.True(t, warned, "expected a retry warning")
}

func TestRetryDelayBackoffAndCap(t *testing.T) {
	client := NewClient(Options{Clock: NewFakeClock(testEpoch)})
	assert.Equal(t, time.Second, client.retryDelay(1, ""))
	assert.Equal(t, 8*time.Second, client.retryDelay(4, ""))
	assert.Equal(t, 16*time.Second, client.retryDelay(9, ""))
	assert.Equal(t, 16*time.Second, client.retryDelay(1, "120"))
	assert.Equal(t, 5*time.Second, client.retryDelay(1, testEpoch.Add(5*time.Second).Format(http.TimeFormat)))
}
