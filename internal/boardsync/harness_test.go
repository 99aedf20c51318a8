package boardsync

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relayboard/internal/kanban"
	"github.com/agentworkforce/relayboard/internal/sandbox"
)

type harness struct {
	server *sandbox.Server
	store  *sandbox.Store
	client *kanban.Client
	svc    *kanban.Service
	clock  *kanban.FakeClock
	logger *logrus.Logger
	hook   *test.Hook
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	store := sandbox.NewStore()
	server := sandbox.NewServerWithConfig(store, sandbox.ServerConfig{APIKey: "k", Token: "t", Logger: logger})
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)

	clock := kanban.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	client := kanban.NewClient(kanban.Options{
		BaseURL: httpServer.URL + "/1",
		APIKey:  "k",
		Token:   "t",
		Clock:   clock,
		Logger:  logger,
	})
	return &harness{
		server: server,
		store:  store,
		client: client,
		svc:    kanban.NewService(client),
		clock:  clock,
		logger: logger,
		hook:   hook,
	}
}

func (h *harness) syncer(t *testing.T, configure func(*Options)) *Syncer {
	t.Helper()
	opts := Options{Executor: h.client, Service: h.svc, Logger: h.logger}
	if configure != nil {
		configure(&opts)
	}
	s, err := NewSyncer(opts)
	require.NoError(t, err)
	return s
}

func (h *harness) sequencer() *Sequencer {
	return NewSequencer(h.client, h.logger)
}
