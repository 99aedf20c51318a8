package kanban_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relayboard/internal/kanban"
	"github.com/agentworkforce/relayboard/internal/sandbox"
)

func newSandboxService(t *testing.T) (*kanban.Service, *kanban.Client, *sandbox.Server) {
	t.Helper()
	server := sandbox.NewServerWithConfig(sandbox.NewStore(), sandbox.ServerConfig{APIKey: "k", Token: "t"})
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)
	logger, _ := test.NewNullLogger()
	client := kanban.NewClient(kanban.Options{
		BaseURL: httpServer.URL + "/1",
		APIKey:  "k",
		Token:   "t",
		Clock:   kanban.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Logger:  logger,
	})
	return kanban.NewService(client), client, server
}

func TestServiceCardsFollowsBeforeCursor(t *testing.T) {
	svc, _, server := newSandboxService(t)
	ctx := context.Background()

	board, err := svc.CreateBoard(ctx, "Board")
	require.NoError(t, err)
	list, err := svc.CreateList(ctx, board.ID, "List", 10)
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		_, err := svc.CreateCard(ctx, list.ID, fmt.Sprintf("card-%d", i), "")
		require.NoError(t, err)
	}

	cards, err := svc.Cards(ctx, list.ID, 3)
	require.NoError(t, err)
	assert.Len(t, cards, 7)
	// 3 + 3 + 1: the short page ends the walk.
	assert.Equal(t, 3, server.Calls(http.MethodGet, "/lists/{id}/cards"))

	names := map[string]bool{}
	for _, c := range cards {
		names[c.Name] = true
	}
	assert.Len(t, names, 7)
}

func TestServiceCardsExactMultipleOfPageSize(t *testing.T) {
	svc, _, server := newSandboxService(t)
	ctx := context.Background()

	board, err := svc.CreateBoard(ctx, "Board")
	require.NoError(t, err)
	list, err := svc.CreateList(ctx, board.ID, "List", 10)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := svc.CreateCard(ctx, list.ID, fmt.Sprintf("card-%d", i), "")
		require.NoError(t, err)
	}

	cards, err := svc.Cards(ctx, list.ID, 2)
	require.NoError(t, err)
	assert.Len(t, cards, 4)
	assert.Equal(t, 3, server.Calls(http.MethodGet, "/lists/{id}/cards"))
}

func TestServiceRequestBuildersRoundTrip(t *testing.T) {
	svc, client, server := newSandboxService(t)
	ctx := context.Background()

	board, err := svc.CreateBoard(ctx, "Board")
	require.NoError(t, err)
	assert.Equal(t, "private", server.Store().BoardPermission(board.ID))

	list, err := svc.CreateList(ctx, board.ID, "List", 500)
	require.NoError(t, err)
	_, err = client.Execute(ctx, kanban.UpdateListPosition(list.ID, 250.5))
	require.NoError(t, err)
	lists, err := svc.Lists(ctx, board.ID)
	require.NoError(t, err)
	require.Len(t, lists, 1)
	assert.Equal(t, 250.5, lists[0].Pos)

	card, err := svc.CreateCard(ctx, list.ID, "Card", "old")
	require.NoError(t, err)
	_, err = client.Execute(ctx, kanban.UpdateCardDescription(card.ID, "new"))
	require.NoError(t, err)
	_, err = client.Execute(ctx, kanban.AddComment(card.ID, "caption"))
	require.NoError(t, err)

	comments, err := svc.Comments(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, []kanban.Comment{{ID: comments[0].ID, Text: "caption"}}, comments)

	stored, err := server.Store().Card(card.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", stored.Desc)
}

func TestServiceSurfacesNotFoundAsPermanent(t *testing.T) {
	svc, _, _ := newSandboxService(t)
	_, err := svc.Lists(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, kanban.ErrPermanent)
	assert.Equal(t, http.StatusNotFound, kanban.StatusCode(err))
}

func TestFormatPos(t *testing.T) {
	assert.Equal(t, "835.6164383561644", kanban.FormatPos(835.6164383561644))
	assert.Equal(t, "1000", kanban.FormatPos(1000))
	assert.Equal(t, "0", kanban.FormatPos(0))
}
