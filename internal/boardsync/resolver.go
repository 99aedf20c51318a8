package boardsync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relayboard/internal/kanban"
)

type listState struct {
	list      kanban.List
	refreshed bool
}

// Resolver maps board and list names to ids, creating what is missing.
// Lookups are cached for the lifetime of the Resolver, which is one pass.
type Resolver struct {
	svc    *kanban.Service
	seq    *Sequencer
	logger logrus.FieldLogger

	boards map[string]string
	lists  map[string]map[string]*listState
}

func NewResolver(svc *kanban.Service, seq *Sequencer, logger logrus.FieldLogger) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{
		svc:    svc,
		seq:    seq,
		logger: logger,
		lists:  map[string]map[string]*listState{},
	}
}

// ResolveBoard returns the id of the board called name, creating a private
// board without default lists when none exists.
func (r *Resolver) ResolveBoard(ctx context.Context, name string) (string, bool, error) {
	if r.boards == nil {
		boards, err := r.svc.Boards(ctx)
		if err != nil {
			return "", false, fmt.Errorf("%w: boards: %w", ErrListingFailed, err)
		}
		r.boards = map[string]string{}
		counts := map[string]int{}
		for _, board := range boards {
			counts[board.Name]++
			if _, seen := r.boards[board.Name]; !seen {
				r.boards[board.Name] = board.ID
			}
		}
		for boardName, n := range counts {
			if n > 1 {
				r.warnAmbiguous(&ResolutionAmbiguityError{Kind: "board", Name: boardName, Matches: n, Chosen: r.boards[boardName]})
			}
		}
	}
	if id, ok := r.boards[name]; ok {
		return id, false, nil
	}
	board, err := r.svc.CreateBoard(ctx, name)
	if err != nil {
		return "", false, fmt.Errorf("create board %q: %w", name, err)
	}
	r.boards[name] = board.ID
	r.logger.WithFields(logrus.Fields{"board": name, "board_id": board.ID}).Info("created board")
	return board.ID, true, nil
}

// ResolveList returns the id of the list called name on boardID. An existing
// list has its position refreshed the first time it is resolved in a pass; a
// missing one is created at pos.
func (r *Resolver) ResolveList(ctx context.Context, boardID, name string, pos float64) (string, bool, error) {
	byName, err := r.boardLists(ctx, boardID)
	if err != nil {
		return "", false, err
	}
	if state, ok := byName[name]; ok {
		if !state.refreshed {
			if err := r.seq.Enqueue(kanban.UpdateListPosition(state.list.ID, pos)); err != nil {
				return "", false, err
			}
			state.list.Pos = pos
			state.refreshed = true
		}
		return state.list.ID, false, nil
	}
	list, err := r.svc.CreateList(ctx, boardID, name, pos)
	if err != nil {
		return "", false, fmt.Errorf("create list %q: %w", name, err)
	}
	byName[name] = &listState{list: list, refreshed: true}
	r.logger.WithFields(logrus.Fields{"list": name, "list_id": list.ID, "pos": pos}).Info("created list")
	return list.ID, true, nil
}

func (r *Resolver) boardLists(ctx context.Context, boardID string) (map[string]*listState, error) {
	if byName, ok := r.lists[boardID]; ok {
		return byName, nil
	}
	lists, err := r.svc.Lists(ctx, boardID)
	if err != nil {
		return nil, fmt.Errorf("%w: lists on board %s: %w", ErrListingFailed, boardID, err)
	}
	byName := map[string]*listState{}
	counts := map[string]int{}
	for _, list := range lists {
		counts[list.Name]++
		if _, seen := byName[list.Name]; !seen {
			byName[list.Name] = &listState{list: list}
		}
	}
	for listName, n := range counts {
		if n > 1 {
			r.warnAmbiguous(&ResolutionAmbiguityError{Kind: "list", Name: listName, Matches: n, Chosen: byName[listName].list.ID})
		}
	}
	r.lists[boardID] = byName
	return byName, nil
}

func (r *Resolver) warnAmbiguous(err *ResolutionAmbiguityError) {
	r.logger.WithError(err).WithField("kind", err.Kind).Warn("ambiguous name; using first match")
}
