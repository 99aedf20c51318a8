package boardsync

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relayboard/internal/archive"
	"github.com/agentworkforce/relayboard/internal/kanban"
)

type Options struct {
	Service  *kanban.Service
	Executor kanban.Executor

	BoardPrefix            string
	Since                  time.Time
	MediaRoot              string
	PageSize               int
	MaxDescriptionLength   int
	AllowDuplicateComments bool
	Logger                 logrus.FieldLogger
}

// Failure is one unit of work that did not complete. Scope is "board",
// "event", "card", "attachment" or "request".
type Failure struct {
	Scope string
	Key   string
	Err   error
}

type Report struct {
	Events         int
	Skipped        int
	Aborted        int
	BoardsCreated  int
	ListsCreated   int
	CardsCreated   int
	CardsUpdated   int
	CardsUnchanged int
	Uploads        int
	Comments       int
	MissingFiles   int
	Drain          DrainReport
	Failures       []Failure
}

func (r Report) Failed() bool {
	return len(r.Failures) > 0
}

func (r *Report) fail(scope, key string, err error) {
	r.Failures = append(r.Failures, Failure{Scope: scope, Key: key, Err: err})
}

// Syncer projects an ordered event stream onto boards, lists and cards.
type Syncer struct {
	opts   Options
	seq    *Sequencer
	logger logrus.FieldLogger
}

func NewSyncer(opts Options) (*Syncer, error) {
	if opts.Executor == nil {
		return nil, errors.New("boardsync: executor is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Service == nil {
		opts.Service = kanban.NewService(opts.Executor)
	}
	return &Syncer{
		opts:   opts,
		seq:    NewSequencer(opts.Executor, opts.Logger),
		logger: opts.Logger,
	}, nil
}

// SyncOnce runs one pass over events. Failures are scoped to the smallest
// unit they affect and collected in the report; the returned error is only
// set when ctx ends the pass early. Deferred mutations are drained whenever
// the pass moves to another board and once more at the end.
func (s *Syncer) SyncOnce(ctx context.Context, events []archive.Event) (Report, error) {
	var report Report
	ordered := append([]archive.Event(nil), events...)
	archive.SortEvents(ordered)

	resolver := NewResolver(s.opts.Service, s.seq, s.logger)
	cards := NewCardEngine(s.opts.Service, s.seq, CardEngineOptions{
		PageSize:             s.opts.PageSize,
		MaxDescriptionLength: s.opts.MaxDescriptionLength,
		Logger:               s.logger,
	})
	reconciler := NewReconciler(s.opts.Service, s.seq, ReconcilerOptions{
		MediaRoot:              s.opts.MediaRoot,
		AllowDuplicateComments: s.opts.AllowDuplicateComments,
		Logger:                 s.logger,
	})

	abortedBoards := map[string]bool{}
	currentBoard := ""
	for _, ev := range ordered {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Events++
		if !s.opts.Since.IsZero() && ev.Timestamp.Before(s.opts.Since) {
			report.Skipped++
			continue
		}

		window := WindowFor(ev.Timestamp)
		boardName := BoardName(s.opts.BoardPrefix, window)
		if abortedBoards[boardName] {
			report.Aborted++
			continue
		}
		if boardName != currentBoard {
			if err := s.drain(ctx, &report); err != nil {
				return report, err
			}
			currentBoard = boardName
		}
		logger := s.logger.WithFields(logrus.Fields{
			"board": boardName,
			"title": ev.Title,
			"date":  archive.FormatTimestamp(ev.Timestamp),
		})

		boardID, created, err := resolver.ResolveBoard(ctx, boardName)
		if err != nil {
			s.abortBoard(&report, abortedBoards, boardName, err, logger)
			continue
		}
		if created {
			report.BoardsCreated++
		}

		listName := ListName(ev.Timestamp)
		listID, created, err := resolver.ResolveList(ctx, boardID, listName, Position(ev.Timestamp, window))
		if err != nil {
			if errors.Is(err, ErrListingFailed) {
				s.abortBoard(&report, abortedBoards, boardName, err, logger)
			} else {
				logger.WithError(err).Error("list resolution failed")
				report.fail("event", ev.Title, err)
			}
			continue
		}
		if created {
			report.ListsCreated++
		}

		description, inline := RenderDescription(ev)
		outcomes, err := cards.UpsertCard(ctx, listID, ev.Title, description)
		for _, outcome := range outcomes {
			switch outcome.Action {
			case CardCreated:
				report.CardsCreated++
			case CardUpdated:
				report.CardsUpdated++
			default:
				report.CardsUnchanged++
			}
		}
		if err != nil {
			logger.WithError(err).Error("card upsert failed")
			report.fail("event", ev.Title, err)
			continue
		}
		if len(outcomes) == 0 || len(ev.Media) == 0 {
			continue
		}

		// Attachments only go on the first card of a continuation chain.
		result, err := reconciler.Reconcile(ctx, outcomes[0].ID, OrderMedia(inline, ev.Media))
		report.Uploads += result.Uploaded
		report.Comments += result.Commented
		report.MissingFiles += len(result.Missing)
		for _, missing := range result.Missing {
			report.fail("attachment", outcomes[0].Title, missing)
		}
		if err != nil {
			logger.WithError(err).Error("attachment reconcile failed")
			report.fail("card", outcomes[0].Title, err)
		}
	}

	if err := s.drain(ctx, &report); err != nil {
		return report, err
	}
	s.logger.WithFields(logrus.Fields{
		"events":         report.Events,
		"skipped":        report.Skipped,
		"aborted":        report.Aborted,
		"boards_created": report.BoardsCreated,
		"lists_created":  report.ListsCreated,
		"cards_created":  report.CardsCreated,
		"cards_updated":  report.CardsUpdated,
		"uploads":        report.Uploads,
		"failures":       len(report.Failures),
	}).Info("sync pass complete")
	return report, nil
}

func (s *Syncer) drain(ctx context.Context, report *Report) error {
	drained, err := s.seq.Drain(ctx)
	report.Drain.merge(drained)
	for _, failed := range drained.Failed {
		report.fail("request", failed.Request.String(), failed.Err)
	}
	return err
}

func (s *Syncer) abortBoard(report *Report, aborted map[string]bool, boardName string, err error, logger logrus.FieldLogger) {
	logger.WithError(err).Error("aborting board for this pass")
	aborted[boardName] = true
	report.Aborted++
	report.fail("board", boardName, err)
}

// Pending reports deferred mutations left over from an interrupted pass.
func (s *Syncer) Pending() int {
	return s.seq.Pending()
}
