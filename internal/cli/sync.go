package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/relayboard/internal/archive"
	"github.com/agentworkforce/relayboard/internal/boardsync"
	"github.com/agentworkforce/relayboard/internal/kanban"
	"github.com/agentworkforce/relayboard/internal/watch"
)

// EventLoader returns the full event archive for one pass.
type EventLoader func(ctx context.Context) ([]archive.Event, error)

// SyncSummary is the machine-readable form of a pass report.
type SyncSummary struct {
	Events         int      `json:"events"`
	Skipped        int      `json:"skipped"`
	Aborted        int      `json:"aborted"`
	BoardsCreated  int      `json:"boardsCreated"`
	ListsCreated   int      `json:"listsCreated"`
	CardsCreated   int      `json:"cardsCreated"`
	CardsUpdated   int      `json:"cardsUpdated"`
	CardsUnchanged int      `json:"cardsUnchanged"`
	Uploads        int      `json:"uploads"`
	Comments       int      `json:"comments"`
	MissingFiles   int      `json:"missingFiles"`
	Deferred       int      `json:"deferred"`
	Failures       []string `json:"failures,omitempty"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Create or update boards, lists and cards from the event archive",
		Long: `Run one sync pass over the event archive.

Events come from a JSON export (--events) or a PostgreSQL blog dump
(--postgres-dsn). With --watch the pass is repeated whenever the export
changes, and on --interval if one is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), rootOpts, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.String("events", "", "path to a JSON event export")
	flags.String("postgres-dsn", "", "PostgreSQL DSN of a blog dump to read events from")
	flags.String("postgres-source", "", "source label for events read from PostgreSQL")
	flags.Int64("primary-log-id", 0, "blog log whose titles are not prefixed with the log name")
	flags.String("credentials", "", "KEY=VALUE file holding the API key and token")
	flags.String("api-key-name", archive.DefaultAPIKeyName, "credential key holding the API key")
	flags.String("token-name", archive.DefaultTokenName, "credential key holding the API token")
	flags.String("base-url", kanban.DefaultBaseURL, "Kanban API base URL")
	flags.String("media-root", "", "directory media paths are resolved against")
	flags.String("since", "", "skip events before this date (YYYY-MM-DD)")
	flags.String("board-prefix", boardsync.DefaultBoardPrefix, "prefix for board names")
	flags.Int("page-size", kanban.MaxCardPageSize, "cards fetched per page when listing a list")
	flags.Int("max-description", boardsync.DefaultMaxDescriptionLength, "longest description stored on one card")
	flags.Bool("dedup-comments", true, "skip comments whose text already exists on the card")
	flags.Int("rate-limit", kanban.DefaultRateLimit, "calls allowed per rate window")
	flags.Duration("rate-window", kanban.DefaultRateWindow, "sliding rate window")
	flags.String("redis-url", "", "share the rate window through Redis")
	flags.String("redis-key", "", "Redis key of the shared rate window")
	flags.Bool("watch", false, "keep running and re-sync when the export changes")
	flags.Duration("interval", 0, "with --watch, also re-sync on this interval")
	flags.Float64("jitter", 0.2, "interval jitter ratio between 0 and 1")

	return cmd
}

func runSync(ctx context.Context, rootOpts *RootOptions, out io.Writer) error {
	v := rootOpts.Config
	logger := rootOpts.logger()
	if ctx == nil {
		ctx = context.Background()
	}

	load, closeSource, err := buildEventLoader(v, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	client, closeRedis, err := buildClient(v, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	since, err := parseSince(v.GetString("since"))
	if err != nil {
		return err
	}
	syncer, err := boardsync.NewSyncer(boardsync.Options{
		Executor:               client,
		BoardPrefix:            v.GetString("board-prefix"),
		Since:                  since,
		MediaRoot:              v.GetString("media-root"),
		PageSize:               v.GetInt("page-size"),
		MaxDescriptionLength:   v.GetInt("max-description"),
		AllowDuplicateComments: !v.GetBool("dedup-comments"),
		Logger:                 logger,
	})
	if err != nil {
		return err
	}

	pass := func(ctx context.Context) error {
		events, err := load(ctx)
		if err != nil {
			return err
		}
		report, err := syncer.SyncOnce(ctx, events)
		if writeErr := writeSummary(out, v.GetString("format"), report); writeErr != nil {
			logger.WithError(writeErr).Warn("failed to write sync summary")
		}
		if err != nil {
			return err
		}
		if report.Failed() {
			return fmt.Errorf("sync finished with %d failure(s)", len(report.Failures))
		}
		return nil
	}

	if !v.GetBool("watch") {
		return pass(ctx)
	}
	path := v.GetString("events")
	if path == "" {
		return errors.New("--watch requires --events")
	}
	watcher, err := watch.NewWatcher(watch.Options{
		Path:     path,
		Interval: v.GetDuration("interval"),
		Jitter:   v.GetFloat64("jitter"),
		Logger:   logger,
	}, pass)
	if err != nil {
		return err
	}
	return watcher.Run(ctx)
}

func buildEventLoader(v *viper.Viper, logger log.FieldLogger) (EventLoader, func(), error) {
	path := strings.TrimSpace(v.GetString("events"))
	dsn := strings.TrimSpace(v.GetString("postgres-dsn"))
	switch {
	case path != "" && dsn != "":
		return nil, nil, errors.New("--events and --postgres-dsn are mutually exclusive")
	case path != "":
		return func(context.Context) ([]archive.Event, error) {
			return archive.LoadJSON(path)
		}, func() {}, nil
	case dsn != "":
		source, err := archive.NewPostgresSource(dsn, archive.PostgresOptions{
			Source:       v.GetString("postgres-source"),
			PrimaryLogID: v.GetInt64("primary-log-id"),
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, err
		}
		closer := func() {
			if err := source.Close(); err != nil {
				logger.WithError(err).Warn("failed to close postgres source")
			}
		}
		return source.Events, closer, nil
	default:
		return nil, nil, errors.New("one of --events or --postgres-dsn is required")
	}
}

func buildClient(v *viper.Viper, logger log.FieldLogger) (*kanban.Client, func(), error) {
	path := v.GetString("credentials")
	if path == "" {
		return nil, nil, errors.New("--credentials is required")
	}
	creds, err := archive.LoadCredentials(path, v.GetString("api-key-name"), v.GetString("token-name"))
	if err != nil {
		return nil, nil, fmt.Errorf("load credentials: %w", err)
	}

	limiterOpts := kanban.LimiterOptions{
		Limit:  v.GetInt("rate-limit"),
		Window: v.GetDuration("rate-window"),
	}
	closeRedis := func() {}
	if redisURL := strings.TrimSpace(v.GetString("redis-url")); redisURL != "" {
		redisOpts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --redis-url: %w", err)
		}
		rc := redis.NewClient(redisOpts)
		limiterOpts.Store = kanban.NewRedisWindow(rc, v.GetString("redis-key"))
		closeRedis = func() {
			if err := rc.Close(); err != nil {
				logger.WithError(err).Warn("failed to close redis client")
			}
		}
	}

	client := kanban.NewClient(kanban.Options{
		BaseURL:   v.GetString("base-url"),
		APIKey:    creds.APIKey,
		Token:     creds.Token,
		Limiter:   kanban.NewLimiter(limiterOpts),
		UserAgent: "relayboard",
		Logger:    logger,
	})
	return client, closeRedis, nil
}

func parseSince(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := archive.ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", raw, err)
	}
	return ts, nil
}

func summarize(report boardsync.Report) SyncSummary {
	summary := SyncSummary{
		Events:         report.Events,
		Skipped:        report.Skipped,
		Aborted:        report.Aborted,
		BoardsCreated:  report.BoardsCreated,
		ListsCreated:   report.ListsCreated,
		CardsCreated:   report.CardsCreated,
		CardsUpdated:   report.CardsUpdated,
		CardsUnchanged: report.CardsUnchanged,
		Uploads:        report.Uploads,
		Comments:       report.Comments,
		MissingFiles:   report.MissingFiles,
		Deferred:       report.Drain.Executed,
	}
	for _, failure := range report.Failures {
		summary.Failures = append(summary.Failures, fmt.Sprintf("%s %s: %v", failure.Scope, failure.Key, failure.Err))
	}
	return summary
}

func writeSummary(out io.Writer, format string, report boardsync.Report) error {
	summary := summarize(report)
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	_, err := fmt.Fprintf(out,
		"events=%d skipped=%d aborted=%d boards=%d lists=%d cards created=%d updated=%d unchanged=%d uploads=%d comments=%d missing=%d deferred=%d failures=%d\n",
		summary.Events, summary.Skipped, summary.Aborted, summary.BoardsCreated, summary.ListsCreated,
		summary.CardsCreated, summary.CardsUpdated, summary.CardsUnchanged, summary.Uploads,
		summary.Comments, summary.MissingFiles, summary.Deferred, len(summary.Failures))
	if err != nil {
		return err
	}
	for _, line := range summary.Failures {
		if _, err := fmt.Fprintln(out, "  "+line); err != nil {
			return err
		}
	}
	return nil
}
