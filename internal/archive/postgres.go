package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const (
	defaultEventTable    = "event"
	defaultLogTable      = "megalog"
	defaultImageTable    = "image"
	defaultBlogSource    = "blog"
	defaultPrimaryLogID  = 1
	postgresQueryTimeout = 30 * time.Second
	postgresPingTimeout  = 5 * time.Second
)

var ErrInvalidInput = errors.New("invalid input")

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresOptions struct {
	EventTable string
	LogTable   string
	ImageTable string
	// Source labels every event's description footer.
	Source string
	// PrimaryLogID names the log whose titles are not prefixed with the
	// log name.
	PrimaryLogID int64
	Logger       logrus.FieldLogger
}

// PostgresSource reads blog events out of the event, log and image tables
// of a relational dump.
type PostgresSource struct {
	dsn    string
	opts   PostgresOptions
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresSource(dsn string, opts PostgresOptions) (*PostgresSource, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(opts.EventTable) == "" {
		opts.EventTable = defaultEventTable
	}
	if strings.TrimSpace(opts.LogTable) == "" {
		opts.LogTable = defaultLogTable
	}
	if strings.TrimSpace(opts.ImageTable) == "" {
		opts.ImageTable = defaultImageTable
	}
	if strings.TrimSpace(opts.Source) == "" {
		opts.Source = defaultBlogSource
	}
	if opts.PrimaryLogID == 0 {
		opts.PrimaryLogID = defaultPrimaryLogID
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &PostgresSource{dsn: dsn, opts: opts, openDB: sql.Open}, nil
}

type blogImage struct {
	id          int64
	eventID     int64
	filename    string
	description string
	order       int
}

// Events returns every blog event oldest first. Events whose log is missing
// are logged and left out.
func (s *PostgresSource) Events(ctx context.Context) ([]Event, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	images, err := s.loadImages(ctx)
	if err != nil {
		return nil, err
	}
	byEvent := map[int64][]blogImage{}
	byID := map[int64]blogImage{}
	for _, img := range images {
		byEvent[img.eventID] = append(byEvent[img.eventID], img)
		byID[img.id] = img
	}

	query := fmt.Sprintf(`
		SELECT e.eventid, e.logid, e.date, COALESCE(e.title, ''), COALESCE(e.comments, ''), l.name
		FROM %s e
		LEFT JOIN %s l ON l.logid = e.logid
		ORDER BY e.date, e.eventid`,
		quoteIdentifier(s.opts.EventTable), quoteIdentifier(s.opts.LogTable))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			eventID, logID int64
			date           time.Time
			title, body    string
			logName        sql.NullString
		)
		if err := rows.Scan(&eventID, &logID, &date, &title, &body, &logName); err != nil {
			return nil, err
		}
		if !logName.Valid {
			s.opts.Logger.WithFields(logrus.Fields{"event_id": eventID, "log_id": logID}).Warn("event references unknown log; skipping")
			continue
		}
		events = append(events, Event{
			Timestamp: date,
			Category:  logName.String,
			Title:     FormatBlogTitle(logName.String, title, logID, s.opts.PrimaryLogID),
			Body:      body,
			Source:    s.opts.Source,
			Keys: []KeyValue{
				{Key: "Event ID", Value: strconv.FormatInt(eventID, 10)},
				{Key: "Log ID", Value: strconv.FormatInt(logID, 10)},
			},
			Media: eventMedia(body, byEvent[eventID], byID),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortEvents(events)
	return events, nil
}

func (s *PostgresSource) loadImages(ctx context.Context) ([]blogImage, error) {
	query := fmt.Sprintf(`
		SELECT imageid, eventid, COALESCE(filename, ''), COALESCE(description, ''), COALESCE(imageorder, 0)
		FROM %s
		ORDER BY eventid, imageorder, imageid`, quoteIdentifier(s.opts.ImageTable))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var images []blogImage
	for rows.Next() {
		var img blogImage
		if err := rows.Scan(&img.id, &img.eventID, &img.filename, &img.description, &img.order); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// eventMedia merges the images owned by an event with images its body
// references inline, which may belong to another event.
func eventMedia(body string, owned []blogImage, byID map[int64]blogImage) []Media {
	seen := map[int64]bool{}
	var media []Media
	for _, id := range InlineImageIDs(body) {
		img, ok := byID[id]
		if !ok || seen[id] || img.filename == "" {
			continue
		}
		seen[id] = true
		media = append(media, imageMedia(img))
	}
	sorted := append([]blogImage(nil), owned...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].order < sorted[j].order })
	for _, img := range sorted {
		if seen[img.id] || img.filename == "" {
			continue
		}
		seen[img.id] = true
		media = append(media, imageMedia(img))
	}
	return media
}

func imageMedia(img blogImage) Media {
	return Media{ID: img.id, Path: img.filename, Description: img.description, Order: img.order}
}

var titleDisallowed = regexp.MustCompile(`[^a-zA-Z0-9\s\-']`)

// FormatBlogTitle keeps letters, digits, whitespace, dashes and apostrophes,
// and prefixes the log name unless logID is the primary log.
func FormatBlogTitle(logName, title string, logID, primaryLogID int64) string {
	clean := strings.TrimSpace(titleDisallowed.ReplaceAllString(StripHTML(title), ""))
	if logID == primaryLogID {
		return clean
	}
	return logName + ": " + clean
}

func (s *PostgresSource) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresSource) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresPingTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
