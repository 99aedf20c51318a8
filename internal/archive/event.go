package archive

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Event is one archived post to project onto a board.
type Event struct {
	Timestamp time.Time
	// Category names the log or thread the event came from. It is metadata
	// only; Title is already final and is used as the card title verbatim.
	Category string
	Title    string
	Body     string
	Source   string
	// Keys are the source's own identifiers, kept in the order the source
	// reports them so rendered descriptions are stable.
	Keys  []KeyValue
	Media []Media
}

type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Media is a local file associated with an event. Path is relative to the
// media root and may use either separator.
type Media struct {
	ID          int64  `json:"id"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order"`
}

// timestampLayouts are tried in order. Exports written without a zone are
// read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

// FormatTimestamp is the inverse of ParseTimestamp for zone-less exports.
func FormatTimestamp(ts time.Time) string {
	return ts.Format("2006-01-02T15:04:05")
}

type eventRecord struct {
	Timestamp string     `json:"timestamp"`
	Category  string     `json:"category"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	Source    string     `json:"source,omitempty"`
	Keys      []KeyValue `json:"keys,omitempty"`
	Media     []Media    `json:"media,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventRecord{
		Timestamp: FormatTimestamp(e.Timestamp),
		Category:  e.Category,
		Title:     e.Title,
		Body:      e.Body,
		Source:    e.Source,
		Keys:      e.Keys,
		Media:     e.Media,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var rec eventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	ts, err := ParseTimestamp(rec.Timestamp)
	if err != nil {
		return err
	}
	*e = Event{
		Timestamp: ts,
		Category:  rec.Category,
		Title:     rec.Title,
		Body:      rec.Body,
		Source:    rec.Source,
		Keys:      rec.Keys,
		Media:     rec.Media,
	}
	return nil
}

// SortEvents orders events oldest first, keeping input order for ties.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}
