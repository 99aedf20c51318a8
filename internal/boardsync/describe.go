package boardsync

import (
	"regexp"
	"strings"

	"github.com/agentworkforce/relayboard/internal/archive"
)

var blankRunPattern = regexp.MustCompile(`\n{3,}`)

// RenderDescription builds a card description for ev: inline image tags are
// removed (their ids returned in order of appearance), markup is stripped and
// a provenance footer is appended.
func RenderDescription(ev archive.Event) (string, []int64) {
	body := strings.ReplaceAll(ev.Body, "\r\n", "\n")

	inline := archive.InlineImageIDs(body)
	body = archive.RemoveInlineImages(body)
	body = archive.StripHTML(body)
	body = blankRunPattern.ReplaceAllString(strings.TrimSpace(body), "\n\n")

	var b strings.Builder
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	b.WriteString("Event Date: ")
	b.WriteString(archive.FormatTimestamp(ev.Timestamp))
	if source := strings.TrimSpace(ev.Source); source != "" {
		b.WriteString("\nSource: ")
		b.WriteString(source)
	}
	for _, kv := range ev.Keys {
		if strings.TrimSpace(kv.Key) == "" {
			continue
		}
		b.WriteString("\n")
		b.WriteString(kv.Key)
		b.WriteString(": ")
		b.WriteString(kv.Value)
	}
	return b.String(), inline
}
