package archive

import (
	"html"
	"regexp"
	"strconv"
)

var inlineImagePattern = regexp.MustCompile(`(?i)<\$image\s+id\s*=\s*"?\s*(\d+)\s*"?\s*\$>`)

// InlineImageIDs returns the ids of <$image id="N"$> tags in body, first
// occurrence order, without repeats.
func InlineImageIDs(body string) []int64 {
	var ids []int64
	seen := map[int64]bool{}
	for _, match := range inlineImagePattern.FindAllStringSubmatch(body, -1) {
		id, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func RemoveInlineImages(body string) string {
	return inlineImagePattern.ReplaceAllString(body, "")
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// StripHTML drops markup tags and decodes entities.
func StripHTML(s string) string {
	return html.UnescapeString(htmlTagPattern.ReplaceAllString(s, ""))
}
