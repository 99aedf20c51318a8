package boardsync

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relayboard/internal/archive"
	"github.com/agentworkforce/relayboard/internal/kanban"
)

type ReconcilerOptions struct {
	// MediaRoot anchors relative media paths.
	MediaRoot string
	// AllowDuplicateComments posts a media description even when the card
	// already carries a comment with the same text.
	AllowDuplicateComments bool
	Logger                 logrus.FieldLogger
}

type ReconcileResult struct {
	Uploaded  int
	Present   int
	Commented int
	Missing   []error
}

// Reconciler uploads an event's media to a card, skipping files the card
// already holds under the same name and size. Listings are cached per card
// for the lifetime of the Reconciler, which is one pass, and extended with
// every queued upload and comment so work still waiting in the sequencer
// counts as present.
type Reconciler struct {
	svc    *kanban.Service
	seq    *Sequencer
	root   string
	dedup  bool
	logger logrus.FieldLogger

	attachments map[string][]kanban.Attachment
	comments    map[string]map[string]bool
}

func NewReconciler(svc *kanban.Service, seq *Sequencer, opts ReconcilerOptions) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconciler{
		svc:    svc,
		seq:    seq,
		root:   opts.MediaRoot,
		dedup:  !opts.AllowDuplicateComments,
		logger: logger,

		attachments: map[string][]kanban.Attachment{},
		comments:    map[string]map[string]bool{},
	}
}

// Reconcile queues uploads for media not yet on cardID. A missing local file
// is recorded in the result and only that file is skipped. The returned error
// is reserved for failures that affect the whole card.
func (r *Reconciler) Reconcile(ctx context.Context, cardID string, media []archive.Media) (ReconcileResult, error) {
	var result ReconcileResult
	if len(media) == 0 {
		return result, nil
	}
	existing, err := r.cardAttachments(ctx, cardID)
	if err != nil {
		return result, err
	}

	for _, item := range media {
		if strings.TrimSpace(item.Path) == "" {
			continue
		}
		local := r.localPath(item.Path)
		info, err := os.Stat(local)
		if err != nil || info.IsDir() {
			if err == nil {
				err = fmt.Errorf("is a directory")
			}
			missing := &MissingSourceFileError{Path: local, Err: err}
			r.logger.WithError(missing).WithField("card_id", cardID).Warn("skipping attachment")
			result.Missing = append(result.Missing, missing)
			continue
		}

		name := AttachmentName(item.Path)
		if attachmentPresent(existing, name, info.Size()) {
			result.Present++
			continue
		}
		if err := r.seq.Enqueue(kanban.UploadAttachment(cardID, local, name)); err != nil {
			return result, err
		}
		existing = append(existing, kanban.Attachment{Name: name, Bytes: info.Size()})
		r.attachments[cardID] = existing
		result.Uploaded++

		text := cleanComment(item.Description)
		if text == "" {
			continue
		}
		if r.dedup {
			comments, err := r.commentTexts(ctx, cardID)
			if err != nil {
				return result, err
			}
			if comments[text] {
				continue
			}
			comments[text] = true
		}
		if err := r.seq.Enqueue(kanban.AddComment(cardID, text)); err != nil {
			return result, err
		}
		result.Commented++
	}
	return result, nil
}

func (r *Reconciler) cardAttachments(ctx context.Context, cardID string) ([]kanban.Attachment, error) {
	if existing, ok := r.attachments[cardID]; ok {
		return existing, nil
	}
	existing, err := r.svc.Attachments(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("%w: attachments on card %s: %w", ErrListingFailed, cardID, err)
	}
	if existing == nil {
		existing = []kanban.Attachment{}
	}
	r.attachments[cardID] = existing
	return existing, nil
}

func (r *Reconciler) commentTexts(ctx context.Context, cardID string) (map[string]bool, error) {
	if texts, ok := r.comments[cardID]; ok {
		return texts, nil
	}
	comments, err := r.svc.Comments(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("%w: comments on card %s: %w", ErrListingFailed, cardID, err)
	}
	texts := make(map[string]bool, len(comments))
	for _, c := range comments {
		texts[c.Text] = true
	}
	r.comments[cardID] = texts
	return texts, nil
}

func (r *Reconciler) localPath(rel string) string {
	rel = filepath.FromSlash(strings.ReplaceAll(rel, `\`, "/"))
	if filepath.IsAbs(rel) || r.root == "" {
		abs, err := filepath.Abs(rel)
		if err != nil {
			return rel
		}
		return abs
	}
	abs, err := filepath.Abs(filepath.Join(r.root, rel))
	if err != nil {
		return filepath.Join(r.root, rel)
	}
	return abs
}

// AttachmentName is the basename a media path is stored under, whichever
// separator the path was recorded with.
func AttachmentName(p string) string {
	return path.Base(strings.ReplaceAll(p, `\`, "/"))
}

func attachmentPresent(existing []kanban.Attachment, name string, size int64) bool {
	for _, a := range existing {
		if a.Name == name && a.Bytes == size {
			return true
		}
	}
	return false
}

func cleanComment(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// OrderMedia puts media referenced inline (in order of reference) ahead of
// the rest, which follow by their Order field.
func OrderMedia(inline []int64, media []archive.Media) []archive.Media {
	byID := make(map[int64]int, len(media))
	for i, m := range media {
		if _, ok := byID[m.ID]; !ok {
			byID[m.ID] = i
		}
	}
	used := make([]bool, len(media))
	out := make([]archive.Media, 0, len(media))
	for _, id := range inline {
		if i, ok := byID[id]; ok && !used[i] {
			used[i] = true
			out = append(out, media[i])
		}
	}
	rest := make([]archive.Media, 0, len(media)-len(out))
	for i, m := range media {
		if !used[i] {
			rest = append(rest, m)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].Order < rest[j].Order })
	return append(out, rest...)
}
