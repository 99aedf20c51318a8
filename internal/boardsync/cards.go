package boardsync

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"

	"github.com/agentworkforce/relayboard/internal/kanban"
)

const (
	DefaultMaxDescriptionLength = 13000
	ContinuedSuffix             = " ...CONTINUED"
)

type CardAction string

const (
	CardCreated   CardAction = "created"
	CardUpdated   CardAction = "updated"
	CardUnchanged CardAction = "unchanged"
)

type CardOutcome struct {
	ID     string
	Title  string
	Action CardAction
}

// CardEngine creates or updates cards by exact title within a list.
type CardEngine struct {
	svc      *kanban.Service
	seq      *Sequencer
	logger   logrus.FieldLogger
	pageSize int
	maxLen   int

	// cards caches each list's cards by title for the current pass.
	cards map[string]map[string][]*kanban.Card
}

type CardEngineOptions struct {
	PageSize             int
	MaxDescriptionLength int
	Logger               logrus.FieldLogger
}

func NewCardEngine(svc *kanban.Service, seq *Sequencer, opts CardEngineOptions) *CardEngine {
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > kanban.MaxCardPageSize {
		pageSize = kanban.MaxCardPageSize
	}
	maxLen := opts.MaxDescriptionLength
	if maxLen <= 0 {
		maxLen = DefaultMaxDescriptionLength
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CardEngine{
		svc:      svc,
		seq:      seq,
		logger:   logger,
		pageSize: pageSize,
		maxLen:   maxLen,
		cards:    map[string]map[string][]*kanban.Card{},
	}
}

// UpsertCard writes body to the card titled title in listID. Bodies longer
// than the description limit continue on extra cards whose titles carry
// ContinuedSuffix. The first outcome is the card attachments belong to.
func (e *CardEngine) UpsertCard(ctx context.Context, listID, title, body string) ([]CardOutcome, error) {
	title = SanitizeTitle(title)
	if title == "" {
		return nil, fmt.Errorf("card title is empty after sanitizing")
	}
	byTitle, err := e.listCards(ctx, listID)
	if err != nil {
		return nil, err
	}

	chunks := ChunkDescription(SanitizeDescription(body), e.maxLen)
	outcomes := make([]CardOutcome, 0, len(chunks))
	for i, chunk := range chunks {
		chunkTitle, occurrence := title, 0
		if i > 0 {
			// Every continuation shares one title, so the n-th continuation
			// pairs with the n-th existing card carrying it.
			chunkTitle, occurrence = title+ContinuedSuffix, i-1
		}
		outcome, err := e.upsertOne(ctx, listID, byTitle, chunkTitle, occurrence, chunk)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (e *CardEngine) upsertOne(ctx context.Context, listID string, byTitle map[string][]*kanban.Card, title string, occurrence int, desc string) (CardOutcome, error) {
	if matches := byTitle[title]; len(matches) > occurrence {
		card := matches[occurrence]
		if occurrence == 0 && len(matches) > 1 {
			err := &ResolutionAmbiguityError{Kind: "card", Name: title, Matches: len(matches), Chosen: card.ID}
			e.logger.WithError(err).WithField("kind", "card").Warn("ambiguous name; using first match")
		}
		if card.Desc == desc {
			return CardOutcome{ID: card.ID, Title: title, Action: CardUnchanged}, nil
		}
		if err := e.seq.Enqueue(kanban.UpdateCardDescription(card.ID, desc)); err != nil {
			return CardOutcome{}, err
		}
		card.Desc = desc
		return CardOutcome{ID: card.ID, Title: title, Action: CardUpdated}, nil
	}

	card, err := e.svc.CreateCard(ctx, listID, title, desc)
	if err != nil {
		return CardOutcome{}, fmt.Errorf("create card %q: %w", title, err)
	}
	byTitle[title] = append(byTitle[title], &card)
	e.logger.WithFields(logrus.Fields{"card": title, "card_id": card.ID}).Debug("created card")
	return CardOutcome{ID: card.ID, Title: title, Action: CardCreated}, nil
}

func (e *CardEngine) listCards(ctx context.Context, listID string) (map[string][]*kanban.Card, error) {
	if byTitle, ok := e.cards[listID]; ok {
		return byTitle, nil
	}
	cards, err := e.svc.Cards(ctx, listID, e.pageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: cards in list %s: %w", ErrListingFailed, listID, err)
	}
	// Pages arrive newest first; index oldest first so the earliest card
	// wins when titles collide.
	byTitle := map[string][]*kanban.Card{}
	for i := len(cards) - 1; i >= 0; i-- {
		card := cards[i]
		byTitle[card.Name] = append(byTitle[card.Name], &card)
	}
	e.cards[listID] = byTitle
	return byTitle, nil
}

// SanitizeDescription folds accented letters to their ASCII base, drops
// whatever is still outside ASCII, and normalises line endings to \n.
func SanitizeDescription(s string) string {
	s = foldASCII(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// SanitizeTitle is SanitizeDescription for single-line text.
func SanitizeTitle(s string) string {
	return strings.Join(strings.Fields(foldASCII(s)), " ")
}

func foldASCII(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range norm.NFKD.String(s) {
		if r <= unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ChunkDescription splits s into pieces of at most limit characters. An empty
// description still yields one empty chunk so the card exists.
func ChunkDescription(s string, limit int) []string {
	if limit <= 0 {
		limit = DefaultMaxDescriptionLength
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return []string{s}
	}
	chunks := make([]string, 0, len(runes)/limit+1)
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
