package sandbox

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/relayboard/internal/kanban"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

type boardState struct {
	board      kanban.Board
	permission string
}

type commentState struct {
	id   string
	text string
}

// Store is the in-memory state behind the sandbox API. Identifiers are
// 24-digit hex counters, so lexical order matches creation order.
type Store struct {
	mu          sync.Mutex
	counter     uint64
	boards      map[string]*boardState
	boardOrder  []string
	lists       map[string]*kanban.List
	cards       map[string]*kanban.Card
	attachments map[string][]kanban.Attachment
	comments    map[string][]commentState
}

type Snapshot struct {
	Boards      int `json:"boards"`
	Lists       int `json:"lists"`
	Cards       int `json:"cards"`
	Attachments int `json:"attachments"`
	Comments    int `json:"comments"`
}

func NewStore() *Store {
	return &Store{
		boards:      map[string]*boardState{},
		lists:       map[string]*kanban.List{},
		cards:       map[string]*kanban.Card{},
		attachments: map[string][]kanban.Attachment{},
		comments:    map[string][]commentState{},
	}
}

func (s *Store) nextIDLocked() string {
	s.counter++
	return fmt.Sprintf("%024x", s.counter)
}

func (s *Store) Boards() []kanban.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]kanban.Board, 0, len(s.boardOrder))
	for _, id := range s.boardOrder {
		out = append(out, s.boards[id].board)
	}
	return out
}

// BoardByName returns every board with an exact name match, oldest first.
func (s *Store) BoardByName(name string) []kanban.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []kanban.Board
	for _, id := range s.boardOrder {
		if s.boards[id].board.Name == name {
			out = append(out, s.boards[id].board)
		}
	}
	return out
}

func (s *Store) BoardPermission(boardID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.boards[boardID]; ok {
		return state.permission
	}
	return ""
}

func (s *Store) CreateBoard(name, permission string) (kanban.Board, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return kanban.Board{}, ErrInvalidInput
	}
	if permission == "" {
		permission = "private"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	board := kanban.Board{ID: s.nextIDLocked(), Name: name}
	s.boards[board.ID] = &boardState{board: board, permission: permission}
	s.boardOrder = append(s.boardOrder, board.ID)
	return board, nil
}

// Lists returns the board's lists ordered by position, ties broken by
// creation order.
func (s *Store) Lists(boardID string) ([]kanban.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.boards[boardID]; !ok {
		return nil, ErrNotFound
	}
	out := []kanban.List{}
	for _, list := range s.lists {
		if list.IDBoard == boardID {
			out = append(out, *list)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pos != out[j].Pos {
			return out[i].Pos < out[j].Pos
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) CreateList(boardID, name string, pos float64) (kanban.List, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return kanban.List{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.boards[boardID]; !ok {
		return kanban.List{}, ErrNotFound
	}
	list := &kanban.List{ID: s.nextIDLocked(), Name: name, Pos: pos, IDBoard: boardID}
	s.lists[list.ID] = list
	return *list, nil
}

func (s *Store) UpdateListPosition(listID string, pos float64) (kanban.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.lists[listID]
	if !ok {
		return kanban.List{}, ErrNotFound
	}
	list.Pos = pos
	return *list, nil
}

// Cards pages through a list newest first. A non-empty before cursor
// restricts the page to cards created earlier than that id.
func (s *Store) Cards(listID, before string, limit int) ([]kanban.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lists[listID]; !ok {
		return nil, ErrNotFound
	}
	out := []kanban.Card{}
	for _, card := range s.cards {
		if card.IDList != listID {
			continue
		}
		if before != "" && card.ID >= before {
			continue
		}
		out = append(out, *card)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateCard(listID, name, desc string) (kanban.Card, error) {
	if strings.TrimSpace(name) == "" {
		return kanban.Card{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lists[listID]; !ok {
		return kanban.Card{}, ErrNotFound
	}
	card := &kanban.Card{ID: s.nextIDLocked(), Name: name, Desc: desc, IDList: listID}
	s.cards[card.ID] = card
	return *card, nil
}

func (s *Store) UpdateCardDescription(cardID, desc string) (kanban.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards[cardID]
	if !ok {
		return kanban.Card{}, ErrNotFound
	}
	card.Desc = desc
	return *card, nil
}

func (s *Store) Card(cardID string) (kanban.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards[cardID]
	if !ok {
		return kanban.Card{}, ErrNotFound
	}
	return *card, nil
}

// CardsByTitle returns every card in the list carrying the exact title.
func (s *Store) CardsByTitle(listID, title string) []kanban.Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []kanban.Card
	for _, card := range s.cards {
		if card.IDList == listID && card.Name == title {
			out = append(out, *card)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Attachments(cardID string) ([]kanban.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cards[cardID]; !ok {
		return nil, ErrNotFound
	}
	return append([]kanban.Attachment{}, s.attachments[cardID]...), nil
}

func (s *Store) AddAttachment(cardID, name string, size int64) (kanban.Attachment, error) {
	if strings.TrimSpace(name) == "" {
		return kanban.Attachment{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cards[cardID]; !ok {
		return kanban.Attachment{}, ErrNotFound
	}
	attachment := kanban.Attachment{ID: s.nextIDLocked(), Name: name, Bytes: size}
	s.attachments[cardID] = append(s.attachments[cardID], attachment)
	return attachment, nil
}

func (s *Store) Comments(cardID string) ([]kanban.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cards[cardID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]kanban.Comment, 0, len(s.comments[cardID]))
	for _, c := range s.comments[cardID] {
		out = append(out, kanban.Comment{ID: c.id, Text: c.text})
	}
	return out, nil
}

func (s *Store) AddComment(cardID, text string) (kanban.Comment, error) {
	if strings.TrimSpace(text) == "" {
		return kanban.Comment{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cards[cardID]; !ok {
		return kanban.Comment{}, ErrNotFound
	}
	comment := commentState{id: s.nextIDLocked(), text: text}
	s.comments[cardID] = append(s.comments[cardID], comment)
	return kanban.Comment{ID: comment.id, Text: comment.text}, nil
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Boards: len(s.boards),
		Lists:  len(s.lists),
		Cards:  len(s.cards),
	}
	for _, items := range s.attachments {
		snap.Attachments += len(items)
	}
	for _, items := range s.comments {
		snap.Comments += len(items)
	}
	return snap
}
