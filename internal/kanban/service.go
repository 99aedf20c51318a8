package kanban

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const MaxCardPageSize = 1000

type Board struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Closed bool   `json:"closed,omitempty"`
}

type List struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Pos     float64 `json:"pos"`
	IDBoard string  `json:"idBoard,omitempty"`
}

type Card struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Desc   string `json:"desc"`
	IDList string `json:"idList,omitempty"`
}

type Attachment struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Bytes int64  `json:"bytes"`
}

type Comment struct {
	ID   string
	Text string
}

type action struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Text string `json:"text"`
	} `json:"data"`
}

// Executor is satisfied by *Client and by anything that wraps it.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}

// Service exposes the reads and creates whose results are needed
// immediately. Mutations that nothing depends on are built with the
// request constructors below and handed to a sequencer instead.
type Service struct {
	exec Executor
}

func NewService(exec Executor) *Service {
	return &Service{exec: exec}
}

func (s *Service) Boards(ctx context.Context) ([]Board, error) {
	var out []Board
	err := s.do(ctx, Request{
		Method:   http.MethodGet,
		Endpoint: "/members/me/boards",
		Params:   url.Values{"fields": {"name,closed"}},
	}, &out)
	return out, err
}

func (s *Service) CreateBoard(ctx context.Context, name string) (Board, error) {
	var out Board
	err := s.do(ctx, Request{
		Method:   http.MethodPost,
		Endpoint: "/boards/",
		Params: url.Values{
			"name":                  {name},
			"defaultLists":          {"false"},
			"prefs_permissionLevel": {"private"},
		},
	}, &out)
	return out, err
}

func (s *Service) Lists(ctx context.Context, boardID string) ([]List, error) {
	var out []List
	err := s.do(ctx, Request{
		Method:   http.MethodGet,
		Endpoint: "/boards/" + url.PathEscape(boardID) + "/lists",
		Params:   url.Values{"fields": {"name,pos"}},
	}, &out)
	return out, err
}

func (s *Service) CreateList(ctx context.Context, boardID, name string, pos float64) (List, error) {
	var out List
	err := s.do(ctx, Request{
		Method:   http.MethodPost,
		Endpoint: "/lists",
		Params: url.Values{
			"name":    {name},
			"idBoard": {boardID},
			"pos":     {FormatPos(pos)},
		},
	}, &out)
	return out, err
}

// Cards returns every card in the list, walking pages of pageSize with the
// before cursor until a short page comes back.
func (s *Service) Cards(ctx context.Context, listID string, pageSize int) ([]Card, error) {
	if pageSize <= 0 || pageSize > MaxCardPageSize {
		pageSize = MaxCardPageSize
	}
	var all []Card
	before := ""
	for {
		params := url.Values{
			"fields": {"name,desc"},
			"limit":  {strconv.Itoa(pageSize)},
		}
		if before != "" {
			params.Set("before", before)
		}
		var page []Card
		err := s.do(ctx, Request{
			Method:   http.MethodGet,
			Endpoint: "/lists/" + url.PathEscape(listID) + "/cards",
			Params:   params,
		}, &page)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
		before = page[len(page)-1].ID
	}
}

func (s *Service) CreateCard(ctx context.Context, listID, name, desc string) (Card, error) {
	var out Card
	err := s.do(ctx, Request{
		Method:   http.MethodPost,
		Endpoint: "/cards",
		Params: url.Values{
			"idList": {listID},
			"name":   {name},
			"desc":   {desc},
		},
	}, &out)
	return out, err
}

func (s *Service) Attachments(ctx context.Context, cardID string) ([]Attachment, error) {
	var out []Attachment
	err := s.do(ctx, Request{
		Method:   http.MethodGet,
		Endpoint: "/cards/" + url.PathEscape(cardID) + "/attachments",
		Params:   url.Values{"fields": {"name,bytes"}},
	}, &out)
	return out, err
}

func (s *Service) Comments(ctx context.Context, cardID string) ([]Comment, error) {
	var actions []action
	err := s.do(ctx, Request{
		Method:   http.MethodGet,
		Endpoint: "/cards/" + url.PathEscape(cardID) + "/actions",
		Params:   url.Values{"filter": {"commentCard"}},
	}, &actions)
	if err != nil {
		return nil, err
	}
	out := make([]Comment, 0, len(actions))
	for _, a := range actions {
		if a.Type != "" && a.Type != "commentCard" {
			continue
		}
		out = append(out, Comment{ID: a.ID, Text: a.Data.Text})
	}
	return out, nil
}

func (s *Service) do(ctx context.Context, req Request, out any) error {
	if s == nil || s.exec == nil {
		return fmt.Errorf("kanban service has no executor")
	}
	resp, err := s.exec.Execute(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := resp.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req, err)
	}
	return nil
}

func UpdateListPosition(listID string, pos float64) Request {
	return Request{
		Method:   http.MethodPut,
		Endpoint: "/lists/" + url.PathEscape(listID),
		Params:   url.Values{"pos": {FormatPos(pos)}},
	}
}

func UpdateCardDescription(cardID, desc string) Request {
	return Request{
		Method:   http.MethodPut,
		Endpoint: "/cards/" + url.PathEscape(cardID),
		Params:   url.Values{"desc": {desc}},
	}
}

// UploadAttachment is not replayed after an ambiguous failure; a missed
// upload is picked up by the next pass, a duplicate would stay.
func UploadAttachment(cardID, path, name string) Request {
	return Request{
		Method:   http.MethodPost,
		Endpoint: "/cards/" + url.PathEscape(cardID) + "/attachments",
		Params:   url.Values{"name": {name}},
		Upload:   &Upload{Field: "file", Path: path, Name: name},
		NoRetry:  true,
	}
}

func AddComment(cardID, text string) Request {
	return Request{
		Method:   http.MethodPost,
		Endpoint: "/cards/" + url.PathEscape(cardID) + "/actions/comments",
		Params:   url.Values{"text": {text}},
		NoRetry:  true,
	}
}

// FormatPos renders a position without exponent notation or trailing zeros.
func FormatPos(pos float64) string {
	return strconv.FormatFloat(pos, 'f', -1, 64)
}
