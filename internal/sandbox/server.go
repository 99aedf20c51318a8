package sandbox

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relayboard/internal/kanban"
)

type ServerConfig struct {
	APIKey          string
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxUploadBytes  int64
	Now             func() time.Time
	Logger          logrus.FieldLogger
}

// Server speaks the subset of the Kanban REST API the sync engine uses,
// backed by a Store. It also accepts fault injections so tests can observe
// retry and failure-scoping behaviour.
type Server struct {
	store       *Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	feed        *feed

	mu     sync.Mutex
	faults map[string]*fault
	calls  map[string]int
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type fault struct {
	status    int
	remaining int
}

// FaultRequest is the body accepted by POST /sandbox/faults.
type FaultRequest struct {
	Method string `json:"method"`
	Route  string `json:"route"`
	Status int    `json:"status"`
	Times  int    `json:"times"`
}

func NewServer(store *Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *Store, cfg ServerConfig) *Server {
	if store == nil {
		store = NewStore()
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = 10 * time.Second
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		feed:        newFeed(),
		faults:      map[string]*fault{},
		calls:       map[string]int{},
	}
}

func (s *Server) Store() *Store {
	return s.store
}

// InjectFault makes the next times calls of method+route answer with status.
// Routes use the pattern form, e.g. "/lists/{id}/cards".
func (s *Server) InjectFault(method, route string, status, times int) {
	if times <= 0 {
		times = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[routeKey(method, route)] = &fault{status: status, remaining: times}
}

// Calls reports how many requests hit method+route, faults included.
func (s *Server) Calls(method, route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[routeKey(method, route)]
}

func routeKey(method, route string) string {
	return strings.ToUpper(strings.TrimSpace(method)) + " " + strings.TrimSpace(route)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/sandbox/faults" && r.Method == http.MethodPost:
		s.handleInjectFault(w, r)
		return
	case r.URL.Path == "/sandbox/stats" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.store.Snapshot())
		return
	case r.URL.Path == "/sandbox/feed" && r.Method == http.MethodGet:
		s.feed.serve(w, r, s.cfg.Logger)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/1")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	route, ok := matchRoute(r.Method, parts)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	if authErr := authorizeKeyToken(r.URL.Query(), s.cfg.APIKey, s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(r.URL.Query().Get("token"), s.cfg.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
	}
	if status, injected := s.recordCall(r.Method, route.pattern); injected {
		writeError(w, status, "injected_fault", "injected fault")
		return
	}

	s.cfg.Logger.WithFields(logrus.Fields{
		"method":         r.Method,
		"route":          route.pattern,
		"correlation_id": r.Header.Get("X-Correlation-Id"),
	}).Debug("sandbox request")
	route.handler(s, w, r, route.id)
}

func (s *Server) recordCall(method, pattern string) (int, bool) {
	key := routeKey(method, pattern)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[key]++
	f, ok := s.faults[key]
	if !ok || f.remaining <= 0 {
		return 0, false
	}
	f.remaining--
	if f.remaining == 0 {
		delete(s.faults, key)
	}
	return f.status, true
}

type matchedRoute struct {
	pattern string
	id      string
	handler func(s *Server, w http.ResponseWriter, r *http.Request, id string)
}

func matchRoute(method string, parts []string) (matchedRoute, bool) {
	switch {
	case method == http.MethodGet && len(parts) == 3 && parts[0] == "members" && parts[1] == "me" && parts[2] == "boards":
		return matchedRoute{pattern: "/members/me/boards", handler: (*Server).handleListBoards}, true
	case method == http.MethodPost && len(parts) == 1 && parts[0] == "boards":
		return matchedRoute{pattern: "/boards", handler: (*Server).handleCreateBoard}, true
	case method == http.MethodGet && len(parts) == 3 && parts[0] == "boards" && parts[2] == "lists":
		return matchedRoute{pattern: "/boards/{id}/lists", id: parts[1], handler: (*Server).handleListLists}, true
	case method == http.MethodPost && len(parts) == 1 && parts[0] == "lists":
		return matchedRoute{pattern: "/lists", handler: (*Server).handleCreateList}, true
	case method == http.MethodPut && len(parts) == 2 && parts[0] == "lists":
		return matchedRoute{pattern: "/lists/{id}", id: parts[1], handler: (*Server).handleUpdateList}, true
	case method == http.MethodGet && len(parts) == 3 && parts[0] == "lists" && parts[2] == "cards":
		return matchedRoute{pattern: "/lists/{id}/cards", id: parts[1], handler: (*Server).handleListCards}, true
	case method == http.MethodPost && len(parts) == 1 && parts[0] == "cards":
		return matchedRoute{pattern: "/cards", handler: (*Server).handleCreateCard}, true
	case method == http.MethodPut && len(parts) == 2 && parts[0] == "cards":
		return matchedRoute{pattern: "/cards/{id}", id: parts[1], handler: (*Server).handleUpdateCard}, true
	case method == http.MethodGet && len(parts) == 3 && parts[0] == "cards" && parts[2] == "attachments":
		return matchedRoute{pattern: "/cards/{id}/attachments", id: parts[1], handler: (*Server).handleListAttachments}, true
	case method == http.MethodPost && len(parts) == 3 && parts[0] == "cards" && parts[2] == "attachments":
		return matchedRoute{pattern: "/cards/{id}/attachments", id: parts[1], handler: (*Server).handleUploadAttachment}, true
	case method == http.MethodGet && len(parts) == 3 && parts[0] == "cards" && parts[2] == "actions":
		return matchedRoute{pattern: "/cards/{id}/actions", id: parts[1], handler: (*Server).handleListComments}, true
	case method == http.MethodPost && len(parts) == 4 && parts[0] == "cards" && parts[2] == "actions" && parts[3] == "comments":
		return matchedRoute{pattern: "/cards/{id}/actions/comments", id: parts[1], handler: (*Server).handleAddComment}, true
	}
	return matchedRoute{}, false
}

func (s *Server) handleListBoards(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, s.store.Boards())
}

func (s *Server) handleCreateBoard(w http.ResponseWriter, r *http.Request, _ string) {
	permission := r.FormValue("prefs_permissionLevel")
	board, err := s.store.CreateBoard(r.FormValue("name"), permission)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.feed.publish(FeedEvent{Type: "board.created", ID: board.ID, Name: board.Name})
	writeJSON(w, http.StatusOK, board)
}

func (s *Server) handleListLists(w http.ResponseWriter, _ *http.Request, boardID string) {
	lists, err := s.store.Lists(boardID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lists)
}

func (s *Server) handleCreateList(w http.ResponseWriter, r *http.Request, _ string) {
	pos, err := parsePos(r.FormValue("pos"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_pos", err.Error())
		return
	}
	list, err := s.store.CreateList(r.FormValue("idBoard"), r.FormValue("name"), pos)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.feed.publish(FeedEvent{Type: "list.created", ID: list.ID, Name: list.Name, Pos: list.Pos})
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleUpdateList(w http.ResponseWriter, r *http.Request, listID string) {
	pos, err := parsePos(r.FormValue("pos"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_pos", err.Error())
		return
	}
	list, err := s.store.UpdateListPosition(listID, pos)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.feed.publish(FeedEvent{Type: "list.moved", ID: list.ID, Name: list.Name, Pos: list.Pos})
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request, listID string) {
	limit := kanban.MaxCardPageSize
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > kanban.MaxCardPageSize {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}
	cards, err := s.store.Cards(listID, strings.TrimSpace(r.URL.Query().Get("before")), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

func (s *Server) handleCreateCard(w http.ResponseWriter, r *http.Request, _ string) {
	card, err := s.store.CreateCard(r.FormValue("idList"), r.FormValue("name"), r.FormValue("desc"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.feed.publish(FeedEvent{Type: "card.created", ID: card.ID, Name: card.Name})
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleUpdateCard(w http.ResponseWriter, r *http.Request, cardID string) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if _, ok := r.PostForm["desc"]; !ok {
		writeError(w, http.StatusBadRequest, "invalid_body", "desc is required")
		return
	}
	card, err := s.store.UpdateCardDescription(cardID, r.PostForm.Get("desc"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.feed.publish(FeedEvent{Type: "card.updated", ID: card.ID, Name: card.Name})
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleListAttachments(w http.ResponseWriter, _ *http.Request, cardID string) {
	attachments, err := s.store.Attachments(cardID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attachments)
}

func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request, cardID string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_upload", err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_upload", "file part is required")
		return
	}
	defer file.Close()
	size, err := io.Copy(io.Discard, file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_upload", err.Error())
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = header.Filename
	}
	attachment, err := s.store.AddAttachment(cardID, name, size)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.feed.publish(FeedEvent{Type: "attachment.added", ID: attachment.ID, Name: attachment.Name})
	writeJSON(w, http.StatusOK, attachment)
}

func (s *Server) handleListComments(w http.ResponseWriter, _ *http.Request, cardID string) {
	comments, err := s.store.Comments(cardID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commentActions(comments))
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request, cardID string) {
	comment, err := s.store.AddComment(cardID, r.FormValue("text"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.feed.publish(FeedEvent{Type: "comment.added", ID: comment.ID})
	writeJSON(w, http.StatusOK, commentActions([]kanban.Comment{comment})[0])
}

func (s *Server) handleInjectFault(w http.ResponseWriter, r *http.Request) {
	var req FaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Status < 400 || req.Status > 599 || strings.TrimSpace(req.Route) == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "route and a 4xx/5xx status are required")
		return
	}
	s.InjectFault(req.Method, req.Route, req.Status, req.Times)
	writeJSON(w, http.StatusAccepted, req)
}

type commentAction struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Text string `json:"text"`
	} `json:"data"`
}

func commentActions(comments []kanban.Comment) []commentAction {
	out := make([]commentAction, 0, len(comments))
	for _, c := range comments {
		a := commentAction{ID: c.ID, Type: "commentCard"}
		a.Data.Text = c.Text
		out = append(out, a)
	}
	return out
}

func parsePos(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "", "bottom":
		return math.MaxInt32, nil
	case "top":
		return 0, nil
	}
	pos, err := strconv.ParseFloat(raw, 64)
	if err != nil || pos < 0 || math.IsNaN(pos) || math.IsInf(pos, 0) {
		return 0, errors.New("pos must be top, bottom or a non-negative number")
	}
	return pos, nil
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid input")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) FeedSubscribers() int {
	return s.feed.subscribers()
}
