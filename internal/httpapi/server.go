// Package httpapi serves the relayboard admin API and status dashboard.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relayboard/internal/chat"
	"github.com/agentworkforce/relayboard/internal/display"
	"github.com/agentworkforce/relayboard/internal/relayboard"
	"github.com/oklog/ulid/v2"
)

const correlationHeader = "X-Correlation-Id"

// Board is the single-writer access to the board; relayboard.Service
// implements it.
type Board interface {
	Do(ctx context.Context, fn func(context.Context, *relayboard.Board) error) error
	Save(ctx context.Context) error
}

type FeedSyncer interface {
	SyncOnce(ctx context.Context) (relayboard.IngestResult, error)
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// Feed backs POST /v1/feed/sync. Nil when no feed is configured.
	Feed   FeedSyncer
	Logger *slog.Logger
	Now    func() time.Time
}

type Server struct {
	board       Board
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *slog.Logger
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

func NewServer(board Board, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
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
		board:       board,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger.With(slog.String("component", "httpapi")),
	}
}

type route struct {
	name      string
	scope     string
	criterion string
	channel   string
}

func matchRoute(method string, parts []string) (route, bool) {
	n := len(parts)
	switch {
	case n == 1 && parts[0] == "dashboard" && method == http.MethodGet:
		return route{name: "dashboard", scope: ScopeRead}, true
	case n < 2 || parts[0] != "v1":
		return route{}, false
	case n == 2 && parts[1] == "status" && method == http.MethodGet:
		return route{name: "status", scope: ScopeRead}, true
	case n == 3 && parts[1] == "entities" && parts[2] == "search" && method == http.MethodGet:
		return route{name: "search", scope: ScopeRead}, true
	case n == 4 && parts[1] == "entities" && parts[3] == "up" && method == http.MethodPost:
		return route{name: "up", scope: ScopeWrite, criterion: parts[2]}, true
	case n == 4 && parts[1] == "entities" && parts[3] == "rename" && method == http.MethodPost:
		return route{name: "rename", scope: ScopeWrite, criterion: parts[2]}, true
	case n == 3 && parts[1] == "entities" && method == http.MethodDelete:
		return route{name: "delete", scope: ScopeManage, criterion: parts[2]}, true
	case n == 2 && parts[1] == "undo" && method == http.MethodPost:
		return route{name: "undo", scope: ScopeWrite}, true
	case n == 3 && parts[1] == "duplicates" && parts[2] == "remove" && method == http.MethodPost:
		return route{name: "remove_duplicates", scope: ScopeManage}, true
	case n == 3 && parts[1] == "channels" && parts[2] == "update" && method == http.MethodPost:
		return route{name: "update", scope: ScopeWrite}, true
	case n == 3 && parts[1] == "channels" && parts[2] == "refresh" && method == http.MethodPost:
		return route{name: "refresh", scope: ScopeManage}, true
	case n == 3 && parts[1] == "channels" && parts[2] == "reset" && method == http.MethodPost:
		return route{name: "reset", scope: ScopeManage}, true
	case n == 4 && parts[1] == "channels" && parts[3] == "listings" && method == http.MethodPost:
		return route{name: "listing", scope: ScopeWrite, channel: parts[2]}, true
	case n == 3 && parts[1] == "feed" && parts[2] == "sync" && method == http.MethodPost:
		return route{name: "feed_sync", scope: ScopeManage}, true
	case n == 3 && parts[1] == "state" && parts[2] == "save" && method == http.MethodPost:
		return route{name: "save", scope: ScopeManage}, true
	}
	return route{}, false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set(correlationHeader, correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	rt, ok := matchRoute(r.Method, parts)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && rt.name == "dashboard" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, rt.scope, s.cfg.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, s.cfg.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch rt.name {
	case "dashboard":
		s.handleDashboard(w, r, correlationID)
	case "status":
		s.handleStatus(w, r, correlationID)
	case "search":
		s.handleSearch(w, r, correlationID)
	case "up":
		s.handleUp(w, r, rt.criterion, correlationID)
	case "rename":
		s.handleRename(w, r, rt.criterion, correlationID)
	case "delete":
		s.handleDelete(w, r, rt.criterion, correlationID)
	case "undo":
		s.handleUndo(w, r, correlationID)
	case "remove_duplicates":
		s.handleRemoveDuplicates(w, r, correlationID)
	case "update", "refresh", "reset":
		s.handleChannels(w, r, rt.name, correlationID)
	case "listing":
		s.handleListing(w, r, rt.channel, correlationID)
	case "feed_sync":
		s.handleFeedSync(w, r, correlationID)
	case "save":
		s.handleSave(w, r, correlationID)
	}
}

type entityView struct {
	ID       uint64   `json:"id,string"`
	Name     string   `json:"name"`
	Summary  string   `json:"summary"`
	Channels []string `json:"channels"`
}

func viewOf(b *relayboard.Board, rec relayboard.Record) entityView {
	v := entityView{ID: rec.ID(), Name: rec.Name(), Summary: rec.Summary(), Channels: []string{}}
	for _, ch := range b.Channels() {
		if ch.Contains(rec.ID()) {
			v.Channels = append(v.Channels, ch.ID().String())
		}
	}
	return v
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	var stats relayboard.Stats
	err := s.board.Do(r.Context(), func(_ context.Context, b *relayboard.Board) error {
		stats = b.Stats()
		return nil
	})
	if err != nil {
		s.writeBoardError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 25, 1, 200)
	var views []entityView
	err := s.board.Do(r.Context(), func(_ context.Context, b *relayboard.Board) error {
		for _, rec := range b.Search(query) {
			if len(views) == limit {
				break
			}
			views = append(views, viewOf(b, rec))
		}
		return nil
	})
	if err != nil {
		s.writeBoardError(w, err, correlationID)
		return
	}
	if views == nil {
		views = []entityView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": query, "results": views})
}

func (s *Server) handleUp(w http.ResponseWriter, r *http.Request, criterion, correlationID string) {
	var view entityView
	err := s.board.Do(r.Context(), func(ctx context.Context, b *relayboard.Board) error {
		rec, err := b.Resolve(criterion)
		if err != nil {
			return err
		}
		if err := b.Up(ctx, rec.ID()); err != nil {
			return err
		}
		view = viewOf(b, rec)
		return nil
	})
	if err != nil {
		s.writeBoardError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, criterion, correlationID string) {
	var req renameRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	var view entityView
	err := s.board.Do(r.Context(), func(_ context.Context, b *relayboard.Board) error {
		rec, err := b.Resolve(criterion)
		if err != nil {
			return err
		}
		if err := b.Rename(rec.ID(), req.Name); err != nil {
			return err
		}
		renamed, _ := b.Get(rec.ID())
		view = viewOf(b, renamed)
		return nil
	})
	if err != nil {
		s.writeBoardError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, criterion, correlationID string) {
	var view entityView
	err := s.board.Do(r.Context(), func(_ context.Context, b *relayboard.Board) error {
		rec, err := b.Resolve(criterion)
		if err != nil {
			return err
		}
		view = viewOf(b, rec)
		_, err = b.Delete(rec.ID())
		return err
	})
	if err != nil {
		s.writeBoardError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request, correlationID string) {
	var undone bool
	var remaining int
	err := s.board.Do(r.Context(), func(_ context.Context, b *relayboard.Board) error {
		undone = b.Undo()
		remaining = b.UndoDepth()
		return nil
	})
	if err != nil {
		s.writeBoardError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"undone": undone, "remaining": remaining})
}

func (s *Server) handleRemoveDuplicates(w http.ResponseWriter, r *http.Request, correlationID string) {
	var removed []uint64
	err := s.board.Do(r.Context(), func(_ context.Context, b *relayboard.Board) error {
		removed = b.RemoveDuplicates()
		return nil
	})
	if err != nil {
		s.writeBoardError(w, err, correlationID)
		return
	}
	ids := make([]string, 0, len(removed))
	for _, id := range removed {
		ids = append(ids, strconv.FormatUint(id, 10))
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": ids})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request, action, correlationID string) {
	err := s.board.Do(r.Context(), func(ctx context.Context, b *relayboard.Board) error {
		switch action {
		case "refresh":
			return b.RefreshAll(ctx)
		case "reset":
			return b.PurgeAll(ctx)
		}
		return b.UpdateAll(ctx)
	})
	if err != nil {
		s.writeBoardError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "action": action})
}

type listingRequest struct {
	Query string `json:"query"`
	Title string `json:"title"`
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request, rawChannel, correlationID string) {
	channelID, err := strconv.ParseUint(rawChannel, 10, 64)
	if err != nil || channelID == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid channel id", correlationID)
		return
	}
	var req listingRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Entries"
	}
	var (
		msg     chat.Message
		matched int
		pages   int
	)
	err = s.board.Do(r.Context(), func(ctx context.Context, b *relayboard.Board) error {
		records := b.Search(req.Query)
		matched = len(records)
		embeds := relayboard.SummaryPages(chat.Embed{Title: title}, records)
		pages = len(embeds)
		var err error
		msg, err = b.PostPaged(ctx, chat.ChannelID(channelID), embeds)
		return err
	})
	if err != nil {
		s.writeBoardError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"messageId": msg.ID.String(),
		"matched":   matched,
		"pages":     pages,
	})
}

func (s *Server) handleFeedSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.cfg.Feed == nil {
		writeError(w, http.StatusNotImplemented, "feed_disabled", "no feed is configured", correlationID)
		return
	}
	result, err := s.cfg.Feed.SyncOnce(r.Context())
	if err != nil {
		s.writeBoardError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.board.Save(r.Context()); err != nil {
		s.writeBoardError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) writeBoardError(w http.ResponseWriter, err error, correlationID string) {
	var ambiguous *relayboard.AmbiguousError
	switch {
	case errors.As(err, &ambiguous):
		writeError(w, http.StatusConflict, "ambiguous", err.Error(), correlationID)
	case errors.Is(err, display.ErrObjectNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, display.ErrEmptyContainer):
		writeError(w, http.StatusUnprocessableEntity, "no_matches", "nothing to list", correlationID)
	case errors.Is(err, relayboard.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, relayboard.ErrClosed), errors.Is(err, relayboard.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", slog.String("correlation_id", correlationID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

// getCorrelationID returns the caller's id or mints one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(correlationHeader)); id != "" {
		return id
	}
	return ulid.Make().String()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
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

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
