package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"maunium.net/go/mautrix/id"

	"github.com/mergechat/chat-api/pkg/messages"
	"github.com/mergechat/chat-api/pkg/portal"
	"github.com/mergechat/chat-api/pkg/rooms"
	"github.com/mergechat/chat-api/pkg/stats"
)

const (
	defaultPageSize = 50
	defaultLimit    = 50
	healthTimeout   = 5 * time.Second
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := "ok"
	httpStatus := http.StatusOK
	dbOK := true
	if err := s.store.Ping(ctx); err != nil {
		s.log.Error().Err(err).Msg("Health check database ping failed")
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
		dbOK = false
	}
	s.writeJSON(w, httpStatus, map[string]any{
		"status":           status,
		"database":         dbOK,
		"sources":          s.registry.ActiveSlugs(),
		"inactive_sources": s.registry.InactiveSlugs(),
	})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userParam(w, r)
	if !ok {
		return
	}
	page, pageSize, ok := s.pageParams(w, r)
	if !ok {
		return
	}
	var types []portal.RoomType
	if raw := r.URL.Query().Get("type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			types = append(types, portal.RoomType(strings.TrimSpace(t)))
		}
	}

	list, err := s.rooms.List(r.Context(), rooms.ListParams{
		UserID:   userID,
		Source:   r.URL.Query().Get("source"),
		Types:    types,
		Search:   r.URL.Query().Get("search"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

type filterRequest struct {
	User     id.UserID          `json:"user"`
	Preset   string             `json:"preset"`
	Rules    []rooms.FilterRule `json:"rules"`
	Search   string             `json:"search"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
}

func (s *Server) handleRoomsFilter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.User == "" {
		s.writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	rules := req.Rules
	if len(rules) == 0 && req.Preset != "" {
		var ok bool
		if rules, ok = s.preset(req.Preset); !ok {
			s.writeError(w, http.StatusBadRequest, "unknown preset")
			return
		}
	}
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = defaultPageSize
	}

	list, err := s.rooms.ListFiltered(r.Context(), req.User, rules, req.Search, req.Page, req.PageSize)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleOrphaned(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userParam(w, r)
	if !ok {
		return
	}
	list, err := s.rooms.Orphaned(r.Context(), userID)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	roomID := id.RoomID(mux.Vars(r)["roomID"])
	limit, ok := s.intParam(w, r, "limit", defaultLimit)
	if !ok {
		return
	}
	before, ok := s.int64Param(w, r, "before")
	if !ok {
		return
	}
	after, ok := s.int64Param(w, r, "after")
	if !ok {
		return
	}

	page, err := s.messages.List(r.Context(), roomID, limit, before, after)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleInvites(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userParam(w, r)
	if !ok {
		return
	}
	invites, err := s.messages.ListInvites(r.Context(), userID)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, invites)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userParam(w, r)
	if !ok {
		return
	}
	summaries, warnings := s.sources.UserSources(r.Context(), userID)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sources":  summaries,
		"warnings": warnings,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	day, err := stats.ParseDay(r.URL.Query().Get("date"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	dayStats, err := s.stats.MessagesPerBridge(r.Context(), day)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dayStats)
}

// serviceError maps known validation sentinels to 400 and everything else to
// a generic 500, logging the cause server-side only.
func (s *Server) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rooms.ErrInvalidPage),
		errors.Is(err, rooms.ErrInvalidPageSize),
		errors.Is(err, messages.ErrInvalidLimit),
		errors.Is(err, messages.ErrBothCursors):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away, nothing to report.
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// userParam accepts either a full Matrix user id or a bare localpart, which
// is qualified with the configured homeserver domain.
func (s *Server) userParam(w http.ResponseWriter, r *http.Request) (id.UserID, bool) {
	user := r.URL.Query().Get("user")
	if user == "" {
		s.writeError(w, http.StatusBadRequest, "user is required")
		return "", false
	}
	if !strings.HasPrefix(user, "@") && s.domain != "" {
		return id.NewUserID(user, s.domain), true
	}
	return id.UserID(user), true
}

func (s *Server) pageParams(w http.ResponseWriter, r *http.Request) (page, pageSize int, ok bool) {
	if page, ok = s.intParam(w, r, "page", 1); !ok {
		return
	}
	pageSize, ok = s.intParam(w, r, "page_size", defaultPageSize)
	return
}

func (s *Server) intParam(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, name+" must be an integer")
		return 0, false
	}
	return value, true
}

func (s *Server) int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		s.writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return value, true
}
