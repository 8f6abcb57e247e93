// mergechat-chatapi - A unified chat read API over Synapse and mautrix bridges.
// Copyright (C) 2026 MergeChat
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package httpapi is the HTTP surface: bearer-token authenticated JSON
// endpoints over the room, message, stream and stats services.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/mergechat/chat-api/pkg/messages"
	"github.com/mergechat/chat-api/pkg/portal"
	"github.com/mergechat/chat-api/pkg/rooms"
	"github.com/mergechat/chat-api/pkg/stats"
	"github.com/mergechat/chat-api/pkg/store"
	"github.com/mergechat/chat-api/pkg/stream"
)

// SourceLister reports a user's per-bridge portal inventory, implemented by
// portal.Resolver.
type SourceLister interface {
	UserSources(ctx context.Context, userID id.UserID) ([]portal.SourceSummary, []string)
}

type Server struct {
	log      zerolog.Logger
	secret   string
	store    store.Client
	registry *portal.Registry
	rooms    *rooms.Service
	messages *messages.Service
	stats    *stats.Service
	streamer *stream.Streamer
	sources  SourceLister
	domain   string
	limiters *tokenLimiters

	router *mux.Router

	presetLock sync.RWMutex
	presets    map[string][]rooms.FilterRule
}

type Deps struct {
	Store    store.Client
	Registry *portal.Registry
	Rooms    *rooms.Service
	Messages *messages.Service
	Stats    *stats.Service
	Streamer *stream.Streamer
	Sources  SourceLister

	// Domain qualifies bare localparts in user parameters.
	Domain string
}

func NewServer(log zerolog.Logger, secret string, ratePerSec float64, rateBurst int, deps Deps) *Server {
	s := &Server{
		log:      log.With().Str("component", "httpapi").Logger(),
		secret:   secret,
		store:    deps.Store,
		registry: deps.Registry,
		rooms:    deps.Rooms,
		messages: deps.Messages,
		stats:    deps.Stats,
		streamer: deps.Streamer,
		sources:  deps.Sources,
		domain:   deps.Domain,
		limiters: newTokenLimiters(ratePerSec, rateBurst),
		presets:  map[string][]rooms.FilterRule{},
	}

	r := mux.NewRouter()
	r.Use(s.requestLog, s.observe)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.auth, s.rateLimit)
	api.HandleFunc("/rooms", s.handleRooms).Methods(http.MethodGet)
	api.HandleFunc("/rooms/filter", s.handleRoomsFilter).Methods(http.MethodPost)
	api.HandleFunc("/rooms/orphaned", s.handleOrphaned).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{roomID}/messages", s.handleMessages).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{roomID}/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/invites", s.handleInvites).Methods(http.MethodGet)
	api.HandleFunc("/sources", s.handleSources).Methods(http.MethodGet)
	api.HandleFunc("/stats/messages", s.handleStats).Methods(http.MethodGet)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetPresets swaps the named filter presets. Called by the config watcher on
// reload, so it must be safe against concurrent request handlers.
func (s *Server) SetPresets(presets map[string][]rooms.FilterRule) {
	if presets == nil {
		presets = map[string][]rooms.FilterRule{}
	}
	s.presetLock.Lock()
	s.presets = presets
	s.presetLock.Unlock()
}

func (s *Server) preset(name string) ([]rooms.FilterRule, bool) {
	s.presetLock.RLock()
	defer s.presetLock.RUnlock()
	rules, ok := s.presets[name]
	return rules, ok
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
