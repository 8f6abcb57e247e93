// mergechat-chatapi - A unified chat read API over Synapse and mautrix bridges.
// Copyright (C) 2026 MergeChat
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package stream turns the canonical store's stream orderings into a live
// per-room event feed by adaptive polling. One Run call serves one
// subscriber; there is no shared fan-in state.
package stream

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/mergechat/chat-api/pkg/messages"
	"github.com/mergechat/chat-api/pkg/store"
)

type EventKind string

const (
	EventMessage   EventKind = "message"
	EventReaction  EventKind = "reaction"
	EventEdit      EventKind = "edit"
	EventRedact    EventKind = "redact"
	EventHeartbeat EventKind = "heartbeat"
)

// Event is one item of the live feed. Exactly one payload field is set for
// mutation kinds; heartbeats carry only the cursor. Cursor is the stream
// ordering the client should resume from after a reconnect.
type Event struct {
	Kind      EventKind             `json:"type"`
	RoomID    id.RoomID             `json:"room_id"`
	Cursor    int64                 `json:"cursor"`
	Message   *messages.Item        `json:"message,omitempty"`
	Reaction  *store.ReactionEvent  `json:"reaction,omitempty"`
	Edit      *store.EditEvent      `json:"edit,omitempty"`
	Redaction *store.RedactionEvent `json:"redaction,omitempty"`
}

// EmitFunc delivers one event to the subscriber. Returning an error stops
// the stream (the usual cause is the client hanging up mid-write).
type EmitFunc func(evt *Event) error

// Sink receives a best-effort copy of every mutation event, in addition to
// the subscriber. Heartbeats are not mirrored.
type Sink interface {
	Publish(ctx context.Context, evt *Event)
}

// Hydrator enriches raw messages the same way the history endpoint does.
type Hydrator interface {
	Hydrate(ctx context.Context, roomID id.RoomID, raw []store.RawMessage) ([]messages.Item, error)
}

type Config struct {
	PollInterval      time.Duration
	BurstInterval     time.Duration
	HeartbeatInterval time.Duration
	BatchSize         int
}

func (cfg *Config) applyDefaults() {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.BurstInterval <= 0 {
		cfg.BurstInterval = 300 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
}

var tickCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chatapi_stream_ticks_total",
	Help: "Stream poll ticks by outcome",
}, []string{"result"})

type Streamer struct {
	store    store.Client
	hydrator Hydrator
	sink     Sink
	cfg      Config
	log      zerolog.Logger
}

// NewStreamer creates a streamer. sink may be nil.
func NewStreamer(log zerolog.Logger, st store.Client, hydrator Hydrator, sink Sink, cfg Config) *Streamer {
	cfg.applyDefaults()
	return &Streamer{
		store:    st,
		hydrator: hydrator,
		sink:     sink,
		cfg:      cfg,
		log:      log.With().Str("component", "stream").Logger(),
	}
}

// Run polls the store for mutations in roomID after the since cursor and
// emits them in stream-ordering order until ctx is cancelled or emit fails.
// The poll tightens to the burst interval after a tick that produced events
// and relaxes back to the baseline on an idle tick. A heartbeat carrying the
// current cursor is emitted after each idle heartbeat interval.
func (s *Streamer) Run(ctx context.Context, roomID id.RoomID, since int64, emit EmitFunc) error {
	cursor := since
	lastEmit := time.Now()
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		count, err := s.tick(ctx, roomID, &cursor, emit)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if count > 0 {
			tickCounter.WithLabelValues("active").Inc()
			lastEmit = time.Now()
			timer.Reset(s.cfg.BurstInterval)
			continue
		}
		tickCounter.WithLabelValues("idle").Inc()
		if time.Since(lastEmit) >= s.cfg.HeartbeatInterval {
			if err = emit(&Event{Kind: EventHeartbeat, RoomID: roomID, Cursor: cursor}); err != nil {
				return err
			}
			lastEmit = time.Now()
		}
		timer.Reset(s.cfg.PollInterval)
	}
}

// tick runs the four mutation queries against the current cursor, merges the
// results into a single stream-ordered batch and emits it. The cursor
// advances to the highest ordering seen so no mutation is ever delivered
// twice.
func (s *Streamer) tick(ctx context.Context, roomID id.RoomID, cursor *int64, emit EmitFunc) (int, error) {
	since := *cursor

	rawMsgs, err := s.store.NewMessages(ctx, roomID, since, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to poll messages: %w", err)
	}
	reactions, err := s.store.NewReactions(ctx, roomID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to poll reactions: %w", err)
	}
	edits, err := s.store.NewEdits(ctx, roomID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to poll edits: %w", err)
	}
	redactions, err := s.store.NewRedactions(ctx, roomID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to poll redactions: %w", err)
	}

	// A full message batch means there may be more messages between the last
	// fetched one and the other mutations' orderings. Clamp the tick to the
	// last fetched message so the cursor never advances past an unfetched
	// message; everything dropped here is re-fetched next tick.
	if len(rawMsgs) == s.cfg.BatchSize {
		clamp := rawMsgs[len(rawMsgs)-1].StreamOrdering
		reactions = clampReactions(reactions, clamp)
		edits = clampEdits(edits, clamp)
		redactions = clampRedactions(redactions, clamp)
	}

	total := len(rawMsgs) + len(reactions) + len(edits) + len(redactions)
	if total == 0 {
		return 0, nil
	}

	var items []messages.Item
	if len(rawMsgs) > 0 {
		items, err = s.hydrator.Hydrate(ctx, roomID, rawMsgs)
		if err != nil {
			return 0, fmt.Errorf("failed to hydrate messages: %w", err)
		}
	}

	events := make([]*Event, 0, total)
	for i := range items {
		events = append(events, &Event{
			Kind:    EventMessage,
			RoomID:  roomID,
			Cursor:  items[i].StreamOrdering,
			Message: &items[i],
		})
	}
	for i := range reactions {
		events = append(events, &Event{
			Kind:     EventReaction,
			RoomID:   roomID,
			Cursor:   reactions[i].StreamOrdering,
			Reaction: &reactions[i],
		})
	}
	for i := range edits {
		events = append(events, &Event{
			Kind:   EventEdit,
			RoomID: roomID,
			Cursor: edits[i].StreamOrdering,
			Edit:   &edits[i],
		})
	}
	for i := range redactions {
		events = append(events, &Event{
			Kind:      EventRedact,
			RoomID:    roomID,
			Cursor:    redactions[i].StreamOrdering,
			Redaction: &redactions[i],
		})
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Cursor < events[j].Cursor
	})

	for _, evt := range events {
		if evt.Cursor > *cursor {
			*cursor = evt.Cursor
		}
		if err = emit(evt); err != nil {
			return 0, err
		}
		if s.sink != nil {
			s.sink.Publish(ctx, evt)
		}
	}
	return len(events), nil
}

func clampReactions(evts []store.ReactionEvent, clamp int64) []store.ReactionEvent {
	out := evts[:0:0]
	for _, evt := range evts {
		if evt.StreamOrdering <= clamp {
			out = append(out, evt)
		}
	}
	return out
}

func clampEdits(evts []store.EditEvent, clamp int64) []store.EditEvent {
	out := evts[:0:0]
	for _, evt := range evts {
		if evt.StreamOrdering <= clamp {
			out = append(out, evt)
		}
	}
	return out
}

func clampRedactions(evts []store.RedactionEvent, clamp int64) []store.RedactionEvent {
	out := evts[:0:0]
	for _, evt := range evts {
		if evt.StreamOrdering <= clamp {
			out = append(out, evt)
		}
	}
	return out
}
