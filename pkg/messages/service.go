// mergechat-chatapi - A unified chat read API over Synapse and mautrix bridges.
// Copyright (C) 2026 MergeChat
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package messages does cursor-based pagination over a room's history,
// enriched with sender profiles, reaction summaries and edit overlays.
package messages

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/mergechat/chat-api/pkg/store"
)

var (
	ErrBothCursors  = errors.New("before and after are mutually exclusive")
	ErrInvalidLimit = errors.New("limit must be between 1 and 200")
)

const maxLimit = 200

// Item is one fully enriched chat message.
type Item struct {
	EventID        id.EventID          `json:"event_id"`
	Sender         id.UserID           `json:"sender"`
	SenderName     string              `json:"sender_name"`
	SenderAvatar   id.ContentURIString `json:"sender_avatar,omitempty"`
	Timestamp      int64               `json:"timestamp"`
	StreamOrdering int64               `json:"stream_ordering"`
	Type           event.MessageType   `json:"msgtype"`
	Body           string              `json:"body"`
	MediaURL       id.ContentURIString `json:"media_url,omitempty"`
	ThumbnailURL   id.ContentURIString `json:"thumbnail_url,omitempty"`
	FileName       string              `json:"file_name,omitempty"`
	FileSize       int64               `json:"file_size,omitempty"`
	ReplyTo        id.EventID          `json:"reply_to_event_id,omitempty"`
	Reactions      []store.Reaction    `json:"reactions"`
	IsEdited       bool                `json:"is_edited"`
}

// Page is one page of messages. BeforeCursor/AfterCursor are the min/max
// stream orderings of the returned set, to be used as the next before/after
// values. HasMore is the len==limit heuristic, not an exact count.
type Page struct {
	Messages     []Item    `json:"messages"`
	RoomID       id.RoomID `json:"room_id"`
	HasMore      bool      `json:"has_more"`
	BeforeCursor *int64    `json:"before_cursor"`
	AfterCursor  *int64    `json:"after_cursor"`
}

// Invites is the set of rooms the user has a pending invite to.
type Invites struct {
	Invites []id.RoomID `json:"invites"`
	Total   int         `json:"total"`
}

type Service struct {
	store store.Client
	log   zerolog.Logger
}

func NewService(log zerolog.Logger, st store.Client) *Service {
	return &Service{
		store: st,
		log:   log.With().Str("component", "messages").Logger(),
	}
}

// List fetches one page of a room's history. At most one of before/after
// may be set (zero means unset); neither means the most recent page. An
// empty result keeps the caller's after cursor so polling can continue.
func (s *Service) List(ctx context.Context, roomID id.RoomID, limit int, before, after int64) (*Page, error) {
	if limit < 1 || limit > maxLimit {
		return nil, ErrInvalidLimit
	}
	if before > 0 && after > 0 {
		return nil, ErrBothCursors
	}

	raw, err := s.store.Messages(ctx, store.MessageQuery{
		RoomID: roomID,
		Limit:  limit,
		Before: before,
		After:  after,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	if len(raw) == 0 {
		page := &Page{Messages: []Item{}, RoomID: roomID}
		if after > 0 {
			page.AfterCursor = &after
		}
		return page, nil
	}

	items, err := s.Hydrate(ctx, roomID, raw)
	if err != nil {
		return nil, err
	}

	minPos, maxPos := raw[0].StreamOrdering, raw[0].StreamOrdering
	for _, msg := range raw[1:] {
		if msg.StreamOrdering < minPos {
			minPos = msg.StreamOrdering
		}
		if msg.StreamOrdering > maxPos {
			maxPos = msg.StreamOrdering
		}
	}

	return &Page{
		Messages:     items,
		RoomID:       roomID,
		HasMore:      len(raw) == limit,
		BeforeCursor: &minPos,
		AfterCursor:  &maxPos,
	}, nil
}

// Hydrate attaches sender profiles, reaction summaries and edit overlays to
// raw messages. Enrichment is best-effort: a failed batch degrades to
// defaults (raw sender id as name, no reactions, is_edited=false) instead
// of failing the page.
func (s *Service) Hydrate(ctx context.Context, roomID id.RoomID, raw []store.RawMessage) ([]Item, error) {
	senderSet := make(map[id.UserID]bool, len(raw))
	senders := make([]id.UserID, 0, len(raw))
	eventIDs := make([]id.EventID, len(raw))
	for i, msg := range raw {
		if !senderSet[msg.Sender] {
			senderSet[msg.Sender] = true
			senders = append(senders, msg.Sender)
		}
		eventIDs[i] = msg.EventID
	}

	profiles, err := s.store.SenderProfiles(ctx, roomID, senders)
	if err != nil {
		s.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to fetch sender profiles")
		profiles = map[id.UserID]store.Profile{}
	}
	reactions, err := s.store.Reactions(ctx, roomID, eventIDs)
	if err != nil {
		s.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to fetch reactions")
		reactions = map[id.EventID][]store.Reaction{}
	}
	edits, err := s.store.Edits(ctx, roomID, eventIDs)
	if err != nil {
		s.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to fetch edits")
		edits = map[id.EventID]store.Edit{}
	}

	items := make([]Item, len(raw))
	for i, msg := range raw {
		body := msg.Body
		edit, isEdited := edits[msg.EventID]
		if isEdited {
			body = edit.Body
		}
		senderName := msg.Sender.String()
		var senderAvatar id.ContentURIString
		if profile, ok := profiles[msg.Sender]; ok {
			senderName = profile.DisplayName
			senderAvatar = profile.AvatarURL
		}
		msgReactions := reactions[msg.EventID]
		if msgReactions == nil {
			msgReactions = []store.Reaction{}
		}
		items[i] = Item{
			EventID:        msg.EventID,
			Sender:         msg.Sender,
			SenderName:     senderName,
			SenderAvatar:   senderAvatar,
			Timestamp:      msg.Timestamp,
			StreamOrdering: msg.StreamOrdering,
			Type:           msg.Type,
			Body:           body,
			MediaURL:       msg.MediaURL,
			ThumbnailURL:   msg.ThumbnailURL,
			FileName:       msg.FileName,
			FileSize:       msg.FileSize,
			ReplyTo:        msg.ReplyTo,
			Reactions:      msgReactions,
			IsEdited:       isEdited,
		}
	}
	return items, nil
}

// ListInvites returns the rooms the user has a pending invite to.
func (s *Service) ListInvites(ctx context.Context, userID id.UserID) (*Invites, error) {
	invites, err := s.store.InvitedRooms(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch invites: %w", err)
	}
	if invites == nil {
		invites = []id.RoomID{}
	}
	return &Invites{Invites: invites, Total: len(invites)}, nil
}
