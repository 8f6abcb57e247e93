// mergechat-chatapi - A unified chat read API over Synapse and mautrix bridges.
// Copyright (C) 2026 MergeChat
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package store reads room membership, metadata and message history from the
// canonical homeserver (Synapse) database. Everything here is read-only.
package store

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// RoomMetadata is the precomputed name/avatar/member-count state of a room.
type RoomMetadata struct {
	Name        string
	AvatarURL   id.ContentURIString
	MemberCount int
}

// LastMessage is the newest message of a room, for listing previews.
type LastMessage struct {
	Sender    id.UserID
	Body      string
	Timestamp int64
}

// Member is one joined room member with their resolved display name.
type Member struct {
	UserID      id.UserID
	DisplayName string
}

// Profile is a member's display name and avatar from room member state.
type Profile struct {
	DisplayName string
	AvatarURL   id.ContentURIString
}

// Reaction is one emoji aggregated over all senders that used it.
type Reaction struct {
	Key     string      `json:"key"`
	Count   int         `json:"count"`
	Senders []id.UserID `json:"senders"`
}

// Edit is the latest replacement content for a message.
type Edit struct {
	Body      string
	Timestamp int64
}

// RawMessage is one message event before enrichment (profiles, reactions,
// edit overlays are joined in by the service layer).
type RawMessage struct {
	EventID        id.EventID
	Sender         id.UserID
	Timestamp      int64
	StreamOrdering int64
	Type           event.MessageType
	Body           string
	MediaURL       id.ContentURIString
	ThumbnailURL   id.ContentURIString
	FileName       string
	FileSize       int64
	ReplyTo        id.EventID
}

// ReactionEvent is a single new reaction seen by the incremental sync poll.
type ReactionEvent struct {
	EventID        id.EventID `json:"event_id"`
	TargetEventID  id.EventID `json:"target_event_id"`
	Key            string     `json:"key"`
	Sender         id.UserID  `json:"sender"`
	StreamOrdering int64      `json:"stream_ordering"`
}

// EditEvent is a single new edit seen by the incremental sync poll.
type EditEvent struct {
	TargetEventID  id.EventID `json:"target_event_id"`
	Body           string     `json:"body"`
	Timestamp      int64      `json:"timestamp"`
	StreamOrdering int64      `json:"stream_ordering"`
}

// RedactionKind says whether a redaction removed a message or a reaction.
type RedactionKind string

const (
	RedactedMessage  RedactionKind = "message"
	RedactedReaction RedactionKind = "reaction"
)

// RedactionEvent is a single new redaction seen by the incremental sync
// poll. For redacted reactions the target message, emoji key and sender are
// included so consumers can remove the specific reaction.
type RedactionEvent struct {
	RedactedEventID id.EventID    `json:"redacted_event_id"`
	StreamOrdering  int64         `json:"stream_ordering"`
	Kind            RedactionKind `json:"type"`
	TargetEventID   id.EventID    `json:"target_event_id,omitempty"`
	Key             string        `json:"key,omitempty"`
	Sender          id.UserID     `json:"sender,omitempty"`
}

// SenderCount is a per-(room, sender) message count over a time window.
type SenderCount struct {
	RoomID id.RoomID
	Sender id.UserID
	Count  int
}

// MessageQuery selects one page of a room's message history. Before and
// After are exclusive stream-ordering bounds; zero means unset. Synapse
// stream orderings start at 1, so zero is never a valid cursor.
type MessageQuery struct {
	RoomID id.RoomID
	Limit  int
	Before int64
	After  int64
}

// Client is the read-only query surface of the canonical store. The service
// layer depends on this interface only; the Postgres implementation lives in
// SynapseDB.
type Client interface {
	Ping(ctx context.Context) error

	JoinedRooms(ctx context.Context, userID id.UserID) ([]id.RoomID, error)
	InvitedRooms(ctx context.Context, userID id.UserID) ([]id.RoomID, error)
	RoomMetadata(ctx context.Context, roomIDs []id.RoomID) (map[id.RoomID]RoomMetadata, error)
	LastMessages(ctx context.Context, roomIDs []id.RoomID) (map[id.RoomID]LastMessage, error)
	UnreadCounts(ctx context.Context, roomIDs []id.RoomID, userID id.UserID) (map[id.RoomID]int, error)
	MemberDisplayNames(ctx context.Context, roomID id.RoomID, excludePatterns []string) ([]Member, error)
	DMAvatars(ctx context.Context, roomIDs []id.RoomID, excludeUsers []id.UserID) (map[id.RoomID]id.ContentURIString, error)

	Messages(ctx context.Context, q MessageQuery) ([]RawMessage, error)
	SenderProfiles(ctx context.Context, roomID id.RoomID, userIDs []id.UserID) (map[id.UserID]Profile, error)
	Reactions(ctx context.Context, roomID id.RoomID, eventIDs []id.EventID) (map[id.EventID][]Reaction, error)
	Edits(ctx context.Context, roomID id.RoomID, eventIDs []id.EventID) (map[id.EventID]Edit, error)

	NewMessages(ctx context.Context, roomID id.RoomID, since int64, limit int) ([]RawMessage, error)
	NewReactions(ctx context.Context, roomID id.RoomID, since int64) ([]ReactionEvent, error)
	NewEdits(ctx context.Context, roomID id.RoomID, since int64) ([]EditEvent, error)
	NewRedactions(ctx context.Context, roomID id.RoomID, since int64) ([]RedactionEvent, error)

	CountMessagesByRoomSender(ctx context.Context, startTS, endTS int64) ([]SenderCount, error)
}
