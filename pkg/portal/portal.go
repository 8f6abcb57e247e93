// mergechat-chatapi - A unified chat read API over Synapse and mautrix bridges.
// Copyright (C) 2026 MergeChat
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package portal normalizes the portal tables of heterogeneous mautrix
// bridge databases into one canonical model and merges them per room.
package portal

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// RoomType is the canonical classification of a bridged room.
type RoomType string

const (
	RoomTypeDM      RoomType = "dm"
	RoomTypeGroup   RoomType = "group"
	RoomTypeChannel RoomType = "channel"
	RoomTypeBot     RoomType = "bot"
)

// Info describes one bridged room as seen by a single bridge database.
type Info struct {
	RoomID   id.RoomID `json:"room_id"`
	RemoteID string    `json:"remote_id"`
	Type     RoomType  `json:"room_type"`
	Source   string    `json:"source"`

	// DisplayName is the portal's own name, if the bridge stores one that is
	// worth surfacing. Empty for bridges without usable portal names.
	DisplayName string `json:"display_name,omitempty"`
}

// Adapter reads portal metadata from one bridge family's database schema.
//
// Portals must only return rows for rooms the bridge actually owns; rooms it
// has never seen are silently omitted, never an error. UserPortals applies
// the bridge's own visibility rules (some bridges scope portals per
// receiving user, others are source-global).
type Adapter interface {
	Slug() string
	Portals(ctx context.Context, roomIDs []id.RoomID) ([]Info, error)
	UserPortals(ctx context.Context, userID id.UserID) ([]Info, error)
}

func roomIDStrings(roomIDs []id.RoomID) []string {
	out := make([]string, len(roomIDs))
	for i, rid := range roomIDs {
		out[i] = rid.String()
	}
	return out
}
