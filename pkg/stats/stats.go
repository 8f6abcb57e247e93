// mergechat-chatapi - A unified chat read API over Synapse and mautrix bridges.
// Copyright (C) 2026 MergeChat
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package stats counts per-bridge message traffic over a UTC day.
package stats

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/mergechat/chat-api/pkg/store"
)

// Senders with this prefix are bridge relay users, so their messages count
// as sent by the local user rather than received from the remote side.
const relaySenderPrefix = "@conn-"

// BridgeCount is one bridge's sent/received totals for the day.
type BridgeCount struct {
	Bridge   string `json:"bridge"`
	Sent     int    `json:"sent"`
	Received int    `json:"received"`
}

type DayStats struct {
	Date    string        `json:"date"`
	Bridges []BridgeCount `json:"bridges"`
}

// Resolver attributes rooms to bridge sources. Rooms missing from the map
// are excluded from every total.
type Resolver interface {
	ResolveSources(ctx context.Context, roomIDs []id.RoomID) map[id.RoomID]string
}

type Service struct {
	store    store.Client
	resolver Resolver
	log      zerolog.Logger
}

func NewService(log zerolog.Logger, st store.Client, resolver Resolver) *Service {
	return &Service{
		store:    st,
		resolver: resolver,
		log:      log.With().Str("component", "stats").Logger(),
	}
}

// ParseDay parses a YYYY-MM-DD date. An empty value means today in UTC.
func ParseDay(value string) (time.Time, error) {
	if value == "" {
		return time.Now().UTC().Truncate(24 * time.Hour), nil
	}
	day, err := time.ParseInLocation("2006-01-02", value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", value, err)
	}
	return day, nil
}

// MessagesPerBridge counts the day's messages grouped by owning bridge.
// Sender classification is per message: relay-prefixed senders count as
// sent, everything else as received.
func (s *Service) MessagesPerBridge(ctx context.Context, day time.Time) (*DayStats, error) {
	startTS := day.UnixMilli()
	endTS := day.Add(24 * time.Hour).UnixMilli()

	counts, err := s.store.CountMessagesByRoomSender(ctx, startTS, endTS)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}

	roomSet := make(map[id.RoomID]bool, len(counts))
	roomIDs := make([]id.RoomID, 0, len(counts))
	for _, sc := range counts {
		if !roomSet[sc.RoomID] {
			roomSet[sc.RoomID] = true
			roomIDs = append(roomIDs, sc.RoomID)
		}
	}
	sources := s.resolver.ResolveSources(ctx, roomIDs)

	totals := make(map[string]*BridgeCount)
	var unattributed int
	for _, sc := range counts {
		source, ok := sources[sc.RoomID]
		if !ok {
			unattributed += sc.Count
			continue
		}
		bc := totals[source]
		if bc == nil {
			bc = &BridgeCount{Bridge: source}
			totals[source] = bc
		}
		if strings.HasPrefix(sc.Sender.String(), relaySenderPrefix) {
			bc.Sent += sc.Count
		} else {
			bc.Received += sc.Count
		}
	}
	if unattributed > 0 {
		s.log.Debug().Int("messages", unattributed).Msg("Dropped messages in rooms with no portal attribution")
	}

	bridges := make([]BridgeCount, 0, len(totals))
	for _, bc := range totals {
		bridges = append(bridges, *bc)
	}
	sort.Slice(bridges, func(i, j int) bool {
		return bridges[i].Bridge < bridges[j].Bridge
	})

	return &DayStats{
		Date:    day.Format("2006-01-02"),
		Bridges: bridges,
	}, nil
}
