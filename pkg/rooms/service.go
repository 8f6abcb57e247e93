// mergechat-chatapi - A unified chat read API over Synapse and mautrix bridges.
// Copyright (C) 2026 MergeChat
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package rooms merges canonical room membership with bridge portal
// metadata into filtered, ranked, paginated room listings.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/mergechat/chat-api/pkg/portal"
	"github.com/mergechat/chat-api/pkg/store"
)

var (
	ErrInvalidPage     = errors.New("page must be >= 1")
	ErrInvalidPageSize = errors.New("page_size must be between 1 and 200")
)

const maxPageSize = 200

// smallRoomMemberLimit bounds the member-based name/avatar fallback: only
// rooms that look like DMs (user + contact + possibly a bot) qualify.
const smallRoomMemberLimit = 3

// systemMessagePatterns marks rooms with no real conversation: bridges drop
// a welcome/promo message into every portal they create, and such rooms
// must not appear in listings. Matched case-insensitively as substrings.
var systemMessagePatterns = []string{
	"теперь в max",
	"теперь в макс",
	"now in max",
	"напишите что-нибудь",
}

// Resolver is the portal resolution engine dependency.
type Resolver interface {
	Resolve(ctx context.Context, roomIDs []id.RoomID) (map[id.RoomID]portal.Info, []string)
}

// Service builds room listings. Stateless; every call recomputes the merge
// from live sources.
type Service struct {
	store    store.Client
	resolver Resolver
	log      zerolog.Logger
}

func NewService(log zerolog.Logger, st store.Client, resolver Resolver) *Service {
	return &Service{
		store:    st,
		resolver: resolver,
		log:      log.With().Str("component", "rooms").Logger(),
	}
}

// ListParams selects and pages the plain room listing. Source and Types are
// optional filters; Search is a case-insensitive substring match on the
// resolved name.
type ListParams struct {
	UserID   id.UserID
	Source   string
	Types    []portal.RoomType
	Search   string
	Page     int
	PageSize int
}

func validatePage(page, pageSize int) error {
	if page < 1 {
		return ErrInvalidPage
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return ErrInvalidPageSize
	}
	return nil
}

// List produces one page of the user's joined rooms enriched with portal
// metadata, going through the full pipeline: membership, portal resolution,
// filters, metadata fetch, name/avatar fallback, system-chat suppression,
// search, sort, offset pagination.
func (s *Service) List(ctx context.Context, params ListParams) (*RoomList, error) {
	if err := validatePage(params.Page, params.PageSize); err != nil {
		return nil, err
	}
	joined, err := s.store.JoinedRooms(ctx, params.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get joined rooms: %w", err)
	}
	if len(joined) == 0 {
		return &RoomList{Rooms: []Room{}, Page: params.Page, PageSize: params.PageSize}, nil
	}

	portalMap, warnings := s.resolver.Resolve(ctx, joined)

	if params.Source != "" {
		joined = filterRooms(joined, func(rid id.RoomID) bool {
			info, ok := portalMap[rid]
			return ok && info.Source == params.Source
		})
	}
	if len(params.Types) > 0 {
		typeSet := make(map[portal.RoomType]bool, len(params.Types))
		for _, t := range params.Types {
			typeSet[t] = true
		}
		joined = filterRooms(joined, func(rid id.RoomID) bool {
			info, ok := portalMap[rid]
			return ok && typeSet[info.Type]
		})
	}

	return s.assemble(ctx, params.UserID, joined, portalMap, warnings,
		params.Search, params.Page, params.PageSize)
}

// ListFiltered applies per-source preset rules instead of the plain
// source/type filters. Fail-closed: rooms without a portal, and portals
// without a matching rule, are excluded.
func (s *Service) ListFiltered(ctx context.Context, userID id.UserID, rules []FilterRule, search string, page, pageSize int) (*RoomList, error) {
	if err := validatePage(page, pageSize); err != nil {
		return nil, err
	}
	joined, err := s.store.JoinedRooms(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get joined rooms: %w", err)
	}
	if len(joined) == 0 {
		return &RoomList{Rooms: []Room{}, Page: page, PageSize: pageSize}, nil
	}

	portalMap, warnings := s.resolver.Resolve(ctx, joined)

	rulesBySource := make(map[string]*FilterRule, len(rules))
	for i := range rules {
		rulesBySource[rules[i].Source] = &rules[i]
	}
	joined = filterRooms(joined, func(rid id.RoomID) bool {
		info, ok := portalMap[rid]
		if !ok {
			return false
		}
		rule, ok := rulesBySource[info.Source]
		return ok && rule.Allows(info.Type)
	})

	return s.assemble(ctx, userID, joined, portalMap, warnings, search, page, pageSize)
}

// Orphaned lists joined rooms absent from every source's portal map,
// oldest activity first: long-silent unmatched rooms are the most likely to
// be genuinely stale bridge artifacts.
func (s *Service) Orphaned(ctx context.Context, userID id.UserID) (*OrphanedList, error) {
	joined, err := s.store.JoinedRooms(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get joined rooms: %w", err)
	}
	if len(joined) == 0 {
		return &OrphanedList{OrphanedRooms: []OrphanedRoom{}}, nil
	}

	portalMap, warnings := s.resolver.Resolve(ctx, joined)
	orphanedIDs := filterRooms(joined, func(rid id.RoomID) bool {
		_, ok := portalMap[rid]
		return !ok
	})
	if len(orphanedIDs) == 0 {
		return &OrphanedList{
			OrphanedRooms: []OrphanedRoom{},
			TotalJoined:   len(joined),
			Warnings:      warnings,
		}, nil
	}

	meta, lastMsgs, _, err := s.fetchRoomState(ctx, orphanedIDs, "", false)
	if err != nil {
		return nil, err
	}

	orphaned := make([]OrphanedRoom, 0, len(orphanedIDs))
	for _, rid := range orphanedIDs {
		m := meta[rid]
		name := m.Name
		if name == "" && m.MemberCount <= smallRoomMemberLimit {
			members, memberErr := s.store.MemberDisplayNames(ctx, rid, nil)
			if memberErr != nil {
				s.log.Warn().Err(memberErr).Stringer("room_id", rid).
					Msg("Failed to resolve members for orphaned room name")
			}
			for _, member := range members {
				if member.UserID != userID {
					name = member.DisplayName
					break
				}
			}
		}
		if name == "" {
			name = rid.String()
		}
		var lastActivity int64
		if msg, ok := lastMsgs[rid]; ok {
			lastActivity = msg.Timestamp
		}
		orphaned = append(orphaned, OrphanedRoom{
			RoomID:       rid,
			Name:         name,
			MemberCount:  m.MemberCount,
			LastActivity: lastActivity,
		})
	}
	sort.SliceStable(orphaned, func(i, j int) bool {
		return orphaned[i].LastActivity < orphaned[j].LastActivity
	})

	return &OrphanedList{
		OrphanedRooms: orphaned,
		Total:         len(orphaned),
		TotalJoined:   len(joined),
		Warnings:      warnings,
	}, nil
}

// fetchRoomState loads metadata, last messages and (optionally) unread
// counts concurrently. The three reads operate on disjoint result keys, so
// no ordering between them is needed.
func (s *Service) fetchRoomState(ctx context.Context, roomIDs []id.RoomID, userID id.UserID, withUnread bool) (map[id.RoomID]store.RoomMetadata, map[id.RoomID]store.LastMessage, map[id.RoomID]int, error) {
	var (
		meta     map[id.RoomID]store.RoomMetadata
		lastMsgs map[id.RoomID]store.LastMessage
		unread   map[id.RoomID]int

		metaErr, msgErr, unreadErr error
		wg                         sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		meta, metaErr = s.store.RoomMetadata(ctx, roomIDs)
	}()
	go func() {
		defer wg.Done()
		lastMsgs, msgErr = s.store.LastMessages(ctx, roomIDs)
	}()
	if withUnread {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unread, unreadErr = s.store.UnreadCounts(ctx, roomIDs, userID)
		}()
	}
	wg.Wait()
	for _, err := range []error{metaErr, msgErr, unreadErr} {
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to fetch room state: %w", err)
		}
	}
	return meta, lastMsgs, unread, nil
}

func (s *Service) assemble(ctx context.Context, userID id.UserID, roomIDs []id.RoomID, portalMap map[id.RoomID]portal.Info, warnings []string, search string, page, pageSize int) (*RoomList, error) {
	meta, lastMsgs, unread, err := s.fetchRoomState(ctx, roomIDs, userID, true)
	if err != nil {
		return nil, err
	}

	// Contact avatar fallback for small rooms without a room avatar.
	var noAvatarIDs []id.RoomID
	for _, rid := range roomIDs {
		m := meta[rid]
		if m.AvatarURL == "" && m.MemberCount <= smallRoomMemberLimit {
			noAvatarIDs = append(noAvatarIDs, rid)
		}
	}
	dmAvatars := map[id.RoomID]id.ContentURIString{}
	if len(noAvatarIDs) > 0 {
		dmAvatars, err = s.store.DMAvatars(ctx, noAvatarIDs, []id.UserID{userID})
		if err != nil {
			// Partial-result: listings still work without contact avatars.
			s.log.Warn().Err(err).Msg("Failed to fetch contact avatars")
			warnings = append(warnings, "contact avatars unavailable")
			dmAvatars = map[id.RoomID]id.ContentURIString{}
		}
	}

	rooms := make([]Room, 0, len(roomIDs))
	for _, rid := range roomIDs {
		m := meta[rid]
		var info *portal.Info
		if p, ok := portalMap[rid]; ok {
			info = &p
		}

		room := Room{
			RoomID:           rid,
			Name:             s.resolveName(ctx, rid, m, info, userID),
			AvatarURL:        m.AvatarURL,
			MemberCount:      m.MemberCount,
			UnreadCount:      unread[rid],
			CanSend:          true,
			ConnectionUserID: userID,
		}
		if room.AvatarURL == "" {
			room.AvatarURL = dmAvatars[rid]
		}
		if info != nil {
			room.Source = info.Source
			room.Type = info.Type
			room.RemoteID = info.RemoteID
		}
		if msg, ok := lastMsgs[rid]; ok {
			room.LastMessage = &LastMessage{
				SenderName: msg.Sender.String(),
				Body:       msg.Body,
				Timestamp:  msg.Timestamp,
			}
		}
		rooms = append(rooms, room)
	}

	rooms = filterSlice(rooms, func(r Room) bool { return !isSystemOnly(r) })
	if search != "" {
		q := strings.ToLower(search)
		rooms = filterSlice(rooms, func(r Room) bool {
			return strings.Contains(strings.ToLower(r.Name), q)
		})
	}
	sortRooms(rooms)

	total := len(rooms)
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	return &RoomList{
		Rooms:    rooms[start:end],
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		HasMore:  end < total,
		Warnings: warnings,
	}, nil
}

// resolveName walks the display name fallback chain: canonical room name,
// portal display name, contact display name for small rooms, synthesized
// contact label for numeric names, raw room id as last resort.
func (s *Service) resolveName(ctx context.Context, rid id.RoomID, meta store.RoomMetadata, info *portal.Info, userID id.UserID) string {
	name := meta.Name

	if (name == "" || isAllDigits(name)) && info != nil && info.DisplayName != "" {
		name = info.DisplayName
	}

	// Bridges that use remote user ids as room names leave DMs with a bare
	// number; the contact's member-state display name is usually better.
	if (name == "" || isAllDigits(name)) && meta.MemberCount <= smallRoomMemberLimit {
		members, err := s.store.MemberDisplayNames(ctx, rid, nil)
		if err != nil {
			s.log.Warn().Err(err).Stringer("room_id", rid).Msg("Failed to resolve member display names")
		}
		for _, member := range members {
			if member.UserID == userID {
				continue
			}
			if member.DisplayName != "" && !isAllDigits(member.DisplayName) {
				name = member.DisplayName
				break
			}
		}
	}

	if name != "" && isAllDigits(name) && info != nil {
		name = "Контакт #" + name
	} else if name == "" {
		name = rid.String()
	}
	return name
}

// isSystemOnly reports whether a room has no real conversation: no last
// message, an empty body, or a body matching the system/promo denylist.
func isSystemOnly(room Room) bool {
	if room.LastMessage == nil {
		return true
	}
	body := strings.ToLower(strings.TrimSpace(room.LastMessage.Body))
	if body == "" {
		return true
	}
	for _, pattern := range systemMessagePatterns {
		if strings.Contains(body, pattern) {
			return true
		}
	}
	return false
}

// sortRooms orders by descending last-message timestamp (rooms without one
// sort as zero, i.e. last), breaking ties by case-insensitive name.
func sortRooms(rooms []Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		var tsI, tsJ int64
		if rooms[i].LastMessage != nil {
			tsI = rooms[i].LastMessage.Timestamp
		}
		if rooms[j].LastMessage != nil {
			tsJ = rooms[j].LastMessage.Timestamp
		}
		if tsI != tsJ {
			return tsI > tsJ
		}
		return strings.ToLower(rooms[i].Name) < strings.ToLower(rooms[j].Name)
	})
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func filterRooms(roomIDs []id.RoomID, keep func(id.RoomID) bool) []id.RoomID {
	out := roomIDs[:0:0]
	for _, rid := range roomIDs {
		if keep(rid) {
			out = append(out, rid)
		}
	}
	return out
}

func filterSlice(rooms []Room, keep func(Room) bool) []Room {
	out := rooms[:0:0]
	for _, r := range rooms {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}
