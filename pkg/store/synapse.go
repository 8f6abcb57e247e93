package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// DefaultMemberExcludePatterns filters out connection puppets and bridge
// bots when resolving member display names for DM naming.
var DefaultMemberExcludePatterns = []string{"@conn-%", "%bot:%"}

// SynapseDB implements Client against a Synapse PostgreSQL database. It
// reads Synapse's precomputed stats tables where possible and falls back to
// events + event_json for message content.
type SynapseDB struct {
	db  *dbutil.Database
	log zerolog.Logger
}

var _ Client = (*SynapseDB)(nil)

func NewSynapseDB(db *dbutil.Database, log zerolog.Logger) *SynapseDB {
	return &SynapseDB{
		db:  db,
		log: log.With().Str("component", "synapse_db").Logger(),
	}
}

func (s *SynapseDB) Ping(ctx context.Context) error {
	return s.db.RawDB.PingContext(ctx)
}

const joinedRoomsQuery = `
	SELECT room_id
	FROM local_current_membership
	WHERE user_id = $1
	  AND membership = $2
	ORDER BY room_id
`

func (s *SynapseDB) roomsByMembership(ctx context.Context, userID id.UserID, membership string) ([]id.RoomID, error) {
	rows, err := s.db.Query(ctx, joinedRoomsQuery, userID.String(), membership)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s rooms: %w", membership, err)
	}
	defer rows.Close()
	var roomIDs []id.RoomID
	for rows.Next() {
		var rid string
		if err = rows.Scan(&rid); err != nil {
			return nil, err
		}
		roomIDs = append(roomIDs, id.RoomID(rid))
	}
	return roomIDs, rows.Err()
}

// JoinedRooms uses local_current_membership, which stores exactly one row
// per (room, user) with the current membership, avoiding duplicates from
// historical membership events.
func (s *SynapseDB) JoinedRooms(ctx context.Context, userID id.UserID) ([]id.RoomID, error) {
	return s.roomsByMembership(ctx, userID, "join")
}

func (s *SynapseDB) InvitedRooms(ctx context.Context, userID id.UserID) ([]id.RoomID, error) {
	return s.roomsByMembership(ctx, userID, "invite")
}

const roomMetadataQuery = `
	SELECT
		r.room_id,
		rss.name,
		rss.avatar,
		COALESCE(rsc.joined_members, 0)
	FROM rooms r
	LEFT JOIN room_stats_state rss ON rss.room_id = r.room_id
	LEFT JOIN room_stats_current rsc ON rsc.room_id = r.room_id
	WHERE r.room_id = ANY($1)
`

// RoomMetadata reads Synapse's precomputed room_stats tables instead of
// scanning state events, which is both faster and more reliable.
func (s *SynapseDB) RoomMetadata(ctx context.Context, roomIDs []id.RoomID) (map[id.RoomID]RoomMetadata, error) {
	if len(roomIDs) == 0 {
		return map[id.RoomID]RoomMetadata{}, nil
	}
	rows, err := s.db.Query(ctx, roomMetadataQuery, pq.Array(roomIDsToStrings(roomIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to query room metadata: %w", err)
	}
	defer rows.Close()
	result := make(map[id.RoomID]RoomMetadata, len(roomIDs))
	for rows.Next() {
		var rid string
		var name, avatar sql.NullString
		var memberCount int
		if err = rows.Scan(&rid, &name, &avatar, &memberCount); err != nil {
			return nil, err
		}
		result[id.RoomID(rid)] = RoomMetadata{
			Name:        name.String,
			AvatarURL:   id.ContentURIString(avatar.String),
			MemberCount: memberCount,
		}
	}
	return result, rows.Err()
}

const lastMessagesQuery = `
	SELECT DISTINCT ON (e.room_id)
		e.room_id,
		e.sender,
		e.origin_server_ts,
		ej.json::json->'content'->>'body',
		ej.json::json->'content'->>'msgtype'
	FROM events e
	JOIN event_json ej ON ej.event_id = e.event_id
	WHERE e.room_id = ANY($1)
	  AND e.type = 'm.room.message'
	  AND e.outlier = false
	ORDER BY e.room_id, e.origin_server_ts DESC
`

// mediaPlaceholder substitutes a readable preview for media messages whose
// body is empty.
func mediaPlaceholder(msgtype event.MessageType) string {
	switch msgtype {
	case event.MsgImage:
		return "[Image]"
	case event.MsgFile:
		return "[File]"
	case event.MsgVideo:
		return "[Video]"
	case event.MsgAudio:
		return "[Audio]"
	default:
		return ""
	}
}

func (s *SynapseDB) LastMessages(ctx context.Context, roomIDs []id.RoomID) (map[id.RoomID]LastMessage, error) {
	if len(roomIDs) == 0 {
		return map[id.RoomID]LastMessage{}, nil
	}
	rows, err := s.db.Query(ctx, lastMessagesQuery, pq.Array(roomIDsToStrings(roomIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to query last messages: %w", err)
	}
	defer rows.Close()
	result := make(map[id.RoomID]LastMessage, len(roomIDs))
	for rows.Next() {
		var rid, sender string
		var ts int64
		var body, msgtype sql.NullString
		if err = rows.Scan(&rid, &sender, &ts, &body, &msgtype); err != nil {
			return nil, err
		}
		text := body.String
		if text == "" {
			text = mediaPlaceholder(event.MessageType(msgtype.String))
		}
		result[id.RoomID(rid)] = LastMessage{
			Sender:    id.UserID(sender),
			Body:      text,
			Timestamp: ts,
		}
	}
	return result, rows.Err()
}

const unreadCountsQuery = `
	SELECT
		e.room_id,
		COUNT(*)
	FROM events e
	WHERE e.room_id = ANY($1)
	  AND e.type = 'm.room.message'
	  AND e.outlier = false
	  AND e.origin_server_ts > COALESCE(
	      (SELECT MAX(e2.origin_server_ts)
	       FROM receipts_linearized rl
	       JOIN events e2 ON e2.event_id = rl.event_id
	       WHERE rl.room_id = e.room_id
	         AND rl.user_id = $2
	         AND rl.receipt_type = 'm.read'),
	      0
	  )
	  AND e.sender != $2
	GROUP BY e.room_id
`

// UnreadCounts counts messages from other senders past the user's last
// m.read receipt marker.
func (s *SynapseDB) UnreadCounts(ctx context.Context, roomIDs []id.RoomID, userID id.UserID) (map[id.RoomID]int, error) {
	if len(roomIDs) == 0 {
		return map[id.RoomID]int{}, nil
	}
	rows, err := s.db.Query(ctx, unreadCountsQuery, pq.Array(roomIDsToStrings(roomIDs)), userID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query unread counts: %w", err)
	}
	defer rows.Close()
	result := make(map[id.RoomID]int, len(roomIDs))
	for rows.Next() {
		var rid string
		var unread int
		if err = rows.Scan(&rid, &unread); err != nil {
			return nil, err
		}
		result[id.RoomID(rid)] = unread
	}
	return result, rows.Err()
}

// MemberDisplayNames resolves joined members' display names from member
// state events. A nil excludePatterns applies DefaultMemberExcludePatterns.
func (s *SynapseDB) MemberDisplayNames(ctx context.Context, roomID id.RoomID, excludePatterns []string) ([]Member, error) {
	if excludePatterns == nil {
		excludePatterns = DefaultMemberExcludePatterns
	}
	var query strings.Builder
	query.WriteString(`
		SELECT rm.user_id,
		       COALESCE(
		           (SELECT ej.json::json->'content'->>'displayname'
		            FROM events e
		            JOIN event_json ej ON ej.event_id = e.event_id
		            WHERE e.room_id = rm.room_id
		              AND e.type = 'm.room.member'
		              AND e.state_key = rm.user_id
		            ORDER BY e.origin_server_ts DESC
		            LIMIT 1),
		           rm.user_id
		       )
		FROM room_memberships rm
		WHERE rm.room_id = $1
		  AND rm.membership = 'join'
	`)
	params := []any{roomID.String()}
	for i, pattern := range excludePatterns {
		fmt.Fprintf(&query, " AND rm.user_id NOT LIKE $%d", i+2)
		params = append(params, pattern)
	}
	rows, err := s.db.Query(ctx, query.String(), params...)
	if err != nil {
		return nil, fmt.Errorf("failed to query member display names: %w", err)
	}
	defer rows.Close()
	var members []Member
	for rows.Next() {
		var uid, displayName string
		if err = rows.Scan(&uid, &displayName); err != nil {
			return nil, err
		}
		members = append(members, Member{UserID: id.UserID(uid), DisplayName: displayName})
	}
	return members, rows.Err()
}

// DMAvatars picks, per room, the newest joined member avatar excluding the
// given users and @conn-* puppets. Used as an avatar fallback for small
// rooms without a room avatar.
func (s *SynapseDB) DMAvatars(ctx context.Context, roomIDs []id.RoomID, excludeUsers []id.UserID) (map[id.RoomID]id.ContentURIString, error) {
	if len(roomIDs) == 0 {
		return map[id.RoomID]id.ContentURIString{}, nil
	}
	params := []any{pq.Array(roomIDsToStrings(roomIDs))}
	var exclude strings.Builder
	idx := 2
	for _, uid := range excludeUsers {
		fmt.Fprintf(&exclude, " AND e.state_key != $%d", idx)
		params = append(params, uid.String())
		idx++
	}
	fmt.Fprintf(&exclude, " AND e.state_key NOT LIKE $%d", idx)
	params = append(params, "@conn-%")

	query := fmt.Sprintf(`
		SELECT DISTINCT ON (e.room_id)
			e.room_id,
			ej.json::json->'content'->>'avatar_url'
		FROM events e
		JOIN event_json ej ON ej.event_id = e.event_id
		WHERE e.room_id = ANY($1)
		  AND e.type = 'm.room.member'
		  AND ej.json::json->'content'->>'membership' = 'join'
		  AND ej.json::json->'content'->>'avatar_url' IS NOT NULL
		  AND ej.json::json->'content'->>'avatar_url' != ''
		  %s
		ORDER BY e.room_id, e.origin_server_ts DESC
	`, exclude.String())

	rows, err := s.db.Query(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dm avatars: %w", err)
	}
	defer rows.Close()
	result := make(map[id.RoomID]id.ContentURIString, len(roomIDs))
	for rows.Next() {
		var rid, avatar string
		if err = rows.Scan(&rid, &avatar); err != nil {
			return nil, err
		}
		result[id.RoomID(rid)] = id.ContentURIString(avatar)
	}
	return result, rows.Err()
}

const messageColumns = `
	e.event_id,
	e.sender,
	e.origin_server_ts,
	e.stream_ordering,
	ej.json::json->'content'->>'msgtype',
	ej.json::json->'content'->>'body',
	ej.json::json->'content'->>'url',
	ej.json::json->'content'->'info'->>'thumbnail_url',
	ej.json::json->'content'->>'filename',
	ej.json::json->'content'->'info'->>'size',
	ej.json::json->'content'->'m.relates_to'->'m.in_reply_to'->>'event_id'
`

func scanRawMessage(rows dbutil.Rows) (RawMessage, error) {
	var msg RawMessage
	var eventID, sender string
	var msgtype, body, mediaURL, thumbnailURL, fileName, fileSize, replyTo sql.NullString
	err := rows.Scan(
		&eventID, &sender, &msg.Timestamp, &msg.StreamOrdering,
		&msgtype, &body, &mediaURL, &thumbnailURL, &fileName, &fileSize, &replyTo,
	)
	if err != nil {
		return msg, fmt.Errorf("failed to scan message row: %w", err)
	}
	msg.EventID = id.EventID(eventID)
	msg.Sender = id.UserID(sender)
	msg.Type = event.MsgText
	if msgtype.String != "" {
		msg.Type = event.MessageType(msgtype.String)
	}
	msg.Body = body.String
	msg.MediaURL = id.ContentURIString(mediaURL.String)
	msg.ThumbnailURL = id.ContentURIString(thumbnailURL.String)
	msg.FileName = fileName.String
	if fileSize.Valid {
		// Synapse stores info.size as JSON number, but bridges occasionally
		// write it as a string; tolerate both and drop garbage.
		if size, parseErr := strconv.ParseInt(fileSize.String, 10, 64); parseErr == nil {
			msg.FileSize = size
		}
	}
	msg.ReplyTo = id.EventID(replyTo.String)
	return msg, nil
}

// Messages does keyset pagination over one room's visible messages.
// Before-pages are fetched newest-first and reversed so the returned slice
// is always in chronological order.
func (s *SynapseDB) Messages(ctx context.Context, q MessageQuery) ([]RawMessage, error) {
	params := []any{q.RoomID.String()}
	var whereExtra strings.Builder
	idx := 2
	if q.Before > 0 {
		fmt.Fprintf(&whereExtra, " AND e.stream_ordering < $%d", idx)
		params = append(params, q.Before)
		idx++
	}
	if q.After > 0 {
		fmt.Fprintf(&whereExtra, " AND e.stream_ordering > $%d", idx)
		params = append(params, q.After)
		idx++
	}
	order := "DESC"
	if q.After > 0 {
		order = "ASC"
	}
	params = append(params, q.Limit)

	query := fmt.Sprintf(`
		SELECT %s
		FROM events e
		JOIN event_json ej ON ej.event_id = e.event_id
		WHERE e.room_id = $1
		  AND e.type = 'm.room.message'
		  AND e.outlier = false
		  AND NOT EXISTS (SELECT 1 FROM redactions r WHERE r.redacts = e.event_id)
		  %s
		ORDER BY e.stream_ordering %s
		LIMIT $%d
	`, messageColumns, whereExtra.String(), order, idx)

	rows, err := s.db.Query(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	var messages []RawMessage
	for rows.Next() {
		msg, err := scanRawMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if order == "DESC" {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, nil
}

const senderProfilesQuery = `
	SELECT DISTINCT ON (e.state_key)
		e.state_key,
		ej.json::json->'content'->>'displayname',
		ej.json::json->'content'->>'avatar_url'
	FROM events e
	JOIN event_json ej ON ej.event_id = e.event_id
	WHERE e.room_id = $1
	  AND e.type = 'm.room.member'
	  AND e.state_key = ANY($2)
	ORDER BY e.state_key, e.origin_server_ts DESC
`

func (s *SynapseDB) SenderProfiles(ctx context.Context, roomID id.RoomID, userIDs []id.UserID) (map[id.UserID]Profile, error) {
	if len(userIDs) == 0 {
		return map[id.UserID]Profile{}, nil
	}
	userStrs := make([]string, len(userIDs))
	for i, uid := range userIDs {
		userStrs[i] = uid.String()
	}
	rows, err := s.db.Query(ctx, senderProfilesQuery, roomID.String(), pq.Array(userStrs))
	if err != nil {
		return nil, fmt.Errorf("failed to query sender profiles: %w", err)
	}
	defer rows.Close()
	result := make(map[id.UserID]Profile, len(userIDs))
	for rows.Next() {
		var uid string
		var displayName, avatar sql.NullString
		if err = rows.Scan(&uid, &displayName, &avatar); err != nil {
			return nil, err
		}
		name := displayName.String
		if name == "" {
			name = uid
		}
		result[id.UserID(uid)] = Profile{
			DisplayName: name,
			AvatarURL:   id.ContentURIString(avatar.String),
		}
	}
	return result, rows.Err()
}

const reactionsQuery = `
	SELECT
		ej.json::json->'content'->'m.relates_to'->>'event_id',
		ej.json::json->'content'->'m.relates_to'->>'key',
		e.sender
	FROM events e
	JOIN event_json ej ON ej.event_id = e.event_id
	WHERE e.room_id = $1
	  AND e.type = 'm.reaction'
	  AND e.outlier = false
	  AND ej.json::json->'content'->'m.relates_to'->>'rel_type' = 'm.annotation'
	  AND ej.json::json->'content'->'m.relates_to'->>'event_id' = ANY($2)
	  AND NOT EXISTS (SELECT 1 FROM redactions r WHERE r.redacts = e.event_id)
`

// Reactions aggregates unredacted m.annotation reactions per target event
// and emoji key.
func (s *SynapseDB) Reactions(ctx context.Context, roomID id.RoomID, eventIDs []id.EventID) (map[id.EventID][]Reaction, error) {
	if len(eventIDs) == 0 {
		return map[id.EventID][]Reaction{}, nil
	}
	rows, err := s.db.Query(ctx, reactionsQuery, roomID.String(), pq.Array(eventIDsToStrings(eventIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to query reactions: %w", err)
	}
	defer rows.Close()

	type reactionKey struct {
		target id.EventID
		key    string
	}
	senders := make(map[reactionKey][]id.UserID)
	var keyOrder []reactionKey
	for rows.Next() {
		var target, key, sender sql.NullString
		if err = rows.Scan(&target, &key, &sender); err != nil {
			return nil, err
		}
		if target.String == "" || key.String == "" {
			continue
		}
		rk := reactionKey{target: id.EventID(target.String), key: key.String}
		if _, seen := senders[rk]; !seen {
			keyOrder = append(keyOrder, rk)
		}
		senders[rk] = append(senders[rk], id.UserID(sender.String))
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	result := make(map[id.EventID][]Reaction)
	for _, rk := range keyOrder {
		result[rk.target] = append(result[rk.target], Reaction{
			Key:     rk.key,
			Count:   len(senders[rk]),
			Senders: senders[rk],
		})
	}
	return result, nil
}

const editsQuery = `
	SELECT DISTINCT ON (ej.json::json->'content'->'m.relates_to'->>'event_id')
		ej.json::json->'content'->'m.relates_to'->>'event_id',
		ej.json::json->'content'->'m.new_content'->>'body',
		e.origin_server_ts
	FROM events e
	JOIN event_json ej ON ej.event_id = e.event_id
	WHERE e.room_id = $1
	  AND e.type = 'm.room.message'
	  AND e.outlier = false
	  AND ej.json::json->'content'->'m.relates_to'->>'rel_type' = 'm.replace'
	  AND ej.json::json->'content'->'m.relates_to'->>'event_id' = ANY($2)
	  AND NOT EXISTS (SELECT 1 FROM redactions r WHERE r.redacts = e.event_id)
	ORDER BY ej.json::json->'content'->'m.relates_to'->>'event_id', e.origin_server_ts DESC
`

// Edits returns the newest m.replace content per target event.
func (s *SynapseDB) Edits(ctx context.Context, roomID id.RoomID, eventIDs []id.EventID) (map[id.EventID]Edit, error) {
	if len(eventIDs) == 0 {
		return map[id.EventID]Edit{}, nil
	}
	rows, err := s.db.Query(ctx, editsQuery, roomID.String(), pq.Array(eventIDsToStrings(eventIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to query edits: %w", err)
	}
	defer rows.Close()
	result := make(map[id.EventID]Edit)
	for rows.Next() {
		var target, body sql.NullString
		var ts int64
		if err = rows.Scan(&target, &body, &ts); err != nil {
			return nil, err
		}
		if target.String == "" {
			continue
		}
		result[id.EventID(target.String)] = Edit{Body: body.String, Timestamp: ts}
	}
	return result, rows.Err()
}

// NewMessages returns messages strictly after the given stream ordering, in
// ascending order, excluding redacted messages and edit (m.replace) events.
func (s *SynapseDB) NewMessages(ctx context.Context, roomID id.RoomID, since int64, limit int) ([]RawMessage, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM events e
		JOIN event_json ej ON ej.event_id = e.event_id
		WHERE e.room_id = $1
		  AND e.stream_ordering > $2
		  AND e.type = 'm.room.message'
		  AND e.outlier = false
		  AND NOT EXISTS (SELECT 1 FROM redactions r WHERE r.redacts = e.event_id)
		  AND (ej.json::json->'content'->'m.relates_to'->>'rel_type' IS NULL
		       OR ej.json::json->'content'->'m.relates_to'->>'rel_type' != 'm.replace')
		ORDER BY e.stream_ordering ASC
		LIMIT $3
	`, messageColumns)
	rows, err := s.db.Query(ctx, query, roomID.String(), since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query new messages: %w", err)
	}
	defer rows.Close()
	var messages []RawMessage
	for rows.Next() {
		msg, err := scanRawMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

const newReactionsQuery = `
	SELECT
		e.event_id,
		e.sender,
		e.stream_ordering,
		ej.json::json->'content'->'m.relates_to'->>'event_id',
		ej.json::json->'content'->'m.relates_to'->>'key'
	FROM events e
	JOIN event_json ej ON ej.event_id = e.event_id
	WHERE e.room_id = $1
	  AND e.stream_ordering > $2
	  AND e.type = 'm.reaction'
	  AND e.outlier = false
	  AND ej.json::json->'content'->'m.relates_to'->>'rel_type' = 'm.annotation'
	  AND NOT EXISTS (SELECT 1 FROM redactions r WHERE r.redacts = e.event_id)
	ORDER BY e.stream_ordering ASC
`

func (s *SynapseDB) NewReactions(ctx context.Context, roomID id.RoomID, since int64) ([]ReactionEvent, error) {
	rows, err := s.db.Query(ctx, newReactionsQuery, roomID.String(), since)
	if err != nil {
		return nil, fmt.Errorf("failed to query new reactions: %w", err)
	}
	defer rows.Close()
	var reactions []ReactionEvent
	for rows.Next() {
		var eventID, sender string
		var streamOrdering int64
		var target, key sql.NullString
		if err = rows.Scan(&eventID, &sender, &streamOrdering, &target, &key); err != nil {
			return nil, err
		}
		if target.String == "" || key.String == "" {
			continue
		}
		reactions = append(reactions, ReactionEvent{
			EventID:        id.EventID(eventID),
			TargetEventID:  id.EventID(target.String),
			Key:            key.String,
			Sender:         id.UserID(sender),
			StreamOrdering: streamOrdering,
		})
	}
	return reactions, rows.Err()
}

const newEditsQuery = `
	SELECT
		e.stream_ordering,
		e.origin_server_ts,
		ej.json::json->'content'->'m.relates_to'->>'event_id',
		ej.json::json->'content'->'m.new_content'->>'body'
	FROM events e
	JOIN event_json ej ON ej.event_id = e.event_id
	WHERE e.room_id = $1
	  AND e.stream_ordering > $2
	  AND e.type = 'm.room.message'
	  AND e.outlier = false
	  AND ej.json::json->'content'->'m.relates_to'->>'rel_type' = 'm.replace'
	  AND NOT EXISTS (SELECT 1 FROM redactions r WHERE r.redacts = e.event_id)
	ORDER BY e.stream_ordering ASC
`

func (s *SynapseDB) NewEdits(ctx context.Context, roomID id.RoomID, since int64) ([]EditEvent, error) {
	rows, err := s.db.Query(ctx, newEditsQuery, roomID.String(), since)
	if err != nil {
		return nil, fmt.Errorf("failed to query new edits: %w", err)
	}
	defer rows.Close()
	var edits []EditEvent
	for rows.Next() {
		var streamOrdering, ts int64
		var target, body sql.NullString
		if err = rows.Scan(&streamOrdering, &ts, &target, &body); err != nil {
			return nil, err
		}
		if target.String == "" {
			continue
		}
		edits = append(edits, EditEvent{
			TargetEventID:  id.EventID(target.String),
			Body:           body.String,
			Timestamp:      ts,
			StreamOrdering: streamOrdering,
		})
	}
	return edits, rows.Err()
}

const newRedactionsQuery = `
	WITH new_redactions AS (
		SELECT
			e.stream_ordering,
			COALESCE(
				(SELECT r.redacts FROM redactions r
				 WHERE r.event_id = e.event_id LIMIT 1),
				ej.json::json->'content'->>'redacts'
			) AS redacted_event_id
		FROM events e
		JOIN event_json ej ON ej.event_id = e.event_id
		WHERE e.room_id = $1
		  AND e.stream_ordering > $2
		  AND e.type = 'm.room.redaction'
		  AND e.outlier = false
	)
	SELECT
		nr.stream_ordering,
		nr.redacted_event_id,
		COALESCE(re.type, ''),
		COALESCE(re.sender, ''),
		CASE WHEN re.type = 'm.reaction' THEN
			rej.json::json->'content'->'m.relates_to'->>'event_id'
		END,
		CASE WHEN re.type = 'm.reaction' THEN
			rej.json::json->'content'->'m.relates_to'->>'key'
		END
	FROM new_redactions nr
	LEFT JOIN events re ON re.event_id = nr.redacted_event_id
	LEFT JOIN event_json rej
		ON rej.event_id = nr.redacted_event_id
		AND re.type = 'm.reaction'
	WHERE nr.redacted_event_id IS NOT NULL
	ORDER BY nr.stream_ordering ASC
`

// NewRedactions classifies each new redaction as a message or reaction
// removal. Reaction removals carry the target message, key and sender so
// the consumer can drop the specific reaction.
func (s *SynapseDB) NewRedactions(ctx context.Context, roomID id.RoomID, since int64) ([]RedactionEvent, error) {
	rows, err := s.db.Query(ctx, newRedactionsQuery, roomID.String(), since)
	if err != nil {
		return nil, fmt.Errorf("failed to query new redactions: %w", err)
	}
	defer rows.Close()
	var redactions []RedactionEvent
	for rows.Next() {
		var streamOrdering int64
		var redactedID, redactedType, redactedSender string
		var target, key sql.NullString
		if err = rows.Scan(&streamOrdering, &redactedID, &redactedType, &redactedSender, &target, &key); err != nil {
			return nil, err
		}
		evt := RedactionEvent{
			RedactedEventID: id.EventID(redactedID),
			StreamOrdering:  streamOrdering,
			Kind:            RedactedMessage,
		}
		if redactedType == "m.reaction" {
			evt.Kind = RedactedReaction
			evt.TargetEventID = id.EventID(target.String)
			evt.Key = key.String
			evt.Sender = id.UserID(redactedSender)
		}
		redactions = append(redactions, evt)
	}
	return redactions, rows.Err()
}

const countMessagesQuery = `
	SELECT e.room_id, e.sender, COUNT(*)
	FROM events e
	WHERE e.type = 'm.room.message'
	  AND e.outlier = false
	  AND e.origin_server_ts >= $1
	  AND e.origin_server_ts < $2
	GROUP BY e.room_id, e.sender
`

func (s *SynapseDB) CountMessagesByRoomSender(ctx context.Context, startTS, endTS int64) ([]SenderCount, error) {
	rows, err := s.db.Query(ctx, countMessagesQuery, startTS, endTS)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	defer rows.Close()
	var counts []SenderCount
	for rows.Next() {
		var rid, sender string
		var count int
		if err = rows.Scan(&rid, &sender, &count); err != nil {
			return nil, err
		}
		counts = append(counts, SenderCount{
			RoomID: id.RoomID(rid),
			Sender: id.UserID(sender),
			Count:  count,
		})
	}
	return counts, rows.Err()
}

func roomIDsToStrings(roomIDs []id.RoomID) []string {
	out := make([]string, len(roomIDs))
	for i, rid := range roomIDs {
		out[i] = rid.String()
	}
	return out
}

func eventIDsToStrings(eventIDs []id.EventID) []string {
	out := make([]string, len(eventIDs))
	for i, eid := range eventIDs {
		out[i] = eid.String()
	}
	return out
}
