package rooms

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"

	"github.com/mergechat/chat-api/pkg/portal"
)

// LastMessage is the preview of a room's newest message.
type LastMessage struct {
	SenderName string `json:"sender_name,omitempty"`
	Body       string `json:"body"`
	Timestamp  int64  `json:"timestamp"`
}

// Room is the externally visible aggregate of canonical room state and
// bridge portal metadata. Built fresh on every request, never persisted.
type Room struct {
	RoomID           id.RoomID           `json:"room_id"`
	Name             string              `json:"name"`
	AvatarURL        id.ContentURIString `json:"avatar_mxc,omitempty"`
	Source           string              `json:"source,omitempty"`
	Type             portal.RoomType     `json:"room_type,omitempty"`
	RemoteID         string              `json:"remote_id,omitempty"`
	MemberCount      int                 `json:"members_count"`
	UnreadCount      int                 `json:"unread_count"`
	CanSend          bool                `json:"can_send"`
	LastMessage      *LastMessage        `json:"last_message,omitempty"`
	ConnectionUserID id.UserID           `json:"connection_user_id"`
}

// RoomList is one page of the room listing plus non-fatal warnings
// accumulated during the best-effort merge.
type RoomList struct {
	Rooms    []Room   `json:"rooms"`
	Total    int      `json:"total"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
	HasMore  bool     `json:"has_more"`
	Warnings []string `json:"warnings,omitempty"`
}

// OrphanedRoom is a joined room that no active source claims a portal for.
type OrphanedRoom struct {
	RoomID       id.RoomID `json:"room_id"`
	Name         string    `json:"name"`
	MemberCount  int       `json:"members_count"`
	LastActivity int64     `json:"last_activity"`
}

type OrphanedList struct {
	OrphanedRooms []OrphanedRoom `json:"orphaned_rooms"`
	Total         int            `json:"total"`
	TotalJoined   int            `json:"total_joined"`
	Warnings      []string       `json:"warnings,omitempty"`
}

// FilterRule is one per-source visibility rule for the preset-filtered
// listing. A room whose source has no rule is excluded entirely.
type FilterRule struct {
	Source       string `json:"source" yaml:"source"`
	ShowPrivate  bool   `json:"show_private" yaml:"show_private"`
	ShowGroups   bool   `json:"show_groups" yaml:"show_groups"`
	ShowChannels bool   `json:"show_channels" yaml:"show_channels"`
	ShowBots     bool   `json:"show_bots" yaml:"show_bots"`
}

type umFilterRule FilterRule

// UnmarshalJSON defaults every show flag to true so a rule only has to name
// the kinds it hides.
func (fr *FilterRule) UnmarshalJSON(data []byte) error {
	fr.ShowPrivate = true
	fr.ShowGroups = true
	fr.ShowChannels = true
	fr.ShowBots = true
	return json.Unmarshal(data, (*umFilterRule)(fr))
}

// UnmarshalYAML applies the same show-by-default semantics to config presets.
func (fr *FilterRule) UnmarshalYAML(node *yaml.Node) error {
	fr.ShowPrivate = true
	fr.ShowGroups = true
	fr.ShowChannels = true
	fr.ShowBots = true
	return node.Decode((*umFilterRule)(fr))
}

// Allows reports whether the rule shows rooms of the given type. Unknown
// types fall under the private flag.
func (fr *FilterRule) Allows(roomType portal.RoomType) bool {
	switch roomType {
	case portal.RoomTypeGroup:
		return fr.ShowGroups
	case portal.RoomTypeChannel:
		return fr.ShowChannels
	case portal.RoomTypeBot:
		return fr.ShowBots
	default:
		return fr.ShowPrivate
	}
}
