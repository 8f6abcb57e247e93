package portal

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// TelegramAdapter reads the mautrix-telegram (Python) schema: portals are
// keyed by Telegram peer, DMs are scoped per receiving user through
// tg_receiver, and group membership lives in user_portal.
type TelegramAdapter struct {
	db *dbutil.Database
}

func NewTelegramAdapter(db *dbutil.Database) Adapter {
	return &TelegramAdapter{db: db}
}

func (ta *TelegramAdapter) Slug() string {
	return "telegram"
}

// telegramRoomType maps Telegram peer metadata to the canonical room type.
// Channels with the megagroup flag behave like groups and are reported as such.
func telegramRoomType(peerType string, megagroup, isBot bool) RoomType {
	switch peerType {
	case "user":
		if isBot {
			return RoomTypeBot
		}
		return RoomTypeDM
	case "chat":
		return RoomTypeGroup
	case "channel":
		if megagroup {
			return RoomTypeGroup
		}
		return RoomTypeChannel
	default:
		return RoomTypeDM
	}
}

const telegramPortalsQuery = `
	SELECT
		p.mxid,
		p.tgid::text,
		p.peer_type,
		p.megagroup,
		COALESCE(pu.is_bot, false)
	FROM portal p
	LEFT JOIN puppet pu ON p.peer_type = 'user' AND pu.id = p.tgid
	WHERE p.mxid = ANY($1)
`

const telegramUserPortalsQuery = `
	WITH tg_user AS (
		SELECT tgid FROM "user" WHERE mxid = $1
	)
	SELECT
		p.mxid,
		p.tgid::text,
		p.peer_type,
		p.megagroup,
		COALESCE(pu.is_bot, false)
	FROM portal p
	CROSS JOIN tg_user tu
	LEFT JOIN puppet pu ON p.peer_type = 'user' AND pu.id = p.tgid
	WHERE p.peer_type = 'user'
	  AND p.tg_receiver = tu.tgid
	  AND p.mxid IS NOT NULL

	UNION ALL

	SELECT
		p.mxid,
		p.tgid::text,
		p.peer_type,
		p.megagroup,
		false
	FROM user_portal up
	JOIN "user" u ON u.tgid = up."user"
	JOIN portal p ON p.tgid = up.portal AND p.tg_receiver = up.portal_receiver
	WHERE u.mxid = $1
	  AND p.mxid IS NOT NULL
`

func (ta *TelegramAdapter) scanPortals(rows dbutil.Rows) ([]Info, error) {
	var portals []Info
	for rows.Next() {
		var mxid, remoteID, peerType string
		var megagroup, isBot bool
		if err := rows.Scan(&mxid, &remoteID, &peerType, &megagroup, &isBot); err != nil {
			return nil, fmt.Errorf("failed to scan telegram portal: %w", err)
		}
		portals = append(portals, Info{
			RoomID:   id.RoomID(mxid),
			RemoteID: remoteID,
			Type:     telegramRoomType(peerType, megagroup, isBot),
			Source:   ta.Slug(),
		})
	}
	return portals, rows.Err()
}

func (ta *TelegramAdapter) Portals(ctx context.Context, roomIDs []id.RoomID) ([]Info, error) {
	rows, err := ta.db.Query(ctx, telegramPortalsQuery, pq.Array(roomIDStrings(roomIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to query telegram portals: %w", err)
	}
	defer rows.Close()
	return ta.scanPortals(rows)
}

func (ta *TelegramAdapter) UserPortals(ctx context.Context, userID id.UserID) ([]Info, error) {
	rows, err := ta.db.Query(ctx, telegramUserPortalsQuery, userID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query telegram user portals: %w", err)
	}
	defer rows.Close()
	return ta.scanPortals(rows)
}
