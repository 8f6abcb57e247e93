package portal

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// DiscordAdapter reads the mautrix-discord (Go, legacy) schema with numeric
// Discord channel type codes in portal.type.
type DiscordAdapter struct {
	db *dbutil.Database
}

func NewDiscordAdapter(db *dbutil.Database) Adapter {
	return &DiscordAdapter{db: db}
}

func (da *DiscordAdapter) Slug() string {
	return "discord"
}

// discordRoomType maps Discord channel types (0=guild text, 1=DM,
// 2=guild voice, 3=group DM, ...) to the canonical enum. Anything that is
// not a DM variant is a guild channel.
func discordRoomType(dcType sql.NullInt32) RoomType {
	if !dcType.Valid {
		return RoomTypeChannel
	}
	switch dcType.Int32 {
	case 1:
		return RoomTypeDM
	case 3:
		return RoomTypeGroup
	default:
		return RoomTypeChannel
	}
}

const discordPortalsQuery = `
	SELECT p.mxid, p.dcid, p.type, COALESCE(p.plain_name, '')
	FROM portal p
	WHERE p.mxid = ANY($1)
`

const discordUserPortalsQuery = `
	SELECT p.mxid, p.dcid, p.type, COALESCE(p.plain_name, '')
	FROM portal p
	WHERE p.mxid IS NOT NULL
	  AND (p.receiver = '' OR p.receiver = $1)
`

func (da *DiscordAdapter) scanPortals(rows dbutil.Rows) ([]Info, error) {
	var portals []Info
	for rows.Next() {
		var mxid, remoteID, displayName string
		var dcType sql.NullInt32
		if err := rows.Scan(&mxid, &remoteID, &dcType, &displayName); err != nil {
			return nil, fmt.Errorf("failed to scan discord portal: %w", err)
		}
		portals = append(portals, Info{
			RoomID:      id.RoomID(mxid),
			RemoteID:    remoteID,
			Type:        discordRoomType(dcType),
			Source:      da.Slug(),
			DisplayName: displayName,
		})
	}
	return portals, rows.Err()
}

func (da *DiscordAdapter) Portals(ctx context.Context, roomIDs []id.RoomID) ([]Info, error) {
	rows, err := da.db.Query(ctx, discordPortalsQuery, pq.Array(roomIDStrings(roomIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to query discord portals: %w", err)
	}
	defer rows.Close()
	return da.scanPortals(rows)
}

func (da *DiscordAdapter) UserPortals(ctx context.Context, userID id.UserID) ([]Info, error) {
	rows, err := da.db.Query(ctx, discordUserPortalsQuery, userID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query discord user portals: %w", err)
	}
	defer rows.Close()
	return da.scanPortals(rows)
}
