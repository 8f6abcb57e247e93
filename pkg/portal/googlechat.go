package portal

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// GoogleChatAdapter reads the mautrix-googlechat (Python, legacy) schema.
// The schema has no type column: a portal with other_user_id set is a DM,
// everything else is a Google Chat space, i.e. a group.
type GoogleChatAdapter struct {
	db *dbutil.Database
}

func NewGoogleChatAdapter(db *dbutil.Database) Adapter {
	return &GoogleChatAdapter{db: db}
}

func (ga *GoogleChatAdapter) Slug() string {
	return "googlechat"
}

const googlechatPortalsQuery = `
	SELECT p.mxid, p.gcid, p.other_user_id, COALESCE(p.name, '')
	FROM portal p
	WHERE p.mxid = ANY($1)
`

const googlechatUserPortalsQuery = `
	SELECT p.mxid, p.gcid, p.other_user_id, COALESCE(p.name, '')
	FROM portal p
	WHERE p.mxid IS NOT NULL
	  AND (p.gc_receiver = '' OR p.gc_receiver = $1)
`

func (ga *GoogleChatAdapter) scanPortals(rows dbutil.Rows) ([]Info, error) {
	var portals []Info
	for rows.Next() {
		var mxid, remoteID, displayName string
		var otherUserID sql.NullString
		if err := rows.Scan(&mxid, &remoteID, &otherUserID, &displayName); err != nil {
			return nil, fmt.Errorf("failed to scan googlechat portal: %w", err)
		}
		roomType := RoomTypeGroup
		if otherUserID.Valid && otherUserID.String != "" {
			roomType = RoomTypeDM
		}
		portals = append(portals, Info{
			RoomID:      id.RoomID(mxid),
			RemoteID:    remoteID,
			Type:        roomType,
			Source:      ga.Slug(),
			DisplayName: displayName,
		})
	}
	return portals, rows.Err()
}

func (ga *GoogleChatAdapter) Portals(ctx context.Context, roomIDs []id.RoomID) ([]Info, error) {
	rows, err := ga.db.Query(ctx, googlechatPortalsQuery, pq.Array(roomIDStrings(roomIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to query googlechat portals: %w", err)
	}
	defer rows.Close()
	return ga.scanPortals(rows)
}

func (ga *GoogleChatAdapter) UserPortals(ctx context.Context, userID id.UserID) ([]Info, error) {
	rows, err := ga.db.Query(ctx, googlechatUserPortalsQuery, userID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query googlechat user portals: %w", err)
	}
	defer rows.Close()
	return ga.scanPortals(rows)
}
