package portal

import (
	"context"
	"database/sql"
	"fmt"
	"unicode"

	"github.com/lib/pq"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// MaxAdapter reads the mautrix-max schema. Max only bridges direct chats, so
// every portal is a DM. The portal name is surfaced as a display name unless
// it is just the remote user's numeric id.
type MaxAdapter struct {
	db *dbutil.Database
}

func NewMaxAdapter(db *dbutil.Database) Adapter {
	return &MaxAdapter{db: db}
}

func (ma *MaxAdapter) Slug() string {
	return "max"
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

const maxPortalsQuery = `
	SELECT p.mxid, p.max_chat_id::text, p.name
	FROM portal p
	WHERE p.mxid = ANY($1)
`

const maxUserPortalsQuery = `
	SELECT p.mxid, p.max_chat_id::text, p.name
	FROM portal p
	WHERE p.mxid IS NOT NULL
	  AND EXISTS (SELECT 1 FROM "user" u WHERE u.mxid = $1)
`

func (ma *MaxAdapter) scanPortals(rows dbutil.Rows) ([]Info, error) {
	var portals []Info
	for rows.Next() {
		var mxid, remoteID string
		var name sql.NullString
		if err := rows.Scan(&mxid, &remoteID, &name); err != nil {
			return nil, fmt.Errorf("failed to scan max portal: %w", err)
		}
		info := Info{
			RoomID:   id.RoomID(mxid),
			RemoteID: remoteID,
			Type:     RoomTypeDM,
			Source:   ma.Slug(),
		}
		if name.Valid && name.String != "" && !isAllDigits(name.String) {
			info.DisplayName = name.String
		}
		portals = append(portals, info)
	}
	return portals, rows.Err()
}

func (ma *MaxAdapter) Portals(ctx context.Context, roomIDs []id.RoomID) ([]Info, error) {
	rows, err := ma.db.Query(ctx, maxPortalsQuery, pq.Array(roomIDStrings(roomIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to query max portals: %w", err)
	}
	defer rows.Close()
	return ma.scanPortals(rows)
}

func (ma *MaxAdapter) UserPortals(ctx context.Context, userID id.UserID) ([]Info, error) {
	rows, err := ma.db.Query(ctx, maxUserPortalsQuery, userID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query max user portals: %w", err)
	}
	defer rows.Close()
	return ma.scanPortals(rows)
}
