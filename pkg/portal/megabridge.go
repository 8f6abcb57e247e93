package portal

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// MegabridgeAdapter covers the Go megabridge family (gmessages, facebook,
// instagram, twitter, gvoice). All of them share the bridgev2 portal schema:
// portal(id, receiver, mxid, room_type, name).
type MegabridgeAdapter struct {
	db   *dbutil.Database
	slug string
}

func NewMegabridgeAdapter(slug string) func(*dbutil.Database) Adapter {
	return func(db *dbutil.Database) Adapter {
		return &MegabridgeAdapter{db: db, slug: slug}
	}
}

func (mb *MegabridgeAdapter) Slug() string {
	return mb.slug
}

// megabridgeRoomType maps the bridgev2 room_type column to the canonical
// enum. Unknown or empty values default to dm.
func megabridgeRoomType(roomType string) RoomType {
	switch roomType {
	case "group", "community":
		return RoomTypeGroup
	case "channel", "broadcast", "newsletter":
		return RoomTypeChannel
	default:
		return RoomTypeDM
	}
}

const megabridgePortalsQuery = `
	SELECT p.mxid, p.id, COALESCE(p.room_type, ''), COALESCE(p.name, '')
	FROM portal p
	WHERE p.mxid = ANY($1)
`

const megabridgeUserPortalsQuery = `
	SELECT p.mxid, p.id, COALESCE(p.room_type, ''), COALESCE(p.name, '')
	FROM portal p
	WHERE p.mxid IS NOT NULL
	  AND (p.receiver = (SELECT id FROM "user" WHERE mxid = $1 LIMIT 1) OR p.receiver = '')
`

func (mb *MegabridgeAdapter) scanPortals(rows dbutil.Rows) ([]Info, error) {
	var portals []Info
	for rows.Next() {
		var mxid, remoteID, roomType, displayName string
		if err := rows.Scan(&mxid, &remoteID, &roomType, &displayName); err != nil {
			return nil, fmt.Errorf("failed to scan %s portal: %w", mb.slug, err)
		}
		portals = append(portals, Info{
			RoomID:      id.RoomID(mxid),
			RemoteID:    remoteID,
			Type:        megabridgeRoomType(roomType),
			Source:      mb.slug,
			DisplayName: displayName,
		})
	}
	return portals, rows.Err()
}

func (mb *MegabridgeAdapter) Portals(ctx context.Context, roomIDs []id.RoomID) ([]Info, error) {
	rows, err := mb.db.Query(ctx, megabridgePortalsQuery, pq.Array(roomIDStrings(roomIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s portals: %w", mb.slug, err)
	}
	defer rows.Close()
	return mb.scanPortals(rows)
}

func (mb *MegabridgeAdapter) UserPortals(ctx context.Context, userID id.UserID) ([]Info, error) {
	rows, err := mb.db.Query(ctx, megabridgeUserPortalsQuery, userID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query %s user portals: %w", mb.slug, err)
	}
	defer rows.Close()
	return mb.scanPortals(rows)
}
