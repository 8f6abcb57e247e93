package portal

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// WhatsAppAdapter reads the mautrix-whatsapp megabridge schema (v0.11+):
// portal(id, receiver, mxid, room_type, ...). Older rows may have an empty
// room_type column, in which case the JID pattern decides the type.
type WhatsAppAdapter struct {
	db *dbutil.Database
}

func NewWhatsAppAdapter(db *dbutil.Database) Adapter {
	return &WhatsAppAdapter{db: db}
}

func (wa *WhatsAppAdapter) Slug() string {
	return "whatsapp"
}

// whatsappRoomType resolves the type from the room_type column, falling back
// to JID suffix patterns only when the column is absent or claims "dm".
func whatsappRoomType(chatJID, roomType string) RoomType {
	switch roomType {
	case "group", "community":
		return RoomTypeGroup
	case "channel", "newsletter", "broadcast":
		return RoomTypeChannel
	case "dm", "":
		if strings.Contains(chatJID, "@g.us") {
			return RoomTypeGroup
		}
		if strings.Contains(chatJID, "@newsletter") || strings.Contains(chatJID, "@broadcast") {
			return RoomTypeChannel
		}
		return RoomTypeDM
	default:
		return RoomTypeDM
	}
}

const whatsappPortalsQuery = `
	SELECT p.mxid, p.id, COALESCE(p.room_type, '')
	FROM portal p
	WHERE p.mxid = ANY($1)
`

const whatsappUserPortalsQuery = `
	SELECT p.mxid, p.id, COALESCE(p.room_type, '')
	FROM portal p
	WHERE p.mxid IS NOT NULL
	  AND (
	      p.receiver = (SELECT id FROM "user" WHERE mxid = $1 LIMIT 1)
	      OR p.receiver = ''
	  )
`

func (wa *WhatsAppAdapter) scanPortals(rows dbutil.Rows) ([]Info, error) {
	var portals []Info
	for rows.Next() {
		var mxid, remoteID, roomType string
		if err := rows.Scan(&mxid, &remoteID, &roomType); err != nil {
			return nil, fmt.Errorf("failed to scan whatsapp portal: %w", err)
		}
		portals = append(portals, Info{
			RoomID:   id.RoomID(mxid),
			RemoteID: remoteID,
			Type:     whatsappRoomType(remoteID, roomType),
			Source:   wa.Slug(),
		})
	}
	return portals, rows.Err()
}

func (wa *WhatsAppAdapter) Portals(ctx context.Context, roomIDs []id.RoomID) ([]Info, error) {
	rows, err := wa.db.Query(ctx, whatsappPortalsQuery, pq.Array(roomIDStrings(roomIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to query whatsapp portals: %w", err)
	}
	defer rows.Close()
	return wa.scanPortals(rows)
}

func (wa *WhatsAppAdapter) UserPortals(ctx context.Context, userID id.UserID) ([]Info, error) {
	rows, err := wa.db.Query(ctx, whatsappUserPortalsQuery, userID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query whatsapp user portals: %w", err)
	}
	defer rows.Close()
	return wa.scanPortals(rows)
}
