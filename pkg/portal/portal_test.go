package portal

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

func TestTelegramRoomType(t *testing.T) {
	cases := []struct {
		peerType  string
		megagroup bool
		isBot     bool
		want      RoomType
	}{
		{"user", false, false, RoomTypeDM},
		{"user", false, true, RoomTypeBot},
		{"chat", false, false, RoomTypeGroup},
		{"channel", true, false, RoomTypeGroup},
		{"channel", false, false, RoomTypeChannel},
		{"", false, false, RoomTypeDM},
		{"something-new", false, false, RoomTypeDM},
	}
	for _, tc := range cases {
		got := telegramRoomType(tc.peerType, tc.megagroup, tc.isBot)
		if got != tc.want {
			t.Errorf("telegramRoomType(%q, %v, %v) = %q, want %q",
				tc.peerType, tc.megagroup, tc.isBot, got, tc.want)
		}
	}
}

func TestWhatsAppRoomType(t *testing.T) {
	cases := []struct {
		chatJID  string
		roomType string
		want     RoomType
	}{
		{"123@s.whatsapp.net", "dm", RoomTypeDM},
		{"123-456@g.us", "group", RoomTypeGroup},
		{"123@newsletter", "channel", RoomTypeChannel},
		// Column takes precedence over the JID pattern.
		{"123-456@g.us", "channel", RoomTypeChannel},
		// JID fallback only when the column is empty or dm.
		{"123-456@g.us", "", RoomTypeGroup},
		{"123@newsletter", "", RoomTypeChannel},
		{"123@broadcast", "dm", RoomTypeChannel},
		{"123@s.whatsapp.net", "", RoomTypeDM},
	}
	for _, tc := range cases {
		got := whatsappRoomType(tc.chatJID, tc.roomType)
		if got != tc.want {
			t.Errorf("whatsappRoomType(%q, %q) = %q, want %q", tc.chatJID, tc.roomType, got, tc.want)
		}
	}
}

func TestDiscordRoomType(t *testing.T) {
	cases := []struct {
		dcType sql.NullInt32
		want   RoomType
	}{
		{sql.NullInt32{Valid: true, Int32: 1}, RoomTypeDM},
		{sql.NullInt32{Valid: true, Int32: 3}, RoomTypeGroup},
		{sql.NullInt32{Valid: true, Int32: 0}, RoomTypeChannel},
		{sql.NullInt32{Valid: true, Int32: 5}, RoomTypeChannel},
		{sql.NullInt32{}, RoomTypeChannel},
	}
	for _, tc := range cases {
		if got := discordRoomType(tc.dcType); got != tc.want {
			t.Errorf("discordRoomType(%+v) = %q, want %q", tc.dcType, got, tc.want)
		}
	}
}

func TestMegabridgeRoomType(t *testing.T) {
	cases := map[string]RoomType{
		"":          RoomTypeDM,
		"dm":        RoomTypeDM,
		"group":     RoomTypeGroup,
		"community": RoomTypeGroup,
		"channel":   RoomTypeChannel,
		"broadcast": RoomTypeChannel,
		"space":     RoomTypeDM,
	}
	for input, want := range cases {
		if got := megabridgeRoomType(input); got != want {
			t.Errorf("megabridgeRoomType(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestIsAllDigits(t *testing.T) {
	cases := map[string]bool{
		"79161234567": true,
		"":            false,
		"Иван":        false,
		"123abc":      false,
		"12 34":       false,
	}
	for input, want := range cases {
		if got := isAllDigits(input); got != want {
			t.Errorf("isAllDigits(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestRegistryUnknownSlug(t *testing.T) {
	reg := NewRegistry(zerolog.Nop(), []Source{
		{Slug: "telegram", DB: &dbutil.Database{}},
		{Slug: "irc", DB: &dbutil.Database{}},
		{Slug: "max", DB: nil},
	})
	active := reg.ActiveSlugs()
	if len(active) != 1 || active[0] != "telegram" {
		t.Errorf("ActiveSlugs() = %v, want [telegram]", active)
	}
	inactive := reg.InactiveSlugs()
	if len(inactive) != 2 || inactive[0] != "irc" || inactive[1] != "max" {
		t.Errorf("InactiveSlugs() = %v, want [irc max]", inactive)
	}
	if reg.Get("telegram") == nil {
		t.Error("Get(telegram) = nil, want adapter")
	}
	if reg.Get("irc") != nil {
		t.Error("Get(irc) != nil, want nil")
	}
}

type fakeAdapter struct {
	slug    string
	portals []Info
	err     error
}

func (fa *fakeAdapter) Slug() string { return fa.slug }

func (fa *fakeAdapter) Portals(_ context.Context, roomIDs []id.RoomID) ([]Info, error) {
	if fa.err != nil {
		return nil, fa.err
	}
	requested := make(map[id.RoomID]bool, len(roomIDs))
	for _, rid := range roomIDs {
		requested[rid] = true
	}
	var out []Info
	for _, info := range fa.portals {
		if requested[info.RoomID] {
			out = append(out, info)
		}
	}
	return out, nil
}

func (fa *fakeAdapter) UserPortals(context.Context, id.UserID) ([]Info, error) {
	if fa.err != nil {
		return nil, fa.err
	}
	return fa.portals, nil
}

func registryWith(adapters ...*fakeAdapter) *Registry {
	reg := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, fa := range adapters {
		reg.adapters[fa.slug] = fa
		reg.order = append(reg.order, fa.slug)
	}
	return reg
}

func TestResolveFailureIsolation(t *testing.T) {
	room1 := id.RoomID("!one:example.com")
	room2 := id.RoomID("!two:example.com")
	resolver := NewResolver(zerolog.Nop(), registryWith(
		&fakeAdapter{slug: "telegram", portals: []Info{
			{RoomID: room1, RemoteID: "100", Type: RoomTypeDM, Source: "telegram"},
		}},
		&fakeAdapter{slug: "whatsapp", err: errors.New("connection refused")},
	))

	portalMap, warnings := resolver.Resolve(context.Background(), []id.RoomID{room1, room2})
	if len(portalMap) != 1 {
		t.Fatalf("got %d portals, want 1", len(portalMap))
	}
	if portalMap[room1].Source != "telegram" {
		t.Errorf("room1 source = %q, want telegram", portalMap[room1].Source)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "whatsapp") {
		t.Errorf("warnings = %v, want one mentioning whatsapp", warnings)
	}
}

func TestResolveCollisionLastWins(t *testing.T) {
	room := id.RoomID("!shared:example.com")
	resolver := NewResolver(zerolog.Nop(), registryWith(
		&fakeAdapter{slug: "telegram", portals: []Info{
			{RoomID: room, Type: RoomTypeDM, Source: "telegram"},
		}},
		&fakeAdapter{slug: "whatsapp", portals: []Info{
			{RoomID: room, Type: RoomTypeGroup, Source: "whatsapp"},
		}},
	))

	portalMap, warnings := resolver.Resolve(context.Background(), []id.RoomID{room})
	if portalMap[room].Source != "whatsapp" {
		t.Errorf("collision winner = %q, want whatsapp (later in enumeration order)", portalMap[room].Source)
	}
	if len(warnings) != 1 {
		t.Errorf("warnings = %v, want exactly one collision warning", warnings)
	}
}

func TestResolveSubset(t *testing.T) {
	claimed := id.RoomID("!claimed:example.com")
	unclaimed := id.RoomID("!unclaimed:example.com")
	resolver := NewResolver(zerolog.Nop(), registryWith(
		&fakeAdapter{slug: "max", portals: []Info{
			{RoomID: claimed, Type: RoomTypeDM, Source: "max"},
		}},
	))

	portalMap, warnings := resolver.Resolve(context.Background(), []id.RoomID{claimed, unclaimed})
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
	if _, ok := portalMap[unclaimed]; ok {
		t.Error("unclaimed room present in portal map")
	}
	if _, ok := portalMap[claimed]; !ok {
		t.Error("claimed room missing from portal map")
	}
}

func TestUserSources(t *testing.T) {
	resolver := NewResolver(zerolog.Nop(), registryWith(
		&fakeAdapter{slug: "telegram", portals: []Info{
			{RoomID: "!a:example.com", Type: RoomTypeDM, Source: "telegram"},
			{RoomID: "!b:example.com", Type: RoomTypeDM, Source: "telegram"},
			{RoomID: "!c:example.com", Type: RoomTypeGroup, Source: "telegram"},
		}},
		&fakeAdapter{slug: "whatsapp", err: errors.New("connection refused")},
	))

	summaries, warnings := resolver.UserSources(context.Background(), "@alice:example.com")
	if len(summaries) != 1 {
		t.Fatalf("got %d summaries, want 1: %+v", len(summaries), summaries)
	}
	tg := summaries[0]
	if tg.Source != "telegram" || tg.Total != 3 {
		t.Errorf("summary = %+v, want telegram with 3 portals", tg)
	}
	if tg.ByType[RoomTypeDM] != 2 || tg.ByType[RoomTypeGroup] != 1 {
		t.Errorf("by_type = %v, want 2 dms and 1 group", tg.ByType)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "whatsapp") {
		t.Errorf("warnings = %v, want one mentioning whatsapp", warnings)
	}
}

func TestResolveSources(t *testing.T) {
	room := id.RoomID("!dm:example.com")
	resolver := NewResolver(zerolog.Nop(), registryWith(
		&fakeAdapter{slug: "telegram", portals: []Info{
			{RoomID: room, Type: RoomTypeDM, Source: "telegram"},
		}},
	))
	sources := resolver.ResolveSources(context.Background(), []id.RoomID{room})
	if sources[room] != "telegram" {
		t.Errorf("sources[%s] = %q, want telegram", room, sources[room])
	}
}
