package rooms

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/mergechat/chat-api/pkg/portal"
	"github.com/mergechat/chat-api/pkg/store"
)

const testUser = id.UserID("@alice:example.com")

type fakeStore struct {
	store.Client
	joined    []id.RoomID
	joinedErr error
	meta      map[id.RoomID]store.RoomMetadata
	lastMsgs  map[id.RoomID]store.LastMessage
	unread    map[id.RoomID]int
	members   map[id.RoomID][]store.Member
	avatars   map[id.RoomID]id.ContentURIString
}

func (fs *fakeStore) JoinedRooms(context.Context, id.UserID) ([]id.RoomID, error) {
	return fs.joined, fs.joinedErr
}

func (fs *fakeStore) RoomMetadata(_ context.Context, roomIDs []id.RoomID) (map[id.RoomID]store.RoomMetadata, error) {
	out := make(map[id.RoomID]store.RoomMetadata)
	for _, rid := range roomIDs {
		if m, ok := fs.meta[rid]; ok {
			out[rid] = m
		}
	}
	return out, nil
}

func (fs *fakeStore) LastMessages(_ context.Context, roomIDs []id.RoomID) (map[id.RoomID]store.LastMessage, error) {
	out := make(map[id.RoomID]store.LastMessage)
	for _, rid := range roomIDs {
		if msg, ok := fs.lastMsgs[rid]; ok {
			out[rid] = msg
		}
	}
	return out, nil
}

func (fs *fakeStore) UnreadCounts(_ context.Context, roomIDs []id.RoomID, _ id.UserID) (map[id.RoomID]int, error) {
	return fs.unread, nil
}

func (fs *fakeStore) MemberDisplayNames(_ context.Context, roomID id.RoomID, _ []string) ([]store.Member, error) {
	return fs.members[roomID], nil
}

func (fs *fakeStore) DMAvatars(_ context.Context, _ []id.RoomID, _ []id.UserID) (map[id.RoomID]id.ContentURIString, error) {
	return fs.avatars, nil
}

type fakeResolver struct {
	portals  map[id.RoomID]portal.Info
	warnings []string
}

func (fr *fakeResolver) Resolve(context.Context, []id.RoomID) (map[id.RoomID]portal.Info, []string) {
	return fr.portals, fr.warnings
}

func newTestService(fs *fakeStore, fr *fakeResolver) *Service {
	return NewService(zerolog.Nop(), fs, fr)
}

func chatRoom(rid id.RoomID, name string, ts int64) (store.RoomMetadata, store.LastMessage) {
	return store.RoomMetadata{Name: name, MemberCount: 2},
		store.LastMessage{Sender: "@bob:example.com", Body: "hello", Timestamp: ts}
}

func TestListNameFallbackToMember(t *testing.T) {
	rid := id.RoomID("!tg:example.com")
	fs := &fakeStore{
		joined: []id.RoomID{rid},
		meta: map[id.RoomID]store.RoomMetadata{
			rid: {Name: "79161234567", MemberCount: 2},
		},
		lastMsgs: map[id.RoomID]store.LastMessage{
			rid: {Sender: "@bob:example.com", Body: "привет", Timestamp: 100},
		},
		members: map[id.RoomID][]store.Member{
			rid: {
				{UserID: testUser, DisplayName: "Alice"},
				{UserID: "@telegram_100:example.com", DisplayName: "Иван"},
			},
		},
	}
	fr := &fakeResolver{portals: map[id.RoomID]portal.Info{
		rid: {RoomID: rid, RemoteID: "100", Type: portal.RoomTypeDM, Source: "telegram"},
	}}

	list, err := newTestService(fs, fr).List(context.Background(), ListParams{
		UserID: testUser, Page: 1, PageSize: 50,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list.Rooms) != 1 {
		t.Fatalf("got %d rooms, want 1", len(list.Rooms))
	}
	if list.Rooms[0].Name != "Иван" {
		t.Errorf("name = %q, want Иван", list.Rooms[0].Name)
	}
}

func TestListNameSynthesizedContact(t *testing.T) {
	rid := id.RoomID("!tg:example.com")
	fs := &fakeStore{
		joined: []id.RoomID{rid},
		meta: map[id.RoomID]store.RoomMetadata{
			rid: {Name: "79161234567", MemberCount: 2},
		},
		lastMsgs: map[id.RoomID]store.LastMessage{
			rid: {Sender: "@bob:example.com", Body: "hi", Timestamp: 100},
		},
		members: map[id.RoomID][]store.Member{
			rid: {{UserID: "@telegram_100:example.com", DisplayName: "79161234567"}},
		},
	}
	fr := &fakeResolver{portals: map[id.RoomID]portal.Info{
		rid: {RoomID: rid, Type: portal.RoomTypeDM, Source: "telegram"},
	}}

	list, err := newTestService(fs, fr).List(context.Background(), ListParams{
		UserID: testUser, Page: 1, PageSize: 50,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if list.Rooms[0].Name != "Контакт #79161234567" {
		t.Errorf("name = %q, want Контакт #79161234567", list.Rooms[0].Name)
	}
}

func TestListSuppressesSystemRooms(t *testing.T) {
	real := id.RoomID("!real:example.com")
	promo := id.RoomID("!promo:example.com")
	empty := id.RoomID("!empty:example.com")
	fs := &fakeStore{
		joined: []id.RoomID{real, promo, empty},
		meta: map[id.RoomID]store.RoomMetadata{
			real:  {Name: "Real chat", MemberCount: 2},
			promo: {Name: "Promo", MemberCount: 2},
			empty: {Name: "Empty", MemberCount: 2},
		},
		lastMsgs: map[id.RoomID]store.LastMessage{
			real:  {Sender: "@bob:example.com", Body: "see you tomorrow", Timestamp: 10},
			promo: {Sender: "@maxbot:example.com", Body: "Ваш контакт Теперь в MAX!", Timestamp: 20},
		},
	}
	fr := &fakeResolver{}

	list, err := newTestService(fs, fr).List(context.Background(), ListParams{
		UserID: testUser, Page: 1, PageSize: 50,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list.Rooms) != 1 || list.Rooms[0].RoomID != real {
		t.Errorf("rooms = %v, want only %s", list.Rooms, real)
	}
}

func TestListSortAndPagination(t *testing.T) {
	old := id.RoomID("!old:example.com")
	mid := id.RoomID("!mid:example.com")
	fresh := id.RoomID("!new:example.com")
	fs := &fakeStore{
		joined: []id.RoomID{old, fresh, mid},
		meta:   map[id.RoomID]store.RoomMetadata{},
		lastMsgs: map[id.RoomID]store.LastMessage{
			old:   {Body: "a", Timestamp: 1},
			mid:   {Body: "b", Timestamp: 2},
			fresh: {Body: "c", Timestamp: 3},
		},
	}
	for i, rid := range []id.RoomID{old, mid, fresh} {
		fs.meta[rid] = store.RoomMetadata{Name: string(rune('a' + i)), MemberCount: 5}
	}
	svc := newTestService(fs, &fakeResolver{})

	page1, err := svc.List(context.Background(), ListParams{UserID: testUser, Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("List page 1: %v", err)
	}
	if page1.Total != 3 || !page1.HasMore {
		t.Errorf("total = %d, has_more = %v, want 3/true", page1.Total, page1.HasMore)
	}
	if page1.Rooms[0].RoomID != fresh || page1.Rooms[1].RoomID != mid {
		t.Errorf("page 1 order = %s, %s, want newest first", page1.Rooms[0].RoomID, page1.Rooms[1].RoomID)
	}

	page2, err := svc.List(context.Background(), ListParams{UserID: testUser, Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if len(page2.Rooms) != 1 || page2.Rooms[0].RoomID != old || page2.HasMore {
		t.Errorf("page 2 = %v (has_more %v), want only %s", page2.Rooms, page2.HasMore, old)
	}

	page9, err := svc.List(context.Background(), ListParams{UserID: testUser, Page: 9, PageSize: 2})
	if err != nil {
		t.Fatalf("List page 9: %v", err)
	}
	if len(page9.Rooms) != 0 {
		t.Errorf("page past the end returned %d rooms, want 0", len(page9.Rooms))
	}
}

func TestListValidation(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeResolver{})
	_, err := svc.List(context.Background(), ListParams{UserID: testUser, Page: 0, PageSize: 10})
	if !errors.Is(err, ErrInvalidPage) {
		t.Errorf("page 0: err = %v, want ErrInvalidPage", err)
	}
	_, err = svc.List(context.Background(), ListParams{UserID: testUser, Page: 1, PageSize: 500})
	if !errors.Is(err, ErrInvalidPageSize) {
		t.Errorf("page_size 500: err = %v, want ErrInvalidPageSize", err)
	}
}

func TestListFilteredFailClosed(t *testing.T) {
	tgGroup := id.RoomID("!tg-group:example.com")
	tgChannel := id.RoomID("!tg-channel:example.com")
	waDM := id.RoomID("!wa-dm:example.com")
	noPortal := id.RoomID("!plain:example.com")

	fs := &fakeStore{
		joined: []id.RoomID{tgGroup, tgChannel, waDM, noPortal},
		meta:   map[id.RoomID]store.RoomMetadata{},
		lastMsgs: map[id.RoomID]store.LastMessage{
			tgGroup:   {Body: "x", Timestamp: 1},
			tgChannel: {Body: "x", Timestamp: 2},
			waDM:      {Body: "x", Timestamp: 3},
			noPortal:  {Body: "x", Timestamp: 4},
		},
	}
	for _, rid := range fs.joined {
		fs.meta[rid] = store.RoomMetadata{Name: rid.String(), MemberCount: 10}
	}
	fr := &fakeResolver{portals: map[id.RoomID]portal.Info{
		tgGroup:   {RoomID: tgGroup, Type: portal.RoomTypeGroup, Source: "telegram"},
		tgChannel: {RoomID: tgChannel, Type: portal.RoomTypeChannel, Source: "telegram"},
		waDM:      {RoomID: waDM, Type: portal.RoomTypeDM, Source: "whatsapp"},
	}}

	// Only telegram has a rule; it hides channels. whatsapp rooms and
	// portal-less rooms must not leak through.
	rules := []FilterRule{{
		Source: "telegram", ShowPrivate: true, ShowGroups: true, ShowChannels: false, ShowBots: true,
	}}
	list, err := newTestService(fs, fr).ListFiltered(context.Background(), testUser, rules, "", 1, 50)
	if err != nil {
		t.Fatalf("ListFiltered: %v", err)
	}
	if len(list.Rooms) != 1 || list.Rooms[0].RoomID != tgGroup {
		t.Errorf("rooms = %v, want only %s", list.Rooms, tgGroup)
	}
}

func TestOrphanedOldestFirst(t *testing.T) {
	claimed := id.RoomID("!claimed:example.com")
	staleOld := id.RoomID("!stale-old:example.com")
	staleNew := id.RoomID("!stale-new:example.com")
	fs := &fakeStore{
		joined: []id.RoomID{claimed, staleNew, staleOld},
		meta: map[id.RoomID]store.RoomMetadata{
			claimed:  {Name: "Claimed", MemberCount: 2},
			staleOld: {Name: "Old leftover", MemberCount: 2},
			staleNew: {Name: "New leftover", MemberCount: 2},
		},
		lastMsgs: map[id.RoomID]store.LastMessage{
			staleOld: {Body: "x", Timestamp: 5},
			staleNew: {Body: "x", Timestamp: 50},
		},
	}
	fr := &fakeResolver{portals: map[id.RoomID]portal.Info{
		claimed: {RoomID: claimed, Type: portal.RoomTypeDM, Source: "telegram"},
	}}

	list, err := newTestService(fs, fr).Orphaned(context.Background(), testUser)
	if err != nil {
		t.Fatalf("Orphaned: %v", err)
	}
	if list.TotalJoined != 3 || list.Total != 2 {
		t.Errorf("total_joined = %d, total = %d, want 3/2", list.TotalJoined, list.Total)
	}
	if list.OrphanedRooms[0].RoomID != staleOld || list.OrphanedRooms[1].RoomID != staleNew {
		t.Errorf("order = %s, %s, want oldest activity first",
			list.OrphanedRooms[0].RoomID, list.OrphanedRooms[1].RoomID)
	}
}

func TestListIdempotent(t *testing.T) {
	rid := id.RoomID("!room:example.com")
	meta, last := chatRoom(rid, "Stable", 42)
	fs := &fakeStore{
		joined:   []id.RoomID{rid},
		meta:     map[id.RoomID]store.RoomMetadata{rid: meta},
		lastMsgs: map[id.RoomID]store.LastMessage{rid: last},
	}
	svc := newTestService(fs, &fakeResolver{})
	params := ListParams{UserID: testUser, Page: 1, PageSize: 10}

	first, err := svc.List(context.Background(), params)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	second, err := svc.List(context.Background(), params)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(first.Rooms) != len(second.Rooms) || first.Rooms[0] != second.Rooms[0] {
		t.Errorf("repeated identical calls diverged: %v vs %v", first.Rooms, second.Rooms)
	}
}
