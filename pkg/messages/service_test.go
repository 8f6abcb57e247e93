package messages

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/mergechat/chat-api/pkg/store"
)

const testRoom = id.RoomID("!room:example.com")

type fakeStore struct {
	store.Client
	messages    []store.RawMessage
	lastQuery   store.MessageQuery
	profiles    map[id.UserID]store.Profile
	profilesErr error
	reactions   map[id.EventID][]store.Reaction
	edits       map[id.EventID]store.Edit
	invited     []id.RoomID
}

// Messages applies the same keyset semantics as the real store: exclusive
// bounds, before-pages are the newest rows below the cursor, after-pages the
// oldest above it, always returned in chronological order. fs.messages must
// be sorted by stream ordering.
func (fs *fakeStore) Messages(_ context.Context, q store.MessageQuery) ([]store.RawMessage, error) {
	fs.lastQuery = q
	var window []store.RawMessage
	for _, msg := range fs.messages {
		if q.Before > 0 && msg.StreamOrdering >= q.Before {
			continue
		}
		if q.After > 0 && msg.StreamOrdering <= q.After {
			continue
		}
		window = append(window, msg)
	}
	if q.After > 0 {
		if len(window) > q.Limit {
			window = window[:q.Limit]
		}
	} else if len(window) > q.Limit {
		window = window[len(window)-q.Limit:]
	}
	return window, nil
}

func (fs *fakeStore) SenderProfiles(context.Context, id.RoomID, []id.UserID) (map[id.UserID]store.Profile, error) {
	if fs.profilesErr != nil {
		return nil, fs.profilesErr
	}
	return fs.profiles, nil
}

func (fs *fakeStore) Reactions(context.Context, id.RoomID, []id.EventID) (map[id.EventID][]store.Reaction, error) {
	return fs.reactions, nil
}

func (fs *fakeStore) Edits(context.Context, id.RoomID, []id.EventID) (map[id.EventID]store.Edit, error) {
	return fs.edits, nil
}

func (fs *fakeStore) InvitedRooms(context.Context, id.UserID) ([]id.RoomID, error) {
	return fs.invited, nil
}

func rawMsg(eventID string, pos int64) store.RawMessage {
	return store.RawMessage{
		EventID:        id.EventID(eventID),
		Sender:         "@bob:example.com",
		Timestamp:      pos * 1000,
		StreamOrdering: pos,
		Type:           event.MsgText,
		Body:           "message " + eventID,
	}
}

func TestListRejectsBothCursors(t *testing.T) {
	svc := NewService(zerolog.Nop(), &fakeStore{})
	_, err := svc.List(context.Background(), testRoom, 50, 10, 20)
	if !errors.Is(err, ErrBothCursors) {
		t.Errorf("err = %v, want ErrBothCursors", err)
	}
}

func TestListRejectsBadLimit(t *testing.T) {
	svc := NewService(zerolog.Nop(), &fakeStore{})
	for _, limit := range []int{0, -1, 201} {
		_, err := svc.List(context.Background(), testRoom, limit, 0, 0)
		if !errors.Is(err, ErrInvalidLimit) {
			t.Errorf("limit %d: err = %v, want ErrInvalidLimit", limit, err)
		}
	}
}

func TestListCursors(t *testing.T) {
	fs := &fakeStore{
		messages: []store.RawMessage{rawMsg("$a", 10), rawMsg("$b", 11), rawMsg("$c", 12)},
	}
	svc := NewService(zerolog.Nop(), fs)

	page, err := svc.List(context.Background(), testRoom, 3, 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.BeforeCursor == nil || *page.BeforeCursor != 10 {
		t.Errorf("before_cursor = %v, want 10", page.BeforeCursor)
	}
	if page.AfterCursor == nil || *page.AfterCursor != 12 {
		t.Errorf("after_cursor = %v, want 12", page.AfterCursor)
	}
	if !page.HasMore {
		t.Error("has_more = false with a full page, want true")
	}
	if fs.lastQuery.Limit != 3 || fs.lastQuery.Before != 0 || fs.lastQuery.After != 0 {
		t.Errorf("unexpected store query: %+v", fs.lastQuery)
	}
}

func pageIDs(page *Page) []id.EventID {
	out := make([]id.EventID, len(page.Messages))
	for i, msg := range page.Messages {
		out[i] = msg.EventID
	}
	return out
}

func TestListPaginationRoundTrip(t *testing.T) {
	fs := &fakeStore{}
	for i := 1; i <= 10; i++ {
		fs.messages = append(fs.messages, rawMsg(fmt.Sprintf("$m%d", i), int64(i)))
	}
	svc := NewService(zerolog.Nop(), fs)
	ctx := context.Background()

	middle, err := svc.List(ctx, testRoom, 3, 8, 0)
	if err != nil {
		t.Fatalf("List before=8: %v", err)
	}
	older, err := svc.List(ctx, testRoom, 3, *middle.BeforeCursor, 0)
	if err != nil {
		t.Fatalf("List before=%d: %v", *middle.BeforeCursor, err)
	}

	// Walking forward from the older page's after cursor must reproduce the
	// middle page exactly.
	forward, err := svc.List(ctx, testRoom, 3, 0, *older.AfterCursor)
	if err != nil {
		t.Fatalf("List after=%d: %v", *older.AfterCursor, err)
	}
	wantIDs := pageIDs(middle)
	gotIDs := pageIDs(forward)
	if len(gotIDs) != len(wantIDs) {
		t.Fatalf("forward page = %v, want %v", gotIDs, wantIDs)
	}
	for i := range wantIDs {
		if gotIDs[i] != wantIDs[i] {
			t.Fatalf("forward page = %v, want %v", gotIDs, wantIDs)
		}
	}

	// A full backward walk must cover every message exactly once.
	seen := make(map[id.EventID]bool)
	before := int64(0)
	for {
		page, err := svc.List(ctx, testRoom, 3, before, 0)
		if err != nil {
			t.Fatalf("List before=%d: %v", before, err)
		}
		for _, msg := range page.Messages {
			if seen[msg.EventID] {
				t.Fatalf("event %s delivered twice", msg.EventID)
			}
			seen[msg.EventID] = true
		}
		if !page.HasMore || len(page.Messages) == 0 {
			break
		}
		before = *page.BeforeCursor
	}
	if len(seen) != 10 {
		t.Errorf("backward walk covered %d of 10 messages", len(seen))
	}
}

func TestListEmptyKeepsAfterCursor(t *testing.T) {
	svc := NewService(zerolog.Nop(), &fakeStore{})

	page, err := svc.List(context.Background(), testRoom, 50, 0, 42)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Messages) != 0 {
		t.Fatalf("got %d messages, want 0", len(page.Messages))
	}
	if page.AfterCursor == nil || *page.AfterCursor != 42 {
		t.Errorf("after_cursor = %v, want caller's 42", page.AfterCursor)
	}
	if page.BeforeCursor != nil {
		t.Errorf("before_cursor = %v, want nil", page.BeforeCursor)
	}
	if page.HasMore {
		t.Error("has_more = true on empty page")
	}
}

func TestListEnrichment(t *testing.T) {
	fs := &fakeStore{
		messages: []store.RawMessage{rawMsg("$a", 10), rawMsg("$b", 11)},
		profiles: map[id.UserID]store.Profile{
			"@bob:example.com": {DisplayName: "Bob", AvatarURL: "mxc://example.com/bob"},
		},
		reactions: map[id.EventID][]store.Reaction{
			"$a": {{Key: "👍", Count: 2, Senders: []id.UserID{"@x:example.com", "@y:example.com"}}},
		},
		edits: map[id.EventID]store.Edit{
			"$b": {Body: "message $b (edited)", Timestamp: 12000},
		},
	}
	svc := NewService(zerolog.Nop(), fs)

	page, err := svc.List(context.Background(), testRoom, 50, 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	first, second := page.Messages[0], page.Messages[1]
	if first.SenderName != "Bob" || first.SenderAvatar != "mxc://example.com/bob" {
		t.Errorf("sender profile not applied: %+v", first)
	}
	if len(first.Reactions) != 1 || first.Reactions[0].Count != 2 {
		t.Errorf("reactions = %v, want one 👍 with count 2", first.Reactions)
	}
	if first.IsEdited {
		t.Error("first message marked edited")
	}
	if !second.IsEdited || second.Body != "message $b (edited)" {
		t.Errorf("edit overlay not applied: %+v", second)
	}
	if second.Reactions == nil {
		t.Error("reactions should be an empty slice, not nil")
	}
}

func TestListProfileFailureDegrades(t *testing.T) {
	fs := &fakeStore{
		messages:    []store.RawMessage{rawMsg("$a", 10)},
		profilesErr: errors.New("query timeout"),
	}
	svc := NewService(zerolog.Nop(), fs)

	page, err := svc.List(context.Background(), testRoom, 50, 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Messages[0].SenderName != "@bob:example.com" {
		t.Errorf("sender_name = %q, want raw user id fallback", page.Messages[0].SenderName)
	}
}

func TestListInvites(t *testing.T) {
	fs := &fakeStore{invited: []id.RoomID{"!inv:example.com"}}
	svc := NewService(zerolog.Nop(), fs)

	invites, err := svc.ListInvites(context.Background(), "@alice:example.com")
	if err != nil {
		t.Fatalf("ListInvites: %v", err)
	}
	if invites.Total != 1 || invites.Invites[0] != "!inv:example.com" {
		t.Errorf("invites = %+v, want one room", invites)
	}
}
