package projector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/store"
	"github.com/courier-im/courier/internal/transport"
)

type fixture struct {
	db        *store.DB
	projector *Projector
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{db: db, now: time.Now()}
	f.projector = New(db, bus.New(), zap.NewNop(), nil)
	f.projector.nowFn = func() time.Time { return f.now }
	return f
}

func (f *fixture) remote(t *testing.T, id, conv string, serverTS int64) {
	t.Helper()
	if _, err := f.db.UpsertRemoteMessage(&store.Message{
		MsgID: id, ConversationID: conv, SenderID: "peer", ServerTS: serverTS, Status: store.StatusDelivered,
	}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) local(t *testing.T, id, conv string) {
	t.Helper()
	if err := f.db.InsertLocalMessage(&store.Message{MsgID: id, ConversationID: conv, SenderID: "me"}); err != nil {
		t.Fatal(err)
	}
}

func TestDisplayOrderSyncedBeforeProvisional(t *testing.T) {
	f := newFixture(t)

	// Composed offline, then a peer message with an earlier server time
	// arrives during resync.
	f.local(t, "mine", "c1")
	f.remote(t, "theirs", "c1", 500)

	msgs, err := f.projector.Messages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].MsgID != "theirs" || msgs[1].MsgID != "mine" {
		t.Errorf("order = [%s %s], want synced first, provisional last", msgs[0].MsgID, msgs[1].MsgID)
	}
}

func TestDisplayOrderIsMonotonicAcrossAck(t *testing.T) {
	f := newFixture(t)

	f.remote(t, "a", "c1", 100)
	f.local(t, "mine", "c1")
	f.remote(t, "b", "c1", 300)

	before, err := f.projector.Messages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	// Provisional messages render after everything synced.
	if before[2].MsgID != "mine" {
		t.Fatalf("order before ack = %v", ids(before))
	}

	// The ack places "mine" at its server time, after "b". It must not
	// jump backwards past messages it already rendered below.
	if err := f.db.UpdateStatus("mine", store.StatusSent, 400); err != nil {
		t.Fatal(err)
	}
	after, err := f.projector.Messages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "mine"}
	for i, id := range want {
		if after[i].MsgID != id {
			t.Fatalf("order after ack = %v, want %v", ids(after), want)
		}
	}
}

func TestDisplayOrderServerTimestampTieBreak(t *testing.T) {
	f := newFixture(t)

	// Same server timestamp from two devices; local insertion order breaks
	// the tie and stays stable.
	f.remote(t, "x", "c1", 100)
	f.remote(t, "y", "c1", 100)

	msgs, err := f.projector.Messages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].MsgID != "x" || msgs[1].MsgID != "y" {
		t.Errorf("order = %v", ids(msgs))
	}
}

func TestSnapshotUnreadAndLastMessage(t *testing.T) {
	f := newFixture(t)

	if err := f.db.UpsertConversation(&store.Conversation{
		ID: "c1", ParticipantIDs: []string{"me", "peer"}, HasMoreMessages: true, UpdatedAt: 1,
	}); err != nil {
		t.Fatal(err)
	}
	f.remote(t, "a", "c1", 100)
	f.remote(t, "b", "c1", 200)
	f.local(t, "mine", "c1")

	views, err := f.projector.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 {
		t.Fatalf("views = %+v", views)
	}
	v := views[0]
	if v.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2 (own pending message does not count)", v.UnreadCount)
	}
	if v.LastMessageID != "mine" {
		t.Errorf("last message = %q, want the provisional one", v.LastMessageID)
	}
	if !v.HasMoreMessages {
		t.Error("has more should carry through")
	}
}

func TestMarkReadClearsUnread(t *testing.T) {
	f := newFixture(t)

	if err := f.db.UpsertConversation(&store.Conversation{ID: "c1", UpdatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	f.remote(t, "a", "c1", 100)
	f.remote(t, "b", "c1", 200)

	if err := f.projector.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	v, ok, err := f.projector.Conversation("c1")
	if err != nil || !ok {
		t.Fatal(err)
	}
	if v.UnreadCount != 0 {
		t.Errorf("unread after mark read = %d", v.UnreadCount)
	}

	// New arrivals count again.
	f.remote(t, "c", "c1", 300)
	v, _, _ = f.projector.Conversation("c1")
	if v.UnreadCount != 1 {
		t.Errorf("unread after new message = %d, want 1", v.UnreadCount)
	}
}

func TestTypingExpiresAfterTTL(t *testing.T) {
	f := newFixture(t)

	if err := f.db.UpsertConversation(&store.Conversation{ID: "c1", UpdatedAt: 1}); err != nil {
		t.Fatal(err)
	}

	f.projector.applyTyping(transport.TypingPayload{ConversationID: "c1", UserID: "peer", IsTyping: true})

	v, _, err := f.projector.Conversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(v.TypingUserIDs) != 1 || v.TypingUserIDs[0] != "peer" {
		t.Fatalf("typing = %v", v.TypingUserIDs)
	}

	// Renewal extends the indicator.
	f.now = f.now.Add(5 * time.Second)
	f.projector.applyTyping(transport.TypingPayload{ConversationID: "c1", UserID: "peer", IsTyping: true})
	f.now = f.now.Add(5 * time.Second)
	v, _, _ = f.projector.Conversation("c1")
	if len(v.TypingUserIDs) != 1 {
		t.Error("renewed indicator expired too early")
	}

	f.now = f.now.Add(typingTTL)
	if !f.projector.expireTyping() {
		t.Error("expiry sweep should report a change")
	}
	v, _, _ = f.projector.Conversation("c1")
	if len(v.TypingUserIDs) != 0 {
		t.Errorf("typing after TTL = %v", v.TypingUserIDs)
	}
}

func TestTypingStopClearsImmediately(t *testing.T) {
	f := newFixture(t)

	f.projector.applyTyping(transport.TypingPayload{ConversationID: "c1", UserID: "peer", IsTyping: true})
	f.projector.applyTyping(transport.TypingPayload{ConversationID: "c1", UserID: "peer", IsTyping: false})

	if users := f.projector.typingUsers("c1"); len(users) != 0 {
		t.Errorf("typing = %v", users)
	}
}

func TestSnapshotRebuildsAfterReset(t *testing.T) {
	f := newFixture(t)

	if err := f.db.UpsertConversation(&store.Conversation{ID: "c1", UpdatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	f.remote(t, "a", "c1", 100)

	if err := f.db.ResetAll(); err != nil {
		t.Fatal(err)
	}

	views, err := f.projector.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 0 {
		t.Errorf("views after reset = %+v", views)
	}
}

func ids(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.MsgID
	}
	return out
}
