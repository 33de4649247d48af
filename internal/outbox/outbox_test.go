package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/status"
	"github.com/courier-im/courier/internal/store"
	"github.com/courier-im/courier/internal/transport"
)

type fakeSender struct {
	sent []transport.WireMessage
	err  error
	wait chan struct{} // when set, Send blocks until ctx is done
}

func (f *fakeSender) Send(ctx context.Context, m transport.WireMessage) (*transport.AckPayload, error) {
	if f.wait != nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.sent = append(f.sent, m)
	if f.err != nil {
		return nil, f.err
	}
	return &transport.AckPayload{MessageID: m.ID, ConversationID: m.ConversationID, ServerTS: 1000}, nil
}

type fixture struct {
	db      *store.DB
	sender  *fakeSender
	machine *status.Machine
	outbox  *Outbox
	now     time.Time
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

	b := bus.New()
	f := &fixture{
		db:      db,
		sender:  &fakeSender{},
		machine: status.NewMachine(b),
		now:     time.Now(),
	}
	f.outbox = New(db, f.sender, f.machine, b, zap.NewNop(), "me")
	f.outbox.nowFn = func() time.Time { return f.now }
	return f
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	if err := f.machine.Transition(status.Connecting); err != nil {
		t.Fatal(err)
	}
	if err := f.machine.Transition(status.Connected); err != nil {
		t.Fatal(err)
	}
}

func TestEnqueueWorksOffline(t *testing.T) {
	f := newFixture(t)

	m, err := f.outbox.Enqueue("c1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.StatusPending || m.Seq != 1 || m.MsgID == "" {
		t.Fatalf("queued message = %+v", m)
	}
	if len(f.sender.sent) != 0 {
		t.Error("enqueue must not touch the network")
	}

	pending, err := f.db.ListPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestDrainSendsFIFOAndAcks(t *testing.T) {
	f := newFixture(t)

	var ids []string
	for _, body := range []string{"one", "two", "three"} {
		m, err := f.outbox.Enqueue("c1", body, "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, m.MsgID)
	}
	f.connect(t)
	f.now = f.now.Add(time.Second)

	f.outbox.DrainDue(context.Background())

	if len(f.sender.sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(f.sender.sent))
	}
	for i, want := range ids {
		if f.sender.sent[i].ID != want {
			t.Errorf("sent[%d] = %s, want %s (FIFO by seq)", i, f.sender.sent[i].ID, want)
		}
	}

	for _, id := range ids {
		m, _ := f.db.GetMessage(id)
		if m.Status != store.StatusSent || m.ServerTS != 1000 {
			t.Errorf("message %s = %+v", id, m)
		}
	}
	if pending, _ := f.db.ListPending(); len(pending) != 0 {
		t.Errorf("pending after drain = %+v", pending)
	}
}

func TestDrainSkipsWhileDisconnected(t *testing.T) {
	f := newFixture(t)

	if _, err := f.outbox.Enqueue("c1", "hello", ""); err != nil {
		t.Fatal(err)
	}
	f.now = f.now.Add(time.Second)

	f.outbox.DrainDue(context.Background())

	if len(f.sender.sent) != 0 {
		t.Error("drain must not send while disconnected")
	}
}

func TestPermanentRejectFailsImmediately(t *testing.T) {
	f := newFixture(t)

	m, err := f.outbox.Enqueue("c1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	f.connect(t)
	f.now = f.now.Add(time.Second)
	f.sender.err = &transport.RejectError{Reason: "blocked", Permanent: true}

	f.outbox.DrainDue(context.Background())

	if len(f.sender.sent) != 1 {
		t.Fatalf("sent %d times, want 1 (no retries on permanent reject)", len(f.sender.sent))
	}
	got, _ := f.db.GetMessage(m.MsgID)
	if got.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if pending, _ := f.db.ListPending(); len(pending) != 0 {
		t.Errorf("pending = %+v", pending)
	}
}

func TestTransientErrorsRetryUpToBudget(t *testing.T) {
	f := newFixture(t)

	m, err := f.outbox.Enqueue("c1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	f.connect(t)
	f.sender.err = errors.New("connection reset")

	// Each pass performs one attempt; advancing the clock past the
	// scheduled retry makes the entry due again.
	for i := 0; i < 20; i++ {
		f.now = f.now.Add(5 * time.Minute)
		f.outbox.DrainDue(context.Background())
	}

	if len(f.sender.sent) != maxAttempts {
		t.Errorf("sent %d times, want exactly %d", len(f.sender.sent), maxAttempts)
	}
	got, _ := f.db.GetMessage(m.MsgID)
	if got.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestRetryBackoffIsScheduled(t *testing.T) {
	f := newFixture(t)

	m, err := f.outbox.Enqueue("c1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	f.connect(t)
	f.sender.err = errors.New("connection reset")
	f.now = f.now.Add(time.Second)

	f.outbox.DrainDue(context.Background())

	pending, _ := f.db.ListPending()
	if len(pending) != 1 || pending[0].Attempts != 1 {
		t.Fatalf("pending = %+v", pending)
	}
	if pending[0].NextRetryAt <= f.now.UnixMilli() {
		t.Error("next retry should be in the future")
	}
	if pending[0].LastError == "" {
		t.Error("last error should be recorded")
	}

	// Not due yet: a second pass right away must not send.
	f.outbox.DrainDue(context.Background())
	if len(f.sender.sent) != 1 {
		t.Errorf("sent %d times before the retry delay elapsed, want 1", len(f.sender.sent))
	}

	got, _ := f.db.GetMessage(m.MsgID)
	if got.Status != store.StatusPending {
		t.Errorf("status = %q, want still pending", got.Status)
	}
}

func TestShutdownLeavesMessagePending(t *testing.T) {
	f := newFixture(t)

	m, err := f.outbox.Enqueue("c1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	f.connect(t)
	f.now = f.now.Add(time.Second)
	f.sender.wait = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.outbox.DrainDue(ctx)
		close(done)
	}()
	cancel()
	<-done

	got, _ := f.db.GetMessage(m.MsgID)
	if got.Status != store.StatusPending {
		t.Errorf("status = %q, want pending after shutdown", got.Status)
	}
	pending, _ := f.db.ListPending()
	if len(pending) != 1 || pending[0].Attempts != 0 {
		t.Errorf("pending = %+v, attempts should not be burned by shutdown", pending)
	}
}
