// Package outbox queues locally composed messages and drains them to the
// server with retries. Enqueue is purely local and never waits on the
// network; the drainer only runs while the transport is connected.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/backoff"
	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/status"
	"github.com/courier-im/courier/internal/store"
	"github.com/courier-im/courier/internal/transport"
)

// maxAttempts is the retry budget per message. The attempt that would
// exceed it marks the message failed instead.
const maxAttempts = 8

// Sender is the slice of the transport the outbox needs.
type Sender interface {
	Send(ctx context.Context, m transport.WireMessage) (*transport.AckPayload, error)
}

// Failure is the payload of send_failed events.
type Failure struct {
	Message *store.Message
	Reason  string
}

// Outbox drains pending messages in per-conversation FIFO order.
type Outbox struct {
	db      *store.DB
	sender  Sender
	machine *status.Machine
	bus     *bus.Bus
	log     *zap.Logger

	senderID string
	policy   backoff.Policy
	nowFn    func() time.Time
	tick     time.Duration
}

// New creates an outbox. senderID identifies the local user on the wire.
func New(db *store.DB, sender Sender, machine *status.Machine, b *bus.Bus, log *zap.Logger, senderID string) *Outbox {
	return &Outbox{
		db:       db,
		sender:   sender,
		machine:  machine,
		bus:      b,
		log:      log,
		senderID: senderID,
		policy:   backoff.Policy{Base: time.Second, Cap: 60 * time.Second},
		nowFn:    time.Now,
		tick:     time.Second,
	}
}

// Enqueue durably records a message for sending and returns it with its
// allocated seq. Succeeds while fully offline.
func (o *Outbox) Enqueue(conversationID, body, mediaRef string) (*store.Message, error) {
	m := &store.Message{
		MsgID:          uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       o.senderID,
		Body:           body,
		MediaRef:       mediaRef,
	}
	if err := o.db.InsertLocalMessage(m); err != nil {
		return nil, err
	}
	o.log.Debug("message queued",
		zap.String("msg_id", m.MsgID),
		zap.String("conversation_id", m.ConversationID),
		zap.Int64("seq", m.Seq))
	o.bus.Publish(bus.Event{Kind: bus.KindMessageQueued, Timestamp: o.nowFn(), Payload: m})
	return m, nil
}

// Run drains due messages until ctx is cancelled. Wakes on a short ticker
// and immediately when the transport reports a fresh connection.
func (o *Outbox) Run(ctx context.Context) {
	events, unsub := o.bus.Subscribe("sync.", 16)
	defer unsub()

	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Kind == bus.KindConnected {
				o.DrainDue(ctx)
			}
		case <-ticker.C:
			o.DrainDue(ctx)
		}
	}
}

// DrainDue sends every due pending message once, in per-conversation FIFO
// order. Stops early on cancellation or loss of connectivity; whatever
// remains pending is picked up by a later pass.
func (o *Outbox) DrainDue(ctx context.Context) {
	if o.machine.Current() != status.Connected {
		return
	}

	entries, err := o.db.DuePending(o.nowFn().UnixMilli())
	if err != nil {
		o.log.Error("list due pending", zap.Error(err))
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil || o.machine.Current() != status.Connected {
			return
		}
		if err := o.sendOne(ctx, e); err != nil {
			o.log.Error("drain pending", zap.String("msg_id", e.MessageID), zap.Error(err))
			return
		}
	}
}

func (o *Outbox) sendOne(ctx context.Context, e store.PendingEntry) error {
	m, err := o.db.GetMessage(e.MessageID)
	if err != nil {
		return err
	}
	if m == nil || m.Status != store.StatusPending {
		// Acked or failed through another path; drop the stale entry.
		return o.db.RemovePending(e.MessageID)
	}

	ack, err := o.sender.Send(ctx, transport.WireMessage{
		ID:             m.MsgID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		MediaRef:       m.MediaRef,
	})
	if err == nil {
		if err := o.db.UpdateStatus(m.MsgID, store.StatusSent, ack.ServerTS); err != nil {
			return err
		}
		if err := o.db.RemovePending(m.MsgID); err != nil {
			return err
		}
		m.Status = store.StatusSent
		m.ServerTS = ack.ServerTS
		o.bus.Publish(bus.Event{Kind: bus.KindSendAck, Timestamp: o.nowFn(), Payload: m})
		return nil
	}

	var rej *transport.RejectError
	if errors.As(err, &rej) && rej.Permanent {
		o.log.Warn("message rejected",
			zap.String("msg_id", m.MsgID),
			zap.String("reason", rej.Reason))
		return o.fail(m, rej.Reason)
	}
	if ctx.Err() != nil {
		// Shutdown mid-send; the entry stays pending for the next run.
		return nil
	}

	attempts := e.Attempts + 1
	if attempts >= maxAttempts {
		o.log.Warn("retry budget exhausted",
			zap.String("msg_id", m.MsgID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return o.fail(m, err.Error())
	}

	delay := o.policy.Delay(attempts - 1)
	nextRetry := o.nowFn().Add(delay).UnixMilli()
	o.log.Debug("send failed, scheduling retry",
		zap.String("msg_id", m.MsgID),
		zap.Int("attempts", attempts),
		zap.Duration("delay", delay),
		zap.Error(err))
	return o.db.MarkAttempt(m.MsgID, attempts, nextRetry, err.Error())
}

func (o *Outbox) fail(m *store.Message, reason string) error {
	if err := o.db.MarkFailed(m.MsgID); err != nil {
		return err
	}
	m.Status = store.StatusFailed
	o.bus.Publish(bus.Event{Kind: bus.KindSendFailed, Timestamp: o.nowFn(), Payload: Failure{Message: m, Reason: reason}})
	return nil
}
