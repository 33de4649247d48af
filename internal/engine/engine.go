// Package engine reconciles server state into the local store. It consumes
// the transport event stream: a connection marker triggers a resync pass,
// live frames are applied idempotently, and a burst of malformed frames
// degrades the sync status instead of crashing the daemon.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/store"
	"github.com/courier-im/courier/internal/transport"
)

const (
	resyncPageSize = 100

	// A connection delivering this many undecodable frames inside the
	// window is reported as degraded.
	malformedThreshold = 10
	malformedWindow    = 30 * time.Second
)

// Transport is the slice of the sync connection the engine consumes.
type Transport interface {
	Events() <-chan transport.Envelope
	FetchChanges(ctx context.Context, conversationID string, sinceSeq int64, limit int) (*transport.ChangesResult, error)
}

// Engine applies remote changes to the store and republishes them as
// domain events.
type Engine struct {
	db        *store.DB
	transport Transport
	bus       *bus.Bus
	log       *zap.Logger
	userID    string

	nowFn func() time.Time

	malformedCount int
	windowStart    time.Time
}

// New creates an engine. userID identifies the local user so read receipts
// from the user's other devices can move the local read marker. Nothing
// runs until Run is called.
func New(db *store.DB, t Transport, b *bus.Bus, log *zap.Logger, userID string) *Engine {
	return &Engine{
		db:        db,
		transport: t,
		bus:       b,
		log:       log,
		userID:    userID,
		nowFn:     time.Now,
	}
}

// Run consumes transport events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-e.transport.Events():
			if !ok {
				return
			}
			e.Handle(ctx, env)
		}
	}
}

// Handle applies one transport event. Run calls this for every received
// envelope; it is exported so a driving loop can be composed differently.
func (e *Engine) Handle(ctx context.Context, env transport.Envelope) {
	switch env.Type {
	case transport.EventConnected:
		e.resync(ctx)
	case transport.EnvMessageNew:
		var w transport.WireMessage
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			e.countMalformed()
			return
		}
		if err := e.applyRemote(w); err != nil {
			e.log.Error("apply remote message", zap.String("msg_id", w.ID), zap.Error(err))
		}
	case transport.EnvAck:
		var p transport.AckPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.countMalformed()
			return
		}
		e.applyAck(p)
	case transport.EnvReject:
		var p transport.RejectPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.countMalformed()
			return
		}
		e.applyReject(p)
	case transport.EnvTyping:
		var p transport.TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.countMalformed()
			return
		}
		e.bus.Publish(bus.Event{Kind: bus.KindTypingChanged, Timestamp: e.nowFn(), Payload: p})
	case transport.EnvReadReceipt:
		var p transport.ReadReceiptPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.countMalformed()
			return
		}
		e.applyReadReceipt(p)
	case transport.EventMalformed:
		e.countMalformed()
	default:
		e.log.Debug("unhandled event", zap.String("type", env.Type))
	}
}

// resync catches every known conversation up to the server, one checkpoint
// page at a time. A failing conversation is logged and skipped; the next
// reconnect retries it from its unchanged checkpoint.
func (e *Engine) resync(ctx context.Context) {
	convs, err := e.db.ListConversations()
	if err != nil {
		e.log.Error("resync: list conversations", zap.Error(err))
		return
	}

	for _, conv := range convs {
		if ctx.Err() != nil {
			return
		}
		if err := e.resyncConversation(ctx, conv.ID); err != nil {
			e.log.Warn("resync conversation failed",
				zap.String("conversation_id", conv.ID),
				zap.Error(err))
		}
	}

	e.log.Info("resync complete", zap.Int("conversations", len(convs)))
	e.bus.Publish(bus.Event{Kind: bus.KindResyncDone, Timestamp: e.nowFn()})
}

func (e *Engine) resyncConversation(ctx context.Context, conversationID string) error {
	since, err := e.db.LastAckSeq(conversationID)
	if err != nil {
		return err
	}
	fromScratch := since == 0

	for {
		page, err := e.transport.FetchChanges(ctx, conversationID, since, resyncPageSize)
		if err != nil {
			return err
		}
		for _, w := range page.Messages {
			if err := e.applyRemote(w); err != nil {
				return err
			}
			if w.ServerSeq > since {
				since = w.ServerSeq
			}
		}
		if err := e.db.SetLastAckSeq(conversationID, since); err != nil {
			return err
		}
		if !page.HasMore {
			// A walk that started from seq zero covered the entire
			// history; only then is it safe to drop the more marker.
			if fromScratch {
				return e.db.SetHasMore(conversationID, false)
			}
			return nil
		}
	}
}

// applyRemote records a server-originated message. Duplicates from resync
// overlap or replayed frames are no-ops and publish nothing.
func (e *Engine) applyRemote(w transport.WireMessage) error {
	m := &store.Message{
		MsgID:          w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Body:           w.Body,
		MediaRef:       w.MediaRef,
		ServerTS:       w.ServerTS,
		Status:         store.StatusDelivered,
	}
	inserted, err := e.db.UpsertRemoteMessage(m)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	if w.ServerSeq > 0 {
		last, err := e.db.LastAckSeq(w.ConversationID)
		if err == nil && w.ServerSeq > last {
			if err := e.db.SetLastAckSeq(w.ConversationID, w.ServerSeq); err != nil {
				e.log.Error("advance checkpoint", zap.Error(err))
			}
		}
	}

	e.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, Timestamp: e.nowFn(), Payload: m})
	return nil
}

// applyAck handles acks arriving outside a Send call, e.g. after the
// sender already timed out. Re-applying an ack is harmless.
func (e *Engine) applyAck(p transport.AckPayload) {
	m, err := e.db.GetMessage(p.MessageID)
	if err != nil || m == nil {
		return
	}
	if err := e.db.UpdateStatus(p.MessageID, store.StatusSent, p.ServerTS); err != nil {
		e.log.Error("apply ack", zap.String("msg_id", p.MessageID), zap.Error(err))
		return
	}
	if err := e.db.RemovePending(p.MessageID); err != nil {
		e.log.Error("apply ack", zap.String("msg_id", p.MessageID), zap.Error(err))
		return
	}
	m.Status = store.StatusSent
	m.ServerTS = p.ServerTS
	e.bus.Publish(bus.Event{Kind: bus.KindSendAck, Timestamp: e.nowFn(), Payload: m})
}

func (e *Engine) applyReject(p transport.RejectPayload) {
	if !p.Permanent {
		return // the outbox retry loop handles transient refusals
	}
	m, err := e.db.GetMessage(p.MessageID)
	if err != nil || m == nil {
		return
	}
	if err := e.db.MarkFailed(p.MessageID); err != nil {
		e.log.Error("apply reject", zap.String("msg_id", p.MessageID), zap.Error(err))
		return
	}
	e.bus.Publish(bus.Event{Kind: bus.KindSendFailed, Timestamp: e.nowFn(), Payload: p})
}

// applyReadReceipt moves the local read marker when another device of the
// local user reports a read position. Peer receipts only invalidate views.
func (e *Engine) applyReadReceipt(p transport.ReadReceiptPayload) {
	if p.UserID == e.userID {
		if err := e.db.SetLastRead(p.ConversationID, p.Seq); err != nil {
			e.log.Error("apply read receipt", zap.Error(err))
			return
		}
	}
	conv, err := e.db.GetConversation(p.ConversationID)
	if err != nil || conv == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: bus.KindConversationUpdated, Timestamp: e.nowFn(), Payload: conv})
}

// countMalformed tracks undecodable frames and publishes a degraded signal
// when too many arrive inside the window.
func (e *Engine) countMalformed() {
	now := e.nowFn()
	if e.windowStart.IsZero() || now.Sub(e.windowStart) > malformedWindow {
		e.windowStart = now
		e.malformedCount = 0
	}
	e.malformedCount++
	if e.malformedCount == malformedThreshold {
		e.log.Warn("malformed frame burst", zap.Int("count", e.malformedCount))
		e.bus.Publish(bus.Event{Kind: bus.KindDegraded, Timestamp: now, Payload: e.malformedCount})
	}
}
