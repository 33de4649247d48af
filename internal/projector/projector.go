// Package projector derives the read models the UI renders: conversation
// summaries with unread counts, display-ordered message pages, and typing
// indicators with expiry. It owns no state of record; everything here can
// be rebuilt from the store at any time.
package projector

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/store"
	"github.com/courier-im/courier/internal/transport"
)

// typingTTL is how long a typing indicator stays visible without renewal.
const typingTTL = 8 * time.Second

// ConversationView is the renderable summary of one conversation.
type ConversationView struct {
	ID              string
	ParticipantIDs  []string
	LastMessageID   string
	UnreadCount     int
	HasMoreMessages bool
	TypingUserIDs   []string
}

// ReceiptSender reports local read positions upstream. May be absent while
// offline; receipts are best effort.
type ReceiptSender interface {
	SendReadReceipt(ctx context.Context, conversationID string, seq int64) error
}

// Projector maintains derived views over the store.
type Projector struct {
	db       *store.DB
	bus      *bus.Bus
	log      *zap.Logger
	receipts ReceiptSender

	nowFn func() time.Time

	mu     sync.Mutex
	typing map[string]map[string]time.Time // conversation -> user -> expiry
}

// New creates a projector. receipts may be nil.
func New(db *store.DB, b *bus.Bus, log *zap.Logger, receipts ReceiptSender) *Projector {
	return &Projector{
		db:       db,
		bus:      b,
		log:      log,
		receipts: receipts,
		nowFn:    time.Now,
		typing:   make(map[string]map[string]time.Time),
	}
}

// Run reacts to domain events until ctx is cancelled: typing updates feed
// the indicator map, everything else just invalidates the view.
func (p *Projector) Run(ctx context.Context) {
	events, unsub := p.bus.Subscribe("", 64)
	defer unsub()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Kind {
			case bus.KindTypingChanged:
				if t, ok := ev.Payload.(transport.TypingPayload); ok {
					p.applyTyping(t)
					p.invalidate()
				}
			case bus.KindMessageQueued, bus.KindMessageUpserted, bus.KindSendAck,
				bus.KindSendFailed, bus.KindConversationUpdated, bus.KindResyncDone:
				p.invalidate()
			}
		case <-ticker.C:
			if p.expireTyping() {
				p.invalidate()
			}
		}
	}
}

// Snapshot returns all conversation views, most recently active first.
func (p *Projector) Snapshot() ([]ConversationView, error) {
	convs, err := p.db.ListConversations()
	if err != nil {
		return nil, err
	}
	views := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		v, err := p.view(c)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// Conversation returns one conversation view, or a zero view with ok=false.
func (p *Projector) Conversation(id string) (ConversationView, bool, error) {
	c, err := p.db.GetConversation(id)
	if err != nil || c == nil {
		return ConversationView{}, false, err
	}
	v, err := p.view(*c)
	if err != nil {
		return ConversationView{}, false, err
	}
	return v, true, nil
}

func (p *Projector) view(c store.Conversation) (ConversationView, error) {
	unread, err := p.db.CountDeliveredAfter(c.ID, c.LastReadSeq)
	if err != nil {
		return ConversationView{}, err
	}
	recent, err := p.Messages(c.ID, 0, 20)
	if err != nil {
		return ConversationView{}, err
	}
	lastID := ""
	if len(recent) > 0 {
		lastID = recent[len(recent)-1].MsgID
	}
	return ConversationView{
		ID:              c.ID,
		ParticipantIDs:  c.ParticipantIDs,
		LastMessageID:   lastID,
		UnreadCount:     unread,
		HasMoreMessages: c.HasMoreMessages,
		TypingUserIDs:   p.typingUsers(c.ID),
	}, nil
}

// Messages returns one page of a conversation in display order, oldest
// first. Messages confirmed by the server sort by server timestamp;
// unconfirmed local messages keep their compose order and sort after the
// confirmed ones, so a message never moves backwards once placed.
func (p *Projector) Messages(conversationID string, beforeSeq int64, limit int) ([]store.Message, error) {
	msgs, err := p.db.ListMessages(conversationID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	orderForDisplay(msgs)
	return msgs, nil
}

func orderForDisplay(msgs []store.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		synced := func(m store.Message) bool { return m.ServerTS > 0 }
		switch {
		case synced(a) && synced(b):
			if a.ServerTS != b.ServerTS {
				return a.ServerTS < b.ServerTS
			}
			return a.Seq < b.Seq
		case synced(a):
			return true
		case synced(b):
			return false
		default:
			return a.Seq < b.Seq
		}
	})
}

// MarkRead moves the read marker to the newest message and reports the new
// position upstream when a receipt sender is available.
func (p *Projector) MarkRead(ctx context.Context, conversationID string) error {
	newest, err := p.db.ListMessages(conversationID, 0, 1)
	if err != nil {
		return err
	}
	if len(newest) == 0 {
		return nil
	}
	seq := newest[0].Seq
	if err := p.db.SetLastRead(conversationID, seq); err != nil {
		return err
	}
	if p.receipts != nil {
		if err := p.receipts.SendReadReceipt(ctx, conversationID, seq); err != nil {
			p.log.Debug("read receipt not delivered", zap.Error(err))
		}
	}
	p.invalidate()
	return nil
}

func (p *Projector) applyTyping(t transport.TypingPayload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	users := p.typing[t.ConversationID]
	if t.IsTyping {
		if users == nil {
			users = make(map[string]time.Time)
			p.typing[t.ConversationID] = users
		}
		users[t.UserID] = p.nowFn().Add(typingTTL)
		return
	}
	delete(users, t.UserID)
}

// expireTyping prunes stale indicators. Reports whether anything changed.
func (p *Projector) expireTyping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.nowFn()
	changed := false
	for conv, users := range p.typing {
		for user, expiry := range users {
			if !expiry.After(now) {
				delete(users, user)
				changed = true
			}
		}
		if len(users) == 0 {
			delete(p.typing, conv)
		}
	}
	return changed
}

func (p *Projector) typingUsers(conversationID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.nowFn()
	var users []string
	for user, expiry := range p.typing[conversationID] {
		if expiry.After(now) {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	return users
}

func (p *Projector) invalidate() {
	p.bus.Publish(bus.Event{Kind: bus.KindViewChanged, Timestamp: p.nowFn()})
}
