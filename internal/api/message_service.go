// Package api is the in-process surface an embedding application talks to:
// sending messages, paging history, conversation views, and event watches.
// All methods are safe for concurrent use.
package api

import (
	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/outbox"
	"github.com/courier-im/courier/internal/projector"
	"github.com/courier-im/courier/internal/store"
)

// MessageService exposes message operations backed by the outbox and projector.
type MessageService struct {
	outbox    *outbox.Outbox
	projector *projector.Projector
	bus       *bus.Bus
}

// NewMessageService creates a message service.
func NewMessageService(ob *outbox.Outbox, proj *projector.Projector, b *bus.Bus) *MessageService {
	return &MessageService{outbox: ob, projector: proj, bus: b}
}

// Send queues a message for delivery and returns it immediately with
// status pending. Works fully offline.
func (s *MessageService) Send(conversationID, body, mediaRef string) (*store.Message, error) {
	return s.outbox.Enqueue(conversationID, body, mediaRef)
}

// List returns one display-ordered page of a conversation, oldest first.
// Pass beforeSeq=0 for the newest page; use the smallest Seq of the
// returned page as the next cursor.
func (s *MessageService) List(conversationID string, beforeSeq int64, limit int) ([]store.Message, error) {
	return s.projector.Messages(conversationID, beforeSeq, limit)
}

// Watch streams message events. Events signal "state changed, re-read";
// a slow consumer misses notifications, not state.
func (s *MessageService) Watch(bufSize int) (<-chan bus.Event, func()) {
	return s.bus.Subscribe("message.", bufSize)
}
