package api

import (
	"context"

	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/projector"
)

// TypingSender reports local typing activity upstream. Best effort; a nil
// sender or a failed send only means peers miss the indicator.
type TypingSender interface {
	SendTyping(ctx context.Context, conversationID string, isTyping bool) error
}

// ConversationService exposes conversation views, read tracking, and
// typing updates.
type ConversationService struct {
	projector *projector.Projector
	bus       *bus.Bus
	typing    TypingSender
}

// NewConversationService creates a conversation service. typing may be nil.
func NewConversationService(proj *projector.Projector, b *bus.Bus, typing TypingSender) *ConversationService {
	return &ConversationService{projector: proj, bus: b, typing: typing}
}

// List returns all conversation views, most recently active first.
func (s *ConversationService) List() ([]projector.ConversationView, error) {
	return s.projector.Snapshot()
}

// Get returns one conversation view.
func (s *ConversationService) Get(id string) (projector.ConversationView, bool, error) {
	return s.projector.Conversation(id)
}

// MarkRead moves the read marker to the newest message.
func (s *ConversationService) MarkRead(ctx context.Context, conversationID string) error {
	return s.projector.MarkRead(ctx, conversationID)
}

// SetTyping reports whether the local user is typing in a conversation.
func (s *ConversationService) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	if s.typing == nil {
		return nil
	}
	return s.typing.SendTyping(ctx, conversationID, isTyping)
}

// Watch streams view invalidations.
func (s *ConversationService) Watch(bufSize int) (<-chan bus.Event, func()) {
	return s.bus.Subscribe("view.", bufSize)
}
