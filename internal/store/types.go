package store

// Message statuses. A message is born pending, becomes sent on server ack,
// delivered when it arrived from a peer, and failed when retries are
// exhausted or the server rejected it permanently.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Message represents a stored message. MsgID is a client-generated UUID so
// the server can deduplicate retries; Seq strictly increases within a
// conversation and defines local order until ServerTS is assigned.
type Message struct {
	MsgID          string
	ConversationID string
	SenderID       string
	Body           string
	MediaRef       string
	CreatedAt      int64 // unix ms, client clock
	ServerTS       int64 // unix ms, 0 until acked by the server
	Status         string
	Seq            int64
}

// PendingEntry indexes a not-yet-acknowledged outgoing message. It holds no
// copy of the message body, only the id plus retry bookkeeping.
type PendingEntry struct {
	MessageID      string
	ConversationID string
	Attempts       int
	NextRetryAt    int64
	LastError      string
	Seq            int64
}

// Conversation holds per-conversation metadata. Last message and unread
// counts are not stored: the projector derives them from messages.
type Conversation struct {
	ID              string
	ParticipantIDs  []string
	LastReadSeq     int64
	HasMoreMessages bool
	UpdatedAt       int64
}
