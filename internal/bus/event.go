package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, e.g. "message." or "sync.".
const (
	KindStatusChanged = "sync.status_changed"
	KindConnected     = "sync.connected"
	KindDisconnected  = "sync.disconnected"
	KindDegraded      = "sync.degraded"
	KindResyncDone    = "sync.resync_done"

	KindMessageQueued   = "message.queued"
	KindMessageUpserted = "message.upserted"
	KindSendAck         = "message.send_ack"
	KindSendFailed      = "message.send_failed"

	KindConversationUpdated = "conversation.updated"
	KindTypingChanged       = "typing.changed"
	KindViewChanged         = "view.changed"

	KindLoggedOut = "session.logged_out"
)
