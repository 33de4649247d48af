// Package transport maintains the websocket sync connection: authentication,
// heartbeats, reconnection with backoff, message sends with correlated acks,
// and change fetches for resync. It is the only writer of the connection
// status machine.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the server-to-client wire frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is the client-to-server wire frame.
type Command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// Server event types, plus synthetic types the client emits on its own
// event stream.
const (
	envAuthenticated = "authenticated"
	envPong          = "pong"

	EnvMessageNew  = "message.new"
	EnvAck         = "message.ack"
	EnvReject      = "message.reject"
	EnvTyping      = "typing.indicator"
	EnvReadReceipt = "read.receipt"

	// EventConnected is a synthetic marker delivered on the event stream
	// after a connection is established and before any live frame from
	// that connection. Consumers use it to start a resync.
	EventConnected = "connected"

	// EventMalformed is a synthetic event for frames that failed to decode.
	// The payload carries the raw bytes.
	EventMalformed = "malformed"
)

// WireMessage is the wire representation of a message.
type WireMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Body           string `json:"body"`
	MediaRef       string `json:"mediaRef,omitempty"`
	ServerTS       int64  `json:"serverTs"`
	ServerSeq      int64  `json:"serverSeq"`
}

// AckPayload confirms a sent message. ServerSeq advances the resync
// checkpoint for the conversation.
type AckPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	ServerTS       int64  `json:"serverTs"`
	ServerSeq      int64  `json:"serverSeq"`
}

// RejectPayload reports a refused send. Permanent rejects must not be retried.
type RejectPayload struct {
	MessageID string `json:"messageId"`
	Reason    string `json:"reason"`
	Permanent bool   `json:"permanent"`
}

// TypingPayload signals a peer starting or stopping typing.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadReceiptPayload reports a read position, either from a peer or from
// another device of the local user.
type ReadReceiptPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Seq            int64  `json:"seq"`
}

// ChangesRequest asks for messages after a server sequence checkpoint.
type ChangesRequest struct {
	ConversationID string `json:"conversationId"`
	SinceSeq       int64  `json:"sinceSeq"`
	Limit          int    `json:"limit"`
}

// ChangesResult is one page of resync changes. HasMore=false means the
// checkpoint has caught up with the server.
type ChangesResult struct {
	RequestID      string        `json:"requestId"`
	ConversationID string        `json:"conversationId"`
	Messages       []WireMessage `json:"messages"`
	HasMore        bool          `json:"hasMore"`
}

type pongPayload struct {
	RequestID string `json:"requestId"`
}

// RejectError is returned by Send when the server refuses a message.
type RejectError struct {
	Reason    string
	Permanent bool
}

func (e *RejectError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("message rejected (%s): %s", kind, e.Reason)
}

var (
	// ErrSendTimeout means no ack arrived in time. The message may still
	// have reached the server, so retries rely on server-side dedupe.
	ErrSendTimeout = errors.New("send timed out waiting for ack")

	// ErrAuthExpired means the token was rejected and a refresh did not help.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrNotConnected means the operation needs a live connection.
	ErrNotConnected = errors.New("not connected")
)
