package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// UpsertConversation inserts or updates conversation metadata.
func (db *DB) UpsertConversation(c *Conversation) error {
	participants, err := json.Marshal(c.ParticipantIDs)
	if err != nil {
		return err
	}
	if c.UpdatedAt == 0 {
		c.UpdatedAt = time.Now().UnixMilli()
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, participant_ids, last_read_seq, has_more_messages, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant_ids = excluded.participant_ids,
			has_more_messages = excluded.has_more_messages,
			updated_at = excluded.updated_at`,
		c.ID, string(participants), c.LastReadSeq, c.HasMoreMessages, c.UpdatedAt)
	if err != nil {
		return unavailable("upsert conversation", err)
	}
	return nil
}

// GetConversation returns a conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var participants string
	err := db.QueryRow(`
		SELECT id, participant_ids, last_read_seq, has_more_messages, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &participants, &c.LastReadSeq, &c.HasMoreMessages, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get conversation", err)
	}
	if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
		return nil, unavailable("decode participants", err)
	}
	return &c, nil
}

// ListConversations returns all conversations, most recently active first.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT id, participant_ids, last_read_seq, has_more_messages, updated_at
		FROM conversations
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, unavailable("list conversations", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var participants string
		if err := rows.Scan(&c.ID, &participants, &c.LastReadSeq, &c.HasMoreMessages, &c.UpdatedAt); err != nil {
			return nil, unavailable("scan conversation", err)
		}
		if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
			return nil, unavailable("decode participants", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list conversations", err)
	}
	return convs, nil
}

// SetLastRead advances the user-acknowledged read marker. Never moves backwards.
func (db *DB) SetLastRead(conversationID string, seq int64) error {
	_, err := db.Exec(`
		UPDATE conversations SET last_read_seq = MAX(last_read_seq, ?) WHERE id = ?`,
		seq, conversationID)
	if err != nil {
		return unavailable("set last read", err)
	}
	return nil
}

// SetHasMore records whether older history remains on the server. Set to
// false only after a page fetch returned fewer items than requested.
func (db *DB) SetHasMore(conversationID string, hasMore bool) error {
	_, err := db.Exec(`
		UPDATE conversations SET has_more_messages = ? WHERE id = ?`,
		hasMore, conversationID)
	if err != nil {
		return unavailable("set has more", err)
	}
	return nil
}
