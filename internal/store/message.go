package store

import (
	"database/sql"
	"time"
)

const maxSeq = int64(1) << 62

// InsertLocalMessage durably records a locally composed message with
// status=pending and a fresh pending entry, in one transaction. The next
// per-conversation seq is allocated inside the transaction and written back
// to m.Seq. Never touches the network.
func (db *DB) InsertLocalMessage(m *Message) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	m.Status = StatusPending

	return db.withConversation(m.ConversationID, func() error {
		tx, err := db.Begin()
		if err != nil {
			return unavailable("begin tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRow(`
			SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
			m.ConversationID).Scan(&m.Seq); err != nil {
			return unavailable("allocate seq", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO messages (msg_id, conversation_id, sender_id, body, media_ref, created_at, server_ts, status, seq)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			m.MsgID, m.ConversationID, m.SenderID, m.Body, m.MediaRef, m.CreatedAt, m.Status, m.Seq); err != nil {
			return unavailable("insert message", err)
		}

		now := time.Now().UnixMilli()
		if _, err := tx.Exec(`
			INSERT INTO pending_messages (msg_id, conversation_id, attempts, next_retry_at, created_at)
			VALUES (?, ?, 0, ?, ?)`,
			m.MsgID, m.ConversationID, now, now); err != nil {
			return unavailable("insert pending entry", err)
		}

		if err := touchConversation(tx, m.ConversationID, now); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return unavailable("commit", err)
		}
		return nil
	})
}

// UpsertRemoteMessage records a server-originated message. Duplicate ids
// (replays, resync overlap) are a no-op; the bool reports whether a row was
// actually inserted.
func (db *DB) UpsertRemoteMessage(m *Message) (bool, error) {
	inserted := false
	err := db.withConversation(m.ConversationID, func() error {
		tx, err := db.Begin()
		if err != nil {
			return unavailable("begin tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		err = tx.QueryRow(`SELECT 1 FROM messages WHERE msg_id = ?`, m.MsgID).Scan(&exists)
		if err == nil {
			return nil // duplicate: already applied
		}
		if err != sql.ErrNoRows {
			return unavailable("check duplicate", err)
		}

		if err := tx.QueryRow(`
			SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
			m.ConversationID).Scan(&m.Seq); err != nil {
			return unavailable("allocate seq", err)
		}

		if m.CreatedAt == 0 {
			m.CreatedAt = m.ServerTS
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (msg_id, conversation_id, sender_id, body, media_ref, created_at, server_ts, status, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.MsgID, m.ConversationID, m.SenderID, m.Body, m.MediaRef, m.CreatedAt, m.ServerTS, m.Status, m.Seq); err != nil {
			return unavailable("insert message", err)
		}

		if err := touchConversation(tx, m.ConversationID, time.Now().UnixMilli()); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return unavailable("commit", err)
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// GetMessage returns a message by its client-generated id, or nil if absent.
func (db *DB) GetMessage(msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT msg_id, conversation_id, sender_id, body, media_ref, created_at, server_ts, status, seq
		FROM messages WHERE msg_id = ?`, msgID).
		Scan(&m.MsgID, &m.ConversationID, &m.SenderID, &m.Body, &m.MediaRef, &m.CreatedAt, &m.ServerTS, &m.Status, &m.Seq)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get message", err)
	}
	return &m, nil
}

// ListMessages returns messages for a conversation using keyset pagination
// by seq descending. A beforeSeq <= 0 starts from the newest message. Stable
// cursors never skip or duplicate rows across calls.
func (db *DB) ListMessages(conversationID string, beforeSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeSeq <= 0 {
		beforeSeq = maxSeq
	}
	rows, err := db.Query(`
		SELECT msg_id, conversation_id, sender_id, body, media_ref, created_at, server_ts, status, seq
		FROM messages
		WHERE conversation_id = ? AND seq < ?
		ORDER BY seq DESC
		LIMIT ?`, conversationID, beforeSeq, limit)
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MsgID, &m.ConversationID, &m.SenderID, &m.Body, &m.MediaRef, &m.CreatedAt, &m.ServerTS, &m.Status, &m.Seq); err != nil {
			return nil, unavailable("scan message", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list messages", err)
	}
	return msgs, nil
}

// UpdateStatus sets a message's status and, when serverTS > 0, its server
// timestamp. Idempotent: re-applying the same ack leaves the row unchanged.
func (db *DB) UpdateStatus(msgID, status string, serverTS int64) error {
	_, err := db.Exec(`
		UPDATE messages
		SET status = ?, server_ts = CASE WHEN ? > 0 THEN ? ELSE server_ts END
		WHERE msg_id = ?`,
		status, serverTS, serverTS, msgID)
	if err != nil {
		return unavailable("update status", err)
	}
	return nil
}

// CountDeliveredAfter counts delivered messages past the given read marker.
func (db *DB) CountDeliveredAfter(conversationID string, afterSeq int64) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND status = ? AND seq > ?`,
		conversationID, StatusDelivered, afterSeq).Scan(&n)
	if err != nil {
		return 0, unavailable("count delivered", err)
	}
	return n, nil
}

func touchConversation(tx *sql.Tx, conversationID string, now int64) error {
	if _, err := tx.Exec(`
		INSERT INTO conversations (id, updated_at) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		conversationID, now); err != nil {
		return unavailable("touch conversation", err)
	}
	return nil
}
