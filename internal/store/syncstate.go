package store

import (
	"database/sql"
	"strconv"
	"time"
)

// SetCheckpoint updates a sync checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	if err != nil {
		return unavailable("set checkpoint", err)
	}
	return nil
}

// GetCheckpoint retrieves a sync checkpoint value. Missing keys yield "".
func (db *DB) GetCheckpoint(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", unavailable("get checkpoint", err)
	}
	return value, nil
}

// LastAckSeq returns the last server sequence acknowledged for a conversation.
func (db *DB) LastAckSeq(conversationID string) (int64, error) {
	v, err := db.GetCheckpoint("last_ack_seq:" + conversationID)
	if err != nil || v == "" {
		return 0, err
	}
	seq, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil // unreadable checkpoint: resync from the beginning
	}
	return seq, nil
}

// SetLastAckSeq advances the resync checkpoint for a conversation.
func (db *DB) SetLastAckSeq(conversationID string, seq int64) error {
	return db.SetCheckpoint("last_ack_seq:"+conversationID, strconv.FormatInt(seq, 10))
}
