package store

// DuePending returns pending entries whose retry time has passed, joined
// with their message seq. Ordered per-conversation FIFO (oldest seq first).
func (db *DB) DuePending(now int64) ([]PendingEntry, error) {
	rows, err := db.Query(`
		SELECT p.msg_id, p.conversation_id, p.attempts, p.next_retry_at, p.last_error, m.seq
		FROM pending_messages p
		JOIN messages m ON m.msg_id = p.msg_id
		WHERE p.next_retry_at <= ? AND m.status = ?
		ORDER BY p.conversation_id, m.seq`, now, StatusPending)
	if err != nil {
		return nil, unavailable("list due pending", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []PendingEntry
	for rows.Next() {
		var e PendingEntry
		if err := rows.Scan(&e.MessageID, &e.ConversationID, &e.Attempts, &e.NextRetryAt, &e.LastError, &e.Seq); err != nil {
			return nil, unavailable("scan pending entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list due pending", err)
	}
	return entries, nil
}

// ListPending returns all pending entries regardless of retry time.
func (db *DB) ListPending() ([]PendingEntry, error) {
	rows, err := db.Query(`
		SELECT p.msg_id, p.conversation_id, p.attempts, p.next_retry_at, p.last_error, m.seq
		FROM pending_messages p
		JOIN messages m ON m.msg_id = p.msg_id
		ORDER BY p.conversation_id, m.seq`)
	if err != nil {
		return nil, unavailable("list pending", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []PendingEntry
	for rows.Next() {
		var e PendingEntry
		if err := rows.Scan(&e.MessageID, &e.ConversationID, &e.Attempts, &e.NextRetryAt, &e.LastError, &e.Seq); err != nil {
			return nil, unavailable("scan pending entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list pending", err)
	}
	return entries, nil
}

// MarkAttempt records a failed transient send attempt and schedules the next retry.
func (db *DB) MarkAttempt(msgID string, attempts int, nextRetryAt int64, lastError string) error {
	_, err := db.Exec(`
		UPDATE pending_messages SET attempts = ?, next_retry_at = ?, last_error = ?
		WHERE msg_id = ?`, attempts, nextRetryAt, lastError, msgID)
	if err != nil {
		return unavailable("mark attempt", err)
	}
	return nil
}

// RemovePending deletes the pending entry once a message is acknowledged.
// Idempotent: removing an absent entry is not an error.
func (db *DB) RemovePending(msgID string) error {
	_, err := db.Exec(`DELETE FROM pending_messages WHERE msg_id = ?`, msgID)
	if err != nil {
		return unavailable("remove pending", err)
	}
	return nil
}

// MarkFailed terminally fails a message: status=failed and its pending entry
// removed, so it is never auto-retried again. The final error travels in the
// send_failed event, not in the store.
func (db *DB) MarkFailed(msgID string) error {
	tx, err := db.Begin()
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`UPDATE messages SET status = ? WHERE msg_id = ?`, StatusFailed, msgID); err != nil {
		return unavailable("mark message failed", err)
	}
	if _, err := tx.Exec(`DELETE FROM pending_messages WHERE msg_id = ?`, msgID); err != nil {
		return unavailable("remove pending", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}
