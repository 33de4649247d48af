package store

// ResetAll wipes every locally cached row in one transaction: messages,
// pending entries, conversations, and sync checkpoints. Idempotent, so a
// reset on an already empty database succeeds. Schema and migration history
// are left in place.
func (db *DB) ResetAll() error {
	tx, err := db.Begin()
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"pending_messages", "messages", "conversations", "sync_state"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return unavailable("reset "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}
