package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/courier-im/courier/internal/creds"
	"github.com/courier-im/courier/internal/lock"
	"github.com/courier-im/courier/internal/session"
	"github.com/courier-im/courier/internal/store"
)

func newResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe all local data for a session (messages, queue, checkpoints, credentials)",
		Long: `Reset deletes every locally cached message, queued send, sync checkpoint,
and stored credential for the session. The next daemon start syncs from
scratch. The daemon must not be running.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := resolveSession()
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("refusing to wipe session %q without --yes", name)
			}

			// The session lock guarantees no daemon is mutating the
			// database while it is being wiped.
			lk, err := lock.Acquire(session.Dir(name))
			if err != nil {
				var held *lock.LockHeldError
				if errors.As(err, &held) {
					return fmt.Errorf("session %q is in use by pid %d; stop the daemon first", name, held.PID)
				}
				return err
			}
			defer func() { _ = lk.Release() }()

			db, err := store.Open(session.DBPath(name))
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			if _, err := db.Migrate(); err != nil {
				return err
			}

			// Partial resets leave inconsistent state behind, so every
			// failure is reported and stops the command.
			if err := db.ResetAll(); err != nil {
				return fmt.Errorf("reset store: %w", err)
			}
			if err := creds.NewFileStore(session.CredsPath(name)).Clear(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "session %q reset\n", name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	return cmd
}
