package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/courier-im/courier/internal/session"
	"github.com/courier-im/courier/internal/store"
)

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show messages waiting to be sent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := resolveSession()
			if err != nil {
				return err
			}

			db, err := store.Open(session.DBPath(name))
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			if _, err := db.Migrate(); err != nil {
				return err
			}

			pending, err := db.ListPending()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "queue is empty")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MESSAGE\tCONVERSATION\tSEQ\tATTEMPTS\tNEXT RETRY\tLAST ERROR")
			for _, e := range pending {
				next := time.UnixMilli(e.NextRetryAt).Format(time.RFC3339)
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
					e.MessageID, e.ConversationID, e.Seq, e.Attempts, next, e.LastError)
			}
			return w.Flush()
		},
	}
}
