package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/projector"
	"github.com/courier-im/courier/internal/session"
	"github.com/courier-im/courier/internal/store"
)

func newConversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List conversations with unread counts",
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

			proj := projector.New(db, bus.New(), zap.NewNop(), nil)
			views, err := proj.Snapshot()
			if err != nil {
				return err
			}
			if len(views) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no conversations")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CONVERSATION\tPARTICIPANTS\tUNREAD\tLAST MESSAGE\tMORE HISTORY")
			for _, v := range views {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%v\n",
					v.ID, strings.Join(v.ParticipantIDs, ","), v.UnreadCount, v.LastMessageID, v.HasMoreMessages)
			}
			return w.Flush()
		},
	}
}
