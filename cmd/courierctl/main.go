package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/courier-im/courier/internal/session"
)

var sessionFlag string

func main() {
	root := &cobra.Command{
		Use:           "courierctl",
		Short:         "Manage courier sync sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")

	root.AddCommand(newResetCmd())
	root.AddCommand(newQueueCmd())
	root.AddCommand(newConversationsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// resolveSession applies the flag/config/default chain and validates the result.
func resolveSession() (string, error) {
	name := session.Resolve(sessionFlag)
	if err := session.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}
