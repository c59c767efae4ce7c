package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"convoguard/internal/store"
)

// =============================================================================
// STATE COMMANDS
// =============================================================================

var (
	stateUser    string
	stateChannel string
)

// stateCmd groups conversation-state operations
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and reset conversation state",
}

// stateShowCmd prints one conversation's state
var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current state for a user",
	RunE:  runStateShow,
}

// stateResetCmd resets one conversation to stage S0
var stateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset a user's conversation to the opening stage",
	RunE:  runStateReset,
}

func init() {
	stateCmd.PersistentFlags().StringVar(&stateUser, "user", "cli", "User ID")
	stateCmd.PersistentFlags().StringVar(&stateChannel, "channel", "console", "Channel ID")
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateResetCmd)
	rootCmd.AddCommand(stateCmd)
}

func openStore() (*store.Store, error) {
	return store.New(cfg.DatabasePath())
}

func runStateShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := st.GetState(ctx, tenantName, stateChannel, stateUser)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runStateReset(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := st.DeleteState(ctx, tenantName, stateChannel, stateUser); err != nil {
		return err
	}
	fmt.Printf("State reset for %s/%s/%s\n", tenantName, stateChannel, stateUser)
	return nil
}
