package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"convoguard/internal/types"
)

// =============================================================================
// ASK COMMAND
// =============================================================================

var (
	askUser    string
	askChannel string
)

// askCmd runs a single audited turn
var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Run one audited turn and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askUser, "user", "cli", "User ID for the turn")
	askCmd.Flags().StringVar(&askChannel, "channel", "console", "Channel ID for the turn")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cfg, tenantName)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	reply, err := a.orch.HandleMessage(ctx, types.InboundMessage{
		Text:      strings.Join(args, " "),
		UserID:    askUser,
		ChannelID: askChannel,
		IsPrivate: true,
	})
	if err != nil {
		return err
	}

	fmt.Println(reply.Text)
	fmt.Printf("\n[stage=%s persona=%s model=%s action=%s tokens=%d]\n",
		reply.Stage, reply.Persona, reply.Model, reply.Action, reply.Usage.TotalTokens)
	return nil
}
