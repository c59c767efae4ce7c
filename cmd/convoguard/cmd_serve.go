package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"convoguard/internal/logging"
	"convoguard/internal/transport"
	"convoguard/internal/types"
)

// =============================================================================
// SERVE COMMAND
// =============================================================================

var serveChannel string

// serveCmd runs the console conversation loop
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conversation loop on the console transport",
	Long: `Reads messages from stdin, one per line. A "user_id: text" prefix
selects the user; bare lines map to the "console" user. Each message runs
the full turn: retrieval, supervisor, routing, audited generation.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveChannel, "channel", "console", "Channel ID for inbound messages")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cfg, tenantName)
	if err != nil {
		return err
	}
	defer a.close()

	console, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer console.Sync()

	tr := transport.NewConsole(os.Stdin, serveChannel, console)
	defer tr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	console.Info("convoguard serving",
		zap.String("tenant", a.tenant),
		zap.String("channel", serveChannel))
	logging.Boot("Serve loop started for tenant %s", a.tenant)

	// Turns for different users run concurrently; turns for the same user
	// stay strictly ordered.
	var locks sync.Map
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-tr.Messages():
				if !ok {
					return nil
				}
				g.Go(func() error {
					mu, _ := locks.LoadOrStore(msg.UserID, &sync.Mutex{})
					mu.(*sync.Mutex).Lock()
					defer mu.(*sync.Mutex).Unlock()
					handleTurn(ctx, a, tr, console, msg)
					return nil
				})
			}
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	console.Info("convoguard stopped")
	return nil
}

func handleTurn(ctx context.Context, a *app, tr transport.Transport, console *zap.Logger, msg types.InboundMessage) {
	reply, err := a.orch.HandleMessage(ctx, msg)
	if err != nil {
		console.Error("turn failed", zap.String("user", msg.UserID), zap.Error(err))
		return
	}

	console.Debug("turn complete",
		zap.String("user", msg.UserID),
		zap.String("stage", reply.Stage),
		zap.String("model", reply.Model),
		zap.String("action", reply.Action),
		zap.Int("tokens", reply.Usage.TotalTokens))

	if err := tr.SendReply(ctx, msg.ChannelID, reply.Text); err != nil {
		console.Error("send failed", zap.String("user", msg.UserID), zap.Error(err))
	}
}
