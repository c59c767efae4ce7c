// Package transport defines how inbound chat messages reach the
// orchestrator and how replies travel back. Protocol adapters (Telegram,
// webhooks) plug in behind the same interface; a console transport ships
// for local operation and smoke testing.
package transport

import (
	"context"

	"convoguard/internal/types"
)

// Transport is a bidirectional chat channel. Messages yields inbound
// messages until the transport closes; SendReply delivers one reply to a
// channel. Send failures are returned unchanged to the caller.
type Transport interface {
	Messages() <-chan types.InboundMessage
	SendReply(ctx context.Context, channelID, text string) error
	Close() error
}
