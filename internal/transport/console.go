package transport

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"convoguard/internal/types"
)

// ConsoleTransport drives a conversation from an input stream, one message
// per line. Lines look like "user_id: text"; a bare line maps to the
// default user. Replies go to the console logger.
type ConsoleTransport struct {
	log     *zap.Logger
	in      io.Reader
	msgs    chan types.InboundMessage
	channel string

	closeOnce sync.Once
	done      chan struct{}
}

// NewConsole creates a console transport reading from in. channel names the
// logical channel all messages arrive on.
func NewConsole(in io.Reader, channel string, log *zap.Logger) *ConsoleTransport {
	if log == nil {
		log = zap.NewNop()
	}
	t := &ConsoleTransport{
		log:     log,
		in:      in,
		msgs:    make(chan types.InboundMessage),
		channel: channel,
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *ConsoleTransport) readLoop() {
	defer close(t.msgs)

	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		userID := "console"
		text := line
		if idx := strings.Index(line, ": "); idx > 0 && !strings.ContainsAny(line[:idx], " \t") {
			userID = line[:idx]
			text = strings.TrimSpace(line[idx+2:])
		}

		msg := types.InboundMessage{
			Text:      text,
			UserID:    userID,
			ChannelID: t.channel,
			IsPrivate: true,
		}
		select {
		case t.msgs <- msg:
		case <-t.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		t.log.Warn("console input closed", zap.Error(err))
	}
}

// Messages yields inbound messages until the input stream ends or the
// transport closes.
func (t *ConsoleTransport) Messages() <-chan types.InboundMessage {
	return t.msgs
}

// SendReply prints the reply.
func (t *ConsoleTransport) SendReply(_ context.Context, channelID, text string) error {
	t.log.Info("reply", zap.String("channel", channelID), zap.String("text", text))
	return nil
}

// Close stops the read loop. The Messages channel closes once the loop
// exits.
func (t *ConsoleTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}
