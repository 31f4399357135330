package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alicasapp/backend/internal/chat"
	"github.com/alicasapp/backend/internal/client"
	"github.com/alicasapp/backend/internal/models"
	"github.com/alicasapp/backend/internal/realtime"
	"github.com/alicasapp/backend/internal/receipts"
	"github.com/alicasapp/backend/internal/session"
	"github.com/alicasapp/backend/internal/unread"
)

const openHelp = `Type a message and press enter to send it.
  /older         load the previous page
  /image <path>  send an image
  /voice <path>  send a recorded voice note
  /quit          leave the conversation`

func newOpenCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "open <conversation-id>",
		Short: "Follow a conversation live and send messages from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "conversation id")
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			cmd.SetContext(runCtx)

			var feed *client.Feed
			cs, err := newChatSession(cmd, ctx, func(api *client.Client, sess *session.Session) (realtime.Feed, error) {
				f, err := api.DialFeed(sess.Context())
				if err != nil {
					return nil, err
				}
				sess.OnClose(f.Close)
				feed = f
				return f, nil
			})
			if err != nil {
				return err
			}
			defer cs.close()

			return runConversation(runCtx, ctx, cs, feed, id, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runConversation(ctx context.Context, cc *commandContext, cs *chatSession, feed *client.Feed, id uuid.UUID, in io.Reader, out io.Writer) error {
	self := cc.config.UserID
	logger := cc.logger

	tracker := receipts.NewTracker(self, cs.api, logger)
	agg := unread.New(cs.sess, cs.api, feed, logger)
	tracker.OnConfirmed(func(byConversation map[uuid.UUID][]int64) {
		for _, ids := range byConversation {
			cs.store.ApplyRead(ids)
		}
		agg.Confirmed(byConversation)
	})

	storeChanged := notifier()
	unreadChanged := notifier()
	cs.store.OnChange(storeChanged.signal)
	agg.OnChange(unreadChanged.signal)

	if err := agg.Start(ctx); err != nil {
		return err
	}
	if err := cs.store.Open(ctx, id); err != nil {
		return err
	}
	feed.OnReconnect(func() {
		// Changes made while disconnected were never delivered.
		if err := cs.store.Open(ctx, id); err != nil {
			logger.Warn("reload after reconnect failed", zap.Error(err))
		}
		if err := agg.Refresh(ctx); err != nil {
			logger.Warn("unread refresh after reconnect failed", zap.Error(err))
		}
	})

	view := newTranscript(out, self, shouldColorize(out))
	if conv, ok := cs.store.Conversation(); ok {
		view.header(conv)
	}
	fmt.Fprintln(out, paint(openHelp, ansiDim, view.colorize))

	lines := make(chan string)
	go readLines(ctx, in, lines)

	elsewhere := -1
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-storeChanged:
			msgs := cs.store.Messages()
			view.render(msgs)
			if _, err := tracker.Observe(ctx, msgs); err != nil {
				logger.Debug("mark read deferred", zap.Error(err))
			}
		case <-unreadChanged:
			n := agg.Total() - agg.Count(id)
			if n != elsewhere && n > 0 {
				fmt.Fprintln(out, paint(fmt.Sprintf("-- %d unread in other conversations --", n), ansiYellow, view.colorize))
			}
			elsewhere = n
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleInput(ctx, cs.store, line, out, logger); quit {
				return nil
			}
		}
	}
}

// handleInput runs one line typed by the user and reports whether the
// user asked to leave.
func handleInput(ctx context.Context, store *chat.Store, line string, out io.Writer, logger *zap.Logger) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(out, openHelp)
	case "/older":
		var n int
		n, err = store.LoadOlder(ctx)
		if err == nil && n == 0 {
			fmt.Fprintln(out, "No older messages")
		}
	case "/image":
		_, err = sendImageFile(ctx, store, arg)
	case "/voice":
		_, err = sendVoiceFile(ctx, store, arg)
	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Fprintf(out, "Unknown command %s\n", cmd)
			return false
		}
		_, err = store.Send(ctx, models.TextPayload(line))
	}
	if err != nil {
		fmt.Fprintln(out, "error: "+describeSendError(logger, err))
	}
	return false
}

func readLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

type changeSignal chan struct{}

func notifier() changeSignal {
	return make(changeSignal, 1)
}

func (c changeSignal) signal() {
	select {
	case c <- struct{}{}:
	default:
	}
}

// transcript prints each message once, in arrival order, and reports
// when the partner has seen the user's messages.
type transcript struct {
	out      io.Writer
	self     uuid.UUID
	colorize bool

	printed  map[int64]bool
	newestID int64
	seenUpTo int64
}

func newTranscript(out io.Writer, self uuid.UUID, colorize bool) *transcript {
	return &transcript{out: out, self: self, colorize: colorize, printed: make(map[int64]bool)}
}

func (t *transcript) header(conv models.Conversation) {
	peer, _ := conv.Partner(t.self)
	fmt.Fprintf(t.out, "Conversation with %s [%s]\n", peer, statusLabel(conv.Status, t.colorize))
}

func (t *transcript) render(msgs []models.Message) {
	var older []models.Message
	var seen int64
	for _, m := range msgs {
		if m.SenderID == t.self && m.IsRead && m.ID > seen {
			seen = m.ID
		}
		if t.printed[m.ID] {
			continue
		}
		t.printed[m.ID] = true
		if t.newestID != 0 && m.ID < t.newestID {
			older = append(older, m)
			continue
		}
		fmt.Fprintln(t.out, formatMessage(m, t.self, t.colorize))
		t.newestID = m.ID
	}
	if len(older) > 0 {
		fmt.Fprintln(t.out, paint(fmt.Sprintf("-- %d earlier messages --", len(older)), ansiDim, t.colorize))
		for _, m := range older {
			fmt.Fprintln(t.out, formatMessage(m, t.self, t.colorize))
		}
	}
	if seen > t.seenUpTo {
		t.seenUpTo = seen
		fmt.Fprintln(t.out, paint("✓ seen", ansiGreen, t.colorize))
	}
}
