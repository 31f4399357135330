package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alicasapp/backend/internal/chat"
	"github.com/alicasapp/backend/internal/client"
	"github.com/alicasapp/backend/internal/media"
	"github.com/alicasapp/backend/internal/models"
	"github.com/alicasapp/backend/internal/notify"
	"github.com/alicasapp/backend/internal/realtime"
	"github.com/alicasapp/backend/internal/session"
	"github.com/alicasapp/backend/internal/storage"
)

// pushFlushTimeout bounds how long a one-shot command waits for its push
// notification before exiting.
const pushFlushTimeout = 3 * time.Second

// pendingDispatcher reports finished notifications so a short-lived
// process can wait for them before exiting.
type pendingDispatcher struct {
	inner    notify.Dispatcher
	finished chan struct{}
}

func newPendingDispatcher(inner notify.Dispatcher) *pendingDispatcher {
	return &pendingDispatcher{inner: inner, finished: make(chan struct{}, 16)}
}

func (d *pendingDispatcher) Dispatch(ctx context.Context, n notify.Notification) error {
	defer func() {
		select {
		case d.finished <- struct{}{}:
		default:
		}
	}()
	return d.inner.Dispatch(ctx, n)
}

// wait blocks until n notifications finished or timeout elapsed.
func (d *pendingDispatcher) wait(n int, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for i := 0; i < n; i++ {
		select {
		case <-d.finished:
		case <-timer.C:
			return false
		}
	}
	return true
}

type chatSession struct {
	sess   *session.Session
	api    *client.Client
	store  *chat.Store
	pushes *pendingDispatcher
}

// newChatSession builds a message store for the configured user. feed may
// be a local broker when the command does not follow live changes.
func newChatSession(cmd *cobra.Command, ctx *commandContext, feed func(*client.Client, *session.Session) (realtime.Feed, error)) (*chatSession, error) {
	api, err := ctx.apiClient(true)
	if err != nil {
		return nil, err
	}
	sess, err := session.New(cmd.Context(), ctx.identity(), ctx.config.Token)
	if err != nil {
		return nil, err
	}
	f, err := feed(api, sess)
	if err != nil {
		sess.Close()
		return nil, err
	}

	codec := media.AutoCodec{FFmpeg: media.FFmpegCodec{
		FFmpegBinary:  ctx.config.Media.FFmpegBinary,
		FFprobeBinary: ctx.config.Media.FFprobeBinary,
	}}
	pushes := newPendingDispatcher(api.Notifier())
	store := chat.NewStore(sess, api, f, chat.Options{
		Logger:          ctx.logger,
		Notifier:        pushes,
		Decoder:         codec,
		Prober:          codec,
		MetadataTimeout: ctx.config.MetadataTimeout(),
	})
	return &chatSession{sess: sess, api: api, store: store, pushes: pushes}, nil
}

func localFeed(_ *client.Client, sess *session.Session) (realtime.Feed, error) {
	broker := realtime.NewBroker()
	sess.OnClose(broker.Close)
	return broker, nil
}

func (cs *chatSession) close() {
	cs.sess.Close()
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var pages int

	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print recent messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "conversation id")
			if err != nil {
				return err
			}
			cs, err := newChatSession(cmd, ctx, localFeed)
			if err != nil {
				return err
			}
			defer cs.close()

			if err := cs.store.Open(cmd.Context(), id); err != nil {
				return err
			}
			for i := 1; i < pages && cs.store.HasMore(); i++ {
				if _, err := cs.store.LoadOlder(cmd.Context()); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			for _, m := range cs.store.Messages() {
				fmt.Fprintln(out, formatMessage(m, ctx.config.UserID, colorize))
			}
			if cs.store.HasMore() {
				fmt.Fprintln(out, paint("(older messages available, use --pages)", ansiDim, colorize))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&pages, "pages", "p", 1, "Number of pages to load")
	return cmd
}

func newSendCommand(ctx *commandContext) *cobra.Command {
	var imagePath string
	var voicePath string

	cmd := &cobra.Command{
		Use:   "send <conversation-id> [text...]",
		Short: "Send a text, image or voice message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "conversation id")
			if err != nil {
				return err
			}
			text := strings.TrimSpace(strings.Join(args[1:], " "))
			chosen := 0
			for _, set := range []bool{text != "", imagePath != "", voicePath != ""} {
				if set {
					chosen++
				}
			}
			if chosen != 1 {
				return errors.New("provide exactly one of text, --image or --voice")
			}

			cs, err := newChatSession(cmd, ctx, localFeed)
			if err != nil {
				return err
			}
			defer cs.close()
			if err := cs.store.Open(cmd.Context(), id); err != nil {
				return err
			}

			var msg models.Message
			switch {
			case imagePath != "":
				msg, err = sendImageFile(cmd.Context(), cs.store, imagePath)
			case voicePath != "":
				msg, err = sendVoiceFile(cmd.Context(), cs.store, voicePath)
			default:
				msg, err = cs.store.Send(cmd.Context(), models.TextPayload(text))
			}
			if err != nil {
				return err
			}
			if !cs.pushes.wait(1, pushFlushTimeout) {
				ctx.logger.Warn("push notification still pending at exit")
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatMessage(msg, ctx.config.UserID, shouldColorize(cmd.OutOrStdout())))
			return nil
		},
	}

	cmd.Flags().StringVar(&imagePath, "image", "", "Image file to send")
	cmd.Flags().StringVar(&voicePath, "voice", "", "Recorded audio file to send as a voice note")
	return cmd
}

func sendImageFile(ctx context.Context, store *chat.Store, path string) (models.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Message{}, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	return store.SendImage(ctx, f)
}

// sendVoiceFile replays a recorded file through a Recorder so the clip
// carries the same metadata as a live capture.
func sendVoiceFile(ctx context.Context, store *chat.Store, path string) (models.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Message{}, fmt.Errorf("read voice note: %w", err)
	}
	contentType := storage.ContentTypeOf(strings.ToLower(filepath.Base(path)))
	if !strings.HasPrefix(contentType, "audio/") {
		return models.Message{}, fmt.Errorf("unsupported voice note format %q", filepath.Ext(path))
	}
	rec := media.NewRecorder(contentType)
	if _, err := io.Copy(rec, bytes.NewReader(data)); err != nil {
		return models.Message{}, err
	}
	clip, err := rec.Stop()
	if err != nil {
		return models.Message{}, err
	}
	return store.SendVoice(ctx, clip)
}

func describeSendError(logger *zap.Logger, err error) string {
	switch {
	case errors.Is(err, chat.ErrConversationDeclined):
		return "conversation was declined"
	case errors.Is(err, chat.ErrSuperseded):
		return "conversation changed while sending"
	case errors.Is(err, client.ErrRateLimited):
		return "slow down, rate limit reached"
	default:
		logger.Debug("send failed", zap.Error(err))
		return err.Error()
	}
}
