package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alicasapp/backend/internal/chat"
	"github.com/alicasapp/backend/internal/models"
	"github.com/alicasapp/backend/internal/session"
	"github.com/alicasapp/backend/internal/unread"
)

func newConversationsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls", "inbox"},
		Short:   "List conversations with unread counts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.apiClient(true)
			if err != nil {
				return err
			}
			rows, err := api.Inbox(cmd.Context())
			if err != nil {
				return err
			}
			sess, err := session.New(cmd.Context(), ctx.identity(), ctx.config.Token)
			if err != nil {
				return err
			}
			defer sess.Close()

			// one-shot listing: the aggregator is refreshed once and never started
			agg := unread.New(sess, api, nil, ctx.logger)
			if err := agg.Refresh(cmd.Context()); err != nil {
				return err
			}
			counts := agg.Counts()
			for i := range rows {
				rows[i].UnreadCount = counts[rows[i].ID]
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(out, "No conversations")
				return nil
			}
			fmt.Fprintln(out, renderInbox(rows, counts, ctx.config.UserID, shouldColorize(out)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the inbox as JSON")
	return cmd
}

func renderInbox(rows []models.ConversationWithUnread, counts map[uuid.UUID]int, self uuid.UUID, colorize bool) string {
	table := make([][]string, 0, len(rows))
	for _, row := range rows {
		peer, err := row.Partner(self)
		peerText := peer.String()
		if err != nil {
			peerText = "?"
		}
		direction := "incoming"
		if row.RequesterID == self {
			direction = "outgoing"
		}
		unread := ""
		if n := counts[row.ID]; n > 0 {
			unread = strconv.Itoa(n)
		}
		table = append(table, []string{
			row.ID.String(),
			peerText,
			statusLabel(row.Status, colorize),
			direction,
			unread,
			row.UpdatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return renderTable(
		[]string{"Conversation", "Peer", "Status", "Request", "Unread", "Updated"},
		table,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

// withInbox runs fn against an inbox bound to a short-lived session.
func withInbox(cmd *cobra.Command, ctx *commandContext, fn func(*chat.Inbox) error) error {
	api, err := ctx.apiClient(true)
	if err != nil {
		return err
	}
	sess, err := session.New(cmd.Context(), ctx.identity(), ctx.config.Token)
	if err != nil {
		return err
	}
	defer sess.Close()
	return fn(chat.NewInbox(sess, api, ctx.logger))
}

func newRequestCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "request <user-id>",
		Short: "Ask another user to start a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parseID(args[0], "user id")
			if err != nil {
				return err
			}
			return withInbox(cmd, ctx, func(inbox *chat.Inbox) error {
				conv, err := inbox.Request(cmd.Context(), peer)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requested conversation %s (%s)\n", conv.ID, conv.Status)
				return nil
			})
		},
	}
}

func newRespondCommand(ctx *commandContext, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <conversation-id>",
		Short: fmt.Sprintf("%s a pending conversation request", capitalize(verb)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "conversation id")
			if err != nil {
				return err
			}
			return withInbox(cmd, ctx, func(inbox *chat.Inbox) error {
				var conv models.Conversation
				if verb == "accept" {
					conv, err = inbox.Accept(cmd.Context(), id)
				} else {
					conv, err = inbox.Decline(cmd.Context(), id)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s is now %s\n", conv.ID, conv.Status)
				return nil
			})
		},
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
