package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/quickchat/chatsync"
	"github.com/spf13/cobra"
)

var (
	conversationsJSON  bool
	conversationsQuery string
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.AddCommand(conversationsListCmd, conversationsCreateCmd, conversationsClearCmd, conversationsDeleteCmd)

	conversationsCmd.PersistentFlags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	conversationsListCmd.Flags().StringVarP(&conversationsQuery, "query", "q", "", "Filter by peer name or email")
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage conversations",
	Long:    "List, create, clear and delete two-party conversations.",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		records, err := s.client.Conversations.List(ctx)
		if err != nil {
			return errors.Wrap(err, "request failed")
		}
		records = chatsync.FilterConversations(records, s.cfg.Auth.UserID, conversationsQuery)

		if conversationsJSON {
			return printJSON(records)
		}
		if len(records) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, r := range records {
			conv := r.Conversation(s.cfg.Auth.UserID)
			title := valueOrDefault(conv.Name, conv.Peer())
			presence := ""
			if conv.Presence != "" {
				presence = " [" + conv.Presence + "]"
			}
			last := ""
			if r.LastMessage != nil {
				last = ": " + r.LastMessage.Body
			}
			fmt.Printf("  %s  %s%s%s\n", r.ID, title, presence, last)
		}
		return nil
	},
}

var conversationsCreateCmd = &cobra.Command{
	Use:   "create <participant-id>",
	Short: "Start a conversation with another user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		rec, err := s.client.Conversations.Create(ctx, s.cfg.Auth.UserID, args[0])
		if err != nil {
			return errors.Wrap(err, "request failed")
		}
		if conversationsJSON {
			return printJSON(rec)
		}
		fmt.Printf("Conversation created: %s\n", rec.ID)
		return nil
	},
}

var conversationsClearCmd = &cobra.Command{
	Use:   "clear <conversation-id>",
	Short: "Delete every message of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		if err := s.client.Conversations.Clear(ctx, args[0]); err != nil {
			return errors.Wrap(err, "request failed")
		}
		fmt.Printf("Conversation %s cleared.\n", args[0])
		return nil
	},
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		if err := s.client.Conversations.Delete(ctx, args[0]); err != nil {
			return errors.Wrap(err, "request failed")
		}
		fmt.Printf("Conversation %s deleted.\n", args[0])
		return nil
	},
}
