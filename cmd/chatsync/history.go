package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/quickchat/chatsync"
	"github.com/spf13/cobra"
)

var (
	historyPages int
	historyJSON  bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyPages, "pages", 0, "Stop after N pages (0 = until exhausted)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output messages as JSON")
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Page through a conversation's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}

		store := chatsync.NewMessageStore()
		loader := chatsync.NewHistoryLoader(args[0], s.client.Messages, store, s.pageSize(), logger)

		for pages := 0; historyPages <= 0 || pages < historyPages; pages++ {
			outcome, err := loader.LoadNextPage(cmd.Context())
			if err != nil {
				return errors.Wrap(err, "history fetch failed")
			}
			if outcome != chatsync.PageLoaded {
				break
			}
		}

		msgs := store.Snapshot()
		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m, s.cfg.Auth.UserID))
		}
		if !loader.Cursor().Exhausted {
			fmt.Printf("(more history available; %d messages shown)\n", len(msgs))
		}
		return nil
	},
}
