package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and server reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		pageSize := "(default)"
		if cfg.Default.PageSize > 0 {
			pageSize = strconv.Itoa(cfg.Default.PageSize)
		}
		fmt.Printf("  Page size: %s\n", pageSize)

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}

		s, err := newSession()
		if err != nil {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		records, err := s.client.Conversations.List(ctx)
		if err != nil {
			fmt.Printf("  Error reaching server: %v\n", err)
			return nil
		}
		fmt.Printf("  Conversations: %d\n", len(records))
		return nil
	},
}
