package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var initBaseURL string

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Server base URL (e.g. https://chat.example.com)")
}

var initCmd = &cobra.Command{
	Use:   "init <token> <user-id>",
	Short: "Store credentials in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing your bearer token and user ID in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.UserID = args[1]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return errors.Wrap(err, "failed to save config")
		}

		path, _ := configPath()
		fmt.Printf("Credentials saved to %s\n", path)
		if cfg.Default.BaseURL == "" {
			fmt.Println("No base URL set yet. Run 'chatsync config set default.base_url <url>'.")
		}
		return nil
	},
}
