package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/quickchat/chatsync"
)

// session bundles what every networked command needs.
type session struct {
	cfg    *Config
	client *chatsync.Client
}

// newSession loads the config and creates a client authenticated with the stored token.
func newSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, errors.New("no credentials. Run 'chatsync init <token> <user-id>' first")
	}
	if cfg.Default.BaseURL == "" {
		return nil, errors.New("no base URL. Run 'chatsync config set default.base_url <url>' first")
	}
	client := chatsync.NewClient(cfg.Default.BaseURL,
		chatsync.WithToken(cfg.Auth.Token),
		chatsync.WithLogger(logger),
	)
	return &session{cfg: cfg, client: client}, nil
}

func (s *session) pageSize() int {
	if s.cfg.Default.PageSize > 0 {
		return s.cfg.Default.PageSize
	}
	return chatsync.DefaultPageSize
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatMessage renders one log line: time, sender, delivery marker and body.
func formatMessage(m chatsync.Message, selfID string) string {
	who := m.SenderID
	if who == selfID {
		who = "you"
	}
	marker := ""
	switch m.State {
	case chatsync.Pending:
		marker = " (sending " + m.TempKey + ")"
	case chatsync.Failed:
		marker = " (FAILED " + m.TempKey + ": " + m.FailReason + ")"
	}
	ts := "--:--"
	if !m.CreatedAt.IsZero() {
		ts = m.CreatedAt.Local().Format("Jan 2 15:04")
	}
	return fmt.Sprintf("[%s] %s%s: %s", ts, who, marker, m.Body)
}

// maskKey shows the first and last four characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
