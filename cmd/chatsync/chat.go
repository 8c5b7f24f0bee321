package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/quickchat/chatsync"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var chatPeer string

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatPeer, "peer", "", "Peer user ID (looked up from the conversation list when omitted)")
}

var errQuit = errors.New("quit")

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation and chat live",
	Long: `Open a conversation, print its recent history and follow new messages.

Type a line to send it. Commands:
  /more         load older messages
  /retry <key>  resend a failed message
  /clear        delete every message of the conversation
  /delete       delete the conversation and leave
  /quit         leave`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		conv, err := resolveConversation(ctx, s, args[0])
		if err != nil {
			return err
		}

		rc := s.client.Realtime(chatsync.RealtimeConfig{AutoReconnect: true, MaxReconnectAttempts: -1})
		rc.OnDisconnected(func(reason string) { fmt.Fprintf(os.Stderr, "* disconnected: %s\n", reason) })
		rc.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "* reconnecting (attempt %d in %s)\n", attempt, delay.Round(time.Millisecond))
		})
		rc.OnConnected(func() { fmt.Fprintln(os.Stderr, "* connected") })
		if err := rc.Connect(ctx); err != nil {
			return errors.Wrap(err, "connect event channel")
		}
		defer rc.Disconnect()

		sess := chatsync.NewSessionController(s.cfg.Auth.UserID, s.client.Messages, rc,
			chatsync.WithPageSize(s.pageSize()),
			chatsync.WithSessionLogger(logger),
		)
		defer sess.Close()

		p := newPrinter(s.cfg.Auth.UserID)
		sess.OnChange(p.render)
		sess.OnError(func(err error) { fmt.Fprintf(os.Stderr, "! %v\n", err) })
		sess.OnForeignMessage(func(ev chatsync.NewMessageEvent) {
			fmt.Fprintf(os.Stderr, "* new message in %s from %s\n", ev.ConversationID, ev.SenderID)
		})

		fmt.Printf("Chatting with %s in %s. /quit to leave.\n", valueOrDefault(conv.Name, conv.Peer()), conv.ID)
		if err := sess.Select(ctx, conv); err != nil {
			return err
		}

		room := &chatRoom{sess: sess, admin: s.client.Conversations, printer: p, conversationID: conv.ID}
		lines := make(chan string)
		go readLines(lines)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return errQuit
					}
					if err := room.handle(gctx, line); err != nil {
						return err
					}
				}
			}
		})

		if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
			return err
		}
		return nil
	},
}

func resolveConversation(ctx context.Context, s *session, id string) (chatsync.Conversation, error) {
	if chatPeer != "" {
		return chatsync.Conversation{ID: id, Participants: [2]string{s.cfg.Auth.UserID, chatPeer}}, nil
	}
	lctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	records, err := s.client.Conversations.List(lctx)
	if err != nil {
		return chatsync.Conversation{}, errors.Wrap(err, "list conversations")
	}
	for _, r := range records {
		if r.ID == id {
			return r.Conversation(s.cfg.Auth.UserID), nil
		}
	}
	return chatsync.Conversation{}, errors.Errorf("conversation %s not found; pass --peer to open it anyway", id)
}

func readLines(out chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
	close(out)
}

// conversationAdmin is the part of the conversations API the chat commands use.
type conversationAdmin interface {
	Clear(ctx context.Context, conversationID string) error
	Delete(ctx context.Context, conversationID string) error
}

// chatRoom turns input lines into session operations for one conversation.
type chatRoom struct {
	sess           *chatsync.SessionController
	admin          conversationAdmin
	printer        *printer
	conversationID string
}

func (r *chatRoom) handle(ctx context.Context, line string) error {
	sess := r.sess
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case line == "/quit":
		return errQuit
	case line == "/clear":
		if err := r.admin.Clear(ctx, r.conversationID); err != nil {
			fmt.Fprintf(os.Stderr, "! clear conversation: %v\n", err)
			return nil
		}
		r.printer.reset()
		fmt.Println("* conversation cleared")
		sess.ConversationCleared(ctx, r.conversationID)
		return nil
	case line == "/delete":
		if err := r.admin.Delete(ctx, r.conversationID); err != nil {
			fmt.Fprintf(os.Stderr, "! delete conversation: %v\n", err)
			return nil
		}
		sess.ConversationDeleted(r.conversationID)
		fmt.Println("* conversation deleted")
		return errQuit
	case line == "/more":
		outcome, err := sess.LoadOlder(ctx)
		if err == nil && outcome == chatsync.PageExhausted {
			fmt.Println("* beginning of conversation")
		}
		return nil
	case strings.HasPrefix(line, "/retry"):
		key := strings.TrimSpace(strings.TrimPrefix(line, "/retry"))
		if _, err := sess.Retry(ctx, key); errors.Is(err, chatsync.ErrNotFailed) {
			fmt.Fprintf(os.Stderr, "! no failed message with key %q\n", key)
		}
		return nil
	default:
		// Send failures are reported through OnError and shown as failed lines.
		_, _ = sess.Send(ctx, line)
		return nil
	}
}

// ============================================================================
// Printer
// ============================================================================

// printer writes each message once, plus again whenever its delivery state changes.
type printer struct {
	selfID string

	mu       sync.Mutex
	seen     map[string]chatsync.DeliveryState
	oldest   string
	emptyMsg bool
}

func newPrinter(selfID string) *printer {
	return &printer{selfID: selfID, seen: make(map[string]chatsync.DeliveryState)}
}

// reset forgets everything printed so far, e.g. after the conversation was cleared.
func (p *printer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = make(map[string]chatsync.DeliveryState)
	p.oldest = ""
	p.emptyMsg = false
}

func (p *printer) render(v chatsync.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !v.Active {
		return
	}
	if v.Empty && !p.emptyMsg {
		p.emptyMsg = true
		fmt.Println("* no messages yet, say hello")
	}
	if len(v.Messages) > 0 && p.oldest != "" && identity(v.Messages[0]) != p.oldest {
		fmt.Println("* older messages:")
	}
	for _, m := range v.Messages {
		id := identity(m)
		if state, ok := p.seen[id]; ok && state == m.State {
			continue
		}
		p.seen[id] = m.State
		fmt.Println(formatMessage(m, p.selfID))
	}
	if len(v.Messages) > 0 {
		p.oldest = identity(v.Messages[0])
	}
}

// identity follows a message across reconciliation: the temp key it was sent
// under stays attached once the server ID arrives.
func identity(m chatsync.Message) string {
	if m.TempKey != "" {
		return m.TempKey
	}
	return m.ID
}
