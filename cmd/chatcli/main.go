package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"estatechat/chatsync"
)

var (
	flagBaseURL string
	flagToken   string

	startProperty string
	historyPage   int
	historyLimit  int
)

func getClient() (*chatsync.Client, error) {
	token := flagToken
	if token == "" {
		token = os.Getenv("ESTATECHAT_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("no access token: pass --token or set ESTATECHAT_TOKEN")
	}
	return chatsync.NewClient(flagBaseURL, token), nil
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.Conversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}
		for _, conv := range convs {
			fmt.Printf("%s  participants=%s", conv.ID, strings.Join(conv.Participants, ","))
			if conv.PropertyID != nil {
				fmt.Printf("  property=%s", *conv.PropertyID)
			}
			if conv.LastMessage != nil {
				fmt.Printf("  last=%q", conv.LastMessage.Text)
			}
			fmt.Println()
		}
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <receiver-id>",
	Short: "Start (or resume) a conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var property *string
		if startProperty != "" {
			property = &startProperty
		}
		conv, err := client.StartConversation(ctx, args[0], property)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s with %s\n", conv.ID, strings.Join(conv.Participants, ", "))
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show one page of conversation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		page, err := client.Messages(ctx, args[0], historyPage, historyLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		// The wire carries newest first; print chronologically.
		for i := len(page.Messages) - 1; i >= 0; i-- {
			m := page.Messages[i]
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, m.Text)
		}
		fmt.Printf("-- page %d of %d (%d messages total)\n", page.CurrentPage, page.TotalPages, page.TotalMessages)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.PostMessage(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation live; lines typed on stdin are sent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		tok, err := client.RealtimeToken(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("mint realtime token: %w", err)
		}
		selfID := tok.ClientID

		rt := chatsync.NewRealtime(flagBaseURL+"/realtime", func(ctx context.Context) (string, error) {
			t, err := client.RealtimeToken(ctx)
			if err != nil {
				return "", err
			}
			return t.Token, nil
		}, chatsync.RealtimeConfig{Logger: zap.NewNop()})
		defer rt.Close()

		session := chatsync.NewSession(client, rt, selfID, chatsync.SessionConfig{
			OnUpdate: func(messages []chatsync.Message, effect chatsync.Effect) {
				if effect != chatsync.EffectScrollToBottom || len(messages) == 0 {
					return
				}
				m := messages[len(messages)-1]
				marker := ""
				if m.Optimistic {
					marker = " (sending)"
				}
				fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, m.Text, marker)
			},
			OnNotification: func(n chatsync.Notification) {
				fmt.Printf("** %s: %s (conversation %s)\n", n.Title, n.Body, n.ConversationID)
			},
		})
		defer session.Close()

		if err := session.Start(context.Background()); err != nil {
			return fmt.Errorf("connect realtime: %w", err)
		}
		if err := session.Open(context.Background(), args[0]); err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}
		fmt.Println("-- connected, type to send, Ctrl-C to quit")

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

		for {
			select {
			case <-sig:
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				text := strings.TrimSpace(line)
				if text == "" {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				_, err := session.Send(ctx, text)
				cancel()
				if err != nil {
					var sendErr *chatsync.SendError
					if errors.As(err, &sendErr) {
						fmt.Printf("!! send failed, text kept: %q\n", sendErr.Text)
					} else {
						fmt.Printf("!! send failed: %v\n", err)
					}
				}
			}
		}
	},
}

var rootCmd = &cobra.Command{
	Use:   "chatcli",
	Short: "Command line client for the estatechat service",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", "http://localhost:8083", "chat service base URL")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "access token (defaults to ESTATECHAT_TOKEN)")

	startCmd.Flags().StringVar(&startProperty, "property", "", "property listing id the conversation is about")
	historyCmd.Flags().IntVar(&historyPage, "page", 1, "history page, newest first")
	historyCmd.Flags().IntVar(&historyLimit, "limit", chatsync.DefaultPageLimit, "messages per page")

	rootCmd.AddCommand(conversationsCmd, startCmd, historyCmd, sendCmd, tailCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
