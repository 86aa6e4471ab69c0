// cmd/chat is a terminal client for the chat assistant. It talks to the
// chat endpoint over HTTP and to the document store directly.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"lmschat/config"
	"lmschat/logging"
	"lmschat/models"
	"lmschat/services"
)

type app struct {
	configPath string
	userID     string

	log          zerolog.Logger
	conversation *services.Conversation
	closeStore   func()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a := &app{}
	if err := execute(ctx, newRootCmd(a), a); err != nil {
		os.Exit(1)
	}
}

// execute runs cmd and releases the store afterwards, also when the
// command failed.
func execute(ctx context.Context, cmd *cobra.Command, a *app) error {
	defer a.close()
	return cmd.ExecuteContext(ctx)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "chat",
		Short:        "Talk to the learning assistant from the terminal",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVarP(&a.userID, "user", "u", os.Getenv("LMS_USER_ID"), "user id owning the conversation")

	root.AddCommand(a.sendCmd(), a.historyCmd(), a.clearCmd())
	return root
}

func (a *app) setup(ctx context.Context) error {
	if strings.TrimSpace(a.userID) == "" {
		return errors.New("a user id is required (--user or LMS_USER_ID)")
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.log = logging.New(cfg.Log.Level, true)

	docs, closeStore, err := services.OpenDocumentStore(ctx, cfg.Store, a.log)
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	a.closeStore = closeStore

	store := services.NewMessageStore(docs, a.log)
	proxy := services.NewProxyClient(cfg.Chat.ProxyURL, a.userID, a.log)
	a.conversation = services.NewConversation(a.userID, store, proxy, cfg.Chat, a.log)
	return nil
}

func (a *app) close() {
	if a.closeStore != nil {
		a.closeStore()
		a.closeStore = nil
	}
}

func (a *app) sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <message...>",
		Short: "Send a message and print the assistant's reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.conversation.LoadHistory(cmd.Context()); err != nil {
				return err
			}
			reply, err := a.conversation.Send(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				var chatErr *services.ChatError
				if errors.As(err, &chatErr) && chatErr.Fallback != "" {
					fmt.Fprintln(cmd.OutOrStdout(), chatErr.Fallback)
				}
				return err
			}
			if reply == nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "That message was already sent.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.Content)
			return nil
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the conversation history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			messages, err := a.conversation.LoadHistory(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(messages) == 0 {
				fmt.Fprintln(out, "No messages yet.")
				return nil
			}
			for _, m := range messages {
				fmt.Fprintf(out, "[%s] %s: %s\n", m.EffectiveTime().Local().Format("2006-01-02 15:04"), speaker(m.Role), m.Content)
			}
			return nil
		},
	}
}

func (a *app) clearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the whole conversation history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("clearing history cannot be undone, pass --yes to confirm")
			}
			if err := a.conversation.ClearHistory(cmd.Context()); err != nil {
				if services.IsPartialDelete(err) {
					fmt.Fprintln(cmd.ErrOrStderr(), "Some messages could not be deleted, run clear again.")
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "History cleared.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the deletion")
	return cmd
}

func speaker(role models.Role) string {
	if role == models.RoleAssistant {
		return "assistant"
	}
	return "you"
}
