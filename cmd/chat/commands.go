package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/client"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	server  string
	token   string
	verbose bool
}

const (
	defaultServer = "http://localhost:8080"
	defaultIssuer = "streamchat"
)

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "chat",
		Short:         "Talk to a streamchat server from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", envOr("STREAMCHAT_URL", defaultServer), "server base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("STREAMCHAT_TOKEN"), "bearer token")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log client activity to stderr")

	cmd.AddCommand(newTokenCmd(), newChatsCmd(opts), newAskCmd(opts))
	return cmd
}

func (o *rootOptions) client(cmd *cobra.Command) (client.Client, error) {
	if o.token == "" {
		return client.Client{}, errors.New("a token is required: pass --token or set STREAMCHAT_TOKEN")
	}
	return client.New(o.server, o.token, o.logger(cmd)), nil
}

func (o *rootOptions) logger(cmd *cobra.Command) *slog.Logger {
	if !o.verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTokenCmd() *cobra.Command {
	var (
		secret string
		issuer string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a development token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, err := services.NewJWTAuth(secret, issuer)
			if err != nil {
				return err
			}
			token, err := auth.GenerateToken(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("STREAMCHAT_JWT_SECRET"), "signing secret of the server")
	cmd.Flags().StringVar(&issuer, "issuer", defaultIssuer, "token issuer")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newChatsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Manage chats",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List chats, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			chats, err := c.Chats(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, chat := range chats {
				fmt.Fprintf(w, "%s\t%s\t%s\n", chat.ID, chat.CreatedAt.Format(time.DateTime), chat.Title)
			}
			return w.Flush()
		},
	}

	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search chats by title and message content",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			chats, err := c.SearchChats(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, chat := range chats {
				fmt.Fprintf(w, "%s\t%g\t%s\n", chat.ID, chat.RelevanceScore, chat.Title)
			}
			return w.Flush()
		},
	}

	create := &cobra.Command{
		Use:   "new [title]",
		Short: "Create a chat",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			chat, err := c.CreateChat(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), chat.ID)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <chat-id>",
		Short: "Delete a chat and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			return c.DeleteChat(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(list, search, create, del)
	return cmd
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	var chatID string

	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send a message and stream the reply",
		Long: "Send a message and stream the reply. Without --chat a new chat is created and its ID " +
			"printed to stderr.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			return ask(cmd.Context(), cmd, c, chatID, strings.Join(args, " "), opts.logger(cmd))
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "chat to continue")
	return cmd
}

func ask(ctx context.Context, cmd *cobra.Command, c client.Client, chatID, message string, logger *slog.Logger) error {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

	if chatID == "" {
		chat, err := c.CreateChat(ctx, "")
		if err != nil {
			return err
		}
		chatID = chat.ID
		fmt.Fprintf(errOut, "chat %s\n", chatID)
	}

	history, err := c.Messages(ctx, chatID)
	if err != nil {
		return err
	}

	printed := 0
	tool := ""
	render := func(s client.TurnState) {
		if s.Tool != nil && s.Tool.Name != tool {
			fmt.Fprintf(errOut, "[%s]\n", s.Tool.Name)
		}
		tool = ""
		if s.Tool != nil {
			tool = s.Tool.Name
		}
		if s.InProgress && len(s.Content) > printed {
			fmt.Fprint(out, s.Content[printed:])
			printed = len(s.Content)
		}
	}

	sess := client.NewSession(chatID, c, c, history, logger, client.WithUpdates(render))
	_, err = sess.Submit(ctx, message)
	if printed > 0 {
		fmt.Fprintln(out)
	}
	if errors.Is(err, client.ErrNotPersisted) {
		fmt.Fprintln(errOut, "warning: the reply could not be saved")
		return nil
	}
	if err != nil {
		if text := sess.Transcript().Err(); text != "" {
			fmt.Fprintln(errOut, text)
			return errors.New("turn failed")
		}
		return err
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
