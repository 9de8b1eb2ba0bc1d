package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"threadlane/pkg/config"
	"threadlane/pkg/logger"
	"threadlane/pkg/store"
	"threadlane/pkg/store/sqlite"

	"github.com/spf13/cobra"
)

var (
	listLimit  int
	listCursor string
	listSearch string
	newName    string
	newUserID  string
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage stored conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st store.Store, _ *config.Config) error {
			return listConversations(ctx, cmd.OutOrStdout(), st, store.ListOptions{Limit: listLimit, Cursor: listCursor, Search: listSearch})
		})
	},
}

var conversationsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create an empty conversation and print its id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st store.Store, cfg *config.Config) error {
			return createConversation(ctx, cmd.OutOrStdout(), st, newName, newUserID, cfg.Store.ConversationIDAttempts)
		})
	},
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>...",
	Short: "Delete conversations and their steps",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st store.Store, _ *config.Config) error {
			return deleteConversations(ctx, cmd.OutOrStdout(), st, args)
		})
	},
}

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.AddCommand(conversationsListCmd, conversationsNewCmd, conversationsDeleteCmd)

	conversationsListCmd.Flags().IntVar(&listLimit, "limit", 20, "page size")
	conversationsListCmd.Flags().StringVar(&listCursor, "cursor", "", "cursor from a previous page")
	conversationsListCmd.Flags().StringVar(&listSearch, "search", "", "filter by name")
	conversationsNewCmd.Flags().StringVar(&newName, "name", "", "conversation name")
	conversationsNewCmd.Flags().StringVar(&newUserID, "user", "", "owning user id")
}

func withStore(ctx context.Context, fn func(context.Context, store.Store, *config.Config) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Store.Enabled {
		return fmt.Errorf("store is disabled in config")
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	st, err := sqlite.Open(cfg.Store.Path, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	return fn(ctx, st, cfg)
}

func listConversations(ctx context.Context, out io.Writer, st store.Store, opts store.ListOptions) error {
	page, err := st.ListConversations(ctx, opts)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tUPDATED")
	for _, conversation := range page.Conversations {
		fmt.Fprintf(w, "%s\t%s\t%s\n", conversation.ID, displayName(conversation.Name), conversation.UpdatedAt.Local().Format(time.DateTime))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if page.NextCursor != "" {
		fmt.Fprintf(out, "\nnext page: --cursor %s\n", page.NextCursor)
	}
	return nil
}

func createConversation(ctx context.Context, out io.Writer, st store.Store, name, userID string, attempts int) error {
	id, err := store.NewConversation(ctx, st, store.Conversation{
		Name:   strings.TrimSpace(name),
		UserID: strings.TrimSpace(userID),
	}, attempts)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, id)
	return nil
}

func deleteConversations(ctx context.Context, out io.Writer, st store.Store, ids []string) error {
	for _, id := range ids {
		if err := st.DeleteConversation(ctx, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		fmt.Fprintf(out, "deleted %s\n", id)
	}
	return nil
}

func displayName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "-"
	}
	return name
}
