package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/mailcache/internal/app"
	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/store"
)

// loginCmd stores credentials for the configured account.
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store credentials in the system keyring",
	Long: `For Gmail, runs the browser consent flow using client_secret.json from
the credentials dir. For IMAP, prompts for the account password.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.Login(cmd.Context(), cfg, os.Stdin, cmd.OutOrStdout())
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.Logout(cfg)
	},
}

var syncWatch bool

// syncCmd pushes queued actions and pulls remote changes.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the local cache with the remote mailbox",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if !syncWatch {
			res, drained, err := a.Sync(ctx)
			if err != nil {
				return err
			}
			mode := "incremental"
			if res.Full {
				mode = "full"
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"%s sync: %d fetched, %d new, %d updated, %d removed, %d protected\n",
				mode, res.Fetched, res.Inserted, res.Updated, res.Deleted, res.Protected)
			fmt.Fprintf(cmd.OutOrStdout(), "actions: %d applied, %d retrying, %d abandoned\n",
				drained.Completed, drained.Retried, drained.Abandoned)
			return nil
		}

		a.Start(ctx)

		return watch(ctx, a)
	},
}

var (
	listAll   bool
	listLimit int
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List cached conversations, pinned first then newest",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewSQLiteStore(cfg.Storage.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		convs, err := st.ListConversations(cmd.Context(), store.ConversationFilter{
			IncludeHidden: listAll,
			InboxOnly:     !listAll,
			Limit:         listLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFLAGS\tUNREAD\tLAST\tNAME\tSNIPPET")
		for _, c := range convs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				c.ID, flags(c), c.InboxUnreadCount, formatDate(c.LastMessageDate),
				truncate(c.DisplayName, 32), truncate(c.Snippet, 60))
		}
		return w.Flush()
	},
}

var showCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Show a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewSQLiteStore(cfg.Storage.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		c, err := st.GetConversation(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		msgs, err := st.GetMessages(cmd.Context(), c.ID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s (%s) %s\n", c.DisplayName, c.Type, strings.Join(c.Participants, ", "))
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, m := range msgs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				m.ID, m.InternalDate.Local().Format(time.DateTime), m.SenderEmail,
				strings.Join(m.Labels, ","), truncate(m.Subject, 60))
		}
		return w.Flush()
	},
}

var (
	actMessage      string
	actConversation string
	actCancel       bool
)

var actCmd = &cobra.Command{
	Use:   "act <mark_read|mark_unread|star|unstar|archive|move_to_inbox|trash>",
	Short: "Apply an action locally and queue it for the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := model.ActionTarget{MessageID: actMessage, ConversationID: actConversation}
		if (actMessage == "") == (actConversation == "") {
			return fmt.Errorf("exactly one of --message or --conversation is required")
		}
		actionType := model.ActionType(args[0])

		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if actCancel {
			n, err := a.CancelAction(ctx, actionType, target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d pending action(s)\n", n)
			return nil
		}

		act, err := a.Act(ctx, actionType, target)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued %s (%s)\n", act.ID, act.ActionType)
		return nil
	},
}

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Inspect and remediate queued actions",
}

var actionsCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of actions not yet applied remotely",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewSQLiteStore(cfg.Storage.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.PendingActionCount(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	},
}

var actionsAbandonedCmd = &cobra.Command{
	Use:   "abandoned",
	Short: "List actions that exhausted their retries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewSQLiteStore(cfg.Storage.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		acts, err := st.AbandonedActions(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tTARGET\tRETRIES\tERROR")
		for _, a := range acts {
			target := a.Target.MessageID
			if target == "" {
				target = "conversation:" + a.Target.ConversationID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				a.ID, a.ActionType, target, a.RetryCount, truncate(a.LastError, 60))
		}
		return w.Flush()
	},
}

var actionsRetryCmd = &cobra.Command{
	Use:   "retry [action-id]",
	Short: "Re-queue one abandoned action, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return remediate(cmd, args, (*app.App).RetryAbandoned, "re-queued")
	},
}

var actionsDismissCmd = &cobra.Command{
	Use:   "dismiss [action-id]",
	Short: "Drop one abandoned action, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return remediate(cmd, args, (*app.App).DismissAbandoned, "dismissed")
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge conversations that were split by races",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Merge(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "merged %d group(s): %d conversation(s) removed, %d message(s) moved\n",
			res.Groups, res.Removed, res.Reassigned)
		return nil
	},
}

var unpin bool

var pinCmd = &cobra.Command{
	Use:   "pin <conversation-id>",
	Short: "Pin a conversation to the top of the list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.SetPinned(ctx, args[0], !unpin)
	},
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Show unread notifications and mark them read",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewSQLiteStore(cfg.Storage.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		ns, err := st.UnreadNotifications(ctx)
		if err != nil {
			return err
		}
		for _, n := range ns {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", n.CreatedAt.Local().Format(time.DateTime), n.Message)
			if err := st.MarkNotificationRead(ctx, n.ID); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncWatch, "watch", false, "keep running and sync periodically")

	conversationsCmd.Flags().BoolVar(&listAll, "all", false, "include archived conversations")
	conversationsCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum conversations to list")

	actCmd.Flags().StringVar(&actMessage, "message", "", "target message id")
	actCmd.Flags().StringVar(&actConversation, "conversation", "", "target conversation id")
	actCmd.Flags().BoolVar(&actCancel, "cancel", false, "cancel a queued action instead")

	pinCmd.Flags().BoolVar(&unpin, "unpin", false, "unpin instead")

	actionsCmd.AddCommand(actionsCountCmd)
	actionsCmd.AddCommand(actionsAbandonedCmd)
	actionsCmd.AddCommand(actionsRetryCmd)
	actionsCmd.AddCommand(actionsDismissCmd)
}

// remediate runs fn for the given action id, or for every abandoned
// action when none is given.
func remediate(cmd *cobra.Command, args []string, fn func(*app.App, context.Context, string) (int, error), verb string) error {
	id := ""
	if len(args) == 1 {
		id = args[0]
	}
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := fn(a, ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d action(s)\n", verb, n)
	return nil
}

func flags(c model.Conversation) string {
	var b strings.Builder
	for _, f := range []struct {
		on bool
		r  byte
	}{{c.Pinned, 'P'}, {c.Muted, 'M'}, {c.HasInbox, 'I'}, {c.ArchivedAt != nil, 'A'}} {
		if f.on {
			b.WriteByte(f.r)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
