package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/listenupapp/cartshare/internal/inbox"
	"github.com/listenupapp/cartshare/internal/listsync"
	"github.com/listenupapp/cartshare/internal/presence"
)

// untilInterrupted returns a context canceled on SIGINT or SIGTERM.
func untilInterrupted(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <list-id>",
		Short: "Follow a list live until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := untilInterrupted(cmd.Context())
			defer stop()

			s, err := openSession(ctx, args[0], func(snap listsync.Snapshot) {
				fmt.Println()
				printSnapshot(snap)
			})
			if err != nil {
				return err
			}
			defer s.Close()

			printSnapshot(s.Snapshot())
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&recipientShops, "recipient-shops", false, "only the recipient may mark items")
	return cmd
}

func inboxCmd() *cobra.Command {
	var (
		follow  bool
		readAll bool
		hideAll bool
		read    string
		hide    string
	)
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Show notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := untilInterrupted(cmd.Context())
			defer stop()

			var onChange func(inbox.Snapshot)
			if follow {
				onChange = func(snap inbox.Snapshot) {
					fmt.Println()
					printInbox(snap)
				}
			}
			b, err := inbox.Open(ctx, inbox.Config{
				UserID:   appCtx.store.UserID(),
				Limit:    appCtx.cfg.Sync.NotificationLimit,
				Store:    appCtx.store,
				Logger:   appCtx.log.Component("inbox"),
				OnChange: onChange,
			})
			if err != nil {
				return err
			}
			defer b.Close()

			switch {
			case read != "":
				err = b.MarkAsRead(ctx, read)
			case hide != "":
				err = b.Hide(ctx, hide)
			case readAll:
				err = b.MarkAllAsRead(ctx)
			case hideAll:
				err = b.HideAll(ctx)
			}
			if err != nil {
				return err
			}

			printInbox(b.Snapshot())
			if follow {
				<-ctx.Done()
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing as notifications arrive")
	cmd.Flags().StringVar(&read, "read", "", "mark one notification read")
	cmd.Flags().StringVar(&hide, "hide", "", "hide one notification")
	cmd.Flags().BoolVar(&readAll, "read-all", false, "mark every notification read")
	cmd.Flags().BoolVar(&hideAll, "hide-all", false, "hide every notification")
	cmd.MarkFlagsMutuallyExclusive("read", "hide", "read-all", "hide-all")
	return cmd
}

func printInbox(snap inbox.Snapshot) {
	live := ""
	if !snap.Live {
		live = " (offline)"
	}
	fmt.Printf("Inbox: %d unread%s\n", snap.Unread, live)
	for _, n := range snap.Notifications {
		mark := " "
		if !n.Read {
			mark = "*"
		}
		fmt.Printf(" %s %s  %-11s %s  %s\n", mark, n.CreatedAt.Local().Format("Jan 02 15:04"), n.Type, n.Message, n.ID)
	}
}

func presenceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presence",
		Short: "Print new notifications as one-shot alerts until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := untilInterrupted(cmd.Context())
			defer stop()

			l, err := presence.New(presence.Config{
				UserID:      appCtx.store.UserID(),
				Store:       appCtx.store,
				Logger:      appCtx.log.Component("presence"),
				RetryDelay:  appCtx.cfg.Sync.PresenceRetryDelay,
				MaxAttempts: appCtx.cfg.Sync.PresenceMaxAttempts,
				Alerts: presence.SinkFunc(func(a presence.Alert) {
					fmt.Printf("\a[%s] %s\n", a.Type, a.Message)
				}),
			})
			if err != nil {
				return err
			}
			l.Start(ctx)
			defer l.Stop()

			<-ctx.Done()
			return nil
		},
	}
}
