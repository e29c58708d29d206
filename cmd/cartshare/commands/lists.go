package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/listenupapp/cartshare/internal/domain"
	"github.com/listenupapp/cartshare/internal/listsync"
	"github.com/listenupapp/cartshare/internal/rowstore"
)

func listsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lists",
		Short: "Show lists you created or received",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			me := appCtx.store.UserID()
			for _, scope := range []struct {
				title  string
				column string
			}{
				{"Created", "creator_id"},
				{"Received", "recipient_id"},
			} {
				rows, err := appCtx.store.Select(cmd.Context(), rowstore.Lists,
					rowstore.Eq(scope.column, me).Order("updated_at", true))
				if err != nil {
					return err
				}
				fmt.Printf("%s (%d)\n", scope.title, len(rows))
				for _, row := range rows {
					l, err := rowstore.DecodeList(row)
					if err != nil {
						return err
					}
					fmt.Printf("  %-10s %-30s %s\n", l.Status, l.Name, l.ID)
				}
			}
			return nil
		},
	}
}

func newCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new <name>",
		Short: "Create a draft list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := currentUser(cmd.Context())
			if err != nil {
				return err
			}
			l, err := listsync.CreateDraft(cmd.Context(), appCtx.store, appCtx.validator, me, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Created draft %q (%s)\n", l.Name, l.ID)
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <list-id> <handle>",
		Short: "Send a draft list to a recipient",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), args[0], func(s *listsync.Session) error {
				if err := s.SendDraft(cmd.Context(), args[1]); err != nil {
					return err
				}
				fmt.Printf("Sent to @%s\n", domain.NormalizeHandle(args[1]))
				return nil
			})
		},
	}
}

func renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <list-id> <name>",
		Short: "Rename a list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), args[0], func(s *listsync.Session) error {
				return s.Rename(cmd.Context(), args[1])
			})
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <list-id>",
		Short: "Delete a list you created",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), args[0], func(s *listsync.Session) error {
				if err := s.DeleteList(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("List deleted")
				return nil
			})
		},
	}
}
