package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/listenupapp/cartshare/internal/listsync"
)

func addCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "add <list-id> <name>",
		Short: "Add an item to a list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), args[0], func(s *listsync.Session) error {
				it, err := s.AddItem(cmd.Context(), args[1], category)
				if err != nil {
					return err
				}
				fmt.Println(formatItem(it))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "", "item category")
	return cmd
}

func toggleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toggle <list-id> <item-id>",
		Short: "Mark an item purchased or not purchased",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), args[0], func(s *listsync.Session) error {
				if err := s.TogglePurchased(cmd.Context(), args[1]); err != nil {
					return err
				}
				printSnapshot(s.Snapshot())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&recipientShops, "recipient-shops", false, "only the recipient may mark items")
	return cmd
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <list-id> <item-id>",
		Short: "Remove an item from a list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), args[0], func(s *listsync.Session) error {
				return s.RemoveItem(cmd.Context(), args[1])
			})
		},
	}
}
