package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <handle>",
		Short: "Claim a handle for the acting user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := appCtx.directory.Register(cmd.Context(), appCtx.store.UserID(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Registered @%s as %s\n", user.Handle, user.ID)
			return nil
		},
	}
}

func contactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "List saved contacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			contacts, err := appCtx.directory.Contacts(cmd.Context(), appCtx.store.UserID())
			if err != nil {
				return err
			}
			if len(contacts) == 0 {
				fmt.Println("No contacts yet")
				return nil
			}
			for _, c := range contacts {
				fmt.Printf("@%s\n", c.Handle)
			}
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <handle>",
		Short: "Save a user as a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := appCtx.directory.AddContact(cmd.Context(), appCtx.store.UserID(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Added @%s\n", c.Handle)
			return nil
		},
	})
	return cmd
}
