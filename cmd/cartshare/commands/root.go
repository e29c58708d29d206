// Package commands implements the cartshare CLI.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/listenupapp/cartshare/internal/config"
	"github.com/listenupapp/cartshare/internal/directory"
	"github.com/listenupapp/cartshare/internal/domain"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/logger"
	"github.com/listenupapp/cartshare/internal/rowstore"
	"github.com/listenupapp/cartshare/internal/rowstore/remote"
	"github.com/listenupapp/cartshare/internal/validation"
)

// app is the state shared by every command once the root pre-run has
// connected to the server.
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	store     *remote.Client
	directory *directory.Directory
	validator *validation.Validator
}

var (
	serverURL string
	userID    string
	logLevel  string

	appCtx *app
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:           "cartshare",
		Short:         "Shared shopping lists from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(nil)
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.Client.ServerURL = serverURL
			}
			if userID != "" {
				cfg.Client.UserID = userID
			}
			if logLevel != "" {
				cfg.Logger.Level = logLevel
			}

			log := logger.New(logger.Config{
				Level:  logger.ParseLevel(cfg.Logger.Level),
				Format: "pretty",
				Writer: os.Stderr,
			})

			client, err := remote.New(cfg.Client.ServerURL, cfg.Client.UserID, remote.WithLogger(log.Component("remote")))
			if err != nil {
				return fmt.Errorf("%w (set --user or CARTSHARE_USER_ID)", err)
			}

			v := validation.New()
			appCtx = &app{
				cfg:       cfg,
				log:       log,
				store:     client,
				directory: directory.New(client, v),
				validator: v,
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if appCtx != nil {
				appCtx.store.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "", "cartshared base URL (default $CARTSHARE_SERVER_URL or http://127.0.0.1:8080)")
	root.PersistentFlags().StringVarP(&userID, "user", "u", "", "acting user id (default $CARTSHARE_USER_ID)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		registerCmd(),
		contactsCmd(),
		listsCmd(),
		newCmd(),
		sendCmd(),
		renameCmd(),
		deleteCmd(),
		addCmd(),
		toggleCmd(),
		removeCmd(),
		watchCmd(),
		inboxCmd(),
		presenceCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		return err
	}
	return nil
}

// currentUser loads the acting user's directory entry.
func currentUser(ctx context.Context) (domain.User, error) {
	rows, err := appCtx.store.Select(ctx, rowstore.Users, rowstore.Eq("id", appCtx.store.UserID()).WithLimit(1))
	if err != nil {
		return domain.User{}, err
	}
	if len(rows) == 0 {
		return domain.User{}, domainerrors.NotFoundf("user %s is not registered (run cartshare register <handle>)", appCtx.store.UserID())
	}
	return rowstore.Decode[domain.User](rows[0])
}

// describe renders an error with its code and field details.
func describe(err error) string {
	var de *domainerrors.Error
	if !domainerrors.As(err, &de) {
		return err.Error()
	}
	msg := fmt.Sprintf("%s: %s", de.Code, err.Error())
	switch fields := de.Details.(type) {
	case map[string]string:
		for field, detail := range fields {
			msg += fmt.Sprintf("\n  %s: %s", field, detail)
		}
	case map[string]any:
		for field, detail := range fields {
			msg += fmt.Sprintf("\n  %s: %v", field, detail)
		}
	}
	return msg
}
