package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"ghostbot/internal/job"
	"ghostbot/internal/storage"
)

func newAccountCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
	}
	cmd.AddCommand(newAccountAddCommand(opts), newAccountShowCommand(opts))
	return cmd
}

func newAccountAddCommand(opts *rootOptions) *cobra.Command {
	var (
		id       int64
		session  string
		username string
		inactive bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(session) == "" {
				return errors.New("--session is required")
			}
			return opts.withStore(cmd, func(ctx context.Context, st storage.Store) error {
				got, err := st.UpsertAccount(ctx, job.Account{
					ID:       id,
					Session:  strings.TrimSpace(session),
					Username: strings.TrimPrefix(strings.TrimSpace(username), "@"),
					Active:   !inactive,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "account %d saved\n", got)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "account id to update (default: new account)")
	cmd.Flags().StringVar(&session, "session", "", "session credential (bot token for the Telegram backend)")
	cmd.Flags().StringVar(&username, "username", "", "account username")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "store the account as inactive")
	return cmd
}

func newAccountShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <account-id>",
		Short: "Print an account and its cached groups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscan(args[0], &id); err != nil || id <= 0 {
				return errors.Newf("invalid account id %q", args[0])
			}
			return opts.withStore(cmd, func(ctx context.Context, st storage.Store) error {
				a, err := st.GetAccount(ctx, id)
				if err != nil {
					return err
				}
				groups, err := st.ListGroups(ctx, id)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					job.Account
					Groups []job.Group `json:"groups"`
				}{a, groups})
			})
		},
	}
}
