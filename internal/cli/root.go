// Package cli provides the ghostbot command-line interface.
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"ghostbot/internal/app"
	"ghostbot/internal/storage"
)

// Version is set at build time.
var Version = "dev"

const defaultConfigPath = "./ghostbot.yaml"

type rootOptions struct {
	configPath string
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "ghostbot",
		Short: "Userbot job scheduler",
		Long: `ghostbot runs long-lived automation jobs (auto replies, watchers,
broadcasts, group sync, self-tests) for Telegram accounts.

Jobs live in the store. "ghostbot run" schedules them; the other commands
create, inspect and stop jobs while the scheduler is running.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to the YAML or JSON config file")

	root.AddCommand(
		newRunCommand(opts),
		newSubmitCommand(opts),
		newStopCommand(opts),
		newJobsCommand(opts),
		newShowCommand(opts),
		newRecoverCommand(opts),
		newAccountCommand(opts),
	)
	return root
}

// withStore opens the configured store for the duration of fn.
func (o *rootOptions) withStore(cmd *cobra.Command, fn func(ctx context.Context, st storage.Store) error) error {
	st, err := app.OpenStore(o.configPath)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, st)
}
