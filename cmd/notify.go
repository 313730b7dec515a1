package cmd

import (
	"github.com/spf13/cobra"
)

var (
	notifyMessage string
	notifySinks   []string
	notifyDryRun  bool
)

func newNotifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify <destination> [message]",
		Short: "Send a test message through the configured sinks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			text, err := resolveInput(cmd, args[1:], notifyMessage, "message")
			if err != nil {
				return err
			}
			names := cfg.Notify.Sinks
			if cmd.Flags().Changed("sink") {
				names = notifySinks
			}
			sink, err := buildSinks(cfg, names, notifyDryRun, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return dispatch(cmd.Context(), sink, args[0], text, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&notifyMessage, "message", "m", "", "Message text to send")
	cmd.Flags().StringSliceVar(&notifySinks, "sink", nil, "Sinks to use (telegram, mastodon, log)")
	cmd.Flags().BoolVar(&notifyDryRun, "dry-run", false, "Print actions without sending")
	cmd.Flags().SortFlags = false
	return cmd
}
