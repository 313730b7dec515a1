package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/blacktop/cawatch/internal/api"
	"github.com/spf13/cobra"
)

var (
	apiAddr       string
	startTarget   string
	startInterval float64
	startPlatform string
)

func apiClient() (*api.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	addr := cfg.API.Addr
	if apiAddr != "" {
		addr = apiAddr
	}
	return api.NewClient(addr, cfg.API.Token), nil
}

func addAPIFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&apiAddr, "api", "", "Control API address (overrides api.addr)")
}

func newStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <owner>",
		Short: "Start an owner's monitoring job on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			reply, err := c.Start(cmd.Context(), args[0], api.StartRequest{
				Target:   startTarget,
				Interval: startInterval,
				Platform: startPlatform,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", reply.Owner, reply.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&startTarget, "target", "", "Account or channel to watch (overrides the config)")
	cmd.Flags().Float64Var(&startInterval, "interval", 0, "Polling interval floor in seconds (overrides the config)")
	cmd.Flags().StringVar(&startPlatform, "platform", "", "social-feed or messaging-channel (overrides the config)")
	addAPIFlag(cmd)
	return cmd
}

func newStopCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <owner>",
		Short: "Stop an owner's monitoring job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			reply, err := c.Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", reply.Owner, reply.Message)
			if reply.Error != "" {
				return fmt.Errorf("%s", reply.Error)
			}
			return nil
		},
	}
	addAPIFlag(cmd)
	return cmd
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <owner>",
		Short: "Show an owner's job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
	addAPIFlag(cmd)
	return cmd
}
