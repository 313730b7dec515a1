package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/blacktop/cawatch/internal/accounts"
	"github.com/blacktop/cawatch/internal/store"
	"github.com/spf13/cobra"
)

func newAccountsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage worker accounts",
	}
	cmd.AddCommand(newAccountsImportCommand(), newAccountsListCommand())
	return cmd
}

func newAccountsImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <owner> <file>",
		Short: "Import worker accounts from a colon separated list",
		Long: "Each line is username:password:email:token:secret[:session]. " +
			"Use - to read from stdin. Usernames the owner already has are skipped.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, path := args[0], args[1]

			var in io.Reader = cmd.InOrStdin()
			if path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			entries, err := accounts.Parse(in, owner)
			if err != nil {
				return err
			}

			backend, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			res, err := accounts.Import(cmd.Context(), backend.Accounts, backend.Sessions, entries)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", owner, res)
			return nil
		},
	}
}

func newAccountsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <owner>",
		Short: "List an owner's worker accounts and their health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			ctx := cmd.Context()
			list, err := backend.Accounts.ListAccounts(ctx, args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "USERNAME\tHEALTH\tSESSION")
			for _, acct := range list {
				_, cached, err := backend.Sessions.Get(ctx, acct.Key())
				if err != nil {
					return err
				}
				session := "-"
				if cached {
					session = "cached"
				}
				health := string(acct.Health)
				if health == "" {
					health = "unknown"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", acct.Username, health, session)
			}
			return w.Flush()
		},
	}
}

func openStore(cmd *cobra.Command) (*store.Backend, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.Open(cmd.Context(), cfg.StoreOptions())
}
