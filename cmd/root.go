/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/blacktop/cawatch/internal/config"
	"github.com/blacktop/cawatch/internal/logutil"
	"github.com/blacktop/cawatch/internal/notify"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	configPath string
	verbose    bool
)

var supportedSinks = map[string]struct{}{
	"log":      {},
	"mastodon": {},
	"telegram": {},
}

// Execute runs the root command.
func Execute() error {
	return newRootCommand().Execute()
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cawatch",
		Short: "Watch social feeds and channels for new contract addresses",
		Long: "cawatch polls a target account or channel with a rotating pool of worker accounts, " +
			"extracts token contract addresses from new posts and sends an alert for each one.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			logutil.SetVerbose(verbose)
			return config.LoadEnv()
		},
		Example: `  cawatch serve --start alice
  cawatch start alice --target dev --interval 30
  cawatch accounts import alice ./accounts.txt
  echo "CA: 0x..." | cawatch extract`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config (default $CAWATCH_CONFIG or ./cawatch.yaml)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "Enable debug logging")
	cmd.PersistentFlags().SortFlags = false

	cmd.AddCommand(
		newServeCommand(),
		newStartCommand(),
		newStopCommand(),
		newStatusCommand(),
		newAccountsCommand(),
		newExtractCommand(),
		newNotifyCommand(),
		newCompletionCommand(),
	)

	return cmd
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// resolveInput returns flagValue, the joined args, or piped stdin, in that
// order. Supplying both a flag and args is an error.
func resolveInput(cmd *cobra.Command, args []string, flagValue, what string) (string, error) {
	var input string

	if flagValue != "" {
		input = flagValue
	}

	if len(args) > 0 {
		if input != "" {
			return "", fmt.Errorf("provide the %s either as an argument or with a flag, not both", what)
		}
		input = strings.Join(args, " ")
	}

	if input != "" {
		return strings.TrimSpace(input), nil
	}

	stdin := cmd.InOrStdin()
	if file, ok := stdin.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		stdin = nil
	}
	if stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		input = strings.TrimSpace(string(data))
	}

	if input == "" {
		return "", fmt.Errorf("%s is required", what)
	}

	return input, nil
}

func normalizeSinks(values []string) ([]string, error) {
	if len(values) == 0 {
		return []string{"log"}, nil
	}

	result := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, raw := range values {
		raw = strings.TrimSpace(strings.ToLower(raw))
		if raw == "" {
			continue
		}
		if _, ok := supportedSinks[raw]; !ok {
			return nil, fmt.Errorf("unsupported sink %q", raw)
		}
		if _, ok := seen[raw]; ok {
			continue
		}
		seen[raw] = struct{}{}
		result = append(result, raw)
	}

	if len(result) == 0 {
		return nil, errors.New("no sinks selected")
	}

	sort.Strings(result)
	return result, nil
}

// buildSinks constructs every requested sink. A dry run replaces them all
// with a writer on out.
func buildSinks(cfg *config.Config, names []string, simulate bool, out io.Writer) (notify.Sink, error) {
	if simulate {
		return notify.NewLog(out), nil
	}

	names, err := normalizeSinks(names)
	if err != nil {
		return nil, err
	}

	constructors := map[string]func() (notify.Sink, error){
		"log": func() (notify.Sink, error) {
			return notify.Logger{}, nil
		},
		"mastodon": func() (notify.Sink, error) {
			return notify.NewMastodon(cfg.MastodonSink())
		},
		"telegram": func() (notify.Sink, error) {
			return notify.NewTelegram(cfg.Notify.TelegramToken)
		},
	}

	sinks := make(notify.Multi, 0, len(names))
	var errs []error
	for _, name := range names {
		constructor, ok := constructors[name]
		if !ok {
			errs = append(errs, fmt.Errorf("sink %q is not implemented", name))
			continue
		}
		sink, err := constructor()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		sinks = append(sinks, sink)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

func dispatch(ctx context.Context, sink notify.Sink, destination, text string, out io.Writer) error {
	fmt.Fprintf(out, "sending to %s via %s...\n", destination, sink.Name())
	if err := sink.Deliver(ctx, destination, text); err != nil {
		return fmt.Errorf("%s: %w", sink.Name(), err)
	}
	fmt.Fprintf(out, "sent to %s\n", destination)
	return nil
}
