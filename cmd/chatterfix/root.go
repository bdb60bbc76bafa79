package main

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"chatterfix/internal/config"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Format     string // "text" | "json"
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	run := &runOptions{}

	cmd := &cobra.Command{
		Use:   "chatterfix",
		Short: "Keyboard chatter filter",
		Long: `chatterfix grabs a keyboard, drops the spurious release/press pairs a
worn switch produces, and replays everything else on a virtual keyboard.

Without a subcommand it runs the filter in the foreground.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts, run)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file (default: $XDG_CONFIG_HOME/keyboard-chatter-fix/config.toml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	run.bind(cmd)

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newDevicesCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newThresholdCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newVersionCommand(opts))

	return cmd
}

// configPath returns the --config value or the first existing default.
func (o *rootOptions) configPath() string {
	if o.ConfigPath != "" {
		return o.ConfigPath
	}
	return config.FindConfigFile()
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) json() bool {
	return o.Format == "json"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.json() {
				return writeJSON(cmd.OutOrStdout(), map[string]string{
					"version": Version,
					"go":      runtime.Version(),
					"os":      runtime.GOOS,
					"arch":    runtime.GOARCH,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chatterfix %s (%s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
}
