package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"chatterfix/internal/bus"
	"chatterfix/internal/config"
	"chatterfix/internal/keyboard"
)

const requestTimeout = 3 * time.Second

func newDevicesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List keyboards and show which one the config selects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			devices, err := keyboard.ListKeyboards()
			if err != nil {
				return err
			}
			selected, _ := keyboard.FindKeyboard(cfg.ID, cfg.VirtualName)

			if opts.json() {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"match":    cfg.ID,
					"selected": selected.Path,
					"devices":  devices,
				})
			}

			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				fmt.Fprintln(out, "No keyboards found. Is this user in the input group?")
				return nil
			}
			for _, dev := range devices {
				mark := " "
				if dev.Path == selected.Path {
					mark = "*"
				}
				fmt.Fprintf(out, "%s %s\n", mark, dev)
			}
			if selected.Path == "" {
				fmt.Fprintf(out, "\nNo device matches %q.\n", cfg.ID)
			}
			return nil
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon's state and counters",
		Long: `Query the running daemon over D-Bus. When D-Bus is unavailable and the
config has a metrics listen address, the HTTP /status endpoint is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			status, err := busStatus(ctx, cfg)
			if err == nil {
				if opts.json() {
					return writeJSON(cmd.OutOrStdout(), status)
				}
				printStatus(cmd.OutOrStdout(), status)
				return nil
			}
			if cfg.Metrics.Listen == "" {
				return fmt.Errorf("daemon not reachable: %w", err)
			}
			return httpStatus(ctx, cmd.OutOrStdout(), cfg.Metrics.Listen)
		},
	}
}

func busStatus(ctx context.Context, cfg *config.Config) (bus.Status, error) {
	client, err := bus.Dial(cfg.DBus.Bus)
	if err != nil {
		return bus.Status{}, err
	}
	defer client.Close()
	return client.Status(ctx)
}

// httpStatus copies the daemon's JSON status to w.
func httpStatus(ctx context.Context, w io.Writer, listen string) error {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	url := "http://" + net.JoinHostPort(host, port) + "/status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", url, resp.Status)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func printStatus(w io.Writer, s bus.Status) {
	fmt.Fprintln(w, "=== chatterfix Status ===")
	fmt.Fprintln(w)
	if s.Connected {
		fmt.Fprintf(w, "Keyboard:   %s (%s)\n", s.Device, s.DevicePath)
	} else {
		fmt.Fprintln(w, "Keyboard:   DISCONNECTED")
	}
	fmt.Fprintf(w, "Virtual:    %s\n", s.VirtualName)
	fmt.Fprintf(w, "Threshold:  %d ms\n", s.ThresholdMs)
	fmt.Fprintf(w, "Uptime:     %s\n", s.Uptime)
	if s.RunID != "" {
		fmt.Fprintf(w, "Run:        %s\n", s.RunID)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Passed:              %d\n", s.Passed)
	fmt.Fprintf(w, "Releases deferred:   %d\n", s.Deferred)
	fmt.Fprintf(w, "Chatter prevented:   %d\n", s.Chatter)
	fmt.Fprintf(w, "Releases flushed:    %d\n", s.Flushed)
	fmt.Fprintf(w, "Held right now:      %d\n", s.Pending)
	if s.EmitErrors > 0 {
		fmt.Fprintf(w, "Emit errors:         %d\n", s.EmitErrors)
	}
	if s.Reconnects > 0 {
		fmt.Fprintf(w, "Reconnects:          %d\n", s.Reconnects)
	}
}

func newThresholdCommand(opts *rootOptions) *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "threshold <ms>",
		Short: "Change the running daemon's threshold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := parseThreshold(args[0])
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			client, err := bus.Dial(cfg.DBus.Bus)
			if err == nil {
				defer client.Close()
				err = client.SetThreshold(ctx, uint32(ms))
			}
			if err != nil && !save {
				return fmt.Errorf("set threshold: %w", err)
			}
			if err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Threshold set to %d ms.\n", ms)
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "Daemon not reachable (%v), only saving.\n", err)
			}

			if save {
				// Environment overrides stay out of the file.
				path := opts.configPath()
				raw, err := config.ReadFile(path)
				if err != nil {
					return err
				}
				raw.Threshold = ms
				if err := config.SaveConfig(raw, path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved to %s.\n", path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "also write the threshold to the config file")
	return cmd
}

// parseThreshold accepts "30" or "30ms".
func parseThreshold(s string) (int, error) {
	ms, err := strconv.Atoi(s)
	if err != nil {
		d, derr := time.ParseDuration(s)
		if derr != nil {
			return 0, fmt.Errorf("invalid threshold %q", s)
		}
		ms = int(d / time.Millisecond)
	}
	if ms < config.MinThresholdMs || ms > config.MaxThresholdMs {
		return 0, fmt.Errorf("threshold must be between %d and %d ms, got %d", config.MinThresholdMs, config.MaxThresholdMs, ms)
	}
	return ms, nil
}
