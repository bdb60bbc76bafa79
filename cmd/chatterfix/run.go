package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chatterfix/internal/config"
	"chatterfix/internal/daemon"
	"chatterfix/internal/keyboard"
	"chatterfix/internal/logging"
)

type runOptions struct {
	Device      string
	ThresholdMs int
	Wait        bool
	NoReload    bool
}

func (r *runOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&r.Device, "device", "d", "", "override the configured device name match")
	cmd.Flags().IntVarP(&r.ThresholdMs, "threshold", "t", 0, "override the configured threshold in ms")
	cmd.Flags().BoolVar(&r.Wait, "wait", false, "wait for the keyboard to be plugged in")
	cmd.Flags().BoolVar(&r.NoReload, "no-reload", false, "do not watch the config file for changes")
}

// apply sets the command line overrides on cfg.
func (r *runOptions) apply(cfg *config.Config) {
	if r.Device != "" {
		cfg.ID = r.Device
	}
	if r.ThresholdMs != 0 {
		cfg.Threshold = r.ThresholdMs
	}
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	run := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Filter the keyboard in the foreground",
		Long: `Grab the configured keyboard and replay it, minus chatter, on a virtual
keyboard until interrupted. A default config file is written on first run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts, run)
		},
	}
	run.bind(cmd)
	return cmd
}

func runDaemon(cmd *cobra.Command, opts *rootOptions, run *runOptions) error {
	path := opts.configPath()
	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		return err
	}
	run.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(logger)
	defer logger.Close()

	log := logger.WithComponent("main")
	if created {
		log.Info("wrote default config", "path", path)
	}
	if err := keyboard.CheckUinput(); err != nil {
		return fmt.Errorf("%w (is the uinput module loaded and writable by this user?)", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reload := path
	if run.NoReload {
		reload = ""
	}
	d, err := daemon.New(daemon.Options{
		Config:        cfg,
		ConfigPath:    reload,
		Logger:        logger,
		Version:       Version,
		WaitForDevice: run.Wait,
		Override:      run.apply,
	})
	if err != nil {
		return err
	}

	log.Info("starting", "version", Version, "device", cfg.ID, "threshold_ms", cfg.Threshold)
	return d.Run(ctx)
}
