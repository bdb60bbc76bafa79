// Package daemon runs chatterfix: it grabs the configured keyboard, feeds
// it through the debounce loop onto a virtual keyboard, and keeps the
// statistics, metrics, health, D-Bus and config reload machinery around
// that loop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chatterfix/internal/bus"
	"chatterfix/internal/config"
	"chatterfix/internal/debounce"
	"chatterfix/internal/health"
	"chatterfix/internal/keyboard"
	"chatterfix/internal/logging"
	"chatterfix/internal/metrics"
	"chatterfix/internal/store"
)

// maxBacklog is the held release count above which health degrades.
const maxBacklog = 64

// Options configure a Daemon.
type Options struct {
	Config *config.Config
	// ConfigPath enables hot reload of that file when non-empty.
	ConfigPath string
	Logger     *logging.Logger
	// Devices defaults to Hardware.
	Devices Devices
	Version string
	// WaitForDevice blocks at startup until the keyboard is plugged in
	// instead of failing with keyboard.ErrNoDevice.
	WaitForDevice bool
	// CrashDir defaults to logging.DefaultCrashDir.
	CrashDir string
	// Override is applied to every reloaded config so command line
	// overrides survive hot reload. Config is expected to have it applied.
	Override func(*config.Config)
}

// Daemon is one chatterfix process.
type Daemon struct {
	logger   *logging.Logger
	log      *slog.Logger
	devices  Devices
	version  string
	wait     bool
	cfgPath  string
	override func(*config.Config)

	metrics *metrics.ChatterMetrics
	health  *health.Checker
	crash   *logging.CrashHandler

	mu        sync.Mutex
	cfg       *config.Config
	threshold time.Duration
	source    Source
	sink      Sink
	loop      *debounce.Loop
	engine    *debounce.Engine
	stats     *store.Store
	runID     string
}

// New creates a daemon. Nothing is opened until Run.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("daemon: config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	log := logger.WithComponent("daemon")
	devices := opts.Devices
	if devices == nil {
		devices = Hardware(logger.WithComponent("keyboard"))
	}

	d := &Daemon{
		logger:    logger,
		log:       log,
		devices:   devices,
		version:   opts.Version,
		wait:      opts.WaitForDevice,
		cfgPath:   opts.ConfigPath,
		override:  opts.Override,
		metrics:   metrics.NewChatterMetrics(nil),
		health:    health.NewChecker(),
		crash:     logging.NewCrashHandler(opts.CrashDir, opts.Version, log),
		cfg:       opts.Config.Clone(),
		threshold: opts.Config.ThresholdDuration(),
	}
	d.metrics.SetThreshold(d.threshold)
	d.registerHealth()
	return d, nil
}

// Metrics returns the daemon's metrics.
func (d *Daemon) Metrics() *metrics.ChatterMetrics {
	return d.metrics
}

// Health returns the daemon's health checker.
func (d *Daemon) Health() *health.Checker {
	return d.health
}

// Run grabs the keyboard and filters it until ctx is cancelled. With
// reconnect enabled a vanished keyboard is waited for and re-grabbed;
// otherwise Run returns the loop's error.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.config()

	info, err := d.selectDevice(ctx, cfg)
	if err != nil {
		return err
	}
	src, err := d.devices.Open(ctx, info)
	if err != nil {
		return fmt.Errorf("open %s: %w", info.Path, err)
	}

	caps := src.Capabilities()
	if err := debounce.CheckCapacity(caps.Keys); err != nil {
		src.Close()
		return fmt.Errorf("%s: %w", info.Name, err)
	}

	sink, err := d.devices.NewSink(cfg.VirtualName, caps)
	if err != nil {
		src.Close()
		return fmt.Errorf("create virtual keyboard: %w", err)
	}
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
	defer d.closeSink()
	sinkKeys := caps.Keys

	d.openStats(cfg)
	defer d.closeStats()

	stopServices := d.startServices(ctx, cfg)
	defer stopServices()

	for {
		err := d.session(ctx, src)
		if ctx.Err() != nil {
			d.log.Info("shutting down")
			return nil
		}
		if !errors.Is(err, debounce.ErrSourceExhausted) || !cfg.Reconnect {
			return err
		}

		d.log.Warn("keyboard disappeared, waiting for it to return", "device", info.Name, "error", err)
		info, err = d.devices.Wait(ctx, cfg.ID, cfg.VirtualName)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for keyboard: %w", err)
		}
		if src, err = d.devices.Open(ctx, info); err != nil {
			return fmt.Errorf("reopen %s: %w", info.Path, err)
		}
		if err := d.checkReopened(src, sinkKeys); err != nil {
			src.Close()
			return err
		}
		d.metrics.Reconnected()
		cfg = d.config()
	}
}

// checkReopened verifies a reconnected keyboard against the virtual keyboard
// created for the first one. Keys the virtual keyboard does not advertise are
// dropped by the kernel, so they are logged.
func (d *Daemon) checkReopened(src Source, sinkKeys []uint16) error {
	info := src.Info()
	keys := src.Capabilities().Keys
	if err := debounce.CheckCapacity(keys); err != nil {
		return fmt.Errorf("%s: %w", info.Name, err)
	}
	if missing := missingKeys(keys, sinkKeys); len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for _, code := range missing {
			names = append(names, keyboard.KeyName(code))
		}
		d.log.Warn("reconnected keyboard has keys the virtual keyboard lacks; restart to pick them up",
			"device", info.Name, "missing", names)
	}
	return nil
}

// missingKeys returns the codes in keys that are not in supported.
func missingKeys(keys, supported []uint16) []uint16 {
	have := make(map[uint16]bool, len(supported))
	for _, k := range supported {
		have[k] = true
	}
	var missing []uint16
	for _, k := range keys {
		if !have[k] {
			missing = append(missing, k)
		}
	}
	return missing
}

func (d *Daemon) selectDevice(ctx context.Context, cfg *config.Config) (keyboard.DeviceInfo, error) {
	info, err := d.devices.Find(cfg.ID, cfg.VirtualName)
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, keyboard.ErrNoDevice) || !d.wait {
		return keyboard.DeviceInfo{}, err
	}
	d.log.Info("waiting for keyboard", "match", cfg.ID)
	return d.devices.Wait(ctx, cfg.ID, cfg.VirtualName)
}

// session runs one loop over src and closes src when it ends.
func (d *Daemon) session(ctx context.Context, src Source) error {
	info := src.Info()
	log := d.log.With("device", info.Name)

	recorder := d.beginRun(ctx, info)

	d.mu.Lock()
	opts := []debounce.Option{
		debounce.WithLogger(d.logger.WithComponent("engine")),
		debounce.WithObserver(d.metrics),
		debounce.WithKeyNames(keyName),
	}
	if recorder != nil {
		opts = append(opts, debounce.WithObserver(recorder))
	}
	engine := debounce.NewEngine(d.threshold, opts...)
	loop := debounce.NewLoop(engine, src, d.sink,
		debounce.WithLoopLogger(d.logger.WithComponent("loop")),
		debounce.WithLoopObserver(d.metrics),
	)
	d.source, d.engine, d.loop = src, engine, loop
	sink := d.sink
	d.mu.Unlock()

	d.metrics.SetConnected(true)
	d.health.SetReady(true)
	log.Info("filtering keyboard", "path", info.Path, "connection", info.Connection, "threshold", engine.Threshold())

	err := d.crash.Guard(map[string]any{"device": info.Name, "path": info.Path}, func() error {
		return loop.Run(ctx)
	})
	if errors.Is(err, logging.ErrPanic) {
		// The loop died before flushing; release whatever it held.
		now := time.Now()
		if held := engine.Flush(now); len(held) > 0 {
			_ = sink.Emit(append(held, debounce.SynReportAt(now))...)
		}
	}

	d.health.SetReady(false)
	d.metrics.SetConnected(false)
	if cerr := src.Close(); cerr != nil {
		log.Debug("close source", "error", cerr)
	}

	d.mu.Lock()
	d.source, d.engine, d.loop = nil, nil, nil
	d.mu.Unlock()

	d.endRun(recorder)
	return err
}

func keyName(k debounce.KeyID) string {
	return keyboard.KeyName(uint16(k))
}

func (d *Daemon) config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Daemon) closeSink() {
	d.mu.Lock()
	sink := d.sink
	d.sink = nil
	d.mu.Unlock()
	if sink != nil {
		if err := sink.Close(); err != nil {
			d.log.Warn("close virtual keyboard", "error", err)
		}
	}
}

func (d *Daemon) registerHealth() {
	d.health.RegisterFunc("source", true, health.StateCheck("keyboard", func() (bool, map[string]any) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.source == nil {
			return false, nil
		}
		info := d.source.Info()
		return true, map[string]any{"device": info.Name, "path": info.Path}
	}))
	d.health.RegisterFunc("sink", true, health.StateCheck("virtual keyboard", func() (bool, map[string]any) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.sink == nil {
			return false, nil
		}
		return true, map[string]any{"name": d.sink.Name()}
	}))
	d.health.RegisterFunc("backlog", false, health.BacklogCheck(func() int {
		return int(d.metrics.Backlog.Value())
	}, maxBacklog))
}

// startServices starts the optional HTTP, D-Bus and config watch services
// and returns a function stopping them.
func (d *Daemon) startServices(ctx context.Context, cfg *config.Config) func() {
	var stops []func()

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           d.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			d.log.Info("serving metrics", "listen", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Error("metrics server failed", "error", err)
			}
		}()
		stops = append(stops, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.DBus.Enabled {
		srv, err := bus.Serve(cfg.DBus.Bus, d, d.logger.WithComponent("dbus"))
		if err != nil {
			d.log.Warn("D-Bus service unavailable", "error", err)
		} else {
			stops = append(stops, func() { _ = srv.Close() })
		}
	}

	if d.cfgPath != "" {
		if stop, err := d.watchConfig(ctx); err != nil {
			d.log.Warn("config hot reload unavailable", "path", d.cfgPath, "error", err)
		} else {
			stops = append(stops, stop)
		}
	}

	return func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}
}
