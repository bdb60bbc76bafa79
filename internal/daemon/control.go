package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chatterfix/internal/bus"
	"chatterfix/internal/config"
	"chatterfix/internal/debounce"
	"chatterfix/internal/logging"
)

// Status implements bus.Controller.
func (d *Daemon) Status() bus.Status {
	sum := d.metrics.Summary()

	d.mu.Lock()
	defer d.mu.Unlock()

	st := bus.Status{
		VirtualName: d.cfg.VirtualName,
		RunID:       d.runID,
		ThresholdMs: uint32(d.threshold / time.Millisecond),
		Connected:   d.source != nil,
		Pending:     uint32(max(sum.Backlog, 0)),
		Passed:      sum.Passed,
		Deferred:    sum.Deferred,
		Chatter:     sum.Chatter,
		Flushed:     sum.Flushed,
		EmitErrors:  sum.EmitErrors,
		Reconnects:  sum.Reconnects,
		Uptime:      sum.Uptime,
	}
	if d.source != nil {
		info := d.source.Info()
		st.Device, st.DevicePath = info.Name, info.Path
	}
	return st
}

// SetThreshold implements bus.Controller. The new threshold applies to
// releases seen from now on and survives reconnects.
func (d *Daemon) SetThreshold(ctx context.Context, threshold time.Duration) error {
	ms := int(threshold / time.Millisecond)
	if ms < config.MinThresholdMs || ms > config.MaxThresholdMs {
		return fmt.Errorf("threshold must be between %d and %d ms, got %v",
			config.MinThresholdMs, config.MaxThresholdMs, threshold)
	}

	d.mu.Lock()
	d.threshold = threshold
	loop := d.loop
	d.mu.Unlock()
	d.metrics.SetThreshold(threshold)

	if loop == nil {
		return nil
	}
	err := loop.Do(ctx, func(e *debounce.Engine) { e.SetThreshold(threshold) })
	if errors.Is(err, debounce.ErrLoopStopped) {
		// The next session starts with d.threshold.
		return nil
	}
	return err
}

// Threshold returns the threshold new releases are judged against.
func (d *Daemon) Threshold() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold
}

// watchConfig reloads the config file on change.
func (d *Daemon) watchConfig(ctx context.Context) (func(), error) {
	loader := config.NewLoader(d.cfgPath)
	if _, err := loader.Load(); err != nil {
		return nil, err
	}
	loader.OnChange(func(_, cur *config.Config) {
		d.applyConfig(ctx, cur)
	})
	if err := loader.Watch(); err != nil {
		loader.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-loader.Errors():
				if !ok {
					return
				}
				d.log.Warn("config reload failed, keeping previous settings", "error", err)
			}
		}
	}()

	d.log.Info("watching config", "path", d.cfgPath)
	return func() { loader.Close() }, nil
}

// applyConfig applies the settings of a reloaded file that can change at
// runtime and logs the ones that need a restart. Command line overrides are
// re-applied first.
func (d *Daemon) applyConfig(ctx context.Context, file *config.Config) {
	cur := file.Clone()
	if d.override != nil {
		d.override(cur)
	}

	d.mu.Lock()
	old := d.cfg
	d.cfg = cur
	d.mu.Unlock()

	if old.Threshold != cur.Threshold {
		if err := d.SetThreshold(ctx, cur.ThresholdDuration()); err != nil {
			d.log.Warn("could not apply threshold", "error", err)
		} else {
			d.log.Info("threshold reloaded", "from_ms", old.Threshold, "to_ms", cur.Threshold)
		}
	}
	if old.Logging.Level != cur.Logging.Level {
		if level, err := logging.ParseLevel(cur.Logging.Level); err == nil {
			d.logger.SetLevel(level)
			d.log.Info("log level reloaded", "level", cur.Logging.Level)
		}
	}

	restart := []struct {
		key     string
		changed bool
	}{
		{"id", old.ID != cur.ID},
		{"virtual_name", old.VirtualName != cur.VirtualName},
		{"stats", old.Stats != cur.Stats},
		{"metrics", old.Metrics != cur.Metrics},
		{"dbus", old.DBus != cur.DBus},
	}
	for _, r := range restart {
		if r.changed {
			d.log.Warn("config change takes effect after restart", "key", r.key)
		}
	}
}

// Handler serves /metrics, /status and the health endpoints.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Registry().HTTPHandler())
	d.health.Mount(mux)
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(statusJSON(d.Status(), d.metrics.TopKeys(10)))
	})
	return mux
}
