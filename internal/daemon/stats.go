package daemon

import (
	"context"
	"time"

	"chatterfix/internal/bus"
	"chatterfix/internal/config"
	"chatterfix/internal/health"
	"chatterfix/internal/keyboard"
	"chatterfix/internal/metrics"
	"chatterfix/internal/store"
)

const statsTimeout = 5 * time.Second

// openStats opens the statistics database. Failures are logged and the
// daemon runs without statistics.
func (d *Daemon) openStats(cfg *config.Config) {
	if !cfg.Stats.Enabled {
		return
	}
	s, err := store.Open(cfg.Stats.Path)
	if err != nil {
		d.log.Warn("statistics disabled", "path", cfg.Stats.Path, "error", err)
		return
	}

	d.mu.Lock()
	d.stats = s
	d.mu.Unlock()
	d.health.RegisterFunc("stats", false, health.PingCheck("statistics database", s.Ping))
}

func (d *Daemon) closeStats() {
	d.mu.Lock()
	s := d.stats
	d.stats = nil
	d.mu.Unlock()
	if s == nil {
		return
	}
	d.health.Unregister("stats")
	if err := s.Close(); err != nil {
		d.log.Warn("close statistics database", "error", err)
	}
}

// beginRun starts a run for one session and returns its recorder, or nil
// when statistics are off.
func (d *Daemon) beginRun(ctx context.Context, info keyboard.DeviceInfo) *store.Recorder {
	d.mu.Lock()
	s := d.stats
	threshold := d.threshold
	d.mu.Unlock()
	if s == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()
	id, err := s.BeginRun(ctx, info.Name, int(threshold/time.Millisecond))
	if err != nil {
		d.log.Warn("could not start statistics run", "error", err)
		return nil
	}

	d.mu.Lock()
	d.runID = id
	d.mu.Unlock()
	return store.NewRecorder(s, id, keyName, d.logger.WithComponent("stats"), 0)
}

func (d *Daemon) endRun(recorder *store.Recorder) {
	if recorder == nil {
		return
	}
	totals := recorder.Close()

	d.mu.Lock()
	s, id := d.stats, d.runID
	d.runID = ""
	d.mu.Unlock()
	if s == nil || id == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()
	if err := s.EndRun(ctx, id, totals); err != nil {
		d.log.Warn("could not end statistics run", "run", id, "error", err)
		return
	}
	if totals.Dropped > 0 {
		d.log.Warn("chatter records dropped", "run", id, "dropped", totals.Dropped)
	}
}

type keyCountJSON struct {
	Code  uint16 `json:"code"`
	Name  string `json:"name"`
	Count uint64 `json:"count"`
}

type statusResponse struct {
	Device        string         `json:"device"`
	DevicePath    string         `json:"device_path"`
	VirtualName   string         `json:"virtual_name"`
	RunID         string         `json:"run_id,omitempty"`
	ThresholdMs   uint32         `json:"threshold_ms"`
	Connected     bool           `json:"connected"`
	Pending       uint32         `json:"pending"`
	Passed        uint64         `json:"passed"`
	Deferred      uint64         `json:"deferred"`
	Chatter       uint64         `json:"chatter"`
	Flushed       uint64         `json:"flushed"`
	EmitErrors    uint64         `json:"emit_errors"`
	Reconnects    uint64         `json:"reconnects"`
	UptimeSeconds uint64         `json:"uptime_seconds"`
	TopKeys       []keyCountJSON `json:"top_keys"`
}

func statusJSON(s bus.Status, top []metrics.KeyCount) statusResponse {
	keys := make([]keyCountJSON, 0, len(top))
	for _, kc := range top {
		keys = append(keys, keyCountJSON{Code: uint16(kc.Key), Name: keyName(kc.Key), Count: kc.Count})
	}
	return statusResponse{
		Device:        s.Device,
		DevicePath:    s.DevicePath,
		VirtualName:   s.VirtualName,
		RunID:         s.RunID,
		ThresholdMs:   s.ThresholdMs,
		Connected:     s.Connected,
		Pending:       s.Pending,
		Passed:        s.Passed,
		Deferred:      s.Deferred,
		Chatter:       s.Chatter,
		Flushed:       s.Flushed,
		EmitErrors:    s.EmitErrors,
		Reconnects:    s.Reconnects,
		UptimeSeconds: uint64(s.Uptime / time.Second),
		TopKeys:       keys,
	}
}
