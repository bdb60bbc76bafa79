package metrics

import (
	"sort"
	"sync"
	"time"

	"chatterfix/internal/debounce"
)

// Namespace prefixes every chatterfix metric.
const Namespace = "chatterfix"

// ChatterMetrics holds the daemon's metrics. It implements
// debounce.Observer so it can be attached to an Engine and a Loop.
type ChatterMetrics struct {
	registry *Registry
	started  time.Time

	KeysPassed       *Counter
	ReleasesDeferred *Counter
	ChatterPrevented *Counter
	ReleasesFlushed  *Counter
	EmitErrors       *Counter
	Reconnects       *Counter

	Backlog         *Gauge
	ThresholdMs     *Gauge
	DeviceConnected *Gauge
	UptimeSeconds   *Gauge

	ChatterGap *Histogram
	ShortHold  *Histogram

	mu          sync.Mutex
	perKey      map[debounce.KeyID]uint64
	lastChatter time.Time
}

// NewChatterMetrics registers the daemon metrics on registry. A nil
// registry gets a fresh one.
func NewChatterMetrics(registry *Registry) *ChatterMetrics {
	if registry == nil {
		registry = NewRegistry(Namespace, "")
	}

	return &ChatterMetrics{
		registry: registry,
		started:  time.Now(),

		KeysPassed: registry.RegisterCounter("keys_passed_total",
			"Key transitions written to the virtual keyboard unchanged", nil),
		ReleasesDeferred: registry.RegisterCounter("releases_deferred_total",
			"Releases held back because they followed their press too quickly", nil),
		ChatterPrevented: registry.RegisterCounter("chatter_prevented_total",
			"Release and press pairs swallowed as switch chatter", nil),
		ReleasesFlushed: registry.RegisterCounter("releases_flushed_total",
			"Held releases written after their deadline or on shutdown", nil),
		EmitErrors: registry.RegisterCounter("emit_errors_total",
			"Key transitions the virtual keyboard rejected", nil),
		Reconnects: registry.RegisterCounter("reconnects_total",
			"Times the input device was reopened after disappearing", nil),

		Backlog: registry.RegisterGauge("backlog_entries",
			"Releases currently held back", nil),
		ThresholdMs: registry.RegisterGauge("threshold_ms",
			"Current debounce threshold in milliseconds", nil),
		DeviceConnected: registry.RegisterGauge("device_connected",
			"1 while the input device is grabbed", nil),
		UptimeSeconds: registry.RegisterGauge("uptime_seconds",
			"Seconds since the daemon started", nil),

		ChatterGap: registry.RegisterHistogram("chatter_gap_seconds",
			"Time between a withheld release and the press that cancelled it", nil, GapBuckets),
		ShortHold: registry.RegisterHistogram("short_hold_seconds",
			"Press duration of releases that were held back", nil, GapBuckets),

		perKey: make(map[debounce.KeyID]uint64),
	}
}

// Registry returns the registry the metrics live in.
func (m *ChatterMetrics) Registry() *Registry {
	return m.registry
}

// Observe implements debounce.Observer.
func (m *ChatterMetrics) Observe(o debounce.Observation) {
	switch o.Kind {
	case debounce.ObservedPassed:
		m.KeysPassed.Inc()
	case debounce.ObservedDeferred:
		m.ReleasesDeferred.Inc()
		m.Backlog.Inc()
		if !o.PressedAt.IsZero() {
			m.ShortHold.ObserveDuration(o.ReleasedAt.Sub(o.PressedAt))
		}
	case debounce.ObservedChatter:
		m.ChatterPrevented.Inc()
		m.Backlog.Dec()
		m.ChatterGap.ObserveDuration(o.Gap())
		m.mu.Lock()
		m.perKey[o.Key]++
		m.lastChatter = o.At
		m.mu.Unlock()
	case debounce.ObservedFlushed:
		m.ReleasesFlushed.Inc()
		m.Backlog.Dec()
	case debounce.ObservedEmitFailed:
		m.EmitErrors.Inc()
	}
}

// SetThreshold records the active threshold.
func (m *ChatterMetrics) SetThreshold(d time.Duration) {
	m.ThresholdMs.Set(d.Milliseconds())
}

// SetConnected records whether the input device is grabbed.
func (m *ChatterMetrics) SetConnected(connected bool) {
	m.DeviceConnected.SetBool(connected)
}

// Reconnected counts a device reopen.
func (m *ChatterMetrics) Reconnected() {
	m.Reconnects.Inc()
}

// Uptime refreshes and returns the uptime.
func (m *ChatterMetrics) Uptime() time.Duration {
	up := time.Since(m.started)
	m.UptimeSeconds.Set(int64(up.Seconds()))
	return up
}

// KeyCount is the chatter count for one key.
type KeyCount struct {
	Key   debounce.KeyID
	Count uint64
}

// TopKeys returns up to n keys ordered by chatter count, most first.
// Ties are broken by key code.
func (m *ChatterMetrics) TopKeys(n int) []KeyCount {
	m.mu.Lock()
	out := make([]KeyCount, 0, len(m.perKey))
	for k, c := range m.perKey {
		out = append(out, KeyCount{Key: k, Count: c})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// LastChatter returns the event time of the most recent chatter, or the
// zero time.
func (m *ChatterMetrics) LastChatter() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChatter
}

// Summary is a point-in-time view used by the status surfaces.
type Summary struct {
	Passed      uint64        `json:"passed"`
	Deferred    uint64        `json:"deferred"`
	Chatter     uint64        `json:"chatter"`
	Flushed     uint64        `json:"flushed"`
	EmitErrors  uint64        `json:"emit_errors"`
	Reconnects  uint64        `json:"reconnects"`
	Backlog     int64         `json:"backlog"`
	ThresholdMs int64         `json:"threshold_ms"`
	Connected   bool          `json:"connected"`
	Uptime      time.Duration `json:"uptime_ns"`
	MedianGap   time.Duration `json:"median_gap_ns"`
	LastChatter time.Time     `json:"last_chatter,omitempty"`
}

// Summary collects the current values.
func (m *ChatterMetrics) Summary() Summary {
	s := Summary{
		Passed:      m.KeysPassed.Value(),
		Deferred:    m.ReleasesDeferred.Value(),
		Chatter:     m.ChatterPrevented.Value(),
		Flushed:     m.ReleasesFlushed.Value(),
		EmitErrors:  m.EmitErrors.Value(),
		Reconnects:  m.Reconnects.Value(),
		Backlog:     m.Backlog.Value(),
		ThresholdMs: m.ThresholdMs.Value(),
		Connected:   m.DeviceConnected.Value() == 1,
		Uptime:      m.Uptime(),
		LastChatter: m.LastChatter(),
	}
	if m.ChatterGap.Count() > 0 {
		s.MedianGap = time.Duration(m.ChatterGap.Quantile(50) * float64(time.Second))
	}
	return s
}
