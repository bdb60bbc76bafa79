package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatterfix/internal/config"
	"chatterfix/internal/debounce"
	"chatterfix/internal/keyboard"
	"chatterfix/internal/logging"
	"chatterfix/internal/store"
)

const keyA debounce.KeyID = 30

// fakeDevices hands out simulated sources in order.
type fakeDevices struct {
	mu      sync.Mutex
	sources []*keyboard.SimulatedSource
	opened  chan *keyboard.SimulatedSource
	sink    *keyboard.RecordingSink
	findErr error
	waits   int
	// caps, when set, replaces the capabilities of the nth opened source.
	caps  map[int]keyboard.Capabilities
	opens int
}

type capsSource struct {
	*keyboard.SimulatedSource
	caps keyboard.Capabilities
}

func (c capsSource) Capabilities() keyboard.Capabilities { return c.caps }

func newFakeDevices(n int) *fakeDevices {
	f := &fakeDevices{
		opened: make(chan *keyboard.SimulatedSource, n),
		sink:   keyboard.NewRecordingSink(),
	}
	for i := 0; i < n; i++ {
		f.sources = append(f.sources, keyboard.NewSimulatedSource("Ducky One 3", 64))
	}
	return f
}

func (f *fakeDevices) Find(match, exclude string) (keyboard.DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return keyboard.DeviceInfo{}, f.findErr
	}
	return f.sources[0].Info(), nil
}

func (f *fakeDevices) Wait(ctx context.Context, match, exclude string) (keyboard.DeviceInfo, error) {
	f.mu.Lock()
	f.waits++
	f.mu.Unlock()
	return f.sources[0].Info(), nil
}

func (f *fakeDevices) Open(ctx context.Context, info keyboard.DeviceInfo) (Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sources) == 0 {
		return nil, errors.New("no more devices")
	}
	src := f.sources[0]
	f.sources = f.sources[1:]
	if len(f.sources) == 0 {
		// Keep Find and Wait answering.
		f.sources = []*keyboard.SimulatedSource{src}
	}
	f.opened <- src
	n := f.opens
	f.opens++
	if caps, ok := f.caps[n]; ok {
		return capsSource{SimulatedSource: src, caps: caps}, nil
	}
	return src, nil
}

func (f *fakeDevices) NewSink(name string, caps keyboard.Capabilities) (Sink, error) {
	return f.sink, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	for _, env := range []string{config.EnvDevice, config.EnvThresholdMs, config.EnvLogLevel, config.EnvStatsPath, config.EnvMetricsListen} {
		t.Setenv(env, "")
	}

	cfg := config.DefaultConfig()
	cfg.Threshold = 30
	cfg.Stats.Path = filepath.Join(dir, "stats.db")
	return cfg
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	cfg := logging.DefaultConfig()
	cfg.Writer = io.Discard
	logger, err := logging.New(cfg)
	require.NoError(t, err)
	return logger
}

func newTestDaemon(t *testing.T, cfg *config.Config, devices Devices) *Daemon {
	t.Helper()
	d, err := New(Options{
		Config:   cfg,
		Logger:   testLogger(t),
		Devices:  devices,
		Version:  "test",
		CrashDir: t.TempDir(),
	})
	require.NoError(t, err)
	return d
}

func start(t *testing.T, d *Daemon) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not stop")
		return nil
	}
}

// keyValues renders key events as +code/-code for compact assertions.
func keyValues(events []debounce.Event) []int {
	var out []int
	for _, ev := range events {
		if ev.Value == 1 {
			out = append(out, int(ev.Code))
		} else if ev.Value == 0 {
			out = append(out, -int(ev.Code))
		}
	}
	return out
}

func TestDaemonFiltersChatterAndRecordsIt(t *testing.T) {
	cfg := testConfig(t)
	devices := newFakeDevices(1)
	d := newTestDaemon(t, cfg, devices)
	cancel, errc := start(t, d)
	src := <-devices.opened

	now := time.Now()
	src.Send(debounce.Press(keyA, now))
	src.Send(debounce.Release(keyA, now.Add(4*time.Millisecond)))
	src.Send(debounce.Press(keyA, now.Add(6*time.Millisecond)))
	src.Send(debounce.Release(keyA, now.Add(80*time.Millisecond)))

	require.Eventually(t, func() bool {
		return len(devices.sink.KeyEvents()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{30, -30}, keyValues(devices.sink.KeyEvents()))

	status := d.Status()
	assert.Equal(t, "Ducky One 3", status.Device)
	assert.True(t, status.Connected)
	assert.Equal(t, uint64(1), status.Chatter)
	assert.NotEmpty(t, status.RunID)
	assert.True(t, d.Health().IsReady())

	cancel()
	require.NoError(t, waitErr(t, errc))
	assert.False(t, d.Health().IsReady())

	s, err := store.Open(cfg.Stats.Path)
	require.NoError(t, err)
	defer s.Close()

	stats, err := s.KeyStats(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, uint16(keyA), stats[0].KeyCode)
	assert.Equal(t, int64(1), stats[0].Count)
	assert.Equal(t, 2*time.Millisecond, stats[0].MinGap)

	runs, err := s.Runs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Active())
	assert.Equal(t, int64(1), runs[0].Chatter)
	assert.Equal(t, int64(1), runs[0].Deferred)
}

func TestDaemonFlushesHeldReleaseOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Threshold = 1000
	cfg.Stats.Enabled = false
	devices := newFakeDevices(1)
	d := newTestDaemon(t, cfg, devices)
	cancel, errc := start(t, d)
	src := <-devices.opened

	now := time.Now()
	src.Tap(keyA, now, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return d.Status().Pending == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitErr(t, errc))
	assert.Equal(t, []int{30, -30}, keyValues(devices.sink.KeyEvents()))
}

func TestDaemonReconnects(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stats.Enabled = false
	devices := newFakeDevices(2)
	d := newTestDaemon(t, cfg, devices)
	cancel, errc := start(t, d)

	first := <-devices.opened
	first.Tap(keyA, time.Now(), 50*time.Millisecond)
	first.Fail(io.ErrUnexpectedEOF)

	second := <-devices.opened
	second.Tap(48, time.Now(), 50*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(devices.sink.KeyEvents()) == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{30, -30, 48, -48}, keyValues(devices.sink.KeyEvents()))
	assert.Equal(t, uint64(1), d.Status().Reconnects)

	cancel()
	require.NoError(t, waitErr(t, errc))
}

func TestDaemonRejectsReconnectedKeyboardOutOfRange(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stats.Enabled = false
	devices := newFakeDevices(2)
	devices.caps = map[int]keyboard.Capabilities{
		1: {Keys: []uint16{1, 28, 30, debounce.HistoryCapacity}},
	}
	d := newTestDaemon(t, cfg, devices)
	_, errc := start(t, d)

	first := <-devices.opened
	first.Fail(io.ErrUnexpectedEOF)
	<-devices.opened

	err := waitErr(t, errc)
	assert.ErrorIs(t, err, debounce.ErrKeyOutOfRange)
	assert.Zero(t, d.Metrics().Reconnects.Value())
}

func TestDaemonWarnsAboutKeysTheSinkLacks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stats.Enabled = false
	devices := newFakeDevices(2)
	devices.caps = map[int]keyboard.Capabilities{
		1: {Keys: []uint16{1, 28, 30, 48, 59}},
	}
	var logs syncBuffer
	logCfg := logging.DefaultConfig()
	logCfg.Writer = &logs
	logger, err := logging.New(logCfg)
	require.NoError(t, err)

	d, err := New(Options{Config: cfg, Logger: logger, Devices: devices, CrashDir: t.TempDir()})
	require.NoError(t, err)
	cancel, errc := start(t, d)

	first := <-devices.opened
	first.Fail(io.ErrUnexpectedEOF)
	<-devices.opened

	require.Eventually(t, func() bool {
		return d.Metrics().Reconnects.Value() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, logs.String(), "virtual keyboard lacks")
	assert.Contains(t, logs.String(), keyboard.KeyName(59))

	cancel()
	require.NoError(t, waitErr(t, errc))
}

func TestMissingKeys(t *testing.T) {
	assert.Empty(t, missingKeys([]uint16{1, 30}, []uint16{1, 28, 30}))
	assert.Equal(t, []uint16{59, 60}, missingKeys([]uint16{1, 59, 60}, []uint16{1, 28}))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDaemonStopsWithoutReconnect(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reconnect = false
	cfg.Stats.Enabled = false
	devices := newFakeDevices(1)
	d := newTestDaemon(t, cfg, devices)
	_, errc := start(t, d)

	src := <-devices.opened
	src.Fail(io.ErrUnexpectedEOF)

	err := waitErr(t, errc)
	assert.ErrorIs(t, err, debounce.ErrSourceExhausted)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDaemonNoDevice(t *testing.T) {
	cfg := testConfig(t)
	devices := newFakeDevices(1)
	devices.findErr = keyboard.ErrNoDevice
	d := newTestDaemon(t, cfg, devices)

	err := d.Run(context.Background())
	assert.ErrorIs(t, err, keyboard.ErrNoDevice)
}

func TestDaemonWaitsForDevice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stats.Enabled = false
	devices := newFakeDevices(1)
	devices.findErr = keyboard.ErrNoDevice

	d, err := New(Options{Config: cfg, Logger: testLogger(t), Devices: devices, WaitForDevice: true, CrashDir: t.TempDir()})
	require.NoError(t, err)
	cancel, errc := start(t, d)
	<-devices.opened

	devices.mu.Lock()
	assert.Equal(t, 1, devices.waits)
	devices.mu.Unlock()

	cancel()
	require.NoError(t, waitErr(t, errc))
}

func TestDaemonSetThreshold(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stats.Enabled = false
	devices := newFakeDevices(1)
	d := newTestDaemon(t, cfg, devices)

	// Before Run there is no loop; the value is kept for the session.
	require.NoError(t, d.SetThreshold(context.Background(), 50*time.Millisecond))
	assert.Error(t, d.SetThreshold(context.Background(), 0))
	assert.Error(t, d.SetThreshold(context.Background(), 2*time.Second))

	cancel, errc := start(t, d)
	src := <-devices.opened

	// A 40ms hold is short under 50ms.
	src.Tap(keyA, time.Now(), 40*time.Millisecond)
	require.Eventually(t, func() bool {
		return d.Metrics().ReleasesDeferred.Value() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.SetThreshold(context.Background(), 10*time.Millisecond))
	assert.Equal(t, uint32(10), d.Status().ThresholdMs)
	assert.Equal(t, int64(10), d.Metrics().ThresholdMs.Value())

	src.Tap(48, time.Now(), 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(devices.sink.KeyEvents()) == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), d.Metrics().ReleasesDeferred.Value())

	cancel()
	require.NoError(t, waitErr(t, errc))
}

func TestDaemonHandler(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stats.Enabled = false
	devices := newFakeDevices(1)
	d := newTestDaemon(t, cfg, devices)
	cancel, errc := start(t, d)
	src := <-devices.opened

	now := time.Now()
	src.Send(debounce.Press(keyA, now))
	src.Send(debounce.Release(keyA, now.Add(3*time.Millisecond)))
	src.Send(debounce.Press(keyA, now.Add(5*time.Millisecond)))
	require.Eventually(t, func() bool {
		return d.Metrics().ChatterPrevented.Value() == 1
	}, 2*time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, uint64(1), status.Chatter)
	assert.Equal(t, uint32(30), status.ThresholdMs)
	require.Len(t, status.TopKeys, 1)
	assert.Equal(t, uint16(keyA), status.TopKeys[0].Code)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "chatterfix_chatter_prevented_total 1")

	cancel()
	require.NoError(t, waitErr(t, errc))
}

func TestDaemonConfigReload(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stats.Enabled = false
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, config.SaveConfig(cfg, path))

	override := func(c *config.Config) { c.ID = "Keychron K2" }
	running := cfg.Clone()
	override(running)

	devices := newFakeDevices(1)
	d, err := New(Options{Config: running, ConfigPath: path, Logger: testLogger(t), Devices: devices, Override: override, CrashDir: t.TempDir()})
	require.NoError(t, err)
	cancel, errc := start(t, d)
	<-devices.opened
	// Ready is set after the config watcher is installed.
	require.Eventually(t, d.Health().IsReady, 2*time.Second, 5*time.Millisecond)

	updated := cfg.Clone()
	updated.Threshold = 70
	updated.Logging.Level = "debug"
	require.NoError(t, config.SaveConfig(updated, path))

	debug, err := logging.ParseLevel("debug")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return d.Threshold() == 70*time.Millisecond && d.logger.Level() == debug
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "Keychron K2", d.config().ID)

	cancel()
	require.NoError(t, waitErr(t, errc))
}

func TestApplyConfigKeepsOverrides(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stats.Enabled = false
	override := func(c *config.Config) { c.ID = "Keychron K2" }
	override(cfg)

	d, err := New(Options{Config: cfg, Logger: testLogger(t), Devices: newFakeDevices(1), Override: override, CrashDir: t.TempDir()})
	require.NoError(t, err)

	file := cfg.Clone()
	file.ID = "Ducky One 3"
	file.Threshold = 45
	d.applyConfig(context.Background(), file)

	assert.Equal(t, "Keychron K2", d.config().ID)
	assert.Equal(t, 45, d.config().Threshold)
	assert.Equal(t, 45*time.Millisecond, d.Threshold())
	// The caller's config is left alone.
	assert.Equal(t, "Ducky One 3", file.ID)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Threshold = 0
	_, err := New(Options{Config: cfg})
	var verrs config.ValidationErrors
	assert.True(t, errors.As(err, &verrs))

	_, err = New(Options{})
	assert.Error(t, err)
}
