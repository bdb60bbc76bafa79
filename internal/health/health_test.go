package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(ctx context.Context) CheckResult   { return CheckResult{Status: StatusHealthy} }
func unhealthy(ctx context.Context) CheckResult { return CheckResult{Status: StatusUnhealthy} }

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		source   Check
		stats    Check
		run      bool
		expected Status
	}{
		{"unchecked", healthy, healthy, false, StatusUnknown},
		{"all healthy", healthy, healthy, true, StatusHealthy},
		{"optional failing", healthy, unhealthy, true, StatusDegraded},
		{"critical failing", unhealthy, healthy, true, StatusUnhealthy},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := NewChecker()
			c.RegisterFunc("source", true, tc.source)
			c.RegisterFunc("stats", false, tc.stats)
			if tc.run {
				c.Check(context.Background())
			}
			assert.Equal(t, tc.expected, c.OverallStatus())
		})
	}
}

func TestCheckSurvivesPanicAndTimeout(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("panics", false, func(ctx context.Context) CheckResult {
		panic("boom")
	})
	c.Register(&Component{
		Name:    "hangs",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["panics"].Status)
	assert.Equal(t, "boom", results["panics"].Error)
	assert.Equal(t, StatusUnhealthy, results["hangs"].Status)
	assert.Equal(t, "check timed out", results["hangs"].Message)
	assert.Equal(t, []string{"hangs", "panics"}, c.Components())
}

func TestUnregister(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("source", true, unhealthy)
	c.Check(context.Background())
	require.Equal(t, StatusUnhealthy, c.OverallStatus())

	c.Unregister("source")
	assert.Equal(t, StatusHealthy, c.OverallStatus())
	_, ok := c.CheckComponent(context.Background(), "source")
	assert.False(t, ok)
}

func TestDomainChecks(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, StatusHealthy, PingCheck("stats", func(context.Context) error { return nil })(ctx).Status)
	res := PingCheck("stats", func(context.Context) error { return errors.New("locked") })(ctx)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "locked", res.Error)

	up := true
	state := StateCheck("source", func() (bool, map[string]any) {
		return up, map[string]any{"device": "Ducky One 3"}
	})
	assert.Equal(t, StatusHealthy, state(ctx).Status)
	up = false
	res = state(ctx)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "Ducky One 3", res.Details["device"])

	pending := 3
	backlog := BacklogCheck(func() int { return pending }, 64)
	assert.Equal(t, StatusHealthy, backlog(ctx).Status)
	pending = 65
	assert.Equal(t, StatusDegraded, backlog(ctx).Status)
}

func TestHandlers(t *testing.T) {
	c := NewChecker()
	up := true
	c.RegisterFunc("source", true, StateCheck("source", func() (bool, map[string]any) { return up, nil }))

	mux := http.NewServeMux()
	c.Mount(mux)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/livez").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)

	c.SetReady(true)
	assert.Equal(t, http.StatusOK, get("/readyz").Code)

	rec := get("/healthz?full=true")
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.True(t, resp.Ready)
	assert.Contains(t, resp.Components, "source")

	up = false
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/healthz").Code)
}
