package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/irctrakz/ifstack/pkg/config"
	"github.com/irctrakz/ifstack/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Streaming.PollInterval = 2 * time.Millisecond
	cfg.Devices = append(cfg.Devices, core.DeviceConfig{Kind: "memtun", Name: "utun3", MTU: 1400})
	return cfg
}

func TestDaemonAttachesConfiguredDevices(t *testing.T) {
	d := newDaemon(testConfig())
	require.NoError(t, d.start())

	names := d.stack.Attached()
	sort.Strings(names)
	assert.Equal(t, []string{"en0", "en1", "utun0"}, names)
	assert.True(t, d.healthy())

	d.stop()
	assert.Empty(t, d.stack.Attached())
	assert.Equal(t, 0, d.stack.Handles())

	closed := map[string]bool{}
	for len(d.closed) > 0 {
		closed[<-d.closed] = true
	}
	assert.Len(t, closed, 3)
	assert.Empty(t, d.mgr.Interfaces())
}

func TestDaemonSimulatedTraffic(t *testing.T) {
	d := newDaemon(testConfig())
	require.NoError(t, d.start())
	defer d.stop()

	d.simulateOnce(1)

	for _, name := range []string{"en0", "en1", "utun0"} {
		name := name
		require.Eventually(t, func() bool {
			h, _, ok := d.stack.Lookup(name)
			return ok && len(d.stack.Frames(h)) == 1
		}, 2*time.Second, time.Millisecond, "no frame delivered to %s", name)

		h, _, _ := d.stack.Lookup(name)
		frame := d.stack.Frames(h)[0]
		require.GreaterOrEqual(t, len(frame), 20)
		assert.Equal(t, byte(0x45), frame[0], "%s delivered a bare IPv4 packet", name)
	}

	require.Eventually(t, func() bool {
		m := d.stamps.Metrics()
		return m["egress"] == 1 && m["ingress"] == 1
	}, 2*time.Second, time.Millisecond)

	m := d.metrics()
	assert.Contains(t, m, "lifecycle")
	assert.Contains(t, m, "if_en0")
	assert.Contains(t, m, "avb_en-dev1")
	assert.Equal(t, uint64(3), m["lifecycle"]["registered"])
}

func TestDaemonFixedUnitConflict(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Devices = []core.DeviceConfig{
		{Kind: "mock", Name: "en", Unit: 2, FixedUnit: true},
		{Kind: "mock", Name: "en", Unit: 2},
		{Kind: "mock", Name: "en", Unit: 2, FixedUnit: true},
	}
	d := newDaemon(cfg)
	require.NoError(t, d.start())
	defer d.stop()

	names := d.stack.Attached()
	sort.Strings(names)
	assert.Equal(t, []string{"en2", "en3"}, names)
	assert.False(t, d.healthy(), "third device stays published")
	assert.Equal(t, uint64(1), d.mgr.Metrics()["register_failed"])
}

func TestHealthEndpoints(t *testing.T) {
	d := newDaemon(testConfig())
	require.NoError(t, d.start())
	defer d.stop()

	srv := httptest.NewServer(healthHandler(d))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/interfaces")
	require.NoError(t, err)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Contains(t, buf.String(), `"name":"utun0"`)
	assert.Contains(t, buf.String(), `"state":"attached"`)

	d.mu.Lock()
	mock := d.devices[0].mock
	d.mu.Unlock()
	mock.SimulatePowerChange(false)

	require.Eventually(t, func() bool { return !d.healthy() }, time.Second, time.Millisecond)
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFormatMetricsText(t *testing.T) {
	snap := metricsSnapshot{
		Timestamp: "2024-01-01T00:00:00Z",
		Components: map[string]map[string]uint64{
			"lifecycle": {"registered": 2, "detached": 1},
			"if_en0":    {"input_packets": 7},
		},
		RT: map[string]uint64{"goroutines": 9},
	}
	out := formatMetrics(snap, "text")
	assert.True(t, strings.HasPrefix(out, "ts=2024-01-01T00:00:00Z | if_en0: input_packets=7 | lifecycle: detached=1 registered=2"), out)
	assert.Contains(t, out, "gor=9")

	out = formatMetrics(snap, "json")
	assert.Contains(t, out, `"lifecycle":{"detached":1,"registered":2}`)
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ifstack.yaml")
	require.NoError(t, testConfig().SaveToFile(path))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate", "-c", path})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "configuration ok: 3 device(s)")
	assert.Contains(t, out.String(), "kind=memtun name=utun3")
}
