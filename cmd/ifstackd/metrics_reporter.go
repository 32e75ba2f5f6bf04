package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/irctrakz/ifstack/pkg/logging"
)

type metricsSnapshot struct {
	Timestamp  string                       `json:"ts"`
	Components map[string]map[string]uint64 `json:"components"`
	RT         map[string]uint64            `json:"rt"`
}

// runMetricsReporter dumps metrics every interval until stop is closed.
// METRICS_INTERVAL and METRICS_FORMAT override the flags.
func runMetricsReporter(d *daemon, interval time.Duration, format string, stop <-chan struct{}) {
	if iv := strings.TrimSpace(os.Getenv("METRICS_INTERVAL")); iv != "" {
		if v, err := time.ParseDuration(iv); err == nil {
			interval = v
		}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if f := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_FORMAT"))); f != "" {
		format = f
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		logging.Infof("metrics: %s", formatMetrics(collectMetrics(d), format))
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func collectMetrics(d *daemon) metricsSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return metricsSnapshot{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: d.metrics(),
		RT: map[string]uint64{
			"heap_alloc": ms.HeapAlloc,
			"heap_inuse": ms.HeapInuse,
			"sys":        ms.Sys,
			"num_gc":     uint64(ms.NumGC),
			"goroutines": uint64(runtime.NumGoroutine()),
		},
	}
}

// formatMetrics renders a snapshot as one JSON object or as a compact
// "component: key=value ..." line with components in name order.
func formatMetrics(snap metricsSnapshot, format string) string {
	if format == "json" {
		b, _ := json.Marshal(snap)
		return string(b)
	}

	var sb strings.Builder
	sb.WriteString("ts=")
	sb.WriteString(snap.Timestamp)
	names := make([]string, 0, len(snap.Components))
	for name := range snap.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sb.WriteString(" | ")
		sb.WriteString(name)
		sb.WriteString(":")
		writeCounters(&sb, snap.Components[name])
	}
	fmt.Fprintf(&sb, " | rt: heap=%dMi inuse=%dMi gor=%d gc=%d",
		snap.RT["heap_alloc"]/(1024*1024), snap.RT["heap_inuse"]/(1024*1024), snap.RT["goroutines"], snap.RT["num_gc"])
	return sb.String()
}

func writeCounters(sb *strings.Builder, m map[string]uint64) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(sb, " %s=%d", k, m[k])
	}
}
