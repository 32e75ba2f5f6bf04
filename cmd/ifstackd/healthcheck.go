package main

import (
	"encoding/json"
	"net/http"

	"github.com/irctrakz/ifstack/pkg/lifecycle"
)

type interfaceStatus struct {
	Device   string `json:"device"`
	Name     string `json:"name,omitempty"`
	State    string `json:"state"`
	Disabled bool   `json:"disabled,omitempty"`
}

// healthHandler serves /health (plain "ok" once every configured device
// is attached, 503 otherwise), /interfaces and /metrics.
func healthHandler(d *daemon) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !d.healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("degraded"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/interfaces", func(w http.ResponseWriter, r *http.Request) {
		var out []interfaceStatus
		for _, info := range d.mgr.Interfaces() {
			out = append(out, interfaceStatus{
				Device:   info.DeviceID,
				Name:     info.Name,
				State:    info.State.String(),
				Disabled: info.Disabled,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(collectMetrics(d))
	})
	return mux
}

// healthy reports whether every tracked device is attached and usable.
func (d *daemon) healthy() bool {
	infos := d.mgr.Interfaces()
	if len(infos) == 0 {
		return false
	}
	for _, info := range infos {
		if info.State != lifecycle.StateAttached || info.Disabled {
			return false
		}
	}
	return true
}
