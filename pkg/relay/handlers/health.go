package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-interview/pkg/relay/sessions"
)

type HealthHandler struct{}

func (HealthHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports 503 once the relay starts draining so load balancers
// stop routing new connections to it.
type ReadyHandler struct {
	Tracker *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	type readyResp struct {
		OK          bool `json:"ok"`
		Draining    bool `json:"draining"`
		Connections int  `json:"connections"`
	}

	draining := h.Tracker.Draining()
	status := http.StatusOK
	if draining {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:          !draining,
		Draining:    draining,
		Connections: h.Tracker.Count(),
	})
}
