package api

import (
	"net/http"
	"time"

	"github.com/snarg/scribed/internal/mqttclient"
	"github.com/snarg/scribed/internal/store"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Session       string            `json:"session"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	db        *store.DB // nil when persistence is disabled
	mqtt      *mqttclient.Client
	ctrl      SessionController
	version   string
	startTime time.Time
}

func NewHealthHandler(db *store.DB, mqtt *mqttclient.Client, ctrl SessionController, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		mqtt:      mqtt,
		ctrl:      ctrl,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if h.db != nil {
		if err := h.db.HealthCheck(r.Context()); err != nil {
			checks["database"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not_configured"
	}

	if h.mqtt.IsConnected() {
		checks["mqtt"] = "ok"
	} else {
		checks["mqtt"] = "disconnected"
		if status == "healthy" {
			status = "degraded"
		}
	}

	sess := h.ctrl.Status()
	if sess.BroadcastActive {
		checks["broadcast"] = "active"
	} else {
		checks["broadcast"] = "inactive"
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Session:       sess.State,
		Checks:        checks,
	})
}
