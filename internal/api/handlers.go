package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/lukaswerner/displaywatch/internal/model"
	"github.com/lukaswerner/displaywatch/internal/store"
)

// heartbeatRequest is the ingest payload posted by display clients.
type heartbeatRequest struct {
	DisplayID      string            `json:"displayId"`
	ResponseTime   int64             `json:"responseTime"`
	ClientInfo     map[string]string `json:"clientInfo,omitempty"`
	ServerInfo     map[string]string `json:"serverInfo,omitempty"`
	ConnectionInfo map[string]string `json:"connectionInfo,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DisplayID == "" {
		writeError(w, http.StatusBadRequest, "displayId is required")
		return
	}
	if req.ResponseTime < 0 {
		writeError(w, http.StatusBadRequest, "responseTime must be >= 0")
		return
	}

	st, err := s.markAlive(req)
	if err != nil {
		slog.Error("updating display status", "display_id", req.DisplayID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update status")
		return
	}

	if _, err := s.store.RecordHeartbeat(req.DisplayID, req.ResponseTime,
		req.ClientInfo, req.ServerInfo, req.ConnectionInfo); err != nil {
		slog.Error("recording heartbeat", "display_id", req.DisplayID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record heartbeat")
		return
	}

	s.checkPerformance(r, st, req.ResponseTime)

	writeJSON(w, r, map[string]any{"success": true})
}

// markAlive routes the heartbeat through the status state machine: a display
// already online gets a plain timestamp refresh, anything else goes through
// MarkOnline. A genuine offline-to-online transition resolves liveness alerts
// and is announced on the stream.
func (s *Server) markAlive(req heartbeatRequest) (*model.DisplayStatus, error) {
	cur, err := s.store.Status(req.DisplayID)
	if err == nil && cur.IsOnline {
		return s.store.UpdateHeartbeat(req.DisplayID)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	st, transitioned, err := s.store.MarkOnline(req.DisplayID, req.ClientInfo)
	if err != nil {
		return nil, err
	}
	if transitioned {
		slog.Info("display came online", "display_id", req.DisplayID)
		s.hub.Broadcast(req.DisplayID, model.EventStatusChanged,
			map[string]any{"displayId": req.DisplayID, "isOnline": true})
		s.hub.BroadcastGlobal(model.EventClientConnected,
			map[string]any{"displayId": req.DisplayID})

		n, err := s.store.ResolveAlertsForDisplay(req.DisplayID,
			model.AlertOffline, model.AlertConnectionLost)
		if err != nil {
			slog.Error("resolving liveness alerts", "display_id", req.DisplayID, "error", err)
		} else if n > 0 {
			slog.Info("resolved liveness alerts on recovery", "display_id", req.DisplayID, "count", n)
		}
	}
	return st, nil
}

// checkPerformance raises a performance_degraded alert when the reported
// response time exceeds the configured threshold. Dedup lives in the store.
func (s *Server) checkPerformance(r *http.Request, st *model.DisplayStatus, responseTime int64) {
	threshold := s.cfg.PerformanceThresholdMs
	if threshold <= 0 || responseTime <= threshold {
		return
	}
	if _, err := s.store.ActiveAlert(st.DisplayID, model.AlertPerformance); err == nil {
		return
	}

	alert, err := s.store.CreatePerformanceAlert(st, responseTime, threshold)
	if err != nil {
		slog.Error("creating performance alert", "display_id", st.DisplayID, "error", err)
		return
	}
	slog.Warn("performance alert raised",
		"display_id", st.DisplayID, "alert_id", alert.ID,
		"response_time_ms", responseTime, "threshold_ms", threshold)
	if s.dispatcher != nil {
		// The request context dies when the handler returns; delivery must
		// outlive it.
		s.dispatcher.Dispatch(context.WithoutCancel(r.Context()), alert.ID)
	}
}

func (s *Server) handleDisplays(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.store.AllStatuses()
	if err != nil {
		slog.Error("querying display statuses", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query displays")
		return
	}
	writeJSON(w, r, statuses)
}

func (s *Server) handleDisplayStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.store.Status(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "display not found")
			return
		}
		slog.Error("querying display status", "display_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query status")
		return
	}

	// period=0 means lifetime uptime.
	var period time.Duration
	if m := queryInt(r, "minutes", 0); m > 0 {
		period = time.Duration(m) * time.Minute
	}
	uptime, err := s.store.UptimePercentage(id, period)
	if err != nil {
		slog.Error("computing uptime", "display_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute uptime")
		return
	}

	writeJSON(w, r, map[string]any{
		"status":            st,
		"uptime_percentage": uptime,
	})
}

func (s *Server) handleDisplayHeartbeats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	minutes := queryInt(r, "minutes", 60)
	hbs, err := s.store.RecentHeartbeats(id, time.Duration(minutes)*time.Minute)
	if err != nil {
		slog.Error("querying heartbeats", "display_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query heartbeats")
		return
	}
	writeJSON(w, r, hbs)
}

func (s *Server) handleDisplayStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	minutes := queryInt(r, "minutes", 60)
	stats, err := s.store.ResponseTimeStats(id, time.Duration(minutes)*time.Minute)
	if err != nil {
		slog.Error("querying response time stats", "display_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query stats")
		return
	}
	writeJSON(w, r, stats)
}

func (s *Server) handleDisplayHourly(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	hours := queryInt(r, "hours", 24)
	if hours > 168 {
		hours = 168
	}
	stats, err := s.store.HourlyHeartbeatStats(id, hours)
	if err != nil {
		slog.Error("querying hourly stats", "display_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query hourly stats")
		return
	}
	writeJSON(w, r, stats)
}

func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.ActiveAlerts(r.URL.Query().Get("displayId"))
	if err != nil {
		slog.Error("querying active alerts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query alerts")
		return
	}
	writeJSON(w, r, alerts)
}

func (s *Server) handleUnacknowledgedAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.UnacknowledgedAlerts(r.URL.Query().Get("displayId"))
	if err != nil {
		slog.Error("querying unacknowledged alerts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query alerts")
		return
	}
	writeJSON(w, r, alerts)
}

func (s *Server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	stats, err := s.store.AlertStats(days)
	if err != nil {
		slog.Error("querying alert stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query alert stats")
		return
	}
	writeJSON(w, r, stats)
}

type acknowledgeRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req acknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	if err := s.store.AcknowledgeAlert(id, req.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		slog.Error("acknowledging alert", "alert_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to acknowledge alert")
		return
	}
	writeJSON(w, r, map[string]any{"success": true})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.ResolveAlert(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "alert not found or already resolved")
			return
		}
		slog.Error("resolving alert", "alert_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve alert")
		return
	}
	writeJSON(w, r, map[string]any{"success": true})
}

func (s *Server) handleDisplayStream(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, r.PathValue("id"))
}

func (s *Server) handleGlobalStream(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, "")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	running := s.monitor != nil && s.monitor.IsRunning()
	status := "ok"
	if !running {
		status = "monitor_stopped"
	}
	writeJSON(w, r, map[string]any{
		"status":          status,
		"timestamp":       time.Now().Unix(),
		"monitor_running": running,
		"stream_clients":  s.hub.ClientCount(""),
	})
}

// queryInt parses an integer query parameter, falling back to def when the
// parameter is absent or not a positive integer.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
