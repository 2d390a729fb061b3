// Package monitor runs the periodic display liveness reconciliation loop.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lukaswerner/displaywatch/internal/model"
	"github.com/lukaswerner/displaywatch/internal/notify"
	"github.com/lukaswerner/displaywatch/internal/store"
	"github.com/lukaswerner/displaywatch/internal/stream"
)

// Config holds the monitoring loop parameters, static for the process lifetime.
type Config struct {
	HeartbeatTimeout       time.Duration
	OfflineAlertThreshold  time.Duration
	MaxConsecutiveFailures uint
	CheckInterval          time.Duration
	CleanupInterval        time.Duration
	HeartbeatRetention     time.Duration
	AlertRetention         time.Duration

	// Disconnection-reason classification heuristics. Inherited thresholds
	// with no stated derivation; kept as configurable knobs.
	ReasonSkewThreshold time.Duration // heartbeat/seen skew above this reads as a network fault
	ReasonPowerOffGap   time.Duration // absolute gaps above this read as power-off
}

// DefaultConfig returns the baseline monitoring parameters.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout:       5 * time.Minute,
		OfflineAlertThreshold:  5 * time.Minute,
		MaxConsecutiveFailures: 3,
		CheckInterval:          1 * time.Minute,
		CleanupInterval:        6 * time.Hour,
		HeartbeatRetention:     7 * 24 * time.Hour,
		AlertRetention:         30 * 24 * time.Hour,
		ReasonSkewThreshold:    1 * time.Minute,
		ReasonPowerOffGap:      10 * time.Minute,
	}
}

// Monitor reconciles display liveness on a fast tick and prunes aged data on
// a slow cleanup tick. It is constructed once at process start and injected
// into collaborators; Start, Stop and IsRunning manage its lifecycle.
type Monitor struct {
	store      *store.Store
	hub        *stream.Hub
	dispatcher *notify.Dispatcher
	cfg        Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a monitor. Zero config fields fall back to defaults.
func New(st *store.Store, hub *stream.Hub, dispatcher *notify.Dispatcher, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.OfflineAlertThreshold <= 0 {
		cfg.OfflineAlertThreshold = def.OfflineAlertThreshold
	}
	if cfg.MaxConsecutiveFailures == 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.HeartbeatRetention <= 0 {
		cfg.HeartbeatRetention = def.HeartbeatRetention
	}
	if cfg.AlertRetention <= 0 {
		cfg.AlertRetention = def.AlertRetention
	}
	if cfg.ReasonSkewThreshold <= 0 {
		cfg.ReasonSkewThreshold = def.ReasonSkewThreshold
	}
	if cfg.ReasonPowerOffGap <= 0 {
		cfg.ReasonPowerOffGap = def.ReasonPowerOffGap
	}
	return &Monitor{store: st, hub: hub, dispatcher: dispatcher, cfg: cfg}
}

// Start launches the two tick loops. Calling Start on a running monitor is an
// error.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("monitor already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	m.wg.Add(2)
	go m.runChecks(ctx)
	go m.runCleanup(ctx)

	slog.Info("monitor started",
		"check_interval", m.cfg.CheckInterval,
		"cleanup_interval", m.cfg.CleanupInterval,
		"heartbeat_timeout", m.cfg.HeartbeatTimeout)
	return nil
}

// Stop signals both loops and waits for them to exit at their next
// scheduling point.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	slog.Info("monitor stopped")
}

// IsRunning reports whether the loops are active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Run starts the monitor and blocks until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	m.Stop()
	return ctx.Err()
}

func (m *Monitor) runChecks(ctx context.Context) {
	defer m.wg.Done()

	// No reentrancy guard: an overrunning tick may overlap the next one.
	// Candidates are filtered by current state, so a second pass naturally
	// excludes already-transitioned displays.
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) runCleanup(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

// Check performs one reconciliation pass: stale online displays flip offline
// with a classified reason, offline and connection-lost alerts are raised
// when thresholds are crossed. Per-display errors are logged and skipped so
// one display never aborts processing of the others.
func (m *Monitor) Check(ctx context.Context) {
	now := time.Now().UTC()
	cutoff := now.Add(-m.cfg.HeartbeatTimeout)

	stale, err := m.store.StaleOnline(cutoff)
	if err != nil {
		slog.Error("querying stale displays", "error", err)
	}
	for _, st := range stale {
		reason := m.classifyReason(st, now)
		if _, err := m.store.MarkOffline(st.DisplayID, reason); err != nil {
			slog.Error("marking display offline", "display_id", st.DisplayID, "error", err)
			continue
		}
		slog.Warn("display went offline",
			"display_id", st.DisplayID, "reason", reason,
			"last_heartbeat", st.LastHeartbeat)
		m.hub.BroadcastGlobal(model.EventStatusChanged,
			map[string]any{"displayId": st.DisplayID, "isOnline": false})
	}

	m.raiseOfflineAlerts(ctx, now)
	m.raiseConnectionLostAlerts(ctx)
}

// raiseOfflineAlerts creates one offline alert per display whose offline gap
// has crossed the threshold. The dedup check in the store guarantees a later
// tick while still offline creates no duplicate.
func (m *Monitor) raiseOfflineAlerts(ctx context.Context, now time.Time) {
	statuses, err := m.store.AllStatuses()
	if err != nil {
		slog.Error("querying statuses for offline alerts", "error", err)
		return
	}
	for _, st := range statuses {
		if st.IsOnline {
			continue
		}
		offlineFor := now.Sub(st.LastHeartbeat)
		if offlineFor < m.cfg.OfflineAlertThreshold {
			continue
		}
		if _, err := m.store.ActiveAlert(st.DisplayID, model.AlertOffline); err == nil {
			continue
		}

		alert, err := m.store.CreateOfflineAlert(st, offlineSeverity(offlineFor), offlineFor)
		if err != nil {
			slog.Error("creating offline alert", "display_id", st.DisplayID, "error", err)
			continue
		}
		slog.Warn("offline alert raised",
			"display_id", st.DisplayID, "alert_id", alert.ID,
			"severity", alert.Severity, "offline_for", offlineFor.Round(time.Second))
		if m.dispatcher != nil {
			m.dispatcher.Dispatch(ctx, alert.ID)
		}
	}
}

// raiseConnectionLostAlerts covers displays still formally online whose
// consecutive failure count reached the configured maximum.
func (m *Monitor) raiseConnectionLostAlerts(ctx context.Context) {
	failing, err := m.store.FailingOnline(m.cfg.MaxConsecutiveFailures)
	if err != nil {
		slog.Error("querying failing displays", "error", err)
		return
	}
	for _, st := range failing {
		if _, err := m.store.ActiveAlert(st.DisplayID, model.AlertConnectionLost); err == nil {
			continue
		}

		msg := fmt.Sprintf("Display %s failed %d consecutive liveness checks",
			st.DisplayName(), st.ConsecutiveFailures)
		trigger := map[string]string{
			"consecutive_failures": fmt.Sprintf("%d", st.ConsecutiveFailures),
			"max_failures":         fmt.Sprintf("%d", m.cfg.MaxConsecutiveFailures),
		}
		severity := failureSeverity(st.ConsecutiveFailures, m.cfg.MaxConsecutiveFailures)

		alert, err := m.store.CreateAlert(st.DisplayID, model.AlertConnectionLost, severity, msg, trigger)
		if err != nil {
			slog.Error("creating connection_lost alert", "display_id", st.DisplayID, "error", err)
			continue
		}
		slog.Warn("connection_lost alert raised",
			"display_id", st.DisplayID, "alert_id", alert.ID,
			"failures", st.ConsecutiveFailures)
		if m.dispatcher != nil {
			m.dispatcher.Dispatch(ctx, alert.ID)
		}
	}
}

// Cleanup purges heartbeats past the retention window and resolved alerts
// past the resolved-retention window.
func (m *Monitor) Cleanup() {
	now := time.Now().UTC()

	if n, err := m.store.CleanupHeartbeats(now.Add(-m.cfg.HeartbeatRetention)); err != nil {
		slog.Error("cleaning up heartbeats", "error", err)
	} else if n > 0 {
		slog.Info("pruned old heartbeats", "rows", n)
	}

	if n, err := m.store.PurgeResolvedAlerts(now.Add(-m.cfg.AlertRetention)); err != nil {
		slog.Error("purging resolved alerts", "error", err)
	} else if n > 0 {
		slog.Info("purged resolved alerts", "rows", n)
	}
}

// classifyReason applies the gap heuristics: a heartbeat/seen skew beyond
// the skew threshold reads as a network fault, an absolute gap beyond the
// power-off threshold as power loss, anything else as a plain timeout.
func (m *Monitor) classifyReason(st *model.DisplayStatus, now time.Time) model.DisconnectionReason {
	skew := st.LastHeartbeat.Sub(st.LastSeen)
	if skew < 0 {
		skew = -skew
	}
	if skew > m.cfg.ReasonSkewThreshold {
		return model.ReasonNetworkError
	}
	if now.Sub(st.LastSeen) > m.cfg.ReasonPowerOffGap {
		return model.ReasonPowerOff
	}
	return model.ReasonTimeout
}

// offlineSeverity escalates with how long the display has been dark.
func offlineSeverity(offlineFor time.Duration) model.Severity {
	switch {
	case offlineFor > 30*time.Minute:
		return model.SeverityCritical
	case offlineFor > 10*time.Minute:
		return model.SeverityHigh
	default:
		return model.SeverityMedium
	}
}

// failureSeverity scales with how far past the maximum the count has run.
func failureSeverity(failures, maxFailures uint) model.Severity {
	if failures >= 2*maxFailures {
		return model.SeverityHigh
	}
	return model.SeverityMedium
}
