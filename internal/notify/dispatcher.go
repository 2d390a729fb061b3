package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lukaswerner/displaywatch/internal/model"
	"github.com/lukaswerner/displaywatch/internal/store"
)

// Default per-channel cooldowns between repeat sends for the same alert.
const (
	DefaultEmailCooldown   = 30 * time.Minute
	DefaultWebhookCooldown = 5 * time.Minute
	DefaultSMSCooldown     = 60 * time.Minute
)

// unsentLookback bounds the retry sweep to recently raised alerts.
const unsentLookback = 24 * time.Hour

// ChannelConfig pairs an enabled provider with its cooldown window.
type ChannelConfig struct {
	Provider Provider
	Cooldown time.Duration
}

// Dispatcher delivers alert notifications across the enabled channels,
// gated by per-channel cooldowns, and periodically retries skipped or
// failed deliveries.
type Dispatcher struct {
	store         *store.Store
	channels      []ChannelConfig
	sweepInterval time.Duration
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(st *store.Store, channels []ChannelConfig, sweepInterval time.Duration) *Dispatcher {
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	return &Dispatcher{
		store:         st,
		channels:      channels,
		sweepInterval: sweepInterval,
	}
}

// SendAlertNotification loads an alert, builds the normalized payload and
// attempts delivery on every enabled channel whose cooldown has elapsed. All
// channels are attempted concurrently; one channel's failure is logged and
// never blocks the others. A successful send is recorded in the alert's
// per-channel history; a failed one is not, so the next sweep retries it.
func (d *Dispatcher) SendAlertNotification(ctx context.Context, alertID string) error {
	alert, err := d.store.Alert(alertID)
	if err != nil {
		return fmt.Errorf("loading alert: %w", err)
	}
	if !alert.IsActive {
		return nil
	}

	n := d.buildNotification(alert)
	now := time.Now().UTC()

	var wg sync.WaitGroup
	for _, ch := range d.channels {
		if !alert.ShouldSendNotification(ch.Provider.Channel(), ch.Cooldown, now) {
			slog.Debug("notification in cooldown",
				"alert_id", alertID, "channel", ch.Provider.Name())
			continue
		}
		wg.Add(1)
		go func(ch ChannelConfig) {
			defer wg.Done()
			if err := ch.Provider.Send(ctx, n); err != nil {
				slog.Error("sending notification",
					"alert_id", alertID, "channel", ch.Provider.Name(), "error", err)
				return
			}
			if err := d.store.AddNotification(alertID, ch.Provider.Channel()); err != nil {
				slog.Error("recording notification",
					"alert_id", alertID, "channel", ch.Provider.Name(), "error", err)
				return
			}
			slog.Info("notification sent",
				"alert_id", alertID, "channel", ch.Provider.Name(),
				"type", alert.Type, "severity", alert.Severity)
		}(ch)
	}
	wg.Wait()
	return nil
}

// Dispatch fires SendAlertNotification in the background; errors are logged.
// Used by the monitoring loop so one alert's delivery never delays the tick.
func (d *Dispatcher) Dispatch(ctx context.Context, alertID string) {
	go func() {
		if err := d.SendAlertNotification(ctx, alertID); err != nil {
			slog.Error("dispatching notification", "alert_id", alertID, "error", err)
		}
	}()
}

// Run starts the retry sweep loop over active, unacknowledged alerts raised
// within the lookback window. It blocks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("notification dispatcher started",
		"sweep_interval", d.sweepInterval, "channels", len(d.channels))

	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("notification dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
			d.processUnsent(ctx)
		}
	}
}

func (d *Dispatcher) processUnsent(ctx context.Context) {
	alerts, err := d.store.UnsentCandidates(unsentLookback)
	if err != nil {
		slog.Error("querying unsent alerts", "error", err)
		return
	}
	for _, a := range alerts {
		if err := d.SendAlertNotification(ctx, a.ID); err != nil {
			slog.Error("retrying notification", "alert_id", a.ID, "error", err)
		}
	}
}

func (d *Dispatcher) buildNotification(alert *model.DisplayAlert) model.Notification {
	displayName := alert.DisplayID
	if st, err := d.store.Status(alert.DisplayID); err == nil {
		displayName = st.DisplayName()
	} else if !errors.Is(err, store.ErrNotFound) {
		slog.Warn("loading display for notification", "display_id", alert.DisplayID, "error", err)
	}

	return model.Notification{
		AlertID:     alert.ID,
		AlertType:   alert.Type,
		Severity:    alert.Severity,
		Title:       alertTitle(alert.Type, displayName),
		Message:     alert.Message,
		DisplayID:   alert.DisplayID,
		DisplayName: displayName,
		Timestamp:   alert.CreatedAt,
		Metadata:    alert.TriggerConditions,
	}
}

func alertTitle(t model.AlertType, displayName string) string {
	switch t {
	case model.AlertOffline:
		return fmt.Sprintf("Display Offline: %s", displayName)
	case model.AlertConnectionLost:
		return fmt.Sprintf("Connection Lost: %s", displayName)
	case model.AlertPerformance:
		return fmt.Sprintf("Performance Degraded: %s", displayName)
	case model.AlertHeartbeatMissed:
		return fmt.Sprintf("Heartbeat Missed: %s", displayName)
	default:
		return fmt.Sprintf("Display Alert: %s", displayName)
	}
}
