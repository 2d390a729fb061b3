// Package model defines all shared domain types for displaywatch.
package model

import "time"

// DisconnectionReason classifies why a display went offline.
type DisconnectionReason string

const (
	ReasonTimeout      DisconnectionReason = "timeout"
	ReasonNetworkError DisconnectionReason = "network_error"
	ReasonPowerOff     DisconnectionReason = "power_off"
	ReasonManual       DisconnectionReason = "manual"
	ReasonUnknown      DisconnectionReason = "unknown"
)

// AlertType identifies the failure condition an alert describes.
type AlertType string

const (
	AlertOffline         AlertType = "offline"
	AlertConnectionLost  AlertType = "connection_lost"
	AlertPerformance     AlertType = "performance_degraded"
	AlertHeartbeatMissed AlertType = "heartbeat_missed"
	AlertCustom          AlertType = "custom"
)

// Severity levels, ordered low to critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank maps a severity to a sortable weight; unknown values sort last.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

// Channel names a notification delivery channel.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelSMS     Channel = "sms"
)

// DisplayStatus is the persistent per-display liveness record. At most one
// record exists per display id. TotalUptimeMs and TotalDowntimeMs only grow.
// DisconnectionReason is set only while the display is offline.
type DisplayStatus struct {
	DisplayID           string              `json:"display_id"`
	IsOnline            bool                `json:"is_online"`
	LastSeen            time.Time           `json:"last_seen"`
	LastHeartbeat       time.Time           `json:"last_heartbeat"`
	ClientCount         uint                `json:"client_count"`
	ConsecutiveFailures uint                `json:"consecutive_failures"`
	TotalUptimeMs       int64               `json:"total_uptime_ms"`
	TotalDowntimeMs     int64               `json:"total_downtime_ms"`
	DisconnectionReason DisconnectionReason `json:"disconnection_reason,omitempty"`
	Metadata            map[string]string   `json:"metadata,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
}

// DisplayName returns the human-facing name from metadata, falling back to the id.
func (s *DisplayStatus) DisplayName() string {
	if name, ok := s.Metadata["name"]; ok && name != "" {
		return name
	}
	return s.DisplayID
}

// DisplayHeartbeat is one append-only liveness ping. The timestamp is always
// server-assigned at record time.
type DisplayHeartbeat struct {
	ID             int64             `json:"id"`
	DisplayID      string            `json:"display_id"`
	Timestamp      time.Time         `json:"timestamp"`
	ResponseTimeMs int64             `json:"response_time_ms"`
	ClientInfo     map[string]string `json:"client_info,omitempty"`
	ServerInfo     map[string]string `json:"server_info,omitempty"`
	ConnectionInfo map[string]string `json:"connection_info,omitempty"`
}

// DisplayAlert is one alert record. The store enforces at most one active
// alert per (DisplayID, Type) pair.
type DisplayAlert struct {
	ID                string                  `json:"id"`
	DisplayID         string                  `json:"display_id"`
	Type              AlertType               `json:"type"`
	Severity          Severity                `json:"severity"`
	Message           string                  `json:"message"`
	IsActive          bool                    `json:"is_active"`
	IsAcknowledged    bool                    `json:"is_acknowledged"`
	AcknowledgedBy    string                  `json:"acknowledged_by,omitempty"`
	AcknowledgedAt    *time.Time              `json:"acknowledged_at,omitempty"`
	ResolvedAt        *time.Time              `json:"resolved_at,omitempty"`
	TriggerConditions map[string]string       `json:"trigger_conditions,omitempty"`
	NotificationsSent map[Channel][]time.Time `json:"notifications_sent,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
}

// ShouldSendNotification reports whether a send on the channel is allowed:
// true when the channel has no history, or the most recent send is older than
// the cooldown.
func (a *DisplayAlert) ShouldSendNotification(ch Channel, cooldown time.Duration, now time.Time) bool {
	sent := a.NotificationsSent[ch]
	if len(sent) == 0 {
		return true
	}
	last := sent[0]
	for _, t := range sent[1:] {
		if t.After(last) {
			last = t
		}
	}
	return now.Sub(last) >= cooldown
}

// ResponseTimeStats aggregates heartbeat response times over a period.
type ResponseTimeStats struct {
	Min   int64   `json:"min_ms"`
	Avg   float64 `json:"avg_ms"`
	Max   int64   `json:"max_ms"`
	Count int64   `json:"count"`
}

// HourlyHeartbeatStats is one hour bucket of heartbeat aggregates.
type HourlyHeartbeatStats struct {
	Hour  time.Time `json:"hour"`
	Count int64     `json:"count"`
	AvgMs float64   `json:"avg_ms"`
}

// AlertStat is one (type, severity) cell of the alert statistics query.
type AlertStat struct {
	Type              AlertType `json:"type"`
	Severity          Severity  `json:"severity"`
	Total             int64     `json:"total"`
	Active            int64     `json:"active"`
	Resolved          int64     `json:"resolved"`
	MeanResolutionSec float64   `json:"mean_resolution_sec"`
}

// Notification is the normalized payload handed to delivery channels.
type Notification struct {
	AlertID     string            `json:"alert_id"`
	AlertType   AlertType         `json:"alert_type"`
	Severity    Severity          `json:"severity"`
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	DisplayID   string            `json:"display_id"`
	DisplayName string            `json:"display_name"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Push stream event names (server → consumer).
const (
	EventConnected          = "connected"
	EventDisplayUpdated     = "display_updated"
	EventClientConnected    = "client-connected"
	EventClientDisconnected = "client-disconnected"
	EventStatusChanged      = "display-status-changed"
)

// Display update actions carried by EventDisplayUpdated.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// StreamEvent is the wire frame pushed to stream consumers.
type StreamEvent struct {
	Event     string         `json:"event"`
	DisplayID string         `json:"display_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// DisplayUpdatedPayload builds the payload for a display_updated event.
func DisplayUpdatedPayload(displayID, action, reason string) map[string]any {
	p := map[string]any{"displayId": displayID, "action": action}
	if reason != "" {
		p["reason"] = reason
	}
	return p
}
