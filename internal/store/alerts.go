package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lukaswerner/displaywatch/internal/model"
)

const alertColumns = `id, display_id, alert_type, severity, message, is_active,
	is_acknowledged, acknowledged_by, acknowledged_at, resolved_at, trigger_json,
	notifications_json, created_at`

func scanAlert(row interface{ Scan(...any) error }) (*model.DisplayAlert, error) {
	var (
		a                 model.DisplayAlert
		active, acked     int
		ackBy             sql.NullString
		ackAt, resolvedAt sql.NullInt64
		trigger, notified sql.NullString
		createdAt         int64
	)
	err := row.Scan(&a.ID, &a.DisplayID, &a.Type, &a.Severity, &a.Message, &active,
		&acked, &ackBy, &ackAt, &resolvedAt, &trigger, &notified, &createdAt)
	if err != nil {
		return nil, err
	}
	a.IsActive = active != 0
	a.IsAcknowledged = acked != 0
	a.AcknowledgedBy = ackBy.String
	if ackAt.Valid {
		t := fromMillis(ackAt.Int64)
		a.AcknowledgedAt = &t
	}
	if resolvedAt.Valid {
		t := fromMillis(resolvedAt.Int64)
		a.ResolvedAt = &t
	}
	a.CreatedAt = fromMillis(createdAt)
	if trigger.Valid && trigger.String != "" {
		if err := json.Unmarshal([]byte(trigger.String), &a.TriggerConditions); err != nil {
			return nil, fmt.Errorf("decoding trigger conditions: %w", err)
		}
	}
	if notified.Valid && notified.String != "" {
		if err := json.Unmarshal([]byte(notified.String), &a.NotificationsSent); err != nil {
			return nil, fmt.Errorf("decoding notification history: %w", err)
		}
	}
	return &a, nil
}

// Alert returns the alert with the given id, or ErrNotFound.
func (s *Store) Alert(id string) (*model.DisplayAlert, error) {
	row := s.db.QueryRow(`SELECT `+alertColumns+` FROM display_alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying alert: %w", err)
	}
	return a, nil
}

// ActiveAlert returns the active alert of the given type for a display, or
// ErrNotFound when none exists.
func (s *Store) ActiveAlert(displayID string, alertType model.AlertType) (*model.DisplayAlert, error) {
	row := s.db.QueryRow(`SELECT `+alertColumns+` FROM display_alerts
		WHERE display_id = ? AND alert_type = ? AND is_active = 1`, displayID, alertType)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("active %s alert for %s: %w", alertType, displayID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying active alert: %w", err)
	}
	return a, nil
}

// CreateAlert inserts a new alert unless an active alert of the same type
// already exists for the display, in which case the existing record is
// returned unchanged. The partial unique index backstops the dedup check
// against concurrent creation.
func (s *Store) CreateAlert(displayID string, alertType model.AlertType, severity model.Severity, message string, trigger map[string]string) (*model.DisplayAlert, error) {
	if existing, err := s.ActiveAlert(displayID, alertType); err == nil {
		return existing, nil
	} else if !isNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	a := &model.DisplayAlert{
		ID:                uuid.NewString(),
		DisplayID:         displayID,
		Type:              alertType,
		Severity:          severity,
		Message:           message,
		IsActive:          true,
		TriggerConditions: trigger,
		CreatedAt:         now,
	}

	triggerJSON, err := encodeStringMap(trigger)
	if err != nil {
		return nil, fmt.Errorf("encoding trigger conditions: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO display_alerts
		(id, display_id, alert_type, severity, message, is_active, created_at, trigger_json)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		a.ID, a.DisplayID, a.Type, a.Severity, a.Message, millis(now), triggerJSON,
	)
	if err != nil {
		// Lost a race against another creator; surface its record.
		if existing, lookupErr := s.ActiveAlert(displayID, alertType); lookupErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("inserting alert for %s: %w", displayID, err)
	}
	return a, nil
}

// CreateOfflineAlert raises an offline alert with a message and trigger
// snapshot derived from the current status.
func (s *Store) CreateOfflineAlert(st *model.DisplayStatus, severity model.Severity, offlineFor time.Duration) (*model.DisplayAlert, error) {
	msg := fmt.Sprintf("Display %s has been offline for %s", st.DisplayName(), offlineFor.Round(time.Second))
	trigger := map[string]string{
		"offline_for":          offlineFor.String(),
		"last_seen":            st.LastSeen.Format(time.RFC3339),
		"disconnection_reason": string(st.DisconnectionReason),
	}
	return s.CreateAlert(st.DisplayID, model.AlertOffline, severity, msg, trigger)
}

// CreatePerformanceAlert raises a performance_degraded alert from an observed
// response time exceeding the threshold.
func (s *Store) CreatePerformanceAlert(st *model.DisplayStatus, responseTimeMs, thresholdMs int64) (*model.DisplayAlert, error) {
	msg := fmt.Sprintf("Display %s response time %dms exceeds threshold %dms",
		st.DisplayName(), responseTimeMs, thresholdMs)
	trigger := map[string]string{
		"response_time_ms": fmt.Sprintf("%d", responseTimeMs),
		"threshold_ms":     fmt.Sprintf("%d", thresholdMs),
	}
	return s.CreateAlert(st.DisplayID, model.AlertPerformance, model.SeverityMedium, msg, trigger)
}

// ActiveAlerts returns active alerts, optionally filtered to one display,
// newest first.
func (s *Store) ActiveAlerts(displayID string) ([]*model.DisplayAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM display_alerts WHERE is_active = 1`
	args := []any{}
	if displayID != "" {
		query += ` AND display_id = ?`
		args = append(args, displayID)
	}
	query += ` ORDER BY created_at DESC`
	return s.queryAlerts(query, args...)
}

// UnacknowledgedAlerts returns active, unacknowledged alerts sorted by
// severity first (critical highest) and recency second.
func (s *Store) UnacknowledgedAlerts(displayID string) ([]*model.DisplayAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM display_alerts
		WHERE is_active = 1 AND is_acknowledged = 0`
	args := []any{}
	if displayID != "" {
		query += ` AND display_id = ?`
		args = append(args, displayID)
	}
	query += ` ORDER BY CASE severity
			WHEN 'critical' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			WHEN 'low' THEN 3
			ELSE 4 END ASC,
		created_at DESC`
	return s.queryAlerts(query, args...)
}

// UnsentCandidates returns active, unacknowledged alerts created within the
// lookback window, oldest first. This feeds the notification retry sweep.
func (s *Store) UnsentCandidates(lookback time.Duration) ([]*model.DisplayAlert, error) {
	since := millis(time.Now().UTC().Add(-lookback))
	return s.queryAlerts(`SELECT `+alertColumns+` FROM display_alerts
		WHERE is_active = 1 AND is_acknowledged = 0 AND created_at >= ?
		ORDER BY created_at ASC`, since)
}

func (s *Store) queryAlerts(query string, args ...any) ([]*model.DisplayAlert, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.DisplayAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// AcknowledgeAlert marks an alert acknowledged by the given user.
func (s *Store) AcknowledgeAlert(id, userID string) error {
	res, err := s.db.Exec(`
		UPDATE display_alerts
		SET is_acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
		WHERE id = ?`,
		userID, millis(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("acknowledging alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return nil
}

// ResolveAlert deactivates an alert and stamps its resolution time.
func (s *Store) ResolveAlert(id string) error {
	res, err := s.db.Exec(`
		UPDATE display_alerts SET is_active = 0, resolved_at = ?
		WHERE id = ? AND is_active = 1`,
		millis(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("resolving alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("active alert %s: %w", id, ErrNotFound)
	}
	return nil
}

// ResolveAlertsForDisplay bulk-resolves a display's active alerts. With no
// types given, every active alert for the display resolves. Returns the
// number of alerts resolved.
func (s *Store) ResolveAlertsForDisplay(displayID string, types ...model.AlertType) (int64, error) {
	query := `UPDATE display_alerts SET is_active = 0, resolved_at = ?
		WHERE display_id = ? AND is_active = 1`
	args := []any{millis(time.Now().UTC()), displayID}
	if len(types) > 0 {
		query += ` AND alert_type IN (`
		for i, t := range types {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, t)
		}
		query += `)`
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("resolving alerts for %s: %w", displayID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AddNotification appends a send timestamp to the alert's per-channel history.
// The append runs inside a single UPDATE so channels settling concurrently
// never clobber each other's record. The inner json_set materializes the
// channel's array when the history is still empty, then json_insert appends
// to it.
func (s *Store) AddNotification(id string, ch model.Channel) error {
	path := "$." + string(ch)
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`
		UPDATE display_alerts
		SET notifications_json = json_insert(
			json_set(COALESCE(NULLIF(notifications_json, ''), '{}'), ?,
				json(COALESCE(json_extract(COALESCE(NULLIF(notifications_json, ''), '{}'), ?), '[]'))),
			? || '[#]', ?)
		WHERE id = ?`, path, path, path, ts, id)
	if err != nil {
		return fmt.Errorf("recording notification for alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return nil
}

// AlertStats returns counts and mean resolution time grouped by type and
// severity over the trailing period.
func (s *Store) AlertStats(periodDays int) ([]*model.AlertStat, error) {
	since := millis(time.Now().UTC().AddDate(0, 0, -periodDays))
	rows, err := s.db.Query(`
		SELECT alert_type, severity,
		       COUNT(*),
		       SUM(is_active),
		       SUM(CASE WHEN resolved_at IS NOT NULL THEN 1 ELSE 0 END),
		       COALESCE(AVG(CASE WHEN resolved_at IS NOT NULL
		                THEN (resolved_at - created_at) / 1000.0 END), 0)
		FROM display_alerts
		WHERE created_at >= ?
		GROUP BY alert_type, severity
		ORDER BY alert_type, severity`, since)
	if err != nil {
		return nil, fmt.Errorf("querying alert stats: %w", err)
	}
	defer rows.Close()

	var stats []*model.AlertStat
	for rows.Next() {
		var st model.AlertStat
		if err := rows.Scan(&st.Type, &st.Severity, &st.Total, &st.Active, &st.Resolved, &st.MeanResolutionSec); err != nil {
			return nil, fmt.Errorf("scanning alert stat: %w", err)
		}
		stats = append(stats, &st)
	}
	return stats, rows.Err()
}

// PurgeResolvedAlerts deletes resolved alerts older than the cutoff and
// returns the number of rows removed.
func (s *Store) PurgeResolvedAlerts(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM display_alerts
		WHERE is_active = 0 AND resolved_at IS NOT NULL AND resolved_at < ?`,
		millis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("purging resolved alerts: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}
