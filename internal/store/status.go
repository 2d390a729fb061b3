package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lukaswerner/displaywatch/internal/model"
)

// Timestamps in display_status are unix milliseconds so that uptime accounting
// keeps millisecond precision.

func millis(t time.Time) int64      { return t.UnixMilli() }
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

const statusColumns = `display_id, is_online, last_seen, last_heartbeat, client_count,
	consecutive_failures, total_uptime_ms, total_downtime_ms, disconnection_reason,
	metadata_json, created_at`

func scanStatus(row interface{ Scan(...any) error }) (*model.DisplayStatus, error) {
	var (
		st           model.DisplayStatus
		online       int
		lastSeen     int64
		lastHB       int64
		createdAt    int64
		reason       sql.NullString
		metadataJSON sql.NullString
	)
	err := row.Scan(&st.DisplayID, &online, &lastSeen, &lastHB, &st.ClientCount,
		&st.ConsecutiveFailures, &st.TotalUptimeMs, &st.TotalDowntimeMs, &reason,
		&metadataJSON, &createdAt)
	if err != nil {
		return nil, err
	}
	st.IsOnline = online != 0
	st.LastSeen = fromMillis(lastSeen)
	st.LastHeartbeat = fromMillis(lastHB)
	st.CreatedAt = fromMillis(createdAt)
	if reason.Valid {
		st.DisconnectionReason = model.DisconnectionReason(reason.String)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &st.Metadata); err != nil {
			return nil, fmt.Errorf("decoding status metadata: %w", err)
		}
	}
	return &st, nil
}

// Status returns the status record for a display, or ErrNotFound.
func (s *Store) Status(displayID string) (*model.DisplayStatus, error) {
	row := s.db.QueryRow(`SELECT `+statusColumns+` FROM display_status WHERE display_id = ?`, displayID)
	st, err := scanStatus(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("status for display %s: %w", displayID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying status: %w", err)
	}
	return st, nil
}

// AllStatuses returns every display status record.
func (s *Store) AllStatuses() ([]*model.DisplayStatus, error) {
	return s.queryStatuses(`SELECT ` + statusColumns + ` FROM display_status ORDER BY display_id`)
}

// OnlineStatuses returns the status records of displays currently online.
func (s *Store) OnlineStatuses() ([]*model.DisplayStatus, error) {
	return s.queryStatuses(`SELECT ` + statusColumns + ` FROM display_status WHERE is_online = 1 ORDER BY display_id`)
}

// StaleOnline returns online displays whose last heartbeat or last seen time
// is older than the cutoff.
func (s *Store) StaleOnline(cutoff time.Time) ([]*model.DisplayStatus, error) {
	return s.queryStatuses(`SELECT `+statusColumns+` FROM display_status
		WHERE is_online = 1 AND (last_heartbeat < ? OR last_seen < ?)`,
		millis(cutoff), millis(cutoff))
}

// FailingOnline returns displays still marked online that have accumulated at
// least minFailures consecutive failures.
func (s *Store) FailingOnline(minFailures uint) ([]*model.DisplayStatus, error) {
	return s.queryStatuses(`SELECT `+statusColumns+` FROM display_status
		WHERE is_online = 1 AND consecutive_failures >= ?`, minFailures)
}

func (s *Store) queryStatuses(query string, args ...any) ([]*model.DisplayStatus, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying statuses: %w", err)
	}
	defer rows.Close()

	var statuses []*model.DisplayStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning status: %w", err)
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

// MarkOnline transitions a display online, creating the record on first
// contact. When the display was previously offline, the elapsed gap since
// last_seen is added to total downtime and the disconnection reason clears.
// The consecutive failure count survives the flip so a flapping display keeps
// accumulating; it clears on the next steady heartbeat (UpdateHeartbeat).
// Returns the updated record and whether an offline-to-online transition
// happened.
//
// The read-then-write here is not serialized against a concurrent heartbeat
// for the same display; transitions are idempotent at already-online
// granularity, so the window is tolerated.
func (s *Store) MarkOnline(displayID string, clientInfo map[string]string) (*model.DisplayStatus, bool, error) {
	now := time.Now().UTC()

	st, err := s.Status(displayID)
	if err != nil {
		if !isNotFound(err) {
			return nil, false, err
		}
		st = &model.DisplayStatus{
			DisplayID: displayID,
			CreatedAt: now,
			LastSeen:  now,
		}
		transitioned := true
		st.IsOnline = true
		st.LastSeen = now
		st.LastHeartbeat = now
		st.ClientCount = 1
		mergeMetadata(st, clientInfo)
		if err := s.insertStatus(st); err != nil {
			return nil, false, err
		}
		return st, transitioned, nil
	}

	transitioned := !st.IsOnline
	if transitioned {
		st.TotalDowntimeMs += now.Sub(st.LastSeen).Milliseconds()
	}
	st.IsOnline = true
	st.DisconnectionReason = ""
	st.LastSeen = now
	st.LastHeartbeat = now
	if st.ClientCount == 0 {
		st.ClientCount = 1
	}
	mergeMetadata(st, clientInfo)

	if err := s.saveStatus(st); err != nil {
		return nil, false, err
	}
	return st, transitioned, nil
}

// MarkOffline transitions a display offline with the given reason. The
// elapsed gap since last_seen is added to total uptime, consecutive failures
// increment and the client count zeroes. A display that is already offline is
// left unchanged.
func (s *Store) MarkOffline(displayID string, reason model.DisconnectionReason) (*model.DisplayStatus, error) {
	now := time.Now().UTC()

	st, err := s.Status(displayID)
	if err != nil {
		return nil, err
	}
	if !st.IsOnline {
		return st, nil
	}

	st.TotalUptimeMs += now.Sub(st.LastSeen).Milliseconds()
	st.IsOnline = false
	st.ConsecutiveFailures++
	st.ClientCount = 0
	st.DisconnectionReason = reason
	st.LastSeen = now

	if err := s.saveStatus(st); err != nil {
		return nil, err
	}
	return st, nil
}

// UpdateHeartbeat refreshes the liveness timestamps of an online display
// without a state transition and resets the failure counter.
func (s *Store) UpdateHeartbeat(displayID string) (*model.DisplayStatus, error) {
	now := time.Now().UTC()

	st, err := s.Status(displayID)
	if err != nil {
		return nil, err
	}
	st.LastHeartbeat = now
	st.LastSeen = now
	st.ConsecutiveFailures = 0

	if err := s.saveStatus(st); err != nil {
		return nil, err
	}
	return st, nil
}

// UptimePercentage computes availability for a display. With period zero the
// lifetime accumulators are used, defaulting to 100 when nothing has been
// recorded. With a period, availability is computed over the window starting
// at max(created_at, now−period), extending the current state to now.
func (s *Store) UptimePercentage(displayID string, period time.Duration) (float64, error) {
	st, err := s.Status(displayID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()

	if period <= 0 {
		up := st.TotalUptimeMs
		down := st.TotalDowntimeMs
		// Extend the current state to now so a freshly-flipped record
		// reflects reality between transitions.
		gap := now.Sub(st.LastSeen).Milliseconds()
		if gap > 0 {
			if st.IsOnline {
				up += gap
			} else {
				down += gap
			}
		}
		if up+down == 0 {
			return 100, nil
		}
		return float64(up) / float64(up+down) * 100, nil
	}

	windowStart := now.Add(-period)
	if st.CreatedAt.After(windowStart) {
		windowStart = st.CreatedAt
	}
	window := now.Sub(windowStart).Milliseconds()
	if window <= 0 {
		return 100, nil
	}

	// Approximate the in-window share: the state since last_seen is known
	// exactly; before that, lifetime proportions apportion the remainder.
	sinceLast := now.Sub(st.LastSeen).Milliseconds()
	if sinceLast > window {
		sinceLast = window
	}
	remainder := window - sinceLast

	var upWindow int64
	if st.IsOnline {
		upWindow = sinceLast
	}
	if remainder > 0 && st.TotalUptimeMs+st.TotalDowntimeMs > 0 {
		ratio := float64(st.TotalUptimeMs) / float64(st.TotalUptimeMs+st.TotalDowntimeMs)
		upWindow += int64(ratio * float64(remainder))
	} else if remainder > 0 {
		upWindow += remainder
	}

	return float64(upWindow) / float64(window) * 100, nil
}

func (s *Store) insertStatus(st *model.DisplayStatus) error {
	metadata, err := encodeStringMap(st.Metadata)
	if err != nil {
		return fmt.Errorf("encoding status metadata: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO display_status
		(`+statusColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.DisplayID, boolToInt(st.IsOnline), millis(st.LastSeen), millis(st.LastHeartbeat),
		st.ClientCount, st.ConsecutiveFailures, st.TotalUptimeMs, st.TotalDowntimeMs,
		nullableString(string(st.DisconnectionReason)), metadata, millis(st.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting status %s: %w", st.DisplayID, err)
	}
	return nil
}

func (s *Store) saveStatus(st *model.DisplayStatus) error {
	metadata, err := encodeStringMap(st.Metadata)
	if err != nil {
		return fmt.Errorf("encoding status metadata: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE display_status SET
			is_online = ?, last_seen = ?, last_heartbeat = ?, client_count = ?,
			consecutive_failures = ?, total_uptime_ms = ?, total_downtime_ms = ?,
			disconnection_reason = ?, metadata_json = ?
		WHERE display_id = ?`,
		boolToInt(st.IsOnline), millis(st.LastSeen), millis(st.LastHeartbeat), st.ClientCount,
		st.ConsecutiveFailures, st.TotalUptimeMs, st.TotalDowntimeMs,
		nullableString(string(st.DisconnectionReason)), metadata, st.DisplayID,
	)
	if err != nil {
		return fmt.Errorf("saving status %s: %w", st.DisplayID, err)
	}
	return nil
}

func mergeMetadata(st *model.DisplayStatus, clientInfo map[string]string) {
	if len(clientInfo) == 0 {
		return
	}
	if st.Metadata == nil {
		st.Metadata = make(map[string]string, len(clientInfo))
	}
	for k, v := range clientInfo {
		st.Metadata[k] = v
	}
}

func encodeStringMap(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
