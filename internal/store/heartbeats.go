package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lukaswerner/displaywatch/internal/model"
)

// RecordHeartbeat appends a liveness ping with a server-assigned timestamp.
func (s *Store) RecordHeartbeat(displayID string, responseTimeMs int64, clientInfo, serverInfo, connInfo map[string]string) (*model.DisplayHeartbeat, error) {
	now := time.Now().UTC()

	ci, err := encodeStringMap(clientInfo)
	if err != nil {
		return nil, fmt.Errorf("encoding client info: %w", err)
	}
	si, err := encodeStringMap(serverInfo)
	if err != nil {
		return nil, fmt.Errorf("encoding server info: %w", err)
	}
	ni, err := encodeStringMap(connInfo)
	if err != nil {
		return nil, fmt.Errorf("encoding connection info: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO display_heartbeats
		(display_id, ts, response_time_ms, client_info_json, server_info_json, conn_info_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		displayID, millis(now), responseTimeMs, ci, si, ni,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting heartbeat for %s: %w", displayID, err)
	}
	id, _ := res.LastInsertId()

	return &model.DisplayHeartbeat{
		ID:             id,
		DisplayID:      displayID,
		Timestamp:      now,
		ResponseTimeMs: responseTimeMs,
		ClientInfo:     clientInfo,
		ServerInfo:     serverInfo,
		ConnectionInfo: connInfo,
	}, nil
}

// RecentHeartbeats returns heartbeats for a display within the window, newest first.
func (s *Store) RecentHeartbeats(displayID string, window time.Duration) ([]*model.DisplayHeartbeat, error) {
	since := millis(time.Now().UTC().Add(-window))
	rows, err := s.db.Query(`
		SELECT id, display_id, ts, response_time_ms, client_info_json, server_info_json, conn_info_json
		FROM display_heartbeats
		WHERE display_id = ? AND ts >= ?
		ORDER BY ts DESC`, displayID, since)
	if err != nil {
		return nil, fmt.Errorf("querying heartbeats: %w", err)
	}
	defer rows.Close()

	var beats []*model.DisplayHeartbeat
	for rows.Next() {
		var (
			hb         model.DisplayHeartbeat
			ts         int64
			ci, si, ni sql.NullString
		)
		if err := rows.Scan(&hb.ID, &hb.DisplayID, &ts, &hb.ResponseTimeMs, &ci, &si, &ni); err != nil {
			return nil, fmt.Errorf("scanning heartbeat: %w", err)
		}
		hb.Timestamp = fromMillis(ts)
		if err := decodeStringMap(ci, &hb.ClientInfo); err != nil {
			return nil, err
		}
		if err := decodeStringMap(si, &hb.ServerInfo); err != nil {
			return nil, err
		}
		if err := decodeStringMap(ni, &hb.ConnectionInfo); err != nil {
			return nil, err
		}
		beats = append(beats, &hb)
	}
	return beats, rows.Err()
}

// ResponseTimeStats aggregates response times for a display over the period.
func (s *Store) ResponseTimeStats(displayID string, period time.Duration) (*model.ResponseTimeStats, error) {
	since := millis(time.Now().UTC().Add(-period))
	row := s.db.QueryRow(`
		SELECT COALESCE(MIN(response_time_ms), 0),
		       COALESCE(AVG(response_time_ms), 0),
		       COALESCE(MAX(response_time_ms), 0),
		       COUNT(*)
		FROM display_heartbeats
		WHERE display_id = ? AND ts >= ?`, displayID, since)

	var stats model.ResponseTimeStats
	if err := row.Scan(&stats.Min, &stats.Avg, &stats.Max, &stats.Count); err != nil {
		return nil, fmt.Errorf("querying response time stats: %w", err)
	}
	return &stats, nil
}

// HourlyHeartbeatStats buckets heartbeat counts and mean response time by hour
// over the trailing period.
func (s *Store) HourlyHeartbeatStats(displayID string, hours int) ([]*model.HourlyHeartbeatStats, error) {
	since := millis(time.Now().UTC().Add(-time.Duration(hours) * time.Hour))
	rows, err := s.db.Query(`
		SELECT (ts / 3600000) * 3600000 AS hour_ms,
		       COUNT(*),
		       COALESCE(AVG(response_time_ms), 0)
		FROM display_heartbeats
		WHERE display_id = ? AND ts >= ?
		GROUP BY hour_ms
		ORDER BY hour_ms ASC`, displayID, since)
	if err != nil {
		return nil, fmt.Errorf("querying hourly heartbeat stats: %w", err)
	}
	defer rows.Close()

	var buckets []*model.HourlyHeartbeatStats
	for rows.Next() {
		var (
			b      model.HourlyHeartbeatStats
			hourMs int64
		)
		if err := rows.Scan(&hourMs, &b.Count, &b.AvgMs); err != nil {
			return nil, fmt.Errorf("scanning hourly bucket: %w", err)
		}
		b.Hour = fromMillis(hourMs)
		buckets = append(buckets, &b)
	}
	return buckets, rows.Err()
}

// CleanupHeartbeats deletes heartbeats older than the cutoff and returns the
// number of rows removed.
func (s *Store) CleanupHeartbeats(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM display_heartbeats WHERE ts < ?`, millis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleaning up heartbeats: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

func decodeStringMap(ns sql.NullString, dst *map[string]string) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), dst); err != nil {
		return fmt.Errorf("decoding metadata blob: %w", err)
	}
	return nil
}
