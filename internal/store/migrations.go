package store

const schema = `
-- One row per display (upserted)
CREATE TABLE IF NOT EXISTS display_status (
    display_id           TEXT PRIMARY KEY,
    is_online            INTEGER NOT NULL DEFAULT 0,
    last_seen            INTEGER NOT NULL,
    last_heartbeat       INTEGER NOT NULL,
    client_count         INTEGER NOT NULL DEFAULT 0,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    total_uptime_ms      INTEGER NOT NULL DEFAULT 0,
    total_downtime_ms    INTEGER NOT NULL DEFAULT 0,
    disconnection_reason TEXT,
    metadata_json        TEXT,
    created_at           INTEGER NOT NULL
);

-- Append-only liveness pings (retention-pruned)
CREATE TABLE IF NOT EXISTS display_heartbeats (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    display_id       TEXT    NOT NULL,
    ts               INTEGER NOT NULL,
    response_time_ms INTEGER NOT NULL DEFAULT 0,
    client_info_json TEXT,
    server_info_json TEXT,
    conn_info_json   TEXT
);

-- Alert lifecycle records
CREATE TABLE IF NOT EXISTS display_alerts (
    id                 TEXT PRIMARY KEY,
    display_id         TEXT    NOT NULL,
    alert_type         TEXT    NOT NULL,
    severity           TEXT    NOT NULL,
    message            TEXT    NOT NULL,
    is_active          INTEGER NOT NULL DEFAULT 1,
    is_acknowledged    INTEGER NOT NULL DEFAULT 0,
    acknowledged_by    TEXT,
    acknowledged_at    INTEGER,
    resolved_at        INTEGER,
    trigger_json       TEXT,
    notifications_json TEXT,
    created_at         INTEGER NOT NULL
);

-- Secondary indexes
CREATE INDEX IF NOT EXISTS idx_heartbeats_display_ts ON display_heartbeats(display_id, ts);
CREATE INDEX IF NOT EXISTS idx_heartbeats_ts ON display_heartbeats(ts);
CREATE INDEX IF NOT EXISTS idx_alerts_display_type ON display_alerts(display_id, alert_type, is_active);
CREATE INDEX IF NOT EXISTS idx_alerts_created ON display_alerts(created_at);

-- Dedup invariant: at most one active alert per (display, type)
CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_active_unique
    ON display_alerts(display_id, alert_type) WHERE is_active = 1;
`
