package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// InitSchema 初始化数据库表结构（幂等，可在每次启动时调用）
// 与 scripts/schema.sql 保持一致
func InitSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			device_id     TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL,
			location_id   TEXT NOT NULL DEFAULT '',
			device_name   TEXT NOT NULL DEFAULT '',
			shared_secret TEXT,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS device_thresholds (
			threshold_id  TEXT PRIMARY KEY,
			device_id     TEXT NOT NULL REFERENCES devices(device_id),
			condition_key TEXT NOT NULL,
			metric_type   TEXT NOT NULL,
			min_value     DOUBLE PRECISION,
			max_value     DOUBLE PRECISION,
			door_must_be  TEXT,
			severity      TEXT NOT NULL DEFAULT 'WARNING',
			enabled       BOOLEAN NOT NULL DEFAULT TRUE,
			sort_order    INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thresholds_device ON device_thresholds(device_id)`,
		`CREATE TABLE IF NOT EXISTS sensor_readings (
			device_id         TEXT NOT NULL,
			recorded_at       TIMESTAMPTZ NOT NULL,
			temperature       DOUBLE PRECISION,
			humidity          DOUBLE PRECISION,
			door_status       TEXT,
			power_consumption DOUBLE PRECISION,
			received_at       TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (device_id, recorded_at)
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			alert_id             TEXT PRIMARY KEY,
			tenant_id            TEXT NOT NULL,
			device_id            TEXT NOT NULL,
			condition_key        TEXT NOT NULL,
			severity             TEXT NOT NULL,
			alarm_status         TEXT NOT NULL DEFAULT 'active',
			escalation_level     INTEGER NOT NULL DEFAULT 0,
			condition_started_at TIMESTAMPTZ NOT NULL,
			triggered_at         TIMESTAMPTZ NOT NULL,
			resolved_at          TIMESTAMPTZ,
			acknowledged_by      TEXT,
			notified_users       JSONB NOT NULL DEFAULT '[]',
			trigger_data         JSONB NOT NULL DEFAULT '{}',
			created_at           TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		// 同一 (device, condition) 同时至多一条未解除报警
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_live_condition
			ON alerts(device_id, condition_key)
			WHERE alarm_status <> 'resolved'`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_tenant_status ON alerts(tenant_id, alarm_status)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_triggered_at ON alerts(triggered_at)`,
		`CREATE TABLE IF NOT EXISTS alert_recipients (
			recipient_id TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL DEFAULT '',
			device_id    TEXT,
			role         TEXT NOT NULL,
			scope        TEXT NOT NULL,
			email        TEXT,
			webhook_url  TEXT,
			enabled      BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recipients_role_scope ON alert_recipients(role, scope)`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}
