package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS kv_entries (
        key        TEXT PRIMARY KEY,
        value      JSONB NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE TABLE IF NOT EXISTS alerts (
        id              BIGSERIAL PRIMARY KEY,
        alert_id        TEXT NOT NULL UNIQUE,
        location_id     TEXT NOT NULL,
        metric          TEXT NOT NULL,
        value           NUMERIC NOT NULL,
        threshold       NUMERIC NOT NULL,
        raised_at       TIMESTAMPTZ NOT NULL,
        channels        TEXT[] NOT NULL DEFAULT '{}',
        acknowledged_at TIMESTAMPTZ,
        created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS alerts_location_raised_idx ON alerts (location_id, raised_at DESC);`

	getKVSQL = `SELECT value FROM kv_entries WHERE key = $1;`

	putKVSQL = `INSERT INTO kv_entries (key, value, updated_at)
    VALUES ($1, $2::jsonb, now())
    ON CONFLICT (key) DO UPDATE
    SET value = EXCLUDED.value,
        updated_at = EXCLUDED.updated_at;`

	insertAlertSQL = `INSERT INTO alerts (
        alert_id,
        location_id,
        metric,
        value,
        threshold,
        raised_at,
        channels
    ) VALUES (
        $1,$2,$3,$4::numeric,$5::numeric,$6,$7
    )
    ON CONFLICT (alert_id) DO UPDATE
    SET channels = EXCLUDED.channels
    RETURNING id, alert_id, location_id, metric, value::text, threshold::text, raised_at, channels, acknowledged_at, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        alert_id,
        location_id,
        metric,
        value::text,
        threshold::text,
        raised_at,
        channels,
        acknowledged_at,
        created_at
    FROM alerts
    ORDER BY raised_at DESC
    LIMIT $1;`

	acknowledgeAlertSQL = `UPDATE alerts
    SET acknowledged_at = $2
    WHERE alert_id = $1 AND acknowledged_at IS NULL;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// KV persists JSON documents by key.
type KV interface {
	// Get decodes the value stored under key into dst and reports whether
	// the key exists.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Put(ctx context.Context, key string, value any) error
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	AcknowledgeAlert(ctx context.Context, alertID string, at time.Time) error
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store keeps the key-value documents and the alert audit trail in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// Get implements KV.
func (s *Store) Get(ctx context.Context, key string, dst any) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var raw []byte
	if err := pool.QueryRow(ctx, getKVSQL, key).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Put implements KV.
func (s *Store) Put(ctx context.Context, key string, value any) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if _, err := pool.Exec(ctx, putKVSQL, key, string(raw)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// InsertAlert persists an alert emission. Re-inserting the same alert ID
// only updates its delivery channels.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	channels := alert.Channels
	if channels == nil {
		channels = []string{}
	}
	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.AlertID,
		alert.LocationID,
		alert.Metric,
		alert.Value.String(),
		alert.Threshold.String(),
		alert.RaisedAt,
		channels,
	)
	rec, err := scanAlert(row)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// AcknowledgeAlert stamps the acknowledgement time once.
func (s *Store) AcknowledgeAlert(ctx context.Context, alertID string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, acknowledgeAlertSQL, alertID, at); err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	return nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var (
		rec          AlertRecord
		valueStr     string
		thresholdStr string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.AlertID,
		&rec.LocationID,
		&rec.Metric,
		&valueStr,
		&thresholdStr,
		&rec.RaisedAt,
		&rec.Channels,
		&rec.AcknowledgedAt,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	var convErr error
	rec.Value, convErr = decimal.NewFromString(valueStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse alert value: %w", convErr)
	}
	rec.Threshold, convErr = decimal.NewFromString(thresholdStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse alert threshold: %w", convErr)
	}
	return rec, nil
}

var (
	_ KV             = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
