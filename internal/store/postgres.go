package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"github.com/ChuLiYu/meshctl/pkg/types"
)

// Postgres is the Gateway backed by the dashboard database.
type Postgres struct {
	db  *sql.DB
	loc *time.Location // ac_data stores local wall-clock date and time
}

// OpenPostgres opens a connection pool. No connection is made until first
// use, so an unreachable server does not fail startup; use Ping to check.
func OpenPostgres(dsn string, maxConns, maxIdle int) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Connection pool
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	return NewPostgres(db, time.Local), nil
}

// Ping checks that the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB, loc *time.Location) *Postgres {
	if loc == nil {
		loc = time.Local
	}
	return &Postgres{db: db, loc: loc}
}

// ============================================================================
// AC state log
// ============================================================================

const selectLastState = `SELECT ac_state, (date + time) AS recorded_at FROM ac_data ORDER BY date DESC, time DESC LIMIT 1`

const insertState = `INSERT INTO ac_data (date, time, ac_state) VALUES ($1, $2, $3)`

func (p *Postgres) ReadLastState(ctx context.Context) (types.StateEvent, bool, error) {
	var (
		on bool
		at time.Time
	)
	err := p.db.QueryRowContext(ctx, selectLastState).Scan(&on, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return types.StateEvent{}, false, nil
	}
	if err != nil {
		return types.StateEvent{}, false, fmt.Errorf("failed to read last AC state: %w", err)
	}

	// timestamp without time zone comes back as UTC; it is really local wall clock
	at = time.Date(at.Year(), at.Month(), at.Day(), at.Hour(), at.Minute(), at.Second(), at.Nanosecond(), p.loc)
	return types.StateEvent{At: at, On: on}, true, nil
}

func (p *Postgres) AppendStateEvent(ctx context.Context, on bool, at time.Time) (bool, error) {
	last, ok, err := p.ReadLastState(ctx)
	if err != nil {
		return false, err
	}
	if ok && last.On == on {
		return false, nil
	}
	if err := p.ForceStateEvent(ctx, on, at); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Postgres) ForceStateEvent(ctx context.Context, on bool, at time.Time) error {
	local := at.In(p.loc)
	_, err := p.db.ExecContext(ctx, insertState,
		local.Format("2006-01-02"),
		local.Format("15:04:05.000000"),
		on)
	if err != nil {
		return fmt.Errorf("failed to append AC state: %w", err)
	}
	return nil
}

// ============================================================================
// Settings (ac_settings key/value)
// ============================================================================

const selectThresholds = `SELECT key, value FROM ac_settings WHERE key IN ('max_temp', 'min_temp')`

const upsertSetting = `INSERT INTO ac_settings (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`

const selectSetting = `SELECT value FROM ac_settings WHERE key = $1`

func (p *Postgres) ReadThresholds(ctx context.Context) (types.Thresholds, error) {
	rows, err := p.db.QueryContext(ctx, selectThresholds)
	if err != nil {
		return types.Thresholds{}, fmt.Errorf("failed to read thresholds: %w", err)
	}
	defer rows.Close()

	values := make(map[string]float64, 2)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return types.Thresholds{}, fmt.Errorf("failed to scan threshold: %w", err)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return types.Thresholds{}, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
		}
		values[key] = v
	}
	if err := rows.Err(); err != nil {
		return types.Thresholds{}, fmt.Errorf("failed to read thresholds: %w", err)
	}

	hi, okMax := values[keyMaxTemp]
	lo, okMin := values[keyMinTemp]
	if !okMax || !okMin {
		return types.Thresholds{}, ErrNotFound
	}
	return types.Thresholds{Max: hi, Min: lo}, nil
}

func (p *Postgres) WriteThresholds(ctx context.Context, t types.Thresholds) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, kv := range [][2]string{
		{keyMaxTemp, strconv.FormatFloat(t.Max, 'f', -1, 64)},
		{keyMinTemp, strconv.FormatFloat(t.Min, 'f', -1, 64)},
	} {
		if _, err := tx.ExecContext(ctx, upsertSetting, kv[0], kv[1]); err != nil {
			return fmt.Errorf("failed to save %s: %w", kv[0], err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit thresholds: %w", err)
	}
	return nil
}

func (p *Postgres) ReadPermission(ctx context.Context) (bool, error) {
	var raw string
	err := p.db.QueryRowContext(ctx, selectSetting, keyACAllowed).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read ac_allowed: %w", err)
	}
	return raw == formatBool(true), nil
}

func (p *Postgres) WritePermission(ctx context.Context, allowed bool) error {
	if _, err := p.db.ExecContext(ctx, upsertSetting, keyACAllowed, formatBool(allowed)); err != nil {
		return fmt.Errorf("failed to save ac_allowed: %w", err)
	}
	return nil
}

// ============================================================================
// Node tracking
// ============================================================================

const upsertNode = `INSERT INTO mesh_nodes (node_id, name, last_seen, status, last_message)
VALUES ($1, $2, $3, 'online', $4)
ON CONFLICT (node_id) DO UPDATE SET
    last_seen = EXCLUDED.last_seen,
    status = 'online',
    last_message = COALESCE(EXCLUDED.last_message, mesh_nodes.last_message)`

const markOffline = `UPDATE mesh_nodes SET status = 'offline' WHERE node_id = $1`

const selectNodes = `SELECT node_id, name, last_seen, status, last_message FROM mesh_nodes ORDER BY node_id`

func (p *Postgres) UpsertNodeStatus(ctx context.Context, u types.NodeStatusUpdate) error {
	name := u.Name
	if name == "" {
		name = DefaultNodeName(u.ID)
	}
	var msg sql.NullString
	if u.Message != nil {
		msg = sql.NullString{String: *u.Message, Valid: true}
	}

	if _, err := p.db.ExecContext(ctx, upsertNode, int(u.ID), name, u.At.In(p.loc), msg); err != nil {
		return fmt.Errorf("failed to update status of %s: %w", u.ID, err)
	}
	return nil
}

func (p *Postgres) MarkNodeOffline(ctx context.Context, id types.NodeID) error {
	if _, err := p.db.ExecContext(ctx, markOffline, int(id)); err != nil {
		return fmt.Errorf("failed to mark %s offline: %w", id, err)
	}
	return nil
}

func (p *Postgres) ListKnownNodes(ctx context.Context) ([]types.NodeRecord, error) {
	rows, err := p.db.QueryContext(ctx, selectNodes)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []types.NodeRecord
	for rows.Next() {
		var (
			id       int
			rec      types.NodeRecord
			lastSeen sql.NullTime
			status   string
			lastMsg  sql.NullString
		)
		if err := rows.Scan(&id, &rec.Name, &lastSeen, &status, &lastMsg); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		rec.ID = types.NodeID(id)
		rec.Status = types.NodeStatus(status)
		if lastSeen.Valid {
			rec.LastSeen = lastSeen.Time
		}
		rec.LastMessage = lastMsg.String
		nodes = append(nodes, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return nodes, nil
}

// Close closes the database handle.
func (p *Postgres) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
