package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig configures the Postgres store.
type PostgresConfig struct {
	DSN         string        `mapstructure:"dsn" yaml:"dsn" json:"-"`
	MaxConns    int32         `mapstructure:"max_conns" yaml:"max_conns" json:"max_conns"`          // (default: 4)
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dial_timeout"` // (default: 5s)
}

const schema = `
CREATE TABLE IF NOT EXISTS ballot_results (
    image_hash    TEXT PRIMARY KEY,
    ballot_id     TEXT NOT NULL,
    status        TEXT NOT NULL,
    source        TEXT NOT NULL DEFAULT '',
    confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
    needs_human   BOOLEAN NOT NULL DEFAULT FALSE,
    record        JSONB NOT NULL,
    processed_at  TIMESTAMPTZ NOT NULL,
    stored_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// The WHERE clause on the conflict branch is the dedupe rule: only a
// COMPLETED record may replace a non-COMPLETED one.
const upsert = `
INSERT INTO ballot_results (image_hash, ballot_id, status, source, confidence, needs_human, record, processed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (image_hash) DO UPDATE SET
    ballot_id = EXCLUDED.ballot_id,
    status = EXCLUDED.status,
    source = EXCLUDED.source,
    confidence = EXCLUDED.confidence,
    needs_human = EXCLUDED.needs_human,
    record = EXCLUDED.record,
    processed_at = EXCLUDED.processed_at
WHERE ballot_results.status <> 'COMPLETED' AND EXCLUDED.status = 'COMPLETED'`

// PostgresStore keeps records in the ballot_results table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and creates the table if needed.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errorRegistry.NewWithCause(ErrStore, err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "tally"

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, errorRegistry.NewWithCause(ErrStore, err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errorRegistry.NewWithCause(ErrStore, fmt.Errorf("create schema: %w", err))
	}
	slog.Info("Connected to results database")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Save(ctx context.Context, msg ballot.ResultMessage) (bool, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return false, errorRegistry.NewWithCause(ErrStore, err)
	}
	tag, err := s.pool.Exec(ctx, upsert,
		Key(msg), msg.BallotID, string(msg.Status), string(msg.Source),
		msg.Confidence, msg.NeedsHumanVerification, data, msg.ProcessedAt)
	if err != nil {
		return false, errorRegistry.NewWithCause(ErrStore, err).WithDetail("key", Key(msg))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*ballot.ResultMessage, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM ballot_results WHERE image_hash = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errorRegistry.New(ErrNotFound).WithDetail("key", key)
	}
	if err != nil {
		return nil, errorRegistry.NewWithCause(ErrStore, err).WithDetail("key", key)
	}
	var msg ballot.ResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errorRegistry.NewWithCause(ErrStore, err)
	}
	return &msg, nil
}

// listQuery builds the SELECT for f.
func listQuery(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Department != "" {
		add("upper(record->'results'->'location'->>'department') = upper($%d)", strings.TrimSpace(f.Department))
	}
	if f.Province != "" {
		add("upper(record->'results'->'location'->>'province') = upper($%d)", strings.TrimSpace(f.Province))
	}
	if f.Municipality != "" {
		add("upper(record->'results'->'location'->>'municipality') = upper($%d)", strings.TrimSpace(f.Municipality))
	}
	if f.TableNumber != "" {
		add("record->'results'->>'tableNumber' = $%d", f.TableNumber)
	}

	q := "SELECT record FROM ballot_results"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY stored_at, image_hash"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return q, args
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]ballot.ResultMessage, error) {
	q, args := listQuery(f)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errorRegistry.NewWithCause(ErrStore, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ballot.ResultMessage, error) {
		var data []byte
		if err := row.Scan(&data); err != nil {
			return ballot.ResultMessage{}, err
		}
		var msg ballot.ResultMessage
		err := json.Unmarshal(data, &msg)
		return msg, err
	})
	if err != nil {
		return nil, errorRegistry.NewWithCause(ErrStore, err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
