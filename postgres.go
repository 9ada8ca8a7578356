package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type (
	// PostgresLog is an EventLog stored in one Postgres table. Appends take
	// a transaction-scoped advisory lock, so global positions are assigned
	// in commit order and readers never skip a message
	PostgresLog struct {
		pool *pgxpool.Pool
	}

	// PostgresProvider is a Provider stored in Postgres
	PostgresProvider struct {
		pool *pgxpool.Pool
	}

	// PostgresCheckpointStore is a CheckpointStore stored in Postgres
	PostgresCheckpointStore struct {
		pool *pgxpool.Pool
	}

	// PostgresSnapshotStore is a SnapshotStore stored in Postgres
	PostgresSnapshotStore struct {
		pool *pgxpool.Pool
	}
)

const (
	appendLockKey   = 0x6c6564676572
	uniqueViolation = "23505"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_messages (
	global_position BIGSERIAL PRIMARY KEY,
	stream          TEXT   NOT NULL,
	category        TEXT   NOT NULL,
	position        BIGINT NOT NULL,
	type            TEXT   NOT NULL,
	data            JSONB,
	metadata        JSONB  NOT NULL,
	UNIQUE (stream, position)
);

CREATE INDEX IF NOT EXISTS ledger_messages_category
	ON ledger_messages (category, global_position);

CREATE TABLE IF NOT EXISTS ledger_state (
	category TEXT   NOT NULL,
	id       TEXT   NOT NULL,
	data     JSONB,
	version  BIGINT NOT NULL,
	position BIGINT NOT NULL,
	PRIMARY KEY (category, id)
);

CREATE TABLE IF NOT EXISTS ledger_checkpoints (
	name     TEXT PRIMARY KEY,
	position BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_snapshots (
	stream   TEXT PRIMARY KEY,
	state    JSONB,
	position BIGINT NOT NULL,
	version  BIGINT NOT NULL
);
`

const (
	selectMessage = `
SELECT global_position, stream, position, type, data, metadata
FROM ledger_messages
`

	insertMessage = `
INSERT INTO ledger_messages (stream, category, position, type, data, metadata)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING global_position
`
)

var (
	_ EventLog        = (*PostgresLog)(nil)
	_ BatchAppender   = (*PostgresLog)(nil)
	_ Provider        = (*PostgresProvider)(nil)
	_ BatchProvider   = (*PostgresProvider)(nil)
	_ CheckpointStore = (*PostgresCheckpointStore)(nil)
	_ SnapshotStore   = (*PostgresSnapshotStore)(nil)
)

// NewPostgresPool connects a pool to the configured database
func NewPostgresPool(
	ctx context.Context, cfg PostgresConfig,
) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		cfg.DSN = DefaultPostgresDSN
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	return pool, nil
}

// Migrate creates the ledger tables if they do not exist
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// NewPostgresLog returns a PostgresLog over a migrated pool
func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

// Append implements EventLog
func (l *PostgresLog) Append(
	ctx context.Context, stream string, expected ExpectedVersion,
	msgs []*Message,
) (*AppendResult, error) {
	res, err := l.AppendBatch(ctx, []AppendRequest{{
		Stream:   stream,
		Expected: expected,
		Messages: msgs,
	}})
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

// AppendBatch implements BatchAppender
func (l *PostgresLog) AppendBatch(
	ctx context.Context, reqs []AppendRequest,
) ([]*AppendResult, error) {
	if err := checkRequests(reqs); err != nil {
		return nil, err
	}

	var res []*AppendResult
	var failed *AppendRequest
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", appendLockKey)
		if err != nil {
			return err
		}
		for _, req := range reqs {
			if err := pgCheckTail(ctx, tx, req); err != nil {
				return err
			}
		}

		res = make([]*AppendResult, len(reqs))
		for i, req := range reqs {
			msgs := positioned(req.Stream, req.Expected, req.Messages)
			for _, m := range msgs {
				if err := pgInsert(ctx, tx, m); err != nil {
					failed = &req
					return err
				}
			}
			res[i] = &AppendResult{
				Stream:   req.Stream,
				Tail:     tailOf(msgs),
				Messages: msgs,
			}
		}
		return nil
	})
	if err == nil {
		return res, nil
	}

	return nil, l.appendError(ctx, err, failed)
}

// appendError turns a unique violation on (stream, position) into the
// conflict it represents, reading the tail that won after the failed
// transaction has been rolled back
func (l *PostgresLog) appendError(
	ctx context.Context, err error, failed *AppendRequest,
) error {
	var pgErr *pgconn.PgError
	if failed == nil || !errors.As(err, &pgErr) ||
		pgErr.Code != uniqueViolation {
		return err
	}

	conflict := &ConcurrencyConflictError{
		Stream:   failed.Stream,
		Expected: failed.Expected,
		Actual:   -1,
	}
	last, rerr := l.ReadLast(ctx, failed.Stream)
	if rerr != nil {
		return fmt.Errorf("%w: %w", conflict, rerr)
	}
	if last == nil {
		return conflict
	}
	conflict.Actual = last.Position
	missed, rerr := l.Read(ctx, failed.Stream, int64(failed.Expected)+1, 0)
	if rerr != nil {
		return fmt.Errorf("%w: %w", conflict, rerr)
	}
	conflict.Missed = missed
	return conflict
}

func pgCheckTail(ctx context.Context, tx pgx.Tx, req AppendRequest) error {
	var tail int64
	err := tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(position), -1) FROM ledger_messages WHERE stream = $1",
		req.Stream,
	).Scan(&tail)
	if err != nil {
		return err
	}
	err = checkExpected(req.Stream, req.Expected, tail)
	if err == nil {
		return nil
	}
	conflict := err.(*ConcurrencyConflictError)
	if from := int64(req.Expected) + 1; from <= tail {
		missed, err := pgQuery(ctx, tx,
			selectMessage+"WHERE stream = $1 AND position >= $2 ORDER BY position",
			req.Stream, max(from, 0),
		)
		if err != nil {
			return err
		}
		conflict.Missed = missed
	}
	return conflict
}

func pgInsert(ctx context.Context, tx pgx.Tx, m *Message) error {
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return err
	}
	return tx.QueryRow(ctx, insertMessage,
		m.Stream, CategoryOf(m.Stream), m.Position, string(m.Type),
		jsonParam(m.Data), meta,
	).Scan(&m.GlobalPosition)
}

// Read implements EventLog
func (l *PostgresLog) Read(
	ctx context.Context, name string, from int64, limit int,
) ([]*Message, error) {
	lim := int64(max(limit, 0))
	switch {
	case name == AllStream:
		return pgQuery(ctx, l.pool, selectMessage+`
WHERE global_position >= $1
ORDER BY global_position LIMIT NULLIF($2, 0)`, max(from, 1), lim)
	case IsCategory(name):
		return pgQuery(ctx, l.pool, selectMessage+`
WHERE category = $1 AND global_position >= $2
ORDER BY global_position LIMIT NULLIF($3, 0)`, name, max(from, 1), lim)
	default:
		return pgQuery(ctx, l.pool, selectMessage+`
WHERE stream = $1 AND position >= $2
ORDER BY position LIMIT NULLIF($3, 0)`, name, max(from, 0), lim)
	}
}

// ReadLast implements EventLog
func (l *PostgresLog) ReadLast(
	ctx context.Context, stream string,
) (*Message, error) {
	msgs, err := pgQuery(ctx, l.pool, selectMessage+`
WHERE stream = $1 ORDER BY position DESC LIMIT 1`, stream)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func pgQuery(
	ctx context.Context, q pgQuerier, sql string, args ...any,
) ([]*Message, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Message, error) {
		var msg Message
		var typ string
		var data, meta []byte
		err := row.Scan(
			&msg.GlobalPosition, &msg.Stream, &msg.Position, &typ, &data, &meta,
		)
		if err != nil {
			return nil, err
		}
		msg.Type = TypeTag(typ)
		msg.Data = data
		if err := json.Unmarshal(meta, &msg.Metadata); err != nil {
			return nil, err
		}
		return &msg, nil
	})
}

func jsonParam(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return []byte(data)
}

// NewPostgresProvider returns a PostgresProvider over a migrated pool
func NewPostgresProvider(pool *pgxpool.Pool) *PostgresProvider {
	return &PostgresProvider{pool: pool}
}

// Save implements Provider
func (p *PostgresProvider) Save(
	ctx context.Context, rec *StateRecord, expected int64,
) error {
	return p.ApplyBatch(ctx, []StateOp{{
		Record:   rec,
		Category: rec.Category,
		ID:       rec.ID,
		Expected: expected,
	}})
}

// ApplyBatch implements BatchProvider
func (p *PostgresProvider) ApplyBatch(ctx context.Context, ops []StateOp) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, op := range ops {
			if op.Delete {
				_, err := tx.Exec(ctx,
					"DELETE FROM ledger_state WHERE category = $1 AND id = $2",
					op.Category, op.ID,
				)
				if err != nil {
					return err
				}
				continue
			}
			if err := pgSaveRecord(ctx, tx, op); err != nil {
				return err
			}
		}
		return nil
	})
}

func pgSaveRecord(ctx context.Context, tx pgx.Tx, op StateOp) error {
	var stored *StateRecord
	var version int64
	err := tx.QueryRow(ctx, `
SELECT version FROM ledger_state
WHERE category = $1 AND id = $2 FOR UPDATE`, op.Category, op.ID,
	).Scan(&version)
	switch {
	case err == nil:
		stored = &StateRecord{Version: version}
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}
	if err := checkRecordVersion(op.Record, stored, op.Expected); err != nil {
		return err
	}

	rec := op.Record
	_, err = tx.Exec(ctx, `
INSERT INTO ledger_state (category, id, data, version, position)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (category, id) DO UPDATE
SET data = EXCLUDED.data,
    version = EXCLUDED.version,
    position = EXCLUDED.position`,
		rec.Category, rec.ID, jsonParam(rec.Data), rec.Version, rec.Position,
	)
	return err
}

// Load implements Provider
func (p *PostgresProvider) Load(
	ctx context.Context, category, id string,
) (*StateRecord, error) {
	rec := &StateRecord{Category: category, ID: id}
	var data []byte
	err := p.pool.QueryRow(ctx, `
SELECT data, version, position FROM ledger_state
WHERE category = $1 AND id = $2`, category, id,
	).Scan(&data, &rec.Version, &rec.Position)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Category: category, ID: id}
	}
	if err != nil {
		return nil, err
	}
	rec.Data = data
	return rec, nil
}

// Delete implements Provider
func (p *PostgresProvider) Delete(
	ctx context.Context, category, id string,
) error {
	_, err := p.pool.Exec(ctx,
		"DELETE FROM ledger_state WHERE category = $1 AND id = $2",
		category, id,
	)
	return err
}

// NewPostgresCheckpointStore returns a PostgresCheckpointStore over a
// migrated pool
func NewPostgresCheckpointStore(pool *pgxpool.Pool) *PostgresCheckpointStore {
	return &PostgresCheckpointStore{pool: pool}
}

// Load implements CheckpointStore
func (s *PostgresCheckpointStore) Load(
	ctx context.Context, name string,
) (int64, error) {
	var pos int64
	err := s.pool.QueryRow(ctx,
		"SELECT position FROM ledger_checkpoints WHERE name = $1", name,
	).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return pos, err
}

// Save implements CheckpointStore
func (s *PostgresCheckpointStore) Save(
	ctx context.Context, name string, pos int64,
) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO ledger_checkpoints (name, position) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET position = EXCLUDED.position`, name, pos)
	return err
}

// NewPostgresSnapshotStore returns a PostgresSnapshotStore over a migrated
// pool
func NewPostgresSnapshotStore(pool *pgxpool.Pool) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{pool: pool}
}

// Put implements SnapshotStore. A snapshot older than the stored one is
// ignored
func (s *PostgresSnapshotStore) Put(ctx context.Context, snap *Snapshot) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO ledger_snapshots (stream, state, position, version)
VALUES ($1, $2, $3, $4)
ON CONFLICT (stream) DO UPDATE
SET state = EXCLUDED.state,
    position = EXCLUDED.position,
    version = EXCLUDED.version
WHERE ledger_snapshots.position < EXCLUDED.position`,
		snap.Stream, jsonParam(snap.State), snap.Position, snap.Version,
	)
	return err
}

// Get implements SnapshotStore
func (s *PostgresSnapshotStore) Get(
	ctx context.Context, stream string,
) (*Snapshot, error) {
	snap := &Snapshot{Stream: stream}
	var state []byte
	err := s.pool.QueryRow(ctx, `
SELECT state, position, version FROM ledger_snapshots WHERE stream = $1`,
		stream,
	).Scan(&state, &snap.Position, &snap.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap.State = state
	return snap, nil
}
