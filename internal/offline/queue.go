package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const queueTable = "pending_mutations"

const queueSchema = `
CREATE TABLE IF NOT EXISTS pending_mutations (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	op              TEXT    NOT NULL,
	entity          TEXT    NOT NULL,
	entity_id       TEXT    NOT NULL,
	parent_id       TEXT    NOT NULL DEFAULT '',
	payload         BLOB    NOT NULL DEFAULT x'',
	created_at      INTEGER NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT    NOT NULL DEFAULT '',
	next_attempt_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS pending_mutations_entity ON pending_mutations (entity, entity_id);
CREATE INDEX IF NOT EXISTS pending_mutations_parent ON pending_mutations (parent_id);
`

var queueColumns = []string{
	"seq", "op", "entity", "entity_id", "parent_id", "payload",
	"created_at", "attempts", "last_error", "next_attempt_at",
}

var ErrEntryNotFound = errors.New("queue entry not found")

// SQLiteQueue is the durable, ordered queue of pending mutations. Entries
// come back in seq order, which is creation order.
type SQLiteQueue struct {
	db *sqlx.DB
}

// OpenQueue opens (creating if needed) the queue database at path. Use
// ":memory:" for a throwaway queue.
func OpenQueue(path string) (*SQLiteQueue, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" one database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(queueSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate queue: %w", err)
	}
	return &SQLiteQueue{db: db}, nil
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

// Append stores m and returns its sequence number.
func (q *SQLiteQueue) Append(ctx context.Context, m Mutation, now time.Time) (int64, error) {
	payload := []byte(m.Payload)
	if payload == nil {
		payload = []byte{}
	}
	query, args, err := sq.Insert(queueTable).
		Columns("op", "entity", "entity_id", "parent_id", "payload", "created_at").
		Values(string(m.Op), string(m.Entity), m.EntityID, m.ParentID, payload, now.UnixMilli()).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build sql query: %w", err)
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("append mutation: %w", err)
	}
	return res.LastInsertId()
}

func (q *SQLiteQueue) selectEntries(ctx context.Context, where sq.Sqlizer) ([]QueueEntry, error) {
	builder := sq.Select(queueColumns...).From(queueTable).OrderBy("seq ASC")
	if where != nil {
		builder = builder.Where(where)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build sql query: %w", err)
	}
	var entries []QueueEntry
	if err := q.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("select pending mutations: %w", err)
	}
	return entries, nil
}

func (q *SQLiteQueue) Pending(ctx context.Context) ([]QueueEntry, error) {
	return q.selectEntries(ctx, nil)
}

// PendingFor returns the entries of one entity in order.
func (q *SQLiteQueue) PendingFor(ctx context.Context, entity Entity, entityID string) ([]QueueEntry, error) {
	return q.selectEntries(ctx, sq.Eq{"entity": string(entity), "entity_id": entityID})
}

func (q *SQLiteQueue) Ack(ctx context.Context, seq int64) error {
	query, args, err := sq.Delete(queueTable).Where(sq.Eq{"seq": seq}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build sql query: %w", err)
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ack %d: %w", seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ack %d: %w", seq, ErrEntryNotFound)
	}
	return nil
}

// AckCreate removes the acknowledged create and rewrites every remaining
// reference to placeholder, as entity or as parent, to realID. Both happen
// in one transaction so a crash never leaves dependants pointing at an id
// the server does not know.
func (q *SQLiteQueue) AckCreate(ctx context.Context, seq int64, entity Entity, placeholder, realID string) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []sq.Sqlizer{
		sq.Delete(queueTable).Where(sq.Eq{"seq": seq}),
		sq.Update(queueTable).Set("entity_id", realID).
			Where(sq.Eq{"entity": string(entity), "entity_id": placeholder}),
	}
	if entity == EntityList {
		stmts = append(stmts, sq.Update(queueTable).Set("parent_id", realID).Where(sq.Eq{"parent_id": placeholder}))
	}
	for i, stmt := range stmts {
		query, args, err := stmt.ToSql()
		if err != nil {
			return fmt.Errorf("failed to build sql query: %w", err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("ack create %d: %w", seq, err)
		}
		if i == 0 {
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("ack create %d: %w", seq, ErrEntryNotFound)
			}
		}
	}
	return tx.Commit()
}

// DropEntity removes every entry of the entity and, for a list, of its
// items and comments. It returns the number of rows removed.
func (q *SQLiteQueue) DropEntity(ctx context.Context, entity Entity, entityID string) (int64, error) {
	cond := sq.Or{sq.Eq{"entity": string(entity), "entity_id": entityID}}
	if entity == EntityList {
		cond = append(cond, sq.Eq{"parent_id": entityID})
	}
	query, args, err := sq.Delete(queueTable).Where(cond).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build sql query: %w", err)
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("drop %s %s: %w", entity, entityID, err)
	}
	return res.RowsAffected()
}

// RecordFailure counts a failed attempt and schedules the next one.
func (q *SQLiteQueue) RecordFailure(ctx context.Context, seq int64, cause error, next time.Time) (int, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	query, args, err := sq.Update(queueTable).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("last_error", msg).
		Set("next_attempt_at", next.UnixMilli()).
		Where(sq.Eq{"seq": seq}).
		Suffix("RETURNING attempts").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build sql query: %w", err)
	}
	var attempts int
	if err := q.db.GetContext(ctx, &attempts, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("record failure %d: %w", seq, ErrEntryNotFound)
		}
		return 0, fmt.Errorf("record failure %d: %w", seq, err)
	}
	return attempts, nil
}

func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	query, args, err := sq.Select("COUNT(*)").From(queueTable).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build sql query: %w", err)
	}
	var n int
	if err := q.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count pending mutations: %w", err)
	}
	return n, nil
}
