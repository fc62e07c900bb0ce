package escrow

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// OpenSQLite opens a single-file database and applies the embedded schema.
// The pool is limited to one connection, which makes every transaction a
// write transaction and serializes Update.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	fsys, err := fs.Sub(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// SQLiteStore persists escrow data in an embedded SQLite database.
// Timestamps are stored as Unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over a database opened with OpenSQLite.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) NextID(ctx context.Context) (uint64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO escrow_ids DEFAULT VALUES`)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil //nolint:gosec // AUTOINCREMENT ids are positive
}

func (s *SQLiteStore) Create(ctx context.Context, e *Escrow) error {
	milestones, err := json.Marshal(e.Milestones)
	if err != nil {
		return fmt.Errorf("encode milestones: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, listing_id, payer, payee,
			total_amount, locked_amount, released_amount,
			state, milestones, deposit_address, next_deadline,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ListingID, e.Payer, e.Payee,
		e.TotalAmount, e.LockedAmount, e.ReleasedAmount,
		string(e.State), string(milestones), e.DepositAddress, nanosOrNull(e.NextDeadline()),
		toNanos(e.CreatedAt), toNanos(e.UpdatedAt),
	)
	if isConstraintError(err) {
		return ErrDuplicateID
	}
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = ?`, id)

	e, err := scanSQLiteEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (s *SQLiteStore) Update(ctx context.Context, id uint64, fn func(*Escrow) error) (*Escrow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = ?`, id)
	e, err := scanSQLiteEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := fn(e); err != nil {
		return nil, err
	}

	milestones, err := json.Marshal(e.Milestones)
	if err != nil {
		return nil, fmt.Errorf("encode milestones: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE escrows SET
			locked_amount = ?, released_amount = ?, state = ?,
			milestones = ?, next_deadline = ?, updated_at = ?
		WHERE id = ?`,
		e.LockedAmount, e.ReleasedAmount, string(e.State),
		string(milestones), nanosOrNull(e.NextDeadline()), toNanos(e.UpdatedAt),
		id,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLiteStore) ListByListing(ctx context.Context, listingID, after uint64, limit int) ([]*Escrow, error) {
	return s.query(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE listing_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?`, listingID, after, limit)
}

func (s *SQLiteStore) ListByPayer(ctx context.Context, payer string, after uint64, limit int) ([]*Escrow, error) {
	return s.query(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE payer = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?`, payer, after, limit)
}

func (s *SQLiteStore) ListFunded(ctx context.Context, after uint64, limit int) ([]*Escrow, error) {
	return s.query(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state IN ('locked', 'milestone_done')
		  AND next_deadline IS NOT NULL
		  AND id > ?
		ORDER BY id ASC
		LIMIT ?`, after, limit)
}

func (s *SQLiteStore) ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	return s.query(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state IN ('locked', 'milestone_done')
		  AND next_deadline IS NOT NULL
		  AND next_deadline <= ?
		ORDER BY next_deadline ASC
		LIMIT ?`, toNanos(before), limit)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...interface{}) ([]*Escrow, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanSQLiteEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanSQLiteEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		state      string
		milestones string
		created    int64
		updated    int64
	)
	err := s.Scan(
		&e.ID, &e.ListingID, &e.Payer, &e.Payee,
		&e.TotalAmount, &e.LockedAmount, &e.ReleasedAmount,
		&state, &milestones, &e.DepositAddress, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	e.State = State(state)
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	if err := json.Unmarshal([]byte(milestones), &e.Milestones); err != nil {
		return nil, fmt.Errorf("decode milestones for escrow %d: %w", e.ID, err)
	}
	return e, nil
}

// SQLiteEventLog persists the audit trail in SQLite.
type SQLiteEventLog struct {
	db *sql.DB
}

// NewSQLiteEventLog creates an event log over a database opened with
// OpenSQLite.
func NewSQLiteEventLog(db *sql.DB) *SQLiteEventLog {
	return &SQLiteEventLog{db: db}
}

func (l *SQLiteEventLog) Append(ctx context.Context, ev *Event) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_events (
			kind, escrow_id, listing_id, payer, payee, amount,
			milestone_index, actor, released_to, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Kind), ev.EscrowID, ev.ListingID, ev.Payer, ev.Payee, ev.Amount,
		nullIndex(ev.MilestoneIndex), ev.Actor, ev.ReleasedTo, ev.Reason, toNanos(ev.CreatedAt),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM escrow_events`).Scan(&count); err != nil {
		return err
	}
	if count > EventLogCapacity {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM escrow_events
			WHERE id IN (SELECT id FROM escrow_events ORDER BY id ASC LIMIT ?)`, EventLogTrim)
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	ev.ID = uint64(id) //nolint:gosec // AUTOINCREMENT ids are positive
	return nil
}

func (l *SQLiteEventLog) Recent(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, kind, escrow_id, listing_id, payer, payee, amount,
		       milestone_index, actor, released_to, reason, created_at
		FROM escrow_events
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		ev := &Event{}
		var (
			kind    string
			index   sql.NullInt64
			created int64
		)
		if err := rows.Scan(
			&ev.ID, &kind, &ev.EscrowID, &ev.ListingID, &ev.Payer, &ev.Payee, &ev.Amount,
			&index, &ev.Actor, &ev.ReleasedTo, &ev.Reason, &created,
		); err != nil {
			return nil, err
		}
		ev.Kind = EventKind(kind)
		ev.CreatedAt = fromNanos(created)
		if index.Valid {
			ev.MilestoneIndex = intPtr(int(index.Int64))
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nanosOrNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}
