package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow data in PostgreSQL. Milestones are stored
// as JSONB on the escrow row; next_deadline is denormalized from them so the
// overdue sweep can use an index.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) NextID(ctx context.Context) (uint64, error) {
	var id uint64
	if err := p.db.QueryRowContext(ctx, `SELECT nextval('escrow_id_seq')`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	milestones, err := json.Marshal(e.Milestones)
	if err != nil {
		return fmt.Errorf("encode milestones: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, listing_id, payer, payee,
			total_amount, locked_amount, released_amount,
			state, milestones, deposit_address, next_deadline,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.ListingID, e.Payer, e.Payee,
		e.TotalAmount, e.LockedAmount, e.ReleasedAmount,
		string(e.State), milestones, e.DepositAddress, nullTime(e.NextDeadline()),
		e.CreatedAt, e.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateID
	}
	return err
}

const escrowColumns = `id, listing_id, payer, payee,
		       total_amount, locked_amount, released_amount,
		       state, milestones, deposit_address, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Update locks the row for the duration of fn, so concurrent commits to
// different milestones of one escrow are serialized.
func (p *PostgresStore) Update(ctx context.Context, id uint64, fn func(*Escrow) error) (*Escrow, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id)
	e, err := scanEscrow(row)
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
			locked_amount = $1, released_amount = $2, state = $3,
			milestones = $4, next_deadline = $5, updated_at = $6
		WHERE id = $7`,
		e.LockedAmount, e.ReleasedAmount, string(e.State),
		milestones, nullTime(e.NextDeadline()), e.UpdatedAt,
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

func (p *PostgresStore) ListByListing(ctx context.Context, listingID, after uint64, limit int) ([]*Escrow, error) {
	return p.query(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE listing_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`, listingID, after, limit)
}

func (p *PostgresStore) ListByPayer(ctx context.Context, payer string, after uint64, limit int) ([]*Escrow, error) {
	return p.query(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE payer = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`, payer, after, limit)
}

func (p *PostgresStore) ListFunded(ctx context.Context, after uint64, limit int) ([]*Escrow, error) {
	return p.query(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state IN ('locked', 'milestone_done')
		  AND next_deadline IS NOT NULL
		  AND id > $1
		ORDER BY id ASC
		LIMIT $2`, after, limit)
}

func (p *PostgresStore) ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	return p.query(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state IN ('locked', 'milestone_done')
		  AND next_deadline IS NOT NULL
		  AND next_deadline <= $1
		ORDER BY next_deadline ASC
		LIMIT $2`, before, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		state      string
		milestones []byte
	)
	err := s.Scan(
		&e.ID, &e.ListingID, &e.Payer, &e.Payee,
		&e.TotalAmount, &e.LockedAmount, &e.ReleasedAmount,
		&state, &milestones, &e.DepositAddress, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.State = State(state)
	if err := json.Unmarshal(milestones, &e.Milestones); err != nil {
		return nil, fmt.Errorf("decode milestones for escrow %d: %w", e.ID, err)
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// PostgresEventLog persists the audit trail in PostgreSQL.
type PostgresEventLog struct {
	db *sql.DB
}

// NewPostgresEventLog creates a new PostgreSQL-backed event log.
func NewPostgresEventLog(db *sql.DB) *PostgresEventLog {
	return &PostgresEventLog{db: db}
}

// Append inserts ev and evicts the oldest EventLogTrim events once the log
// holds more than EventLogCapacity. An advisory lock serializes appends so
// concurrent writers cannot over-trim.
func (p *PostgresEventLog) Append(ctx context.Context, ev *Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('escrow_events'))`); err != nil {
		return err
	}

	var id uint64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO escrow_events (
			kind, escrow_id, listing_id, payer, payee, amount,
			milestone_index, actor, released_to, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		string(ev.Kind), ev.EscrowID, ev.ListingID, ev.Payer, ev.Payee, ev.Amount,
		nullIndex(ev.MilestoneIndex), ev.Actor, ev.ReleasedTo, ev.Reason, ev.CreatedAt,
	).Scan(&id)
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
			WHERE id IN (SELECT id FROM escrow_events ORDER BY id ASC LIMIT $1)`, EventLogTrim)
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	ev.ID = id
	return nil
}

func (p *PostgresEventLog) Recent(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, escrow_id, listing_id, payer, payee, amount,
		       milestone_index, actor, released_to, reason, created_at
		FROM escrow_events
		ORDER BY id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		ev := &Event{}
		var (
			kind  string
			index sql.NullInt64
		)
		if err := rows.Scan(
			&ev.ID, &kind, &ev.EscrowID, &ev.ListingID, &ev.Payer, &ev.Payee, &ev.Amount,
			&index, &ev.Actor, &ev.ReleasedTo, &ev.Reason, &ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		ev.Kind = EventKind(kind)
		if index.Valid {
			ev.MilestoneIndex = intPtr(int(index.Int64))
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func nullIndex(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
