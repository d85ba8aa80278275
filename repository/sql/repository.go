package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/goutbox/v2/gtbx"
	"github.com/3rs4lg4d0/goutbox/v2/repository"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const raNotSupported string = "RowsAffected not supported"

var (
	insertOutboxSql   = repository.Dollar(repository.InsertOutboxSql)
	claimNextSql      = repository.Dollar(repository.ClaimNextSql)
	ackSql            = repository.Dollar(repository.AckSql)
	nackSql           = repository.Dollar(repository.NackSql)
	recordIfAbsentSql = repository.Dollar(repository.RecordIfAbsentSql)
	statsSql          = repository.Dollar(repository.StatsSql)
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository implements the outbox store, the inbox ledger and their
// transaction handling on top of database/sql. Any Postgres driver works
// (pgx/v5/stdlib or lib/pq).
type Repository struct {
	txKey  gtbx.TxKey
	db     *sql.DB
	logger gtbx.Logger
	clock  gtbx.Clock
}

var _ gtbx.Loggable = (*Repository)(nil)
var _ gtbx.Clockable = (*Repository)(nil)
var _ gtbx.Store = (*Repository)(nil)
var _ gtbx.Ledger = (*Repository)(nil)
var _ gtbx.Transactor = (*Repository)(nil)
var _ gtbx.Inspector = (*Repository)(nil)

func New(txKey gtbx.TxKey, db *sql.DB) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}

	return &Repository{
		txKey:  txKey,
		db:     db,
		logger: &gtbx.NopLogger{},
		clock:  clockwork.NewRealClock(),
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l gtbx.Logger) {
	r.logger = l
}

// SetClock replaces the time source used for timestamps and leases.
func (r *Repository) SetClock(c gtbx.Clock) {
	r.clock = c
}

// Enqueue persists an outbox record. When an *sql.Tx is present in the context
// the record is written within that business transaction.
func (r *Repository) Enqueue(ctx context.Context, m *gtbx.Message) (int64, error) {
	if m == nil {
		return 0, gtbx.ErrNilMessage
	}
	headers, err := repository.EncodeHeaders(m.Headers)
	if err != nil {
		return 0, err
	}
	var q querier = r.db
	if tx, ok := ctx.Value(r.txKey).(*sql.Tx); ok {
		q = tx
	}
	now := r.clock.Now()
	queue, availableAt := repository.Normalize(m, now)

	var id int64
	err = q.QueryRowContext(ctx, insertOutboxSql, queue, m.PartitionKey, m.Body, headers, now, availableAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("could not persist the outbox record: %w", err)
	}
	return id, nil
}

// ClaimNext leases the next head-of-line record of the queue.
func (r *Repository) ClaimNext(ctx context.Context, queue string, redeliverTimeout time.Duration) (*gtbx.OutboxRecord, error) {
	now := r.clock.Now()
	row := r.db.QueryRowContext(ctx, claimNextSql, now, queue, queue, now, now.Add(-redeliverTimeout))
	rec, err := repository.ScanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not claim from queue '%s': %w", queue, err)
	}
	r.logger.Debug(fmt.Sprintf("record %d claimed from queue '%s' (attempt %d)", rec.Id, queue, rec.Attempts))
	return rec, nil
}

// Ack deletes the record so it can never be claimed again.
func (r *Repository) Ack(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, ackSql, id); err != nil {
		return fmt.Errorf("could not ack the record %d: %w", id, err)
	}
	return nil
}

// Nack clears the lease of the record.
func (r *Repository) Nack(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, nackSql, id)
	if err != nil {
		return fmt.Errorf("could not nack the record %d: %w", id, err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return errors.New(raNotSupported)
	}
	if ra == 0 {
		r.logger.Warn(fmt.Sprintf("the record %d was not leased", id))
	}
	return nil
}

// RecordIfAbsent inserts the message identity within the *sql.Tx found in the
// context.
func (r *Repository) RecordIfAbsent(ctx context.Context, messageId uuid.UUID, messageName string) (bool, error) {
	tx, ok := ctx.Value(r.txKey).(*sql.Tx)
	if !ok {
		return false, gtbx.ErrTxRequired
	}
	res, err := tx.ExecContext(ctx, recordIfAbsentSql, messageId, messageName, r.clock.Now())
	if repository.IsUniqueViolation(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("could not record the message identity: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, errors.New(raNotSupported)
	}
	return ra == 0, nil
}

// WithinTx runs fn with a new *sql.Tx stored in the context under the
// repository txKey.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin the transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(context.WithValue(ctx, r.txKey, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.logger.Error("rolling back the transaction", rbErr)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("could not commit the transaction: %w", err)
	}
	return nil
}

// Stats returns per partition statistics of a queue.
func (r *Repository) Stats(ctx context.Context, queue string, redeliverTimeout time.Duration) ([]gtbx.PartitionStats, error) {
	threshold := r.clock.Now().Add(-redeliverTimeout)
	rows, err := r.db.QueryContext(ctx, statsSql, threshold, threshold, queue)
	if err != nil {
		return nil, fmt.Errorf("could not read the stats of queue '%s': %w", queue, err)
	}
	defer rows.Close()

	var stats []gtbx.PartitionStats
	for rows.Next() {
		var ps gtbx.PartitionStats
		if err := rows.Scan(&ps.PartitionKey, &ps.Pending, &ps.Leased, &ps.OldestLease, &ps.MaxAttempts); err != nil {
			return nil, err
		}
		stats = append(stats, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}
