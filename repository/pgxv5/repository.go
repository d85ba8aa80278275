package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/goutbox/v2/gtbx"
	"github.com/3rs4lg4d0/goutbox/v2/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
)

var (
	insertOutboxSql   = repository.Dollar(repository.InsertOutboxSql)
	claimNextSql      = repository.Dollar(repository.ClaimNextSql)
	ackSql            = repository.Dollar(repository.AckSql)
	nackSql           = repository.Dollar(repository.NackSql)
	recordIfAbsentSql = repository.Dollar(repository.RecordIfAbsentSql)
	statsSql          = repository.Dollar(repository.StatsSql)
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// querier is satisfied by both dbpool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Repository implements the outbox store, the inbox ledger and their
// transaction handling on top of pgx.
type Repository struct {
	txKey  gtbx.TxKey
	db     dbpool
	logger gtbx.Logger
	clock  gtbx.Clock
}

var _ gtbx.Loggable = (*Repository)(nil)
var _ gtbx.Clockable = (*Repository)(nil)
var _ gtbx.Store = (*Repository)(nil)
var _ gtbx.Ledger = (*Repository)(nil)
var _ gtbx.Transactor = (*Repository)(nil)
var _ gtbx.Inspector = (*Repository)(nil)

func New(txKey gtbx.TxKey, pool dbpool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     pool,
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

// Enqueue persists an outbox record. When a pgx.Tx is present in the context
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
	if tx, ok := ctx.Value(r.txKey).(pgx.Tx); ok {
		q = tx
	}
	now := r.clock.Now()
	queue, availableAt := repository.Normalize(m, now)

	var id int64
	err = q.QueryRow(ctx, insertOutboxSql, queue, m.PartitionKey, m.Body, headers, now, availableAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("could not persist the outbox record: %w", err)
	}
	return id, nil
}

// ClaimNext leases the next head-of-line record of the queue in a single
// statement, skipping rows locked by concurrent claims.
func (r *Repository) ClaimNext(ctx context.Context, queue string, redeliverTimeout time.Duration) (*gtbx.OutboxRecord, error) {
	now := r.clock.Now()
	row := r.db.QueryRow(ctx, claimNextSql, now, queue, queue, now, now.Add(-redeliverTimeout))
	rec, err := repository.ScanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
	if _, err := r.db.Exec(ctx, ackSql, id); err != nil {
		return fmt.Errorf("could not ack the record %d: %w", id, err)
	}
	return nil
}

// Nack clears the lease of the record.
func (r *Repository) Nack(ctx context.Context, id int64) error {
	ct, err := r.db.Exec(ctx, nackSql, id)
	if err != nil {
		return fmt.Errorf("could not nack the record %d: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		r.logger.Warn(fmt.Sprintf("the record %d was not leased", id))
	}
	return nil
}

// RecordIfAbsent inserts the message identity within the pgx.Tx found in the
// context. A conflicting insert waits for the transaction holding the same id
// and reports a duplicate once that transaction commits.
func (r *Repository) RecordIfAbsent(ctx context.Context, messageId uuid.UUID, messageName string) (bool, error) {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return false, gtbx.ErrTxRequired
	}
	ct, err := tx.Exec(ctx, recordIfAbsentSql, messageId, messageName, r.clock.Now())
	if repository.IsUniqueViolation(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("could not record the message identity: %w", err)
	}
	return ct.RowsAffected() == 0, nil
}

// WithinTx runs fn with a new pgx.Tx stored in the context under the
// repository txKey.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("could not begin the transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
	}()

	if err = fn(context.WithValue(ctx, r.txKey, tx)); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			r.logger.Error("rolling back the transaction", rbErr)
		}
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("could not commit the transaction: %w", err)
	}
	return nil
}

// Stats returns per partition statistics of a queue.
func (r *Repository) Stats(ctx context.Context, queue string, redeliverTimeout time.Duration) ([]gtbx.PartitionStats, error) {
	threshold := r.clock.Now().Add(-redeliverTimeout)
	rows, err := r.db.Query(ctx, statsSql, threshold, threshold, queue)
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
