package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/goutbox/v2/gtbx"
	"github.com/3rs4lg4d0/goutbox/v2/repository"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
)

// Repository implements the outbox store, the inbox ledger and their
// transaction handling on top of gorm.
type Repository struct {
	txKey  gtbx.TxKey
	db     *gorm.DB
	logger gtbx.Logger
	clock  gtbx.Clock
}

var _ gtbx.Loggable = (*Repository)(nil)
var _ gtbx.Clockable = (*Repository)(nil)
var _ gtbx.Store = (*Repository)(nil)
var _ gtbx.Ledger = (*Repository)(nil)
var _ gtbx.Transactor = (*Repository)(nil)
var _ gtbx.Inspector = (*Repository)(nil)

func New(txKey gtbx.TxKey, db *gorm.DB) *Repository {
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

// Enqueue persists an outbox record. When a *gorm.DB transaction is present
// in the context the record is written within that business transaction.
func (r *Repository) Enqueue(ctx context.Context, m *gtbx.Message) (int64, error) {
	if m == nil {
		return 0, gtbx.ErrNilMessage
	}
	headers, err := repository.EncodeHeaders(m.Headers)
	if err != nil {
		return 0, err
	}
	db := r.db
	if tx, ok := ctx.Value(r.txKey).(*gorm.DB); ok {
		db = tx
	}
	now := r.clock.Now()
	queue, availableAt := repository.Normalize(m, now)

	var id int64
	err = db.WithContext(ctx).Raw(repository.InsertOutboxSql, queue, m.PartitionKey, m.Body, headers, now, availableAt).Row().Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("could not persist the outbox record: %w", err)
	}
	return id, nil
}

// ClaimNext leases the next head-of-line record of the queue.
func (r *Repository) ClaimNext(ctx context.Context, queue string, redeliverTimeout time.Duration) (*gtbx.OutboxRecord, error) {
	now := r.clock.Now()
	rows, err := r.db.WithContext(ctx).Raw(repository.ClaimNextSql, now, queue, queue, now, now.Add(-redeliverTimeout)).Rows()
	if err != nil {
		return nil, fmt.Errorf("could not claim from queue '%s': %w", queue, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("could not claim from queue '%s': %w", queue, err)
		}
		return nil, nil
	}
	rec, err := repository.ScanRecord(rows)
	if err != nil {
		return nil, fmt.Errorf("could not claim from queue '%s': %w", queue, err)
	}
	r.logger.Debug(fmt.Sprintf("record %d claimed from queue '%s' (attempt %d)", rec.Id, queue, rec.Attempts))
	return rec, nil
}

// Ack deletes the record so it can never be claimed again.
func (r *Repository) Ack(ctx context.Context, id int64) error {
	if err := r.db.WithContext(ctx).Exec(repository.AckSql, id).Error; err != nil {
		return fmt.Errorf("could not ack the record %d: %w", id, err)
	}
	return nil
}

// Nack clears the lease of the record.
func (r *Repository) Nack(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Exec(repository.NackSql, id)
	if res.Error != nil {
		return fmt.Errorf("could not nack the record %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		r.logger.Warn(fmt.Sprintf("the record %d was not leased", id))
	}
	return nil
}

// RecordIfAbsent inserts the message identity within the *gorm.DB transaction
// found in the context.
func (r *Repository) RecordIfAbsent(ctx context.Context, messageId uuid.UUID, messageName string) (bool, error) {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return false, gtbx.ErrTxRequired
	}
	res := tx.WithContext(ctx).Exec(repository.RecordIfAbsentSql, messageId, messageName, r.clock.Now())
	if repository.IsUniqueViolation(res.Error) {
		return true, nil
	}
	if res.Error != nil {
		return false, fmt.Errorf("could not record the message identity: %w", res.Error)
	}
	return res.RowsAffected == 0, nil
}

// WithinTx runs fn inside a gorm transaction stored in the context under the
// repository txKey. gorm commits when fn returns nil and rolls back otherwise,
// panics included.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	var fnErr error
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(context.WithValue(ctx, r.txKey, tx))
		return fnErr
	})
	if err != nil && !errors.Is(err, fnErr) {
		return fmt.Errorf("could not complete the transaction: %w", err)
	}
	return err
}

// Stats returns per partition statistics of a queue.
func (r *Repository) Stats(ctx context.Context, queue string, redeliverTimeout time.Duration) ([]gtbx.PartitionStats, error) {
	threshold := r.clock.Now().Add(-redeliverTimeout)
	var stats []gtbx.PartitionStats
	err := r.db.WithContext(ctx).Raw(repository.StatsSql, threshold, threshold, queue).Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("could not read the stats of queue '%s': %w", queue, err)
	}
	return stats, nil
}
