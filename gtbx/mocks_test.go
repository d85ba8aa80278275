package gtbx

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type mockStore struct {
	mock.Mock
	logger Logger
	clock  Clock
}

var _ Store = (*mockStore)(nil)

func (m *mockStore) Enqueue(ctx context.Context, msg *Message) (int64, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) ClaimNext(ctx context.Context, queue string, redeliverTimeout time.Duration) (*OutboxRecord, error) {
	args := m.Called(ctx, queue, redeliverTimeout)
	r, _ := args.Get(0).(*OutboxRecord)
	return r, args.Error(1)
}

func (m *mockStore) Ack(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockStore) Nack(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockStore) SetLogger(l Logger) { m.logger = l }

func (m *mockStore) SetClock(c Clock) { m.clock = c }

type mockEmitter struct {
	mock.Mock
}

var _ Emitter = (*mockEmitter)(nil)

func (m *mockEmitter) Emit(ctx context.Context, r *OutboxRecord) error {
	return m.Called(ctx, r).Error(0)
}

type mockLedger struct {
	mock.Mock
	logger Logger
	clock  Clock
}

var _ Ledger = (*mockLedger)(nil)

func (m *mockLedger) RecordIfAbsent(ctx context.Context, id uuid.UUID, name string) (bool, error) {
	args := m.Called(ctx, id, name)
	return args.Bool(0), args.Error(1)
}

func (m *mockLedger) SetLogger(l Logger) { m.logger = l }

func (m *mockLedger) SetClock(c Clock) { m.clock = c }

type txCtxKey struct{}

// fakeTransactor marks the context handed to fn and records how the
// transaction finished.
type fakeTransactor struct {
	commits   int
	rollbacks int
	beginErr  error
	logger    Logger
	clock     Clock
}

var _ Transactor = (*fakeTransactor)(nil)

func (f *fakeTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if f.beginErr != nil {
		return f.beginErr
	}
	if err := fn(context.WithValue(ctx, txCtxKey{}, true)); err != nil {
		f.rollbacks++
		return err
	}
	f.commits++
	return nil
}

func (f *fakeTransactor) SetLogger(l Logger) { f.logger = l }

func (f *fakeTransactor) SetClock(c Clock) { f.clock = c }

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txCtxKey{}).(bool)
	return v
}
