package gtbx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/3rs4lg4d0/goutbox/v2/test"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestIterate(t *testing.T) {
	record := &OutboxRecord{Id: 10, Queue: "orders", PartitionKey: "A"}
	errStore := errors.New("store down")
	errBroker := errors.New("broker down")

	testcases := []struct {
		name             string
		nackOnFailure    bool
		mockExpectations func(st *mockStore, em *mockEmitter)
		want             result
		wantSuccess      int64
		wantErrors       int64
		wantStoreErrors  int64
	}{
		{
			name: "empty queue",
			mockExpectations: func(st *mockStore, em *mockEmitter) {
				st.On("ClaimNext", mock.Anything, "orders", time.Minute).Return(nil, nil)
			},
			want: resultEmpty,
		},
		{
			name: "claim failure",
			mockExpectations: func(st *mockStore, em *mockEmitter) {
				st.On("ClaimNext", mock.Anything, "orders", time.Minute).Return(nil, errStore)
			},
			want:            resultFailed,
			wantStoreErrors: 1,
		},
		{
			name: "published and acked",
			mockExpectations: func(st *mockStore, em *mockEmitter) {
				st.On("ClaimNext", mock.Anything, "orders", time.Minute).Return(record, nil)
				em.On("Emit", mock.Anything, record).Return(nil)
				st.On("Ack", mock.Anything, int64(10)).Return(nil)
			},
			want:        resultPublished,
			wantSuccess: 1,
		},
		{
			name: "publish failure leaves the lease until it expires",
			mockExpectations: func(st *mockStore, em *mockEmitter) {
				st.On("ClaimNext", mock.Anything, "orders", time.Minute).Return(record, nil)
				em.On("Emit", mock.Anything, record).Return(errBroker)
			},
			want:       resultFailed,
			wantErrors: 1,
		},
		{
			name:          "publish failure releases the lease",
			nackOnFailure: true,
			mockExpectations: func(st *mockStore, em *mockEmitter) {
				st.On("ClaimNext", mock.Anything, "orders", time.Minute).Return(record, nil)
				em.On("Emit", mock.Anything, record).Return(errBroker)
				st.On("Nack", mock.Anything, int64(10)).Return(nil)
			},
			want:       resultFailed,
			wantErrors: 1,
		},
		{
			name:          "publish failure and nack failure",
			nackOnFailure: true,
			mockExpectations: func(st *mockStore, em *mockEmitter) {
				st.On("ClaimNext", mock.Anything, "orders", time.Minute).Return(record, nil)
				em.On("Emit", mock.Anything, record).Return(errBroker)
				st.On("Nack", mock.Anything, int64(10)).Return(errStore)
			},
			want:            resultFailed,
			wantErrors:      1,
			wantStoreErrors: 1,
		},
		{
			name: "ack failure",
			mockExpectations: func(st *mockStore, em *mockEmitter) {
				st.On("ClaimNext", mock.Anything, "orders", time.Minute).Return(record, nil)
				em.On("Emit", mock.Anything, record).Return(nil)
				st.On("Ack", mock.Anything, int64(10)).Return(errStore)
			},
			want:            resultFailed,
			wantStoreErrors: 1,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			st := &mockStore{}
			em := &mockEmitter{}
			tc.mockExpectations(st, em)
			success, failure, storeErr := &test.TestCounter{}, &test.TestCounter{}, &test.TestCounter{}
			s := Settings{EnableDispatcher: true, Queues: []string{"orders"}, RedeliverTimeout: time.Minute, NackOnFailure: tc.nackOnFailure}
			validateSettings(&s)
			d := newDispatcher("orders", s, st, em, applyOptions([]opt{
				WithCounters(success, failure),
				WithOnStoreErrorCounter(storeErr),
			}))

			assert.Equal(t, tc.want, d.iterate(context.Background()))
			assert.Equal(t, tc.wantSuccess, success.Value())
			assert.Equal(t, tc.wantErrors, failure.Value())
			assert.Equal(t, tc.wantStoreErrors, storeErr.Value())
			st.AssertExpectations(t)
			em.AssertExpectations(t)
			if !tc.nackOnFailure {
				st.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestIteratePublishesWithinTheLease(t *testing.T) {
	record := &OutboxRecord{Id: 10, Queue: "orders", PartitionKey: "A"}
	withinLease := func(ctx context.Context) bool {
		deadline, ok := ctx.Deadline()
		return ok && time.Until(deadline) <= time.Minute
	}

	testcases := []struct {
		name        string
		emitErr     error
		ackExpected bool
		want        result
		wantErrors  int64
	}{
		{
			name:        "publication bounded by the lease",
			ackExpected: true,
			want:        resultPublished,
		},
		{
			name:       "publication outliving the lease is a failure",
			emitErr:    context.DeadlineExceeded,
			want:       resultFailed,
			wantErrors: 1,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			st := &mockStore{}
			em := &mockEmitter{}
			st.On("ClaimNext", mock.Anything, "orders", time.Minute).Return(record, nil)
			em.On("Emit", mock.MatchedBy(withinLease), record).Return(tc.emitErr)
			if tc.ackExpected {
				st.On("Ack", mock.Anything, int64(10)).Return(nil)
			}
			failure := &test.TestCounter{}
			s := Settings{EnableDispatcher: true, Queues: []string{"orders"}, RedeliverTimeout: time.Minute}
			validateSettings(&s)
			d := newDispatcher("orders", s, st, em, applyOptions([]opt{WithCounters(&test.TestCounter{}, failure)}))

			assert.Equal(t, tc.want, d.iterate(context.Background()))
			assert.Equal(t, tc.wantErrors, failure.Value())
			st.AssertExpectations(t)
			em.AssertExpectations(t)
			if !tc.ackExpected {
				st.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestIterateSettlesTheRecordDuringShutdown(t *testing.T) {
	record := &OutboxRecord{Id: 10, Queue: "orders", PartitionKey: "A"}
	live := mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil })

	testcases := []struct {
		name          string
		nackOnFailure bool
		emitErr       error
		settle        string
		want          result
	}{
		{
			name:   "ack after a publication interrupted by shutdown",
			settle: "Ack",
			want:   resultPublished,
		},
		{
			name:          "nack after a failure interrupted by shutdown",
			nackOnFailure: true,
			emitErr:       errors.New("broker down"),
			settle:        "Nack",
			want:          resultFailed,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			st := &mockStore{}
			em := &mockEmitter{}
			st.On("ClaimNext", mock.Anything, "orders", time.Minute).Return(record, nil)
			em.On("Emit", mock.Anything, record).Run(func(mock.Arguments) { cancel() }).Return(tc.emitErr)
			st.On(tc.settle, live, int64(10)).Return(nil)
			storeErr := &test.TestCounter{}
			s := Settings{EnableDispatcher: true, Queues: []string{"orders"}, RedeliverTimeout: time.Minute, NackOnFailure: tc.nackOnFailure}
			validateSettings(&s)
			d := newDispatcher("orders", s, st, em, applyOptions([]opt{WithOnStoreErrorCounter(storeErr)}))

			assert.Equal(t, tc.want, d.iterate(ctx))
			assert.Zero(t, storeErr.Value())
			st.AssertExpectations(t)
		})
	}
}

func TestRunWaitsForThePollingIntervalWhenEmpty(t *testing.T) {
	st := &mockStore{}
	st.On("ClaimNext", mock.Anything, "orders", time.Minute).Return(nil, nil)
	clock := clockwork.NewFakeClock()
	s := Settings{EnableDispatcher: true, RedeliverTimeout: time.Minute, PollingInterval: time.Second}
	validateSettings(&s)
	d := newDispatcher("orders", s, st, &mockEmitter{}, applyOptions([]opt{WithClock(clock)}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()

	// every claim is followed by one sleeper on the fake clock
	for i := 1; i <= 3; i++ {
		assert.NoError(t, clock.BlockUntilContext(ctx, 1))
		st.AssertNumberOfCalls(t, "ClaimNext", i)
		clock.Advance(time.Second)
	}
	cancel()
	<-done
}

func TestRunBacksOffOnFailures(t *testing.T) {
	st := &mockStore{}
	st.On("ClaimNext", mock.Anything, "orders", time.Minute).Return(nil, errors.New("store down"))
	clock := clockwork.NewFakeClock()
	s := Settings{EnableDispatcher: true, RedeliverTimeout: time.Minute, PollingInterval: time.Hour, MinBackoff: time.Second, MaxBackoff: time.Second}
	validateSettings(&s)
	logger := &test.TestLogger{}
	d := newDispatcher("orders", s, st, &mockEmitter{}, applyOptions([]opt{WithClock(clock), WithLogger(logger)}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()

	assert.NoError(t, clock.BlockUntilContext(ctx, 1))
	// a backoff (at most MaxBackoff plus jitter) is shorter than the polling interval
	clock.Advance(2 * time.Second)
	assert.NoError(t, clock.BlockUntilContext(ctx, 1))
	st.AssertNumberOfCalls(t, "ClaimNext", 2)
	assert.Equal(t, 2, logger.ErrorCount())
	cancel()
	<-done
}
