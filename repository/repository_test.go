package repository

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/3rs4lg4d0/goutbox/v2/gtbx"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDollar(t *testing.T) {
	testcases := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "no placeholders",
			query: "SELECT 1",
			want:  "SELECT 1",
		},
		{
			name:  "several placeholders",
			query: "INSERT INTO t (a, b, c) VALUES (?, ?, ?)",
			want:  "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)",
		},
		{
			name:  "ten or more placeholders",
			query: "?,?,?,?,?,?,?,?,?,?,?",
			want:  "$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Dollar(tc.query))
		})
	}
}

func TestHeadersCodec(t *testing.T) {
	h := gtbx.Headers{{Key: "z", Value: "1"}, {Key: "a", Value: "2"}}
	encoded, err := EncodeHeaders(h)
	require.NoError(t, err)
	assert.Equal(t, `[{"k":"z","v":"1"},{"k":"a","v":"2"}]`, encoded)

	decoded, err := DecodeHeaders([]byte(encoded))
	require.NoError(t, err)
	assert.Equal(t, h, decoded)

	encoded, err = EncodeHeaders(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", encoded)

	decoded, err = DecodeHeaders([]byte("[]"))
	require.NoError(t, err)
	assert.Nil(t, decoded)

	_, err = DecodeHeaders([]byte("{"))
	assert.Error(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	testcases := []struct {
		name string
		err  error
		want bool
	}{
		{"pgx unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"wrapped pgx unique violation", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true},
		{"pgx other error", &pgconn.PgError{Code: "40001"}, false},
		{"pq unique violation", &pq.Error{Code: "23505"}, true},
		{"pq other error", &pq.Error{Code: "42P01"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsUniqueViolation(tc.err))
		})
	}
}

type fakeScanner struct {
	values []any
	err    error
}

func (f *fakeScanner) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = f.values[i].(int64)
		case *string:
			*p = f.values[i].(string)
		case *[]byte:
			*p = f.values[i].([]byte)
		case *time.Time:
			*p = f.values[i].(time.Time)
		case **time.Time:
			*p, _ = f.values[i].(*time.Time)
		case *int:
			*p = f.values[i].(int)
		}
	}
	return nil
}

func TestScanRecord(t *testing.T) {
	now := time.Now()
	s := &fakeScanner{values: []any{int64(3), "orders", "A", []byte("body"), []byte(`[{"k":"a","v":"b"}]`), now, now, &now, 2}}
	r, err := ScanRecord(s)
	require.NoError(t, err)
	assert.Equal(t, &gtbx.OutboxRecord{
		Id:           3,
		Queue:        "orders",
		PartitionKey: "A",
		Body:         []byte("body"),
		Headers:      gtbx.Headers{{Key: "a", Value: "b"}},
		CreatedAt:    now,
		AvailableAt:  now,
		LeaseMarker:  &now,
		Attempts:     2,
	}, r)

	_, err = ScanRecord(&fakeScanner{err: errors.New("error#1")})
	assert.EqualError(t, err, "error#1")

	_, err = ScanRecord(&fakeScanner{values: []any{int64(3), "orders", "A", []byte("body"), []byte(`{`), now, now, (*time.Time)(nil), 2}})
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	now := time.Now()
	queue, availableAt := Normalize(&gtbx.Message{}, now)
	assert.Equal(t, gtbx.DefaultQueue, queue)
	assert.Equal(t, now, availableAt)

	later := now.Add(time.Hour)
	queue, availableAt = Normalize(&gtbx.Message{Queue: "orders", AvailableAt: later}, now)
	assert.Equal(t, "orders", queue)
	assert.Equal(t, later, availableAt)
}
