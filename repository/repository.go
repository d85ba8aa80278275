// Package repository holds what the storage backends share: the Postgres
// statements, the headers codec and the error classification.
package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3rs4lg4d0/goutbox/v2/gtbx"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Statements use '?' placeholders; backends talking to Postgres directly
// convert them with Dollar.
const (
	InsertOutboxSql = "INSERT INTO outbox (queue_name, partition_key, body, headers, created_at, available_at) VALUES (?, ?, ?, ?, ?, ?) RETURNING id"

	// ClaimNextSql leases the first eligible head-of-line record of a queue.
	// Heads are computed over every pending record of a non-empty partition,
	// leased or not, so a partition whose head is leased offers no candidate.
	// Records without partition are their own heads. Args: leasedAt, queue,
	// queue, now, leaseThreshold.
	ClaimNextSql = `UPDATE outbox SET lease_marker = ?, attempts = attempts + 1
WHERE id = (
	SELECT o.id FROM outbox o
	WHERE o.queue_name = ?
	AND (o.partition_key = '' OR o.id IN (
		SELECT MIN(h.id) FROM outbox h
		WHERE h.queue_name = ? AND h.partition_key <> ''
		GROUP BY h.partition_key))
	AND o.available_at <= ?
	AND (o.lease_marker IS NULL OR o.lease_marker < ?)
	ORDER BY o.id
	LIMIT 1
	FOR UPDATE OF o SKIP LOCKED
)
RETURNING id, queue_name, partition_key, body, headers, created_at, available_at, lease_marker, attempts`

	AckSql  = "DELETE FROM outbox WHERE id = ?"
	NackSql = "UPDATE outbox SET lease_marker = NULL WHERE id = ? AND lease_marker IS NOT NULL"

	RecordIfAbsentSql = "INSERT INTO inbox_deduplication (message_id, message_name, processed_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING"

	// StatsSql args: leaseThreshold, leaseThreshold, queue.
	StatsSql = `SELECT partition_key,
	COUNT(*) AS pending,
	COUNT(*) FILTER (WHERE lease_marker >= ?) AS leased,
	MIN(lease_marker) FILTER (WHERE lease_marker >= ?) AS oldest_lease,
	MAX(attempts) AS max_attempts
FROM outbox
WHERE queue_name = ?
GROUP BY partition_key
ORDER BY oldest_lease ASC NULLS LAST, partition_key ASC`
)

// Dollar converts '?' placeholders into Postgres '$n' placeholders.
func Dollar(query string) string {
	var b strings.Builder
	count := 0
	for _, r := range query {
		if r == '?' {
			count++
			fmt.Fprintf(&b, "$%d", count)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EncodeHeaders serializes the headers as a JSON array, keeping their order.
func EncodeHeaders(h gtbx.Headers) (string, error) {
	if h == nil {
		h = gtbx.Headers{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("could not encode the headers: %w", err)
	}
	return string(b), nil
}

// DecodeHeaders is the inverse of EncodeHeaders.
func DecodeHeaders(b []byte) (gtbx.Headers, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var h gtbx.Headers
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("could not decode the headers: %w", err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	return h, nil
}

// Scanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanRecord reads a record in the column order used by ClaimNextSql.
func ScanRecord(s Scanner) (*gtbx.OutboxRecord, error) {
	var r gtbx.OutboxRecord
	var headers []byte
	var lease *time.Time
	err := s.Scan(&r.Id, &r.Queue, &r.PartitionKey, &r.Body, &headers, &r.CreatedAt, &r.AvailableAt, &lease, &r.Attempts)
	if err != nil {
		return nil, err
	}
	if r.Headers, err = DecodeHeaders(headers); err != nil {
		return nil, err
	}
	r.LeaseMarker = lease
	return &r, nil
}

// IsUniqueViolation reports whether err is a Postgres unique violation
// raised through pgx or lib/pq.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}

// Normalize applies the defaults of a message that reaches a store without
// going through gtbx.Goutbox.
func Normalize(m *gtbx.Message, now time.Time) (queue string, availableAt time.Time) {
	queue = m.Queue
	if queue == "" {
		queue = gtbx.DefaultQueue
	}
	availableAt = m.AvailableAt
	if availableAt.IsZero() {
		availableAt = now
	}
	return queue, availableAt
}
