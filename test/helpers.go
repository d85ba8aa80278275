package test

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/integralist/go-findroot/find"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var DefaultCtxKey any = "myKey"

// CleanupSql empties the tables between test cases.
const CleanupSql = "TRUNCATE outbox, inbox_deduplication RESTART IDENTITY"

// RecordColumns are the columns returned by a claim.
var RecordColumns = []string{"id", "queue_name", "partition_key", "body", "headers", "created_at", "available_at", "lease_marker", "attempts"}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers
// with the outbox schema already applied.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, _ := find.Repo()
	return InitEmptyPostgresContainer(ctx,
		postgres.WithInitScripts(
			filepath.Join(root.Path, "schema/postgres/000001_outbox.up.sql"),
		),
	)
}

// InitEmptyPostgresContainer initializes a local Postgres instance without
// any schema.
func InitEmptyPostgresContainer(ctx context.Context, opts ...testcontainers.ContainerCustomizer) (*postgres.PostgresContainer, error) {
	opts = append([]testcontainers.ContainerCustomizer{
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(30 * time.Second)),
	}, opts...)
	return postgres.RunContainer(ctx, opts...)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

// MockClaimedRecord expects a claim statement returning one leased record.
func MockClaimedRecord(mock sqlmock.Sqlmock, id int64, queue string, partitionKey string) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows(RecordColumns).
		AddRow(id, queue, partitionKey, []byte("payload"), []byte(`[{"k":"message-id","v":"0b3c0d2e-2d5e-4f0c-9a4e-3f1c2b1a0d9e"}]`), now, now, now, 1)
	mock.ExpectQuery("^UPDATE outbox SET lease_marker").WithArgs(GenerateAnyArgsSlice(5)...).WillReturnRows(rows)
	return rows
}
