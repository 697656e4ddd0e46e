package test

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/integralist/go-findroot/find"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/sportsdata/gobox/gbx"
	"github.com/sportsdata/gobox/repository"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var DefaultCtxKey gbx.TxKey = "myKey"

// Migrations are applied in this order by the containers started here.
var Migrations = []string{
	"sql/postgres/000001_outbox.up.sql",
	"sql/postgres/000002_inbox.up.sql",
	"sql/postgres/000003_venues.up.sql",
}

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, _ := find.Repo()
	scripts := make([]string, len(Migrations))
	for i, m := range Migrations {
		scripts[i] = filepath.Join(root.Path, m)
	}
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(scripts...),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(5*time.Second)),
	)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

// GeneratePgxAnyArgs is the pgxmock flavour of GenerateAnyArgsSlice.
func GeneratePgxAnyArgs(n int) []any {
	result := make([]any, n)
	for i := 0; i < n; i++ {
		result[i] = pgxmock.AnyArg()
	}
	return result
}

// NewEnvelope returns a valid envelope for repository tests.
func NewEnvelope(eventType gbx.EventType) *gbx.Envelope {
	return gbx.NewEnvelope(gbx.NewTrace(), eventType, []byte(`{"venueId":"v-1"}`))
}

// MockOutboxRows returns sqlmock rows with one leased record per envelope.
// Identifiers are passed as strings, the way the driver hands them over.
func MockOutboxRows(owner uuid.UUID, envelopes ...*gbx.Envelope) *sqlmock.Rows {
	rows := sqlmock.NewRows(repository.OutboxColumns())
	for _, e := range envelopes {
		rows.AddRow(e.EventId.String(), string(e.EventType), e.CorrelationId.String(), nil, e.Payload, e.CreatedAt,
			string(gbx.OutgoingLeased), owner.String(), time.Now().Add(30*time.Second), 0, time.Now(), nil)
	}
	return rows
}

// MockPgxOutboxRows is the pgxmock flavour of MockOutboxRows.
func MockPgxOutboxRows(owner uuid.UUID, envelopes ...*gbx.Envelope) *pgxmock.Rows {
	rows := pgxmock.NewRows(repository.OutboxColumns())
	for _, e := range envelopes {
		expiresAt := time.Now().Add(30 * time.Second)
		rows.AddRow(e.EventId, string(e.EventType), e.CorrelationId, nil, e.Payload, e.CreatedAt,
			string(gbx.OutgoingLeased), &owner, &expiresAt, 0, time.Now(), nil)
	}
	return rows
}

// MockPgxDeadInboxRows returns one dead-lettered inbox row per envelope.
func MockPgxDeadInboxRows(consumer string, envelopes ...*gbx.Envelope) *pgxmock.Rows {
	rows := pgxmock.NewRows(repository.InboxColumns())
	for _, e := range envelopes {
		lastError := "boom"
		deadAt := time.Now()
		rows.AddRow(e.EventId, consumer, string(e.EventType), e.CorrelationId, nil, e.Payload, e.CreatedAt,
			string(gbx.IncomingFailed), 5, &lastError, time.Now(), nil, &deadAt)
	}
	return rows
}

// MockDeadInboxRows is the sqlmock flavour of MockPgxDeadInboxRows.
func MockDeadInboxRows(consumer string, envelopes ...*gbx.Envelope) *sqlmock.Rows {
	rows := sqlmock.NewRows(repository.InboxColumns())
	for _, e := range envelopes {
		rows.AddRow(e.EventId.String(), consumer, string(e.EventType), e.CorrelationId.String(), nil, e.Payload, e.CreatedAt,
			string(gbx.IncomingFailed), 5, "boom", time.Now(), nil, time.Now())
	}
	return rows
}
