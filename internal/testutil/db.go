// Package testutil runs the ledger tests against a throwaway Postgres.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/models"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDB is a migrated ledger database. The container and connection are
// released by t.Cleanup.
type TestDB struct {
	DB      *sqlx.DB
	ConnStr string
}

// SetupTestDB starts a PostgreSQL container with the ledger schema applied.
// The test is skipped unless DB_USERNAME, DB_PASSWORD and DB_NAME are set.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Logf("Failed to load .env: %v", err)
	}
	user, password, name := os.Getenv("DB_USERNAME"), os.Getenv("DB_PASSWORD"), os.Getenv("DB_NAME")
	if user == "" || password == "" || name == "" {
		t.Skip("DB_USERNAME, DB_PASSWORD and DB_NAME are required for Postgres tests")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       name,
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port.Port(), name)

	db, err := sqlx.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.Eventually(t, func() bool { return db.PingContext(ctx) == nil }, 10*time.Second, 250*time.Millisecond,
		"postgres at %s:%s never accepted connections", host, port.Port())

	m, err := migrate.New(migrationsURL(t), connStr)
	require.NoError(t, err, "init migrations")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	return &TestDB{DB: db, ConnStr: connStr}
}

// migrationsURL finds the migrations directory next to go.mod, so callers
// at any depth of the module share it.
func migrationsURL(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return "file://" + filepath.ToSlash(filepath.Join(dir, "migrations"))
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("go.mod not found above the test directory")
		}
		dir = parent
	}
}

// SeedExecution writes an execution row in the given status directly,
// bypassing the store's transition checks, and returns its id.
func (td *TestDB) SeedExecution(t *testing.T, workflowID string, status models.ExecutionStatus) string {
	t.Helper()
	id := uuid.NewString()
	now := time.Now()
	var startedAt, completedAt *time.Time
	if status != models.PendingExecutionStatus {
		startedAt = &now
	}
	if status.Terminal() {
		completedAt = &now
	}
	_, err := td.DB.Exec(`
		INSERT INTO workflow_executions (id, workflow_id, workflow_version, tenant_id, status, trigger_type, started_at, completed_at)
		VALUES ($1, $2, 1, 'tenant-a', $3, 'api', $4, $5)`,
		id, workflowID, string(status), startedAt, completedAt)
	require.NoError(t, err, "seed %s execution", status)
	return id
}

// ResetLedger empties both ledger tables.
func (td *TestDB) ResetLedger(t *testing.T) {
	t.Helper()
	_, err := td.DB.Exec("TRUNCATE step_executions, workflow_executions")
	require.NoError(t, err)
}
