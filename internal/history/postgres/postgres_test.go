package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/matplo/procorg/internal/history"
	"github.com/matplo/procorg/internal/store"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	exec := store.Execution{
		ID:          "20240101_120000_000001",
		ProcessName: "test-process",
		Status:      store.StatusRunning,
		PID:         12345,
		StartedAt:   time.Now().UTC(),
		OwnerUID:    1000,
	}

	startEvent := history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now().UTC(),
		Execution:  exec,
	}
	if err := sink.Send(ctx, startEvent); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}

	code := 1
	exec.Status = store.StatusFailed
	exec.ExitCode = &code
	exec.EndedAt = time.Now().UTC()

	endEvent := history.Event{
		Type:       history.EventEnd,
		OccurredAt: exec.EndedAt,
		Execution:  exec,
	}
	if err := sink.Send(ctx, endEvent); err != nil {
		t.Fatalf("Failed to send end event: %v", err)
	}

	var count int
	row := sink.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM execution_history WHERE execution_id = $1", exec.ID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("Failed to query execution_history: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events in history, got %d", count)
	}
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("Expected error for empty DSN, got nil")
	}
}
