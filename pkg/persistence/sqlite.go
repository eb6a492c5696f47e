package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"conclave/pkg/logx"
)

// SQLiteStore keeps snapshots in a single agent_snapshots table.
type SQLiteStore struct {
	db     *sql.DB
	logger *logx.Logger
}

// OpenSQLite opens (creating if needed) the database at dbPath.
// ":memory:" gives a private in-memory database, useful in tests.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	if dbPath == ":memory:" {
		dsn = "file::memory:?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer; a single connection also keeps
	// an in-memory database alive for the store's lifetime.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger := logx.NewLogger("persistence")
	logger.Info("📦 Snapshot database initialized: %s", dbPath)
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Save upserts the snapshot; the newest write for an agent id wins.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_snapshots (agent_id, parent_id, task_id, version, snapshot, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			parent_id = excluded.parent_id,
			task_id = excluded.task_id,
			version = excluded.version,
			snapshot = excluded.snapshot,
			saved_at = excluded.saved_at
	`, snap.AgentID, snap.ParentID, snap.TaskID, snap.Version, string(data), savedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", snap.AgentID, err)
	}
	return nil
}

// Load returns the snapshot saved for agentID.
func (s *SQLiteStore) Load(ctx context.Context, agentID string) (*Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT snapshot FROM agent_snapshots WHERE agent_id = ?", agentID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", agentID, err)
	}
	return decodeSnapshot([]byte(data))
}

// Delete removes the snapshot for agentID. Deleting a missing record is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM agent_snapshots WHERE agent_id = ?", agentID); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", agentID, err)
	}
	return nil
}

// List returns every persisted agent id.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT agent_id FROM agent_snapshots ORDER BY agent_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %w", err)
	}
	return ids, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
