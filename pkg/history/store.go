// Package history provides SQLite-based storage of terminal task results.
// The store is an optional sink: attach it to a dispatcher to keep an audit
// trail of every result without making the queue itself durable.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // CGo-free SQLite driver

	"taskrouter/pkg/logx"
	"taskrouter/pkg/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_results (
	task_id        TEXT NOT NULL,
	agent_id       TEXT NOT NULL,
	success        INTEGER NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	execution_ms   INTEGER NOT NULL,
	start_time     TEXT NOT NULL,
	end_time       TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	recorded_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_results_task_id ON task_results(task_id);
CREATE INDEX IF NOT EXISTS idx_task_results_agent_id ON task_results(agent_id);
`

// Store persists task results to a SQLite database.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if needed) the result store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=5000", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("history")
	logger.Info("Result store opened: %s", dbPath)

	return &Store{db: db, logger: logger}, nil
}

// SaveResult appends one terminal result.
func (s *Store) SaveResult(res *task.Result) error {
	_, err := s.db.Exec(`
		INSERT INTO task_results
			(task_id, agent_id, success, error, execution_ms, start_time, end_time, retry_count, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.TaskID,
		res.AgentID,
		boolToInt(res.Success),
		res.Error,
		res.ExecutionTime.Milliseconds(),
		res.Metadata.StartTime.UTC().Format(time.RFC3339Nano),
		res.Metadata.EndTime.UTC().Format(time.RFC3339Nano),
		res.Metadata.RetryCount,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save result for task %s: %w", res.TaskID, err)
	}
	return nil
}

// ResultsForTask returns every recorded result for a task, oldest first.
func (s *Store) ResultsForTask(taskID string) ([]*task.Result, error) {
	rows, err := s.db.Query(`
		SELECT task_id, agent_id, success, error, execution_ms, start_time, end_time, retry_count
		FROM task_results WHERE task_id = ? ORDER BY rowid`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results for task %s: %w", taskID, err)
	}
	defer rows.Close()

	return scanResults(rows)
}

// ResultsForAgent returns every recorded result produced by an agent, oldest first.
func (s *Store) ResultsForAgent(agentID string) ([]*task.Result, error) {
	rows, err := s.db.Query(`
		SELECT task_id, agent_id, success, error, execution_ms, start_time, end_time, retry_count
		FROM task_results WHERE agent_id = ? ORDER BY rowid`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results for agent %s: %w", agentID, err)
	}
	defer rows.Close()

	return scanResults(rows)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func scanResults(rows *sql.Rows) ([]*task.Result, error) {
	var out []*task.Result
	for rows.Next() {
		var (
			res         task.Result
			success     int
			executionMs int64
			start, end  string
		)
		if err := rows.Scan(&res.TaskID, &res.AgentID, &success, &res.Error,
			&executionMs, &start, &end, &res.Metadata.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		res.Success = success != 0
		res.ExecutionTime = time.Duration(executionMs) * time.Millisecond
		if ts, err := time.Parse(time.RFC3339Nano, start); err == nil {
			res.Metadata.StartTime = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, end); err == nil {
			res.Metadata.EndTime = ts
		}
		out = append(out, &res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate result rows: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
