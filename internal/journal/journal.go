// Package journal records restart attempts in sqlite. Nothing reads it back
// to drive reconciliation; it exists for operators and the HTTP API.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Attempt statuses.
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

type Attempt struct {
	ID             int64     `json:"id"`
	RunID          string    `json:"run_id"`
	ContainerID    string    `json:"container_id"`
	Name           string    `json:"name"`
	Attempt        int       `json:"attempt"`
	Trigger        string    `json:"trigger"`
	Status         string    `json:"status"`
	NewContainerID string    `json:"new_container_id,omitempty"`
	Step           string    `json:"step,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitzero"`
}

// Journal is safe to use as a nil pointer; every method is then a no-op.
type Journal struct {
	db *sql.DB
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Begin inserts a pending attempt and returns its row id. RunID and
// StartedAt are filled in when empty.
func (j *Journal) Begin(ctx context.Context, a Attempt) (int64, error) {
	if j == nil {
		return 0, nil
	}
	if a.RunID == "" {
		a.RunID = uuid.NewString()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	res, err := j.db.ExecContext(ctx, `
INSERT INTO restart_attempts (run_id, container_id, name, attempt, trigger, status, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, a.RunID, a.ContainerID, a.Name, a.Attempt, a.Trigger, StatusPending, formatTime(a.StartedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Finish closes attempt id. A nil err marks it succeeded; otherwise the
// error text and, when err carries one, the failed step are recorded.
func (j *Journal) Finish(ctx context.Context, id int64, newContainerID string, err error) error {
	if j == nil || id == 0 {
		return nil
	}
	status := StatusSucceeded
	var step, msg string
	if err != nil {
		status = StatusFailed
		msg = err.Error()
		var se interface{ FailedStep() string }
		if errors.As(err, &se) {
			step = se.FailedStep()
		}
	}
	_, execErr := j.db.ExecContext(ctx, `
UPDATE restart_attempts
SET status = ?, new_container_id = ?, step = ?, error = ?, finished_at = ?
WHERE id = ?
`, status, newContainerID, step, msg, formatTime(time.Now().UTC()), id)
	return execErr
}

// List returns attempts newest first. containerID matches either the
// container that died or the one created to replace it; empty means all.
// beforeID pages backwards; 0 starts from the newest.
func (j *Journal) List(ctx context.Context, containerID string, beforeID int64, limit int) ([]Attempt, error) {
	if j == nil {
		return []Attempt{}, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if beforeID <= 0 {
		beforeID = int64(^uint64(0) >> 1)
	}

	query := `
SELECT id, run_id, container_id, name, attempt, trigger, status, new_container_id, step, error, started_at, finished_at
FROM restart_attempts
WHERE id < ?`
	args := []any{beforeID}
	if containerID != "" {
		query += ` AND (container_id = ? OR new_container_id = ?)`
		args = append(args, containerID, containerID)
	}
	query += `
ORDER BY id DESC
LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Attempt{}
	for rows.Next() {
		var a Attempt
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &a.ContainerID, &a.Name, &a.Attempt, &a.Trigger, &a.Status, &a.NewContainerID, &a.Step, &a.Error, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		a.StartedAt = parseTime(startedAt)
		if finishedAt.Valid {
			a.FinishedAt = parseTime(finishedAt.String)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(val string) time.Time {
	if val == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
