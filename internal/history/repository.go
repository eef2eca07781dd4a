package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Step execution statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	defaultLimit = 50
	maxLimit     = 500

	// timeLayout is fixed-width so stored timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// ErrInvalidRecord is returned for records missing required fields.
var ErrInvalidRecord = errors.New("history: invalid record")

// Inspection is one finalized object.
type Inspection struct {
	ID            int64     `json:"id"`
	Channel       string    `json:"channel"`
	ObjectID      int       `json:"object_id"`
	IsDefective   bool      `json:"is_defective"`
	ConfidenceAvg float64   `json:"confidence_avg"`
	FrameCount    int       `json:"frame_count"`
	Labels        []string  `json:"labels"`
	Gated         bool      `json:"gated"` // the verdict was forwarded to the PLC
	CreatedAt     time.Time `json:"created_at"`
}

// StepExecution is one finished step body.
type StepExecution struct {
	ID          string        `json:"id"`
	Resource    string        `json:"resource"`
	Step        int           `json:"step"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration_ns"`
}

// Filter selects rows for the list queries. Key is the channel for
// inspections and the resource for step executions; empty matches all.
type Filter struct {
	Key    string
	Since  time.Time
	Limit  int // default 50, max 500
	Offset int
}

func (f Filter) clamp() Filter {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Page is a paginated list result.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Verdicts are good/bad totals for a channel.
type Verdicts struct {
	Good int `json:"good"`
	Bad  int `json:"bad"`
}

// Repository stores inspection and step history.
type Repository interface {
	RecordInspection(ctx context.Context, in *Inspection) error
	RecordStep(ctx context.Context, s *StepExecution) error
	ListInspections(ctx context.Context, filter Filter) (*Page[Inspection], error)
	ListSteps(ctx context.Context, filter Filter) (*Page[StepExecution], error)
	CountVerdicts(ctx context.Context, channel string, since time.Time) (Verdicts, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRepository implements Repository on the tables created by the
// history migration.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// RecordInspection inserts an inspection. CreatedAt defaults to now and ID
// is set from the generated row id.
func (r *SQLiteRepository) RecordInspection(ctx context.Context, in *Inspection) error {
	if in.Channel == "" {
		return fmt.Errorf("%w: inspection channel is required", ErrInvalidRecord)
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	if in.Labels == nil {
		in.Labels = []string{}
	}

	labels, err := json.Marshal(in.Labels)
	if err != nil {
		return fmt.Errorf("marshalling labels: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO inspections (channel, object_id, is_defective, confidence_avg, frame_count, labels, gated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.Channel, in.ObjectID, in.IsDefective, in.ConfidenceAvg, in.FrameCount,
		string(labels), in.Gated, formatTime(in.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting inspection: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		in.ID = id
	}
	return nil
}

// RecordStep inserts a step execution. ID defaults to a new UUID and the
// status is derived from Error when empty.
func (r *SQLiteRepository) RecordStep(ctx context.Context, s *StepExecution) error {
	if s.Resource == "" {
		return fmt.Errorf("%w: step resource is required", ErrInvalidRecord)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CompletedAt.IsZero() {
		s.CompletedAt = time.Now().UTC()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = s.CompletedAt.Add(-s.Duration)
	}
	if s.Status == "" {
		s.Status = StatusCompleted
		if s.Error != "" {
			s.Status = StatusFailed
		}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO step_executions (id, resource, step, status, error, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Resource, s.Step, s.Status, nullableString(s.Error),
		formatTime(s.StartedAt), formatTime(s.CompletedAt), s.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting step execution: %w", err)
	}
	return nil
}

// nullableString maps "" to NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// where builds a parameterised WHERE clause on keyColumn and timeColumn.
func where(f Filter, keyColumn, timeColumn string) (string, []any) {
	var conditions []string
	var args []any
	if f.Key != "" {
		conditions = append(conditions, keyColumn+" = ?")
		args = append(args, f.Key)
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, timeColumn+" >= ?")
		args = append(args, formatTime(f.Since))
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

// ListInspections returns inspections newest first.
func (r *SQLiteRepository) ListInspections(ctx context.Context, filter Filter) (*Page[Inspection], error) {
	filter = filter.clamp()
	clause, args := where(filter, "channel", "created_at")

	var total int
	countQuery := "SELECT COUNT(*) FROM inspections " + clause //nolint:gosec // clause is built from fixed column names
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting inspections: %w", err)
	}

	query := `SELECT id, channel, object_id, is_defective, confidence_avg, frame_count, labels, gated, created_at
		FROM inspections ` + clause + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?` //nolint:gosec // as above
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying inspections: %w", err)
	}
	defer rows.Close()

	items := []Inspection{}
	for rows.Next() {
		var in Inspection
		var labels, createdAt string
		if err := rows.Scan(&in.ID, &in.Channel, &in.ObjectID, &in.IsDefective,
			&in.ConfidenceAvg, &in.FrameCount, &labels, &in.Gated, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning inspection: %w", err)
		}
		if err := json.Unmarshal([]byte(labels), &in.Labels); err != nil {
			return nil, fmt.Errorf("decoding labels of inspection %d: %w", in.ID, err)
		}
		if in.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing inspection timestamp %q: %w", createdAt, err)
		}
		items = append(items, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating inspections: %w", err)
	}

	return &Page[Inspection]{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// ListSteps returns step executions newest first.
func (r *SQLiteRepository) ListSteps(ctx context.Context, filter Filter) (*Page[StepExecution], error) {
	filter = filter.clamp()
	clause, args := where(filter, "resource", "started_at")

	var total int
	countQuery := "SELECT COUNT(*) FROM step_executions " + clause //nolint:gosec // clause is built from fixed column names
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting step executions: %w", err)
	}

	query := `SELECT id, resource, step, status, error, started_at, completed_at, duration_ms
		FROM step_executions ` + clause + ` ORDER BY started_at DESC LIMIT ? OFFSET ?` //nolint:gosec // as above
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying step executions: %w", err)
	}
	defer rows.Close()

	items := []StepExecution{}
	for rows.Next() {
		var s StepExecution
		var errText sql.NullString
		var startedAt, completedAt string
		var durationMS int64
		if err := rows.Scan(&s.ID, &s.Resource, &s.Step, &s.Status, &errText,
			&startedAt, &completedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scanning step execution: %w", err)
		}
		s.Error = errText.String
		s.Duration = time.Duration(durationMS) * time.Millisecond
		if s.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
			return nil, fmt.Errorf("parsing step start %q: %w", startedAt, err)
		}
		if s.CompletedAt, err = time.Parse(timeLayout, completedAt); err != nil {
			return nil, fmt.Errorf("parsing step completion %q: %w", completedAt, err)
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating step executions: %w", err)
	}

	return &Page[StepExecution]{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// CountVerdicts returns good/bad totals for channel since the given time.
// An empty channel counts all channels.
func (r *SQLiteRepository) CountVerdicts(ctx context.Context, channel string, since time.Time) (Verdicts, error) {
	clause, args := where(Filter{Key: channel, Since: since}, "channel", "created_at")
	query := `SELECT COALESCE(SUM(CASE WHEN is_defective = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(is_defective), 0) FROM inspections ` + clause //nolint:gosec // clause is built from fixed column names

	var v Verdicts
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&v.Good, &v.Bad); err != nil {
		return Verdicts{}, fmt.Errorf("counting verdicts: %w", err)
	}
	return v, nil
}

// Prune deletes history older than before and returns the number of rows
// removed.
func (r *SQLiteRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := formatTime(before)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting prune: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var removed int64
	for _, stmt := range []string{
		"DELETE FROM inspections WHERE created_at < ?",
		"DELETE FROM step_executions WHERE started_at < ?",
	} {
		res, err := tx.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			return 0, fmt.Errorf("pruning history: %w", err)
		}
		n, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports it
		removed += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}
	return removed, nil
}
