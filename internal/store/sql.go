package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

var (
	dialectSQLite   = dialect{name: "sqlite"}
	dialectPostgres = dialect{name: "postgres", numbered: true}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store over database/sql. It backs both the libSQL and
// the PostgreSQL stores; only placeholders and migrations differ.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.d)
}

func (s *SQLStore) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q execer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.d.rebind(query), args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// withTx runs fn inside a transaction and commits if it returns nil.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- Plans ---

func (s *SQLStore) CreatePlan(ctx context.Context, plan *Plan, steps []*Step) error {
	def, err := json.Marshal(plan.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	if plan.Status == "" {
		plan.Status = schema.PlanPending
	}
	plan.CreatedAt = timeOrNow(plan.CreatedAt)
	plan.UpdatedAt = plan.CreatedAt

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx,
			`INSERT INTO plans (id, name, status, definition, error, created_at, started_at, completed_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			plan.ID, nullStr(plan.Name), string(plan.Status), string(def), nullStr(plan.Error),
			plan.CreatedAt, nullTime(plan.StartedAt), nullTime(plan.CompletedAt), plan.UpdatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return schema.NewErrorf(schema.ErrCodeConflict, "plan %q already exists", plan.ID).WithCause(err)
			}
			return fmt.Errorf("insert plan: %w", err)
		}

		for _, st := range steps {
			params, err := marshalMapOrDefault(st.Parameters)
			if err != nil {
				return fmt.Errorf("marshal parameters of %s: %w", st.ID, err)
			}
			deps, err := marshalSliceOrDefault(st.DependsOn)
			if err != nil {
				return fmt.Errorf("marshal depends_on of %s: %w", st.ID, err)
			}
			st.PlanID = plan.ID
			if st.State == "" {
				st.State = schema.StepPending
			}
			st.UpdatedAt = plan.CreatedAt
			if _, err := s.exec(ctx, tx,
				`INSERT INTO steps (plan_id, id, agent_name, action, parameters, depends_on, state, attempt_count, max_attempts, wave_index, result, started_at, completed_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				plan.ID, st.ID, st.AgentName, nullStr(st.Action), string(params), string(deps),
				string(st.State), st.AttemptCount, st.MaxAttempts, st.WaveIndex, nullRaw(st.Result),
				nullTime(st.StartedAt), nullTime(st.CompletedAt), st.UpdatedAt,
			); err != nil {
				return fmt.Errorf("insert step %s: %w", st.ID, err)
			}
		}

		return s.appendLog(ctx, tx, &LogEntry{
			PlanID:    plan.ID,
			ToState:   string(plan.Status),
			Timestamp: plan.CreatedAt,
			Detail:    "submitted",
		})
	})
}

const planColumns = `id, name, status, definition, error, created_at, started_at, completed_at, updated_at`

func scanPlan(row rowScanner) (*Plan, error) {
	p := &Plan{}
	var (
		name, errMsg           sql.NullString
		defJSON, status        string
		startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(&p.ID, &name, &status, &defJSON, &errMsg,
		&p.CreatedAt, &startedAt, &completedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Name = name.String
	p.Error = errMsg.String
	p.Status = schema.PlanStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &p.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if startedAt.Valid {
		p.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	return p, nil
}

func (s *SQLStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	p, err := scanPlan(s.queryRow(ctx, s.db, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("plan", id)
	}
	return p, err
}

func (s *SQLStore) ListPlans(ctx context.Context, filter PlanFilter) ([]*Plan, error) {
	var where []string
	var args []any

	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + planColumns + ` FROM plans`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (s *SQLStore) UpdatePlanStatus(ctx context.Context, entry *LogEntry, update PlanUpdate) error {
	entry.Timestamp = timeOrNow(entry.Timestamp)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		sets := []string{"status = ?", "updated_at = ?"}
		args := []any{entry.ToState, entry.Timestamp}
		if update.Error != nil {
			sets = append(sets, "error = ?")
			args = append(args, nullStr(*update.Error))
		}
		if update.StartedAt != nil {
			sets = append(sets, "started_at = ?")
			args = append(args, *update.StartedAt)
		}
		if update.CompletedAt != nil {
			sets = append(sets, "completed_at = ?")
			args = append(args, *update.CompletedAt)
		}
		args = append(args, entry.PlanID, entry.FromState)

		res, err := s.exec(ctx, tx,
			`UPDATE plans SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
		if err != nil {
			return fmt.Errorf("update plan: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			var current string
			err := s.queryRow(ctx, tx, `SELECT status FROM plans WHERE id = ?`, entry.PlanID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return storeNotFound("plan", entry.PlanID)
			}
			if err != nil {
				return err
			}
			return stateConflict("plan", entry.PlanID, entry.FromState, current)
		}

		entry.StepID = ""
		return s.appendLog(ctx, tx, entry)
	})
}

// --- Steps ---

const stepColumns = `plan_id, id, agent_name, action, parameters, depends_on, state, attempt_count, max_attempts, wave_index, result, started_at, completed_at, updated_at`

func scanStep(row rowScanner) (*Step, error) {
	st := &Step{}
	var (
		action, result         sql.NullString
		params, deps, state    string
		startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(&st.PlanID, &st.ID, &st.AgentName, &action, &params, &deps, &state,
		&st.AttemptCount, &st.MaxAttempts, &st.WaveIndex, &result,
		&startedAt, &completedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.Action = action.String
	st.State = schema.StepState(state)
	st.Result = rawOrNil(result)
	if params != "" {
		if err := json.Unmarshal([]byte(params), &st.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if deps != "" {
		if err := json.Unmarshal([]byte(deps), &st.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshal depends_on: %w", err)
		}
	}
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	return st, nil
}

func (s *SQLStore) GetStep(ctx context.Context, planID, stepID string) (*Step, error) {
	st, err := scanStep(s.queryRow(ctx, s.db,
		`SELECT `+stepColumns+` FROM steps WHERE plan_id = ? AND id = ?`, planID, stepID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("step", stepKey(planID, stepID))
	}
	return st, err
}

func (s *SQLStore) ListSteps(ctx context.Context, planID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT `+stepColumns+` FROM steps WHERE plan_id = ? ORDER BY wave_index, id`), planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *SQLStore) CommitTransition(ctx context.Context, entry *LogEntry, update StepUpdate) error {
	if entry.StepID == "" {
		return schema.NewError(schema.ErrCodeValidation, "step transition without step id")
	}
	entry.Timestamp = timeOrNow(entry.Timestamp)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		sets := []string{"state = ?", "updated_at = ?"}
		args := []any{entry.ToState, entry.Timestamp}
		if update.AttemptCount != nil {
			sets = append(sets, "attempt_count = ?")
			args = append(args, *update.AttemptCount)
		}
		if update.Result != nil {
			sets = append(sets, "result = ?")
			args = append(args, string(update.Result))
		}
		if update.StartedAt != nil {
			sets = append(sets, "started_at = ?")
			args = append(args, *update.StartedAt)
		}
		if update.CompletedAt != nil {
			sets = append(sets, "completed_at = ?")
			args = append(args, *update.CompletedAt)
		}
		args = append(args, entry.PlanID, entry.StepID, entry.FromState)

		res, err := s.exec(ctx, tx,
			`UPDATE steps SET `+strings.Join(sets, ", ")+` WHERE plan_id = ? AND id = ? AND state = ?`, args...)
		if err != nil {
			return fmt.Errorf("update step: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			var current string
			err := s.queryRow(ctx, tx, `SELECT state FROM steps WHERE plan_id = ? AND id = ?`,
				entry.PlanID, entry.StepID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return storeNotFound("step", stepKey(entry.PlanID, entry.StepID))
			}
			if err != nil {
				return err
			}
			return stateConflict("step", stepKey(entry.PlanID, entry.StepID), entry.FromState, current)
		}

		return s.appendLog(ctx, tx, entry)
	})
}

// --- Execution log ---

// appendLog assigns the next per-plan sequence and inserts entry.
func (s *SQLStore) appendLog(ctx context.Context, tx *sql.Tx, entry *LogEntry) error {
	var seq int64
	if err := s.queryRow(ctx, tx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_log WHERE plan_id = ?`, entry.PlanID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	entry.Sequence = seq
	entry.Timestamp = timeOrNow(entry.Timestamp)

	if err := s.queryRow(ctx, tx,
		`INSERT INTO execution_log (plan_id, step_id, from_state, to_state, timestamp, detail, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		entry.PlanID, entry.StepID, entry.FromState, entry.ToState, entry.Timestamp, nullStr(entry.Detail), seq,
	).Scan(&entry.ID); err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

func (s *SQLStore) GetLog(ctx context.Context, planID, stepID string) ([]*LogEntry, error) {
	query := `SELECT id, plan_id, step_id, from_state, to_state, timestamp, detail, sequence
		FROM execution_log WHERE plan_id = ?`
	args := []any{planID}
	if stepID != "" {
		query += " AND step_id = ?"
		args = append(args, stepID)
	}
	query += " ORDER BY sequence"

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.PlanID, &e.StepID, &e.FromState, &e.ToState,
			&e.Timestamp, &detail, &e.Sequence); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Helpers ---

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalSliceOrDefault(s []string) (json.RawMessage, error) {
	if len(s) == 0 {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(s)
}
