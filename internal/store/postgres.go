package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowgate/ctrlplane/pkg/budget"
	ctrlerrors "github.com/flowgate/ctrlplane/pkg/errors"
)

// PostgresStore is the production Store backed by a single Postgres
// database. A call made inside a WithRunLease closure runs on that lease's
// transaction (spec §4.8: audit writes share the transaction of the state
// change they describe); outside a lease, every method runs in its own
// implicit transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so store methods
// can run unmodified whether or not they're inside a WithRunLease
// transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type txKey struct{}

// db returns the active lease transaction if ctx carries one, else the pool.
func (s *PostgresStore) db(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// Open connects to Postgres and verifies the schema exists. Callers are
// expected to have applied migrations (see migrations.sql) out of band.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connecting to postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: pinging postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

// Ping verifies the connection pool can still reach Postgres.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// adviosryLockKey hashes a run id into the int64 key pg_advisory_lock
// requires; collisions only cost extra contention, never correctness,
// since two runs sharing a lock key still serialize correctly (just more
// conservatively than necessary).
func advisoryLockKey(runID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(runID))
	return int64(h.Sum64())
}

func (s *PostgresStore) CreateRun(ctx context.Context, run Run) error {
	input, err := json.Marshal(run.Input)
	if err != nil {
		return fmt.Errorf("store: marshaling run input: %w", err)
	}
	budgetJSON, err := json.Marshal(run.Budget)
	if err != nil {
		return fmt.Errorf("store: marshaling run budget: %w", err)
	}
	_, err = s.db(ctx).Exec(ctx, `
		INSERT INTO runs (id, tenant_id, agent_id, workflow_id, workflow_version,
		                   input, created_at, budget, status, usage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.TenantID, run.AgentID, run.WorkflowID, run.WorkflowVersion,
		input, run.CreatedAt, budgetJSON, string(run.Status), usageJSON(run.Usage))
	if err != nil {
		return classifyError("create_run", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db(ctx).QueryRow(ctx, `
		SELECT id, tenant_id, agent_id, workflow_id, workflow_version, input,
		       created_at, budget, status, usage, started_at, completed_at, output, error
		FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, id string, from, to RunStatus) error {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE runs SET status = $1,
		       started_at = COALESCE(started_at, CASE WHEN $1 = 'running' THEN now() END),
		       completed_at = CASE WHEN $1 IN ('completed','failed','budget_killed','policy_blocked','cancelled') THEN now() ELSE completed_at END
		WHERE id = $2 AND status = $3`, string(to), id, string(from))
	if err != nil {
		return classifyError("update_run_status", err)
	}
	if tag.RowsAffected() == 0 {
		current, getErr := s.GetRun(ctx, id)
		if getErr != nil {
			return getErr
		}
		return &ctrlerrors.ConflictError{Resource: "run", ID: id, Expected: string(from), Actual: string(current.Status)}
	}
	return nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run Run) error {
	output, err := json.Marshal(run.Output)
	if err != nil {
		return fmt.Errorf("store: marshaling run output: %w", err)
	}
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE runs SET status = $1, usage = $2, output = $3, error = $4, completed_at = $5
		WHERE id = $6`, string(run.Status), usageJSON(run.Usage), output, run.Error, run.CompletedAt, run.ID)
	if err != nil {
		return classifyError("update_run", err)
	}
	if tag.RowsAffected() == 0 {
		return &ctrlerrors.NotFoundError{Resource: "run", ID: run.ID}
	}
	return nil
}

func (s *PostgresStore) CreateStep(ctx context.Context, step StepExecution) error {
	input, err := json.Marshal(step.Input)
	if err != nil {
		return fmt.Errorf("store: marshaling step input: %w", err)
	}
	_, err = s.db(ctx).Exec(ctx, `
		INSERT INTO step_executions (id, run_id, step_def_id, attempt, status, input, usage)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		step.ID, step.RunID, step.StepDefID, step.Attempt, string(step.Status), input, usageJSON(step.Usage))
	if err != nil {
		return classifyError("create_step", err)
	}
	return nil
}

func (s *PostgresStore) GetStep(ctx context.Context, id string) (StepExecution, error) {
	row := s.db(ctx).QueryRow(ctx, `
		SELECT id, run_id, step_def_id, attempt, status, input, output, error,
		       started_at, completed_at, usage
		FROM step_executions WHERE id = $1`, id)
	return scanStep(row)
}

func (s *PostgresStore) ListStepsByRun(ctx context.Context, runID string) ([]StepExecution, error) {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT id, run_id, step_def_id, attempt, status, input, output, error,
		       started_at, completed_at, usage
		FROM step_executions WHERE run_id = $1 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, classifyError("list_steps_by_run", err)
	}
	defer rows.Close()

	var out []StepExecution
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateStepResult(ctx context.Context, stepID string, attempt int, outcome StepOutcome) error {
	output, err := json.Marshal(outcome.Output)
	if err != nil {
		return fmt.Errorf("store: marshaling step output: %w", err)
	}
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE step_executions
		SET status = $1, output = $2, error = $3, usage = $4, completed_at = $5
		WHERE id = $6 AND attempt = $7
		  AND status NOT IN ('completed','failed','skipped','cancelled')`,
		string(outcome.Status), output, outcome.Error, usageJSON(outcome.Usage), outcome.CompletedAt, stepID, attempt)
	if err != nil {
		return classifyError("update_step_result", err)
	}
	if tag.RowsAffected() == 0 {
		existing, getErr := s.GetStep(ctx, stepID)
		if getErr != nil {
			return getErr
		}
		return &ctrlerrors.ConflictError{Resource: "step", ID: stepID, Expected: "non-terminal", Actual: string(existing.Status)}
	}
	return nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, event AuditEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("store: marshaling audit details: %w", err)
	}
	_, err = s.db(ctx).Exec(ctx, `
		INSERT INTO audit_events (id, run_id, step_id, action, actor, timestamp, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.RunID, event.StepID, string(event.Action), event.Actor, event.Timestamp, details)
	if err != nil {
		return classifyError("append_audit", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditByRun(ctx context.Context, runID string) ([]AuditEvent, error) {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT id, run_id, step_id, action, actor, timestamp, details
		FROM audit_events WHERE run_id = $1 ORDER BY timestamp ASC, id ASC`, runID)
	if err != nil {
		return nil, classifyError("list_audit_by_run", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var action string
		var details []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.StepID, &action, &e.Actor, &e.Timestamp, &details); err != nil {
			return nil, fmt.Errorf("store: scanning audit event: %w", err)
		}
		e.Action = AuditAction(action)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("store: unmarshaling audit details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// WithRunLease acquires a session-scoped advisory lock for runID on a
// dedicated connection and holds it for the lifetime of fn, giving the
// closure single-writer exclusivity over the run's row and its step rows
// (spec §4.2, §5). fn's body runs inside one transaction on that
// connection, so every Store call fn makes - including the audit events
// that describe the state changes it makes - commits or rolls back
// together (spec §4.8's outbox invariant: an audit event is present iff
// the state change it describes is committed).
func (s *PostgresStore) WithRunLease(ctx context.Context, runID string, fn func(ctx context.Context) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return classifyError("with_run_lease", err)
	}
	defer conn.Release()

	key := advisoryLockKey(runID)

	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var acquired bool
	if err := conn.QueryRow(lockCtx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		return classifyError("with_run_lease", err)
	}
	if !acquired {
		return &ctrlerrors.LeaseBusyError{RunID: runID}
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
	}()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return classifyError("with_run_lease", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyError("with_run_lease_commit", err)
	}
	return nil
}

func usageJSON(u budget.Usage) []byte {
	b, _ := json.Marshal(u)
	return b
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var status string
	var input, budgetJSON, usage, output []byte
	var errStr *string
	if err := row.Scan(&run.ID, &run.TenantID, &run.AgentID, &run.WorkflowID, &run.WorkflowVersion,
		&input, &run.CreatedAt, &budgetJSON, &status, &usage, &run.StartedAt, &run.CompletedAt, &output, &errStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, &ctrlerrors.NotFoundError{Resource: "run", ID: ""}
		}
		return Run{}, fmt.Errorf("store: scanning run: %w", err)
	}
	run.Status = RunStatus(status)
	if errStr != nil {
		run.Error = *errStr
	}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &run.Input)
	}
	if len(budgetJSON) > 0 {
		_ = json.Unmarshal(budgetJSON, &run.Budget)
	}
	if len(usage) > 0 {
		_ = json.Unmarshal(usage, &run.Usage)
	}
	if len(output) > 0 {
		_ = json.Unmarshal(output, &run.Output)
	}
	return run, nil
}

func scanStep(row rowScanner) (StepExecution, error) {
	var step StepExecution
	var status string
	var input, output, usage []byte
	var errStr *string
	if err := row.Scan(&step.ID, &step.RunID, &step.StepDefID, &step.Attempt, &status,
		&input, &output, &errStr, &step.StartedAt, &step.CompletedAt, &usage); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StepExecution{}, &ctrlerrors.NotFoundError{Resource: "step", ID: ""}
		}
		return StepExecution{}, fmt.Errorf("store: scanning step: %w", err)
	}
	step.Status = StepStatus(status)
	if errStr != nil {
		step.Error = *errStr
	}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &step.Input)
	}
	if len(output) > 0 {
		_ = json.Unmarshal(output, &step.Output)
	}
	if len(usage) > 0 {
		_ = json.Unmarshal(usage, &step.Usage)
	}
	return step, nil
}

// classifyError maps a pgx/pg error into the store's typed error taxonomy
// (spec §4.2): unique-violation becomes Conflict, a connection failure
// becomes Transient, everything else is wrapped as a Fatal.
func classifyError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return &ctrlerrors.NotFoundError{Resource: op, ID: ""}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ctrlerrors.TransientError{Operation: op, Cause: err}
	}
	return &ctrlerrors.FatalError{Reason: op, Cause: err}
}
