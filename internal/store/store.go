package store

import "context"

// Store is the persistent-store adapter's full operation set (spec §4.2).
// Every operation is atomic; readers receive value copies so a caller can
// never mutate another caller's in-flight state.
type Store interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (Run, error)

	// UpdateRunStatus performs a compare-and-set: it only writes `to` if
	// the row's current status is still `from`. A mismatch is a
	// *errors.ConflictError, not a silent no-op.
	UpdateRunStatus(ctx context.Context, id string, from, to RunStatus) error

	// UpdateRun persists the full mutable projection of a run (usage,
	// output, error, timestamps) in one statement, used by the scheduler
	// after a status-independent field changes.
	UpdateRun(ctx context.Context, run Run) error

	CreateStep(ctx context.Context, step StepExecution) error
	GetStep(ctx context.Context, id string) (StepExecution, error)
	ListStepsByRun(ctx context.Context, runID string) ([]StepExecution, error)
	UpdateStepResult(ctx context.Context, stepID string, attempt int, outcome StepOutcome) error

	AppendAudit(ctx context.Context, event AuditEvent) error
	ListAuditByRun(ctx context.Context, runID string) ([]AuditEvent, error)

	// WithRunLease acquires an advisory lock scoped to runID for the
	// duration of fn, waiting up to timeout before failing with
	// *errors.LeaseBusyError. Only the leaseholder may call
	// UpdateRunStatus/UpdateRun/CreateStep for that run while held.
	WithRunLease(ctx context.Context, runID string, fn func(ctx context.Context) error) error

	// Ping reports whether the store's backing connection is healthy, for
	// the HTTP API's readiness probe (spec §4.9).
	Ping(ctx context.Context) error

	Close()
}
