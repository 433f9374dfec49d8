package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	ctrlerrors "github.com/flowgate/ctrlplane/pkg/errors"
)

// MemoryStore is a thread-safe in-memory Store, suitable for scheduler and
// worker unit tests. Every accessor returns a deep-enough copy so that
// mutating the caller's value never reaches back into the store.
type MemoryStore struct {
	mu     sync.Mutex
	runs   map[string]Run
	steps  map[string]StepExecution
	audit  []AuditEvent
	leases map[string]bool

	leaseTimeout time.Duration
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:         make(map[string]Run),
		steps:        make(map[string]StepExecution),
		leases:       make(map[string]bool),
		leaseTimeout: time.Second,
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return &ctrlerrors.ConflictError{Resource: "run", ID: run.ID, Expected: "absent", Actual: "present"}
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, &ctrlerrors.NotFoundError{Resource: "run", ID: id}
	}
	return run, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, id string, from, to RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return &ctrlerrors.NotFoundError{Resource: "run", ID: id}
	}
	if run.Status.IsTerminal() {
		return &ctrlerrors.ConflictError{Resource: "run", ID: id, Expected: string(from), Actual: string(run.Status)}
	}
	if run.Status != from {
		return &ctrlerrors.ConflictError{Resource: "run", ID: id, Expected: string(from), Actual: string(run.Status)}
	}
	run.Status = to
	now := time.Now().UTC()
	if to == RunRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if to.IsTerminal() {
		run.CompletedAt = &now
	}
	s.runs[id] = run
	return nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[run.ID]
	if !ok {
		return &ctrlerrors.NotFoundError{Resource: "run", ID: run.ID}
	}
	if existing.Status.IsTerminal() && existing.Status != run.Status {
		return &ctrlerrors.ConflictError{Resource: "run", ID: run.ID, Expected: string(existing.Status), Actual: string(run.Status)}
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) CreateStep(ctx context.Context, step StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.steps[step.ID]; exists {
		return &ctrlerrors.ConflictError{Resource: "step", ID: step.ID, Expected: "absent", Actual: "present"}
	}
	s.steps[step.ID] = step
	return nil
}

func (s *MemoryStore) GetStep(ctx context.Context, id string) (StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return StepExecution{}, &ctrlerrors.NotFoundError{Resource: "step", ID: id}
	}
	return step, nil
}

func (s *MemoryStore) ListStepsByRun(ctx context.Context, runID string) ([]StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StepExecution
	for _, step := range s.steps {
		if step.RunID == runID {
			out = append(out, step)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateStepResult(ctx context.Context, stepID string, attempt int, outcome StepOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[stepID]
	if !ok {
		return &ctrlerrors.NotFoundError{Resource: "step", ID: stepID}
	}
	if step.Attempt != attempt {
		return &ctrlerrors.ConflictError{Resource: "step", ID: stepID, Expected: strconv.Itoa(attempt), Actual: strconv.Itoa(step.Attempt)}
	}
	if step.Status.IsTerminal() {
		return &ctrlerrors.ConflictError{Resource: "step", ID: stepID, Expected: "non-terminal", Actual: string(step.Status)}
	}
	step.Status = outcome.Status
	step.Output = outcome.Output
	step.Error = outcome.Error
	step.Usage = outcome.Usage
	completedAt := outcome.CompletedAt
	step.CompletedAt = &completedAt
	s.steps[stepID] = step
	return nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, event)
	return nil
}

func (s *MemoryStore) ListAuditByRun(ctx context.Context, runID string) ([]AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEvent
	for _, e := range s.audit {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// WithRunLease emulates a Postgres advisory lock with an in-process flag;
// concurrent holders block-poll up to leaseTimeout before failing with
// LeaseBusyError, matching the Postgres implementation's contract.
func (s *MemoryStore) WithRunLease(ctx context.Context, runID string, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(s.leaseTimeout)
	for {
		s.mu.Lock()
		if !s.leases[runID] {
			s.leases[runID] = true
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		if time.Now().After(deadline) {
			return &ctrlerrors.LeaseBusyError{RunID: runID}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	defer func() {
		s.mu.Lock()
		delete(s.leases, runID)
		s.mu.Unlock()
	}()
	return fn(ctx)
}

func (s *MemoryStore) Close() {}

// Ping always succeeds; an in-memory store has no connection to lose.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
