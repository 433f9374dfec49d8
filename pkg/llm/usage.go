// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"fmt"
	"sync"
	"time"
)

// UsageRecord tracks measured token usage for a single completion request.
// This is accounting of what a provider actually reported, never a cost
// estimate or prediction.
type UsageRecord struct {
	// RequestID uniquely identifies the provider request.
	RequestID string

	// RunID is the workflow run this request was made on behalf of.
	RunID string

	// StepID is the step that made this request.
	StepID string

	// WorkflowID is the workflow definition ID.
	WorkflowID string

	// TenantID is the tenant the run belongs to.
	TenantID string

	// Provider is the name of the provider that handled the request.
	Provider string

	// Model is the model ID used for the request.
	Model string

	// Timestamp is when the request was made.
	Timestamp time.Time

	// Duration is how long the request took.
	Duration time.Duration

	// Usage contains token consumption information.
	Usage TokenUsage
}

// UsageTracker accumulates measured token usage for a worker process.
// Scoped to the owning Client rather than a package global, so each worker
// process keeps its own accounting instead of sharing mutable state across
// every llm.Provider it constructs.
type UsageTracker struct {
	mu      sync.RWMutex
	records []UsageRecord
}

// NewUsageTracker creates an empty usage tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{}
}

// Track records usage for one completion request.
func (t *UsageTracker) Track(record UsageRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, record)
}

// Records returns a copy of all tracked usage records.
func (t *UsageTracker) Records() []UsageRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	records := make([]UsageRecord, len(t.records))
	copy(records, t.records)
	return records
}

// AggregateByRun totals token usage per run ID, for surfacing per-run
// consumption on the run status API (spec §4.2's run detail view).
func (t *UsageTracker) AggregateByRun() map[string]UsageAggregate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	aggregates := make(map[string]UsageAggregate)
	for _, record := range t.records {
		agg := aggregates[record.RunID]
		agg.TotalRequests++
		agg.TotalTokens += record.Usage.TotalTokens
		agg.TotalPromptTokens += record.Usage.PromptTokens
		agg.TotalCompletionTokens += record.Usage.CompletionTokens
		agg.TotalCacheCreationTokens += record.Usage.CacheCreationTokens
		agg.TotalCacheReadTokens += record.Usage.CacheReadTokens
		aggregates[record.RunID] = agg
	}
	return aggregates
}

// AggregateByModel totals token usage per model.
func (t *UsageTracker) AggregateByModel() map[string]UsageAggregate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	aggregates := make(map[string]UsageAggregate)
	for _, record := range t.records {
		agg := aggregates[record.Model]
		agg.TotalRequests++
		agg.TotalTokens += record.Usage.TotalTokens
		agg.TotalPromptTokens += record.Usage.PromptTokens
		agg.TotalCompletionTokens += record.Usage.CompletionTokens
		agg.TotalCacheCreationTokens += record.Usage.CacheCreationTokens
		agg.TotalCacheReadTokens += record.Usage.CacheReadTokens
		aggregates[record.Model] = agg
	}
	return aggregates
}

// Clear removes all tracked records.
func (t *UsageTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = nil
}

// UsageAggregate is totaled token usage over a set of requests.
type UsageAggregate struct {
	TotalRequests            int
	TotalTokens              int
	TotalPromptTokens        int
	TotalCompletionTokens    int
	TotalCacheCreationTokens int
	TotalCacheReadTokens     int
}

// FormatTokens formats a token count for display in logs and API responses.
func FormatTokens(tokens int) string {
	if tokens >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(tokens)/1_000_000)
	}
	if tokens >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(tokens)/1_000)
	}
	return fmt.Sprintf("%d", tokens)
}
