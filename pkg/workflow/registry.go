package workflow

import (
	"sort"
	"sync"

	"github.com/flowgate/ctrlplane/pkg/errors"
)

// Entry is a registered workflow template plus the bookkeeping the HTTP API
// needs to list and tenant-scope it (spec §4.9/§6).
type Entry struct {
	ID         string
	TenantID   string
	Definition *Definition
}

// Registry is a thread-safe store of compiled workflow templates, keyed by
// the globally unique ID Register assigns. The scheduler's DefinitionLookup
// carries no tenant - a Definition, once registered, is addressed by that ID
// regardless of caller, the same way a run or step ID is never re-scoped by
// tenant after creation - so tenant isolation is enforced at the HTTP
// boundary (List filters by TenantID) rather than inside Get. Every
// accessor returns a copy so a caller mutating its result can never reach
// back into the registry, the same discipline internal/store's MemoryStore
// applies to runs and steps.
type Registry struct {
	mu      sync.Mutex
	entries map[string]map[string]*Entry // id -> version -> entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]map[string]*Entry)}
}

// Register validates and compiles def, assigns it id as its workflow ID
// (distinct across tenants), and stores it under (id, def.Version).
// Re-registering the same (id, version) overwrites the prior definition.
func (r *Registry) Register(id, tenantID string, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if _, err := def.Compile(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byVersion, ok := r.entries[id]
	if !ok {
		byVersion = make(map[string]*Entry)
		r.entries[id] = byVersion
	}
	copied := *def
	byVersion[def.Version] = &Entry{ID: id, TenantID: tenantID, Definition: &copied}
	return nil
}

// Get resolves a workflow by id and version, for the HTTP API's read/list
// endpoints. An empty version resolves to the lexicographically greatest
// registered version.
func (r *Registry) Get(id, version string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(id, version)
}

func (r *Registry) getLocked(id, version string) (*Entry, error) {
	byVersion, ok := r.entries[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	if version == "" {
		version = latestVersion(byVersion)
	}
	entry, ok := byVersion[version]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id + "@" + version}
	}
	copied := *entry
	defCopy := *entry.Definition
	copied.Definition = &defCopy
	return &copied, nil
}

// Lookup adapts Get to the scheduler's DefinitionLookup shape
// (func(ctx, workflowID, version) (*Definition, error)).
func (r *Registry) Lookup(workflowID, version string) (*Definition, error) {
	entry, err := r.Get(workflowID, version)
	if err != nil {
		return nil, err
	}
	return entry.Definition, nil
}

// List returns every workflow's latest version registered for tenantID,
// ordered by ID.
func (r *Registry) List(tenantID string) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := r.getLocked(id, "")
		if err != nil || entry.TenantID != tenantID {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func latestVersion(versions map[string]*Entry) string {
	var latest string
	for v := range versions {
		if v > latest {
			latest = v
		}
	}
	return latest
}
