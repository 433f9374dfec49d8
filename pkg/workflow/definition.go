// Package workflow provides the workflow compiler: parsing, validation, and
// layered-plan generation for the DAG templates the scheduler executes.
//
// A Definition is the template; it is parsed once (from YAML or JSON),
// validated, and compiled into an ordered sequence of layers. The compiler
// never touches a live run — layering is a pure function of the
// Definition's step graph.
package workflow

import (
	"fmt"
	"sort"

	"github.com/flowgate/ctrlplane/pkg/errors"
	"gopkg.in/yaml.v3"
)

// OnErrorPolicy controls what happens to a run when a step fails without a
// surviving retry.
type OnErrorPolicy string

const (
	OnErrorFail     OnErrorPolicy = "fail"
	OnErrorContinue OnErrorPolicy = "continue"
)

// Definition is a workflow template: name, version, inputs, step graph, and
// outputs. It is immutable once compiled.
type Definition struct {
	Name          string                      `yaml:"name" json:"name"`
	Description   string                      `yaml:"description,omitempty" json:"description,omitempty"`
	Version       string                      `yaml:"version" json:"version"`
	Inputs        []InputDefinition           `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Steps         []StepDefinition            `yaml:"steps" json:"steps"`
	Outputs       []OutputDefinition          `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	MaxIterations int                         `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	OnError       OnErrorPolicy               `yaml:"on_error,omitempty" json:"on_error,omitempty"`
	MCPServers    []MCPServerConfig           `yaml:"mcp_servers,omitempty" json:"mcp_servers,omitempty"`
}

// InputDefinition describes one workflow input parameter.
type InputDefinition struct {
	Name        string      `yaml:"name" json:"name"`
	Type        string      `yaml:"type" json:"type"`
	Required    bool        `yaml:"required" json:"required"`
	Default     interface{} `yaml:"default,omitempty" json:"default,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
}

// OutputDefinition describes one workflow output, sourced from a step's
// result via a JSON-path expression (e.g. "$.final_step.summary").
type OutputDefinition struct {
	Name string `yaml:"name" json:"name"`
	From string `yaml:"from" json:"from"`
}

// MCPServerConfig names an MCP tool provider a workflow's Tool steps may
// dispatch to.
type MCPServerConfig struct {
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// StepKind is the tag of the step-kind variant. The executor dispatches on
// this tag rather than through virtual method dispatch.
type StepKind string

const (
	StepKindLLM       StepKind = "llm"
	StepKindTool      StepKind = "tool"
	StepKindApproval  StepKind = "approval"
	StepKindLoop      StepKind = "loop"
	StepKindParallel  StepKind = "parallel"
	StepKindCondition StepKind = "condition"
)

var validStepKinds = map[StepKind]bool{
	StepKindLLM:       true,
	StepKindTool:      true,
	StepKindApproval:  true,
	StepKindLoop:      true,
	StepKindParallel:  true,
	StepKindCondition: true,
}

// RetryPolicy configures bounded step-level retry on the scheduler side
// (distinct from the worker's local retry of transient LLM/tool errors).
type RetryPolicy struct {
	MaxAttempts       int     `yaml:"max_attempts" json:"max_attempts"`
	InitialDelayMS    int64   `yaml:"initial_delay_ms" json:"initial_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// StepDefinition is one node of the workflow DAG.
type StepDefinition struct {
	ID         string                 `yaml:"id" json:"id"`
	Name       string                 `yaml:"name,omitempty" json:"name,omitempty"`
	Kind       StepKind               `yaml:"kind" json:"kind"`
	Config     map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
	DependsOn  []string               `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Condition  string                 `yaml:"condition,omitempty" json:"condition,omitempty"`
	TimeoutMS  int64                  `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	Retry      *RetryPolicy           `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Steps holds nested StepDefs for Loop and Parallel kinds. Nested ids
	// share the parent's namespace only within this nested block.
	Steps []StepDefinition `yaml:"steps,omitempty" json:"steps,omitempty"`

	// MaxIterations bounds a Loop step's iteration count.
	MaxIterations int `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
}

// ParseDefinition decodes a YAML (or JSON, a YAML superset) workflow
// definition and applies defaults.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &errors.ValidationError{
			Field:   "definition",
			Message: fmt.Sprintf("failed to parse workflow definition: %s", err.Error()),
		}
	}
	def.applyDefaults()
	return &def, nil
}

func (d *Definition) applyDefaults() {
	if d.Version == "" {
		d.Version = "1.0"
	}
	if d.OnError == "" {
		d.OnError = OnErrorFail
	}
}

// Validate checks the top-level definition and recursively validates nested
// Loop/Parallel step graphs. It never mutates the definition.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if len(d.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "workflow must declare at least one step"}
	}
	if d.OnError != "" && d.OnError != OnErrorFail && d.OnError != OnErrorContinue {
		return &errors.ValidationError{Field: "on_error", Message: fmt.Sprintf("unknown on_error policy %q", d.OnError)}
	}
	return validateStepGraph(d.Steps)
}

// validateStepGraph applies the compiler's validation rules (spec §4.4) to
// one level of the step graph, descending into Loop/Parallel nests.
func validateStepGraph(steps []StepDefinition) error {
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return &errors.ValidationError{Field: "id", Message: "step id must not be empty"}
		}
		if seen[s.ID] {
			return &errors.ValidationError{Field: "id", Message: fmt.Sprintf("duplicate step id %q", s.ID)}
		}
		seen[s.ID] = true
		if !validStepKinds[s.Kind] {
			return &errors.ValidationError{Field: "kind", Message: fmt.Sprintf("step %q: unknown step kind %q", s.ID, s.Kind)}
		}
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return &errors.ValidationError{Field: "depends_on", Message: fmt.Sprintf("step %q depends on undeclared sibling %q", s.ID, dep)}
			}
			if dep == s.ID {
				return &errors.ValidationError{Field: "depends_on", Message: fmt.Sprintf("step %q depends on itself", s.ID)}
			}
		}
	}
	if err := detectCycle(steps); err != nil {
		return err
	}
	hasRoot := false
	for _, s := range steps {
		if len(s.DependsOn) == 0 {
			hasRoot = true
		}
		if s.Kind == StepKindLoop || s.Kind == StepKindParallel {
			if len(s.Steps) == 0 {
				return &errors.ValidationError{Field: "steps", Message: fmt.Sprintf("%s step %q must declare nested steps", s.Kind, s.ID)}
			}
			if s.Kind == StepKindLoop && s.MaxIterations <= 0 {
				return &errors.ValidationError{Field: "max_iterations", Message: fmt.Sprintf("loop step %q must set max_iterations > 0", s.ID)}
			}
			if err := validateStepGraph(s.Steps); err != nil {
				return err
			}
		}
	}
	if !hasRoot {
		return &errors.ValidationError{Field: "depends_on", Message: "at least one step must have empty depends_on"}
	}
	return nil
}

// detectCycle reports a ValidationError citing every step that could not be
// peeled off a dependency frontier, i.e. every step participating in a cycle.
func detectCycle(steps []StepDefinition) error {
	remaining := make(map[string]StepDefinition, len(steps))
	for _, s := range steps {
		remaining[s.ID] = s
	}
	for len(remaining) > 0 {
		progressed := false
		for id, s := range remaining {
			ready := true
			for _, dep := range s.DependsOn {
				if _, stillPending := remaining[dep]; stillPending {
					ready = false
					break
				}
			}
			if ready {
				delete(remaining, id)
				progressed = true
			}
		}
		if !progressed {
			ids := make([]string, 0, len(remaining))
			for id := range remaining {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			return &errors.ValidationError{Field: "depends_on", Message: fmt.Sprintf("cycle detected among steps: %v", ids)}
		}
	}
	return nil
}

// Layer is a maximal set of StepDefs with no intra-set dependencies.
type Layer []StepDefinition

// Compile validates the definition and produces its layered execution
// plan: every step appears in exactly one layer, every dependency of a
// step in layer k lies in some layer < k, and intra-layer order is
// deterministic (step id ascending).
func (d *Definition) Compile() ([]Layer, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return layerSteps(d.Steps), nil
}

// Compile lays out a nested Loop/Parallel step's own step graph the same
// way the top-level definition is compiled.
func (s *StepDefinition) Compile() ([]Layer, error) {
	if err := validateStepGraph(s.Steps); err != nil {
		return nil, err
	}
	return layerSteps(s.Steps), nil
}

func layerSteps(steps []StepDefinition) []Layer {
	byID := make(map[string]StepDefinition, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	placed := make(map[string]bool, len(steps))
	var layers []Layer

	for len(placed) < len(steps) {
		var frontier []string
		for id, s := range byID {
			if placed[id] {
				continue
			}
			ready := true
			for _, dep := range s.DependsOn {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				frontier = append(frontier, id)
			}
		}
		sort.Strings(frontier)
		layer := make(Layer, 0, len(frontier))
		for _, id := range frontier {
			layer = append(layer, byID[id])
			placed[id] = true
		}
		layers = append(layers, layer)
	}
	return layers
}
