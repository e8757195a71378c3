package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/entityevents/internal/event"
)

// Scenario is an executable description of one event flow against the
// identity processors: seed data, the envelopes to publish, resumption and
// queue draining, and assertions on the resulting trace and tables.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Gates configures modules and handler properties.
	Gates *Gates `yaml:"gates,omitempty"`

	// Setup seeds entities directly into the repository, without events.
	Setup []SetupStep `yaml:"setup,omitempty"`

	// Flow is executed in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and tables.
	// Supported types: trace_contains, trace_order, trace_count, final_state,
	// row_count.
	Assertions []Assertion `yaml:"assertions"`
}

// Gates mirrors the gate file shape.
type Gates struct {
	Modules    map[string]bool   `yaml:"modules,omitempty"`
	Properties map[string]string `yaml:"properties,omitempty"`
}

// SetupStep stores one entity.
type SetupStep struct {
	Entity string         `yaml:"entity"`
	Value  map[string]any `yaml:"value"`
}

// FlowStep is exactly one of Publish, Resume or Drain.
type FlowStep struct {
	Publish *PublishStep `yaml:"publish,omitempty"`
	Resume  *ResumeStep  `yaml:"resume,omitempty"`
	Drain   *DrainStep   `yaml:"drain,omitempty"`

	// Expect checks a Publish outcome. Without it the publish must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// PublishStep builds and publishes one root envelope.
type PublishStep struct {
	// ID fixes the envelope id. Defaults to "evt-<n>".
	ID         string         `yaml:"id,omitempty"`
	Event      string         `yaml:"event"`
	Entity     string         `yaml:"entity"`
	Current    map[string]any `yaml:"current,omitempty"`
	Original   map[string]any `yaml:"original,omitempty"`
	Properties map[string]any `yaml:"properties,omitempty"`
	Priority   string         `yaml:"priority,omitempty"`
	SuperOwner string         `yaml:"super_owner,omitempty"`

	// Async queues the envelope instead of dispatching it.
	Async bool `yaml:"async,omitempty"`
}

// ResumeStep runs one resumption pass, for ResultCode or for every code.
type ResumeStep struct {
	ResultCode string `yaml:"result_code,omitempty"`
}

// DrainStep runs the async executor until nothing more can start.
type DrainStep struct{}

// ExpectClause specifies the expected outcome of a publish.
type ExpectClause struct {
	// State is the expected outcome state (COMPLETED, DEFERRED, FAILED).
	State string `yaml:"state"`

	// Error is the expected error kind (see ErrorKind). Empty means no error.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a handler step, optionally in a given state
	// - "trace_order": handlers ran in this order
	// - "trace_count": a handler step appears exactly Count times
	// - "final_state": one table row matches Where and has Expect
	// - "row_count": exactly Count rows match Where
	Type string `yaml:"type"`

	// Handler is the handler name (trace_contains, trace_count).
	Handler string `yaml:"handler,omitempty"`

	// State filters steps by handler state (trace_contains, trace_count).
	State string `yaml:"state,omitempty"`

	// EntityType filters steps by entity type (trace_contains, trace_count).
	EntityType string `yaml:"entity_type,omitempty"`

	// Handlers is the expected order (trace_order).
	Handlers []string `yaml:"handlers,omitempty"`

	// Table is the table name (final_state, row_count).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (final_state, row_count).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected column values (final_state), subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number (trace_count, row_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertRowCount      = "row_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml and *.yml scenario in dir, sorted by file name.
// A non-empty filter is a glob matched against scenario names.
func LoadDir(dir, filter string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenarios directory: %w", err)
	}

	var scenarios []*Scenario
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		s, err := LoadScenario(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		if filter != "" {
			matched, err := filepath.Match(filter, s.Name)
			if err != nil {
				return nil, fmt.Errorf("invalid filter %q: %w", filter, err)
			}
			if !matched {
				continue
			}
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if step.Entity == "" {
			return fmt.Errorf("setup[%d]: entity is required", i)
		}
		if step.Value == nil {
			return fmt.Errorf("setup[%d]: value is required", i)
		}
	}

	for i, step := range s.Flow {
		if err := validateFlowStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateFlowStep(index int, step *FlowStep) error {
	set := 0
	for _, present := range []bool{step.Publish != nil, step.Resume != nil, step.Drain != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("flow[%d]: exactly one of publish, resume or drain is required", index)
	}
	if step.Expect != nil && step.Publish == nil {
		return fmt.Errorf("flow[%d]: expect is only valid for publish", index)
	}
	if step.Expect != nil && step.Expect.State == "" {
		return fmt.Errorf("flow[%d].expect: state is required", index)
	}

	if p := step.Publish; p != nil {
		if !event.EventType(p.Event).Valid() {
			return fmt.Errorf("flow[%d]: invalid event type %q", index, p.Event)
		}
		if p.Entity == "" {
			return fmt.Errorf("flow[%d]: entity is required", index)
		}
		if p.Current == nil && p.Original == nil {
			return fmt.Errorf("flow[%d]: current or original is required", index)
		}
		if _, err := event.ParsePriority(p.Priority); err != nil {
			return fmt.Errorf("flow[%d]: %w", index, err)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Handler == "" {
			return fmt.Errorf("assertions[%d]: handler is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Handlers) == 0 {
			return fmt.Errorf("assertions[%d]: handlers list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Handler == "" {
			return fmt.Errorf("assertions[%d]: handler is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertRowCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for row_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for row_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
