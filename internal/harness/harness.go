package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"golang.org/x/time/rate"

	"github.com/roach88/entityevents/internal/config"
	"github.com/roach88/entityevents/internal/engine"
	"github.com/roach88/entityevents/internal/event"
	"github.com/roach88/entityevents/internal/identity"
	"github.com/roach88/entityevents/internal/state"
	"github.com/roach88/entityevents/internal/testutil"
	"github.com/roach88/entityevents/internal/value"
)

// maxDrainRounds bounds a drain step; a queue that still makes progress
// after this many rounds is reported as an error.
const maxDrainRounds = 100

// Harness is the scenario execution engine.
// It runs scenarios against the identity processors with a logical clock,
// a manual wall clock and sequential ids, so traces are reproducible.
type Harness struct {
	sys    *identity.System
	clock  *engine.Clock
	ids    *testutil.SequenceGenerator
	result *Result
	logger *slog.Logger
}

// StepStarted implements engine.Observer.
func (h *Harness) StepStarted(*event.Envelope, engine.Handler) {}

// StepFinished implements engine.Observer and records every handler step,
// including steps of chained and asynchronous envelopes.
func (h *Harness) StepFinished(env *event.Envelope, step engine.Step) {
	h.result.addTrace(TraceEvent{
		Type:       TraceStep,
		Seq:        h.clock.Next(),
		EventID:    env.ID(),
		EntityType: string(env.EntityType()),
		EventType:  string(env.EventType()),
		EntityID:   env.EntityID(),
		Handler:    step.Handler,
		State:      string(step.State),
		Reason:     step.Reason,
	})
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Create fresh in-memory database and wire the processors
// 2. Apply gates and seed setup entities
// 3. Execute flow steps with expect validation
// 4. Evaluate assertions against the trace and tables
func Run(scenario *Scenario) (*Result, error) {
	wall := testutil.NewManualClock()
	st, err := state.Open(":memory:",
		state.WithNow(wall.Now),
		state.WithIDGenerator(testutil.NewSequenceGenerator("state")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	gates := config.NewGates()
	if g := scenario.Gates; g != nil {
		for module, on := range g.Modules {
			gates.SetModule(module, on)
		}
		for key, v := range g.Properties {
			gates.SetProperty(key, v)
		}
	}

	h := &Harness{
		clock:  engine.NewClock(),
		ids:    testutil.NewSequenceGenerator("evt"),
		result: NewResult(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	sys, err := identity.NewSystem(identity.Config{
		Store:      st,
		Modules:    gates,
		Properties: gates,
		IDs:        testutil.NewSequenceGenerator("chain"),
		DispatcherOptions: []engine.DispatcherOption{
			engine.WithObserver(h),
			engine.WithLogger(h.logger),
		},
		AsyncOptions: []engine.AsyncOption{
			engine.WithAsyncNow(wall.Now),
			engine.WithAsyncLogger(h.logger),
		},
		ResumerOptions: []engine.ResumerOption{
			engine.WithResumeRate(rate.Inf, 1),
			engine.WithResumerNow(wall.Now),
			engine.WithResumerLogger(h.logger),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to wire processors: %w", err)
	}
	h.sys = sys

	ctx := context.Background()

	if err := h.executeSetup(ctx, scenario.Setup); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	if err := h.executeFlow(ctx, scenario.Flow); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	actx := &AssertionContext{
		DB:  st.DB(),
		Ctx: ctx,
	}
	for _, errMsg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(errMsg)
	}

	return h.result, nil
}

// executeSetup stores the seed entities without dispatching events.
func (h *Harness) executeSetup(ctx context.Context, setup []SetupStep) error {
	for i, step := range setup {
		entity, err := h.decode(step.Entity, step.Value)
		if err != nil {
			return fmt.Errorf("setup step %d: %w", i, err)
		}
		if _, err := h.sys.Repo.SaveInternal(ctx, entity); err != nil {
			return fmt.Errorf("setup step %d: %w", i, err)
		}
	}
	return nil
}

// executeFlow runs all flow steps and validates expect clauses.
// Expectation mismatches are recorded on the result; only infrastructure
// failures abort the run.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep) error {
	for i, step := range flow {
		var err error
		switch {
		case step.Publish != nil:
			err = h.publish(ctx, i, step.Publish, step.Expect)
		case step.Resume != nil:
			err = h.resume(ctx, step.Resume)
		case step.Drain != nil:
			err = h.drain(ctx)
		}
		if err != nil {
			return fmt.Errorf("flow step %d: %w", i, err)
		}
	}
	return nil
}

func (h *Harness) publish(ctx context.Context, index int, p *PublishStep, expect *ExpectClause) error {
	env, err := h.envelope(p)
	if err != nil {
		return err
	}

	if p.Async {
		if err := h.sys.Async.Publish(ctx, env); err != nil {
			return err
		}
		h.result.addTrace(TraceEvent{
			Type:       TraceQueued,
			Seq:        h.clock.Next(),
			EventID:    env.ID(),
			EntityType: string(env.EntityType()),
			EventType:  string(env.EventType()),
			EntityID:   env.EntityID(),
		})
		return nil
	}

	outcome, perr := h.sys.Dispatcher.Publish(ctx, env)
	kind := ErrorKind(perr)
	h.result.addTrace(TraceEvent{
		Type:       TraceOutcome,
		Seq:        h.clock.Next(),
		EventID:    env.ID(),
		EntityType: string(env.EntityType()),
		EventType:  string(env.EventType()),
		EntityID:   env.EntityID(),
		State:      string(outcome.State),
		Error:      kind,
	})

	switch {
	case expect == nil && perr != nil:
		h.result.AddError(fmt.Sprintf("flow[%d]: publish %s failed: %v", index, env.ID(), perr))
	case expect != nil && expect.State != string(outcome.State):
		h.result.AddError(fmt.Sprintf("flow[%d]: expected state %s, got %s", index, expect.State, outcome.State))
	case expect != nil && expect.Error != kind:
		h.result.AddError(fmt.Sprintf("flow[%d]: expected error %q, got %q (%v)", index, expect.Error, kind, perr))
	}

	h.logger.Info("flow step completed",
		"step", index,
		"event_id", env.ID(),
		"state", outcome.State,
	)
	return nil
}

func (h *Harness) resume(ctx context.Context, r *ResumeStep) error {
	var reports []engine.PassReport
	if r.ResultCode == "" {
		all, err := h.sys.Resumer.PassAll(ctx)
		if err != nil {
			return err
		}
		reports = all
	} else {
		report, err := h.sys.Resumer.Pass(ctx, r.ResultCode)
		if err != nil {
			return err
		}
		reports = []engine.PassReport{report}
	}

	for _, report := range reports {
		h.result.addTrace(TraceEvent{
			Type:       TraceResume,
			Seq:        h.clock.Next(),
			ResultCode: report.ResultCode,
			Count:      report.Resumed,
		})
	}
	return nil
}

func (h *Harness) drain(ctx context.Context) error {
	total := 0
	for round := 0; ; round++ {
		if round == maxDrainRounds {
			return fmt.Errorf("drain: queue still busy after %d rounds", maxDrainRounds)
		}
		ran, err := h.sys.Async.RunOnce(ctx)
		if err != nil {
			return err
		}
		if ran == 0 {
			break
		}
		total += ran
	}
	h.result.addTrace(TraceEvent{
		Type:  TraceDrain,
		Seq:   h.clock.Next(),
		Count: total,
	})
	return nil
}

func (h *Harness) envelope(p *PublishStep) (*event.Envelope, error) {
	priority, err := event.ParsePriority(p.Priority)
	if err != nil {
		return nil, err
	}

	var current, original event.Entity
	if p.Current != nil {
		if current, err = h.decode(p.Entity, p.Current); err != nil {
			return nil, fmt.Errorf("current: %w", err)
		}
	}
	if p.Original != nil {
		if original, err = h.decode(p.Entity, p.Original); err != nil {
			return nil, fmt.Errorf("original: %w", err)
		}
	}

	props := event.NewProperties()
	for _, key := range slices.Sorted(maps.Keys(p.Properties)) {
		v, err := value.From(p.Properties[key])
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", key, err)
		}
		props.Set(key, v)
	}

	id := p.ID
	if id == "" {
		id = h.ids.Generate()
	}
	return event.New(event.EventType(p.Event), current,
		event.WithID(id),
		event.WithOriginal(original),
		event.WithProperties(props),
		event.WithPriority(priority),
		event.WithSuperOwner(p.SuperOwner),
	), nil
}

// decode turns a YAML mapping into an entity through the codec.
func (h *Harness) decode(entityType string, fields map[string]any) (event.Entity, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", entityType, err)
	}
	entity, err := h.sys.Codec.Decode(event.EntityType(entityType), data)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, fmt.Errorf("empty %s", entityType)
	}
	return entity, nil
}

// ErrorKind classifies a dispatch error for expect clauses and traces:
// "" for nil, "validation", "conflict", the RuntimeError code in lower case,
// or "error" for anything else.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case engine.IsValidation(err):
		return "validation"
	case engine.IsConflict(err):
		return "conflict"
	case engine.IsStopped(err):
		return "chain_stopped"
	case engine.IsCycleError(err):
		return "cycle_detected"
	case engine.IsDepthError(err):
		return "depth_exceeded"
	case engine.IsMisconfigured(err):
		return "misconfigured"
	default:
		return "error"
	}
}
