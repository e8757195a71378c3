package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Decision is the outcome of an enablement check.
type Decision int

const (
	// Run means the handler may be invoked.
	Run Decision = iota
	// SkipSilently means a gate disabled the handler; the chain carries on.
	SkipSilently
	// Fail means the gate configuration is unusable; the chain aborts.
	Fail
)

func (d Decision) String() string {
	switch d {
	case Run:
		return "run"
	case SkipSilently:
		return "skip"
	case Fail:
		return "fail"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Enablement is the three-valued answer of Registry.IsEnabled.
type Enablement struct {
	Decision Decision
	// Reason explains SkipSilently and Fail decisions.
	Reason string
}

func enabled() Enablement {
	return Enablement{Decision: Run}
}

func skip(reason string) Enablement {
	return Enablement{Decision: SkipSilently, Reason: reason}
}

func fail(reason string) Enablement {
	return Enablement{Decision: Fail, Reason: reason}
}

// ModuleGate reports whether a module is enabled.
type ModuleGate interface {
	ModuleEnabled(module string) bool
}

// PropertyGate looks up a configuration property.
type PropertyGate interface {
	Property(key string) (string, bool)
}

// AllModules is a ModuleGate that enables every module.
type AllModules struct{}

func (AllModules) ModuleEnabled(string) bool {
	return true
}

// NoProperties is a PropertyGate with no properties set.
type NoProperties struct{}

func (NoProperties) Property(string) (string, bool) {
	return "", false
}

// EnabledProperty returns the configuration key that toggles a handler:
// "processor.<module>.<handler-name>.enabled".
func EnabledProperty(module, name string) string {
	return "processor." + module + "." + name + ".enabled"
}

// evaluate applies both gates to h. A non-disableable handler always runs;
// otherwise either gate saying "disabled" skips, and a property that is set
// but not a boolean fails.
func evaluate(h Handler, modules ModuleGate, props PropertyGate) Enablement {
	if !h.Disableable() {
		return enabled()
	}
	if !modules.ModuleEnabled(h.Module()) {
		return skip("module " + h.Module() + " is disabled")
	}

	key := EnabledProperty(h.Module(), h.Name())
	raw, ok := props.Property(key)
	if !ok {
		return enabled()
	}
	on, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fail(fmt.Sprintf("property %s is not a boolean: %q", key, raw))
	}
	if !on {
		return skip("property " + key + " is false")
	}
	return enabled()
}
