package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// gateFile is the on-disk shape of a gate configuration:
//
//	modules:
//	  core: true
//	  notifications: false
//	properties:
//	  processor.core.identity-cache-evict.enabled: false
type gateFile struct {
	Modules    map[string]bool `json:"modules" yaml:"modules"`
	Properties map[string]any  `json:"properties" yaml:"properties"`
}

// Gates is the module and property configuration consulted by the handler
// registry. It implements engine.ModuleGate and engine.PropertyGate.
//
// Modules absent from the file are enabled. Property values are kept as
// text exactly as written; interpreting them (and rejecting non-booleans)
// is the registry's job.
//
// Thread-safety: Gates is safe for concurrent use.
type Gates struct {
	mu         sync.RWMutex
	modules    map[string]bool
	properties map[string]string
}

// NewGates returns gates with every module enabled and no properties.
func NewGates() *Gates {
	return &Gates{
		modules:    make(map[string]bool),
		properties: make(map[string]string),
	}
}

// LoadGates reads a gate file. The format follows the extension: .yaml or
// .yml for YAML, .cue for CUE.
func LoadGates(path string) (*Gates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gate config: %w", err)
	}

	var raw gateFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		raw, err = decodeYAML(data)
	case ".cue":
		raw, err = decodeCUE(path, data)
	default:
		return nil, fmt.Errorf("gate config %s: unsupported extension %q (want .yaml, .yml or .cue)", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("gate config %s: %w", path, err)
	}
	return fromFile(raw), nil
}

func decodeYAML(data []byte) (gateFile, error) {
	var raw gateFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return gateFile{}, fmt.Errorf("parse YAML: %w", err)
	}
	return raw, nil
}

func decodeCUE(path string, data []byte) (gateFile, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return gateFile{}, fmt.Errorf("compile CUE: %w", err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return gateFile{}, fmt.Errorf("validate CUE: %w", err)
	}

	iter, err := v.Fields()
	if err != nil {
		return gateFile{}, fmt.Errorf("read CUE fields: %w", err)
	}
	for iter.Next() {
		if label := iter.Selector().String(); label != "modules" && label != "properties" {
			return gateFile{}, fmt.Errorf("unknown field %q", label)
		}
	}

	var raw gateFile
	if err := v.Decode(&raw); err != nil {
		return gateFile{}, fmt.Errorf("decode CUE: %w", err)
	}
	return raw, nil
}

func fromFile(raw gateFile) *Gates {
	g := NewGates()
	for module, on := range raw.Modules {
		g.modules[module] = on
	}
	for key, v := range raw.Properties {
		g.properties[key] = fmt.Sprint(v)
	}
	return g
}

// ModuleEnabled reports whether module is enabled. Unlisted modules are.
func (g *Gates) ModuleEnabled(module string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	on, ok := g.modules[module]
	return !ok || on
}

// Property returns the raw text of a property.
func (g *Gates) Property(key string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	v, ok := g.properties[key]
	return v, ok
}

// SetModule enables or disables a module.
func (g *Gates) SetModule(module string, on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.modules[module] = on
}

// SetProperty sets a property.
func (g *Gates) SetProperty(key, value string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.properties[key] = value
}

// ApplyOverrides applies "key=value" pairs (the CLI --set flag). A key of
// the form "module.<name>" toggles a module; anything else is a property.
func (g *Gates) ApplyOverrides(pairs []string) error {
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("override %q: want key=value", pair)
		}
		if module, isModule := strings.CutPrefix(key, "module."); isModule {
			switch strings.TrimSpace(value) {
			case "true":
				g.SetModule(module, true)
			case "false":
				g.SetModule(module, false)
			default:
				return fmt.Errorf("override %q: module value must be true or false", pair)
			}
			continue
		}
		g.SetProperty(key, value)
	}
	return nil
}

// Properties returns the property keys, sorted.
func (g *Gates) Properties() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	keys := make([]string, 0, len(g.properties))
	for k := range g.properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DisabledModules returns the explicitly disabled modules, sorted.
func (g *Gates) DisabledModules() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for m, on := range g.modules {
		if !on {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}
