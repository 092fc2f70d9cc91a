// Package rules holds the violation rule catalog and its evaluators.
package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/heron/internal/domain"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

// catalogFile is the on-disk shape of a rule catalog.
type catalogFile struct {
	Version string                  `yaml:"version"`
	Rules   []domain.RuleDefinition `yaml:"rules"`
}

// Rule is a catalog entry bound to its evaluator.
type Rule struct {
	domain.RuleDefinition
	eval binding
}

// Registry is the immutable, validated rule catalog.
// It is safe for concurrent use without locking.
type Registry struct {
	version string
	rules   []*Rule // index = id-1
	byScope map[domain.Scope][]*Rule
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
	defaultErr  error
)

// Default returns the registry built from the embedded catalog.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		defaultReg, defaultErr = Load(embeddedCatalog)
	})
	return defaultReg, defaultErr
}

// MustDefault is Default for callers that cannot run without a catalog.
func MustDefault() *Registry {
	reg, err := Default()
	if err != nil {
		panic(err)
	}
	return reg
}

// LoadFile loads and validates a catalog from disk.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule catalog: %w", err)
	}
	return Load(data)
}

// Load parses and validates a YAML catalog. Every problem found is
// reported in the returned error, which wraps domain.ErrInvalidCatalog.
func Load(data []byte) (*Registry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", domain.ErrInvalidCatalog, err)
	}
	if err := validate(file.Rules); err != nil {
		return nil, err
	}

	reg := &Registry{
		version: file.Version,
		rules:   make([]*Rule, len(file.Rules)),
		byScope: make(map[domain.Scope][]*Rule),
	}
	for _, def := range file.Rules {
		r := &Rule{RuleDefinition: def, eval: evaluators[def.ID]}
		reg.rules[def.ID-1] = r
	}
	for _, r := range reg.rules {
		reg.byScope[r.Scope] = append(reg.byScope[r.Scope], r)
	}
	return reg, nil
}

func validate(defs []domain.RuleDefinition) error {
	var errs []error
	if len(defs) == 0 {
		errs = append(errs, errors.New("catalog has no rules"))
	}

	seen := make(map[int]bool, len(defs))
	for _, d := range defs {
		if seen[d.ID] {
			errs = append(errs, fmt.Errorf("rule %d: duplicate id", d.ID))
			continue
		}
		seen[d.ID] = true

		if d.ID < 1 || d.ID > len(defs) {
			errs = append(errs, fmt.Errorf("rule %d: id outside 1..%d", d.ID, len(defs)))
		}
		if strings.TrimSpace(d.Name) == "" {
			errs = append(errs, fmt.Errorf("rule %d: name is required", d.ID))
		}
		if strings.TrimSpace(d.Citation) == "" {
			errs = append(errs, fmt.Errorf("rule %d: citation is required", d.ID))
		}
		if strings.TrimSpace(d.Template) == "" {
			errs = append(errs, fmt.Errorf("rule %d: description is required", d.ID))
		}
		if d.Probability < 0 || d.Probability > 100 {
			errs = append(errs, fmt.Errorf("rule %d: probability %d outside 0..100", d.ID, d.Probability))
		}
		if !d.Severity.Valid() {
			errs = append(errs, fmt.Errorf("rule %d: unknown severity %q", d.ID, d.Severity))
		}
		if !d.Category.Valid() {
			errs = append(errs, fmt.Errorf("rule %d: unknown category %q", d.ID, d.Category))
		}
		if !d.Scope.Valid() {
			errs = append(errs, fmt.Errorf("rule %d: unknown scope %q", d.ID, d.Scope))
		}

		b, ok := evaluators[d.ID]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("rule %d: no evaluator bound", d.ID))
		case b.scope != d.Scope:
			errs = append(errs, fmt.Errorf("rule %d: declared scope %q but evaluator is %q", d.ID, d.Scope, b.scope))
		}
	}

	for id := range evaluators {
		if !seen[id] {
			errs = append(errs, fmt.Errorf("evaluator %d: missing from catalog", id))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return fmt.Errorf("%w: %w", domain.ErrInvalidCatalog, errors.Join(errs...))
}

// Version returns the catalog version string.
func (r *Registry) Version() string { return r.version }

// Len returns the number of rules.
func (r *Registry) Len() int { return len(r.rules) }

// Get returns the rule with the given id.
func (r *Registry) Get(id int) (*Rule, bool) {
	if id < 1 || id > len(r.rules) {
		return nil, false
	}
	return r.rules[id-1], true
}

// ForScope returns a copy of the rules of one scope in id order.
func (r *Registry) ForScope(scope domain.Scope) []*Rule {
	rules := r.byScope[scope]
	out := make([]*Rule, len(rules))
	copy(out, rules)
	return out
}

// All returns every rule in id order.
func (r *Registry) All() []*Rule {
	out := make([]*Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Definitions returns a copy of every rule definition in id order.
func (r *Registry) Definitions() []domain.RuleDefinition {
	out := make([]domain.RuleDefinition, len(r.rules))
	for i, rule := range r.rules {
		out[i] = rule.RuleDefinition
	}
	return out
}
