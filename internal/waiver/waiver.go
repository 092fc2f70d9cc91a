// Package waiver suppresses findings a tenant has chosen to accept, using
// CEL expressions evaluated against each finding.
package waiver

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/heron/internal/domain"
)

// Engine compiles and evaluates waiver expressions. Compiled programs are
// cached by expression text.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

// NewEngine creates a waiver engine with the finding variables declared.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("rule_id", cel.IntType),
		cel.Variable("rule_name", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("severity", cel.StringType),
		cel.Variable("probability", cel.IntType),
		cel.Variable("account", cel.StringType),
		cel.Variable("bureaus", cel.ListType(cel.StringType)),
		cel.Variable("evidence", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Validate checks that a waiver is well formed and its expression compiles
// to a boolean. Errors wrap domain.ErrInvalidWaiver.
func (e *Engine) Validate(w *domain.Waiver) error {
	if w == nil {
		return fmt.Errorf("%w: waiver is required", domain.ErrInvalidWaiver)
	}
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("%w: name is required", domain.ErrInvalidWaiver)
	}
	_, err := e.program(w.Expression)
	return err
}

// Result splits findings into kept and waived.
type Result struct {
	Kept   []domain.Finding
	Waived []domain.WaivedFinding
}

// Apply evaluates every active waiver against every finding. The first
// waiver that matches a finding claims it. Waivers that fail to compile or
// evaluate never waive anything.
func (e *Engine) Apply(waivers []*domain.Waiver, findings []domain.Finding, now time.Time) Result {
	active := make([]*domain.Waiver, 0, len(waivers))
	programs := make([]cel.Program, 0, len(waivers))
	for _, w := range waivers {
		if w == nil || !w.Active(now) {
			continue
		}
		prg, err := e.program(w.Expression)
		if err != nil {
			continue
		}
		active = append(active, w)
		programs = append(programs, prg)
	}

	res := Result{Kept: make([]domain.Finding, 0, len(findings))}
	if len(active) == 0 {
		res.Kept = append(res.Kept, findings...)
		return res
	}

	for _, f := range findings {
		activation := activationFor(f)
		var claimedBy *domain.Waiver
		for i, prg := range programs {
			out, _, err := prg.Eval(activation)
			if err != nil {
				continue
			}
			if b, ok := out.(types.Bool); ok && bool(b) {
				claimedBy = active[i]
				break
			}
		}
		if claimedBy == nil {
			res.Kept = append(res.Kept, f)
			continue
		}
		res.Waived = append(res.Waived, domain.WaivedFinding{
			Finding:  f,
			WaiverID: claimedBy.ID,
			Reason:   claimedBy.Reason,
		})
	}
	return res
}

// Matches reports whether a single waiver claims the finding.
func (e *Engine) Matches(w *domain.Waiver, f domain.Finding) (bool, error) {
	prg, err := e.program(w.Expression)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(activationFor(f))
	if err != nil {
		return false, fmt.Errorf("evaluate waiver %s: %w", w.ID, err)
	}
	b, ok := out.(types.Bool)
	return ok && bool(b), nil
}

func activationFor(f domain.Finding) map[string]any {
	bureaus := make([]string, len(f.Bureaus))
	for i, b := range f.Bureaus {
		bureaus[i] = string(b)
	}
	evidence := f.Evidence
	if evidence == nil {
		evidence = map[string]string{}
	}
	return map[string]any{
		"rule_id":     int64(f.RuleID),
		"rule_name":   f.RuleName,
		"category":    string(f.Category),
		"severity":    string(f.Severity),
		"probability": int64(f.DeletionProbability),
		"account":     f.Account,
		"bureaus":     bureaus,
		"evidence":    evidence,
	}
}

// program compiles an expression once and caches the result.
func (e *Engine) program(expr string) (cel.Program, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("%w: expression is required", domain.ErrInvalidWaiver)
	}

	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidWaiver, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: expression must return bool, got %s", domain.ErrInvalidWaiver, ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidWaiver, err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// Count returns the number of cached programs.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}
