package governance

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm/instructions/pkg/instruction"
)

type compiledRule struct {
	Rule
	when    cel.Program
	require cel.Program
}

func newRuleEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("entry", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func compileExpr(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	return prg, nil
}

func compileRule(env *cel.Env, r Rule) (compiledRule, error) {
	cr := compiledRule{Rule: r}
	var err error
	if r.When != "" {
		if cr.when, err = compileExpr(env, r.When); err != nil {
			return cr, err
		}
	}
	if r.Require == "" {
		return cr, fmt.Errorf("require expression is empty")
	}
	cr.require, err = compileExpr(env, r.Require)
	return cr, err
}

func evalBool(prg cel.Program, input map[string]any) (bool, error) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out.Value())
	}
	return b, nil
}

// Activation is the CEL view of an entry shared by governance rules and list
// filters.
func Activation(e *instruction.Entry) map[string]any {
	cats := make([]string, len(e.Categories))
	copy(cats, e.Categories)
	return map[string]any{
		"entry": map[string]any{
			"id":              e.ID,
			"title":           e.Title,
			"priority":        int64(e.Priority),
			"priorityTier":    string(e.PriorityTier),
			"audience":        string(e.Audience),
			"requirement":     string(e.Requirement),
			"categories":      cats,
			"owner":           e.Owner,
			"version":         e.Version,
			"status":          string(e.Status),
			"classification":  string(e.Classification),
			"sourceWorkspace": e.SourceWorkspace,
			"createdByAgent":  e.CreatedByAgent,
			"changeLogLength": int64(len(e.ChangeLog)),
		},
	}
}

// Filter is a compiled boolean CEL expression over "entry", used by the list
// action.
type Filter struct {
	expr string
	prg  cel.Program
}

var (
	filterEnvOnce sync.Once
	filterEnv     *cel.Env
	filterEnvErr  error
)

// CompileFilter compiles expr, e.g. `entry.priorityTier == "P1" && "go" in entry.categories`.
func CompileFilter(expr string) (*Filter, error) {
	filterEnvOnce.Do(func() {
		filterEnv, filterEnvErr = newRuleEnv()
	})
	if filterEnvErr != nil {
		return nil, filterEnvErr
	}
	prg, err := compileExpr(filterEnv, expr)
	if err != nil {
		return nil, err
	}
	return &Filter{expr: expr, prg: prg}, nil
}

// Match evaluates the filter for e.
func (f *Filter) Match(e *instruction.Entry) (bool, error) {
	ok, err := evalBool(f.prg, Activation(e))
	if err != nil {
		return false, fmt.Errorf("filter %q on %s: %w", f.expr, e.ID, err)
	}
	return ok, nil
}
