package engine

import (
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/flowstate/pkg/schema"
)

// conditionEvaluator evaluates action skip conditions written in CEL against
// the execution context's variable scopes. Compiled programs are cached and
// reused across goroutines.
//
// The environment exposes four top-level variables:
//   - vars:     map(string, dyn) — the merged variable view (narrow wins)
//   - global:   map(string, dyn) — the global scope only
//   - workflow: map(string, dyn) — the workflow scope only
//   - local:    map(string, dyn) — the local scope only
type conditionEvaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newConditionEvaluator() (*conditionEvaluator, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("vars", mapType),
		cel.Variable("global", mapType),
		cel.Variable("workflow", mapType),
		cel.Variable("local", mapType),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"create CEL environment: %s", err.Error()).WithCause(err)
	}

	return &conditionEvaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// ShouldRun evaluates the condition and reports whether the action should
// execute. The condition must evaluate to a boolean.
func (e *conditionEvaluator) ShouldRun(condition string, scopes map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}

	prg, err := e.getOrCompile(condition)
	if err != nil {
		return false, err
	}

	activation := map[string]any{
		"vars":     map[string]any{},
		"global":   map[string]any{},
		"workflow": map[string]any{},
		"local":    map[string]any{},
	}
	for k, v := range scopes {
		activation[k] = v
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition evaluation failed for %q: %s", condition, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"condition": condition})
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q did not evaluate to a boolean", condition)
	}
	return b, nil
}

func (e *conditionEvaluator) getOrCompile(condition string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[condition]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[condition]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition compile error in %q: %s", condition, issues.Err().Error()).
			WithCause(issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition program error in %q: %s", condition, err.Error()).WithCause(err)
	}

	e.cache[condition] = prg
	return prg, nil
}
