package actions

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/flowstate/pkg/schema"
)

// exprProgram lazily compiles an expr-lang expression once and caches the
// program for reuse across executions.
type exprProgram struct {
	expression string

	once    sync.Once
	program *vm.Program
	compile error
}

func (p *exprProgram) run(vars map[string]any) (any, error) {
	p.once.Do(func() {
		prg, err := expr.Compile(p.expression, expr.AllowUndefinedVariables())
		if err != nil {
			p.compile = schema.NewErrorf(schema.ErrCodeValidation,
				"expr compile error in %q: %s", p.expression, err.Error()).WithCause(err)
			return
		}
		p.program = prg
	})
	if p.compile != nil {
		return nil, p.compile
	}

	env := vars
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(p.program, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution,
			"expr evaluation failed for %q: %s", p.expression, err.Error()).WithCause(err)
	}
	return out, nil
}

// --- expr.assert ---

// Assert evaluates a boolean expression against the variable view and fails
// the action (and so the run, fail-fast) when it is false.
type Assert struct {
	id   string
	prog exprProgram
}

// NewAssert creates an assert action over the given expr-lang expression.
// All variable names are available as top-level identifiers.
func NewAssert(id, expression string) *Assert {
	return &Assert{id: id, prog: exprProgram{expression: expression}}
}

func (a *Assert) ID() string   { return a.id }
func (a *Assert) Type() string { return "expr.assert" }
func (a *Assert) Description() string {
	return fmt.Sprintf("assert %s", a.prog.expression)
}

func (a *Assert) Execute(_ context.Context, vars map[string]any) (*Result, error) {
	out, err := a.prog.run(vars)
	if err != nil {
		return Fail("%s", err.Error()), nil
	}
	ok, isBool := out.(bool)
	if !isBool {
		return Fail("assertion %q did not evaluate to a boolean (got %T)", a.prog.expression, out), nil
	}
	if !ok {
		return Fail("assertion failed: %s", a.prog.expression), nil
	}
	return Ok(fmt.Sprintf("assertion held: %s", a.prog.expression), nil), nil
}

// --- expr.eval ---

// Eval evaluates an expression against the variable view and stores the
// result under a target variable.
type Eval struct {
	id     string
	target string
	prog   exprProgram
}

// NewEval creates an eval action writing its result to target.
func NewEval(id, expression, target string) *Eval {
	return &Eval{id: id, target: target, prog: exprProgram{expression: expression}}
}

func (a *Eval) ID() string   { return a.id }
func (a *Eval) Type() string { return "expr.eval" }
func (a *Eval) Description() string {
	return fmt.Sprintf("eval %s into %s", a.prog.expression, a.target)
}

func (a *Eval) Execute(_ context.Context, vars map[string]any) (*Result, error) {
	out, err := a.prog.run(vars)
	if err != nil {
		return Fail("%s", err.Error()), nil
	}
	return Ok(fmt.Sprintf("eval -> %s", a.target), map[string]any{a.target: out}), nil
}
