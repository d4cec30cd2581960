// Package actions defines the contract between the workflow engine and the
// opaque, side-effecting units it executes, plus a small library of builtin
// actions used as collaborators in tests and demos.
package actions

import (
	"context"
	"fmt"
)

// Action is an opaque executable unit consumed by the engine. Well-behaved
// actions return failure results instead of errors or panics; the engine
// defensively converts both, but only results carry structured data back
// into the run.
type Action interface {
	ID() string
	Type() string
	Description() string
	// Execute runs the action against the merged variable view of the
	// execution context. The returned Data map is merged back into the
	// context's variables on success.
	Execute(ctx context.Context, vars map[string]any) (*Result, error)
}

// Conditional is optionally implemented by actions carrying a skip
// condition. The engine evaluates the expression against the variable
// scopes before executing; a false result skips the action.
type Conditional interface {
	Condition() string
}

// Result is the outcome of one action execution.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Ok builds a success result.
func Ok(message string, data map[string]any) *Result {
	return &Result{Success: true, Message: message, Data: data}
}

// Fail builds a failure result.
func Fail(format string, args ...any) *Result {
	return &Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

// Func adapts a plain function into an Action.
type Func struct {
	id          string
	actionType  string
	description string
	fn          func(ctx context.Context, vars map[string]any) (*Result, error)
}

// NewFunc wraps fn as an action.
func NewFunc(id, actionType, description string, fn func(ctx context.Context, vars map[string]any) (*Result, error)) *Func {
	return &Func{id: id, actionType: actionType, description: description, fn: fn}
}

func (a *Func) ID() string          { return a.id }
func (a *Func) Type() string        { return a.actionType }
func (a *Func) Description() string { return a.description }

func (a *Func) Execute(ctx context.Context, vars map[string]any) (*Result, error) {
	return a.fn(ctx, vars)
}

// conditional wraps an action with a skip condition.
type conditional struct {
	Action
	condition string
}

// WithCondition attaches a skip condition (a CEL expression over the
// variable scopes) to an action.
func WithCondition(a Action, condition string) Action {
	return &conditional{Action: a, condition: condition}
}

func (c *conditional) Condition() string { return c.condition }
