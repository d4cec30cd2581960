package actions

import (
	"context"
	"fmt"
	"time"
)

// --- set_variable ---

// SetVariable returns a fixed name/value pair in its result data, which the
// engine merges into the context's variables.
type SetVariable struct {
	id    string
	name  string
	value any
}

// NewSetVariable creates a set_variable action.
func NewSetVariable(id, name string, value any) *SetVariable {
	return &SetVariable{id: id, name: name, value: value}
}

func (a *SetVariable) ID() string   { return a.id }
func (a *SetVariable) Type() string { return "set_variable" }
func (a *SetVariable) Description() string {
	return fmt.Sprintf("set variable %s", a.name)
}

func (a *SetVariable) Execute(_ context.Context, _ map[string]any) (*Result, error) {
	return Ok(fmt.Sprintf("set %s", a.name), map[string]any{a.name: a.value}), nil
}

// --- sleep ---

// Sleep blocks for a fixed duration, honoring context cancellation.
type Sleep struct {
	id       string
	duration time.Duration
}

// NewSleep creates a sleep action.
func NewSleep(id string, d time.Duration) *Sleep {
	return &Sleep{id: id, duration: d}
}

func (a *Sleep) ID() string   { return a.id }
func (a *Sleep) Type() string { return "sleep" }
func (a *Sleep) Description() string {
	return fmt.Sprintf("sleep %s", a.duration)
}

func (a *Sleep) Execute(ctx context.Context, _ map[string]any) (*Result, error) {
	timer := time.NewTimer(a.duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Fail("sleep interrupted: %s", ctx.Err()), nil
	case <-timer.C:
		return Ok(fmt.Sprintf("slept %s", a.duration), nil), nil
	}
}
