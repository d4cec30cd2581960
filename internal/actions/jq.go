package actions

import (
	"context"
	"fmt"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/flowstate/pkg/schema"
)

// JQ transforms the merged variable view with a jq expression and stores the
// output under a target variable. Compilation happens once, on first use.
type JQ struct {
	id     string
	query  string
	target string

	once    sync.Once
	code    *gojq.Code
	compile error
}

// NewJQ creates a jq transform action. target is the variable name the
// result is written to.
func NewJQ(id, query, target string) *JQ {
	return &JQ{id: id, query: query, target: target}
}

func (a *JQ) ID() string   { return a.id }
func (a *JQ) Type() string { return "jq" }
func (a *JQ) Description() string {
	return fmt.Sprintf("jq transform into %s", a.target)
}

func (a *JQ) Execute(ctx context.Context, vars map[string]any) (*Result, error) {
	a.once.Do(func() {
		query, err := gojq.Parse(a.query)
		if err != nil {
			a.compile = schema.NewErrorf(schema.ErrCodeValidation,
				"jq parse error in %q: %s", a.query, err.Error()).WithCause(err)
			return
		}
		// Sandbox: empty env blocks $ENV and env access.
		code, err := gojq.Compile(query,
			gojq.WithEnvironLoader(func() []string { return nil }),
		)
		if err != nil {
			a.compile = schema.NewErrorf(schema.ErrCodeValidation,
				"jq compile error in %q: %s", a.query, err.Error()).WithCause(err)
			return
		}
		a.code = code
	})
	if a.compile != nil {
		return Fail("%s", a.compile.Error()), nil
	}

	iter := a.code.RunWithContext(ctx, normalizeForJQ(vars))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return Fail("jq evaluation failed for %q: %s", a.query, err.Error()), nil
		}
		results = append(results, val)
	}

	// jq expressions can produce multiple outputs; a single output is
	// unwrapped, multiple outputs are kept as a slice.
	var out any
	switch len(results) {
	case 0:
		out = nil
	case 1:
		out = results[0]
	default:
		out = results
	}

	return Ok(fmt.Sprintf("jq -> %s", a.target), map[string]any{a.target: out}), nil
}

// normalizeForJQ converts Go native numeric types to float64, matching jq's
// number handling.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
