package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/flowstate/internal/actions"
	"github.com/rendis/flowstate/pkg/schema"
)

// Event is one lifecycle notification flowing through the dispatcher.
type Event struct {
	Type       schema.EventType
	WorkflowID string
	Timestamp  time.Time
	Data       map[string]any
}

// Record converts the event to its serializable form.
func (e *Event) Record() *schema.EventRecord {
	return &schema.EventRecord{
		EventType:  e.Type,
		WorkflowID: e.WorkflowID,
		Timestamp:  e.Timestamp,
		Data:       e.Data,
	}
}

// NewWorkflowEvent builds a workflow-level event. Passing an action-level
// type fails validation immediately.
func NewWorkflowEvent(t schema.EventType, workflowID string, data map[string]any) (*Event, error) {
	if !t.IsWorkflowEvent() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"%s is not a workflow-level event type", t)
	}
	return &Event{Type: t, WorkflowID: workflowID, Timestamp: time.Now().UTC(), Data: data}, nil
}

// ActionInfo identifies the action an action-level event refers to.
type ActionInfo struct {
	ID          string
	Type        string
	Description string
	Index       int
}

// NewActionEvent builds an action-level event carrying the action's
// id/type/description/index and, for completed/failed, the result payload.
// Passing a workflow-level type fails validation immediately.
func NewActionEvent(t schema.EventType, workflowID string, info ActionInfo, result *actions.Result) (*Event, error) {
	if !t.IsActionEvent() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"%s is not an action-level event type", t)
	}
	data := map[string]any{
		"action_id":   info.ID,
		"action_type": info.Type,
		"description": info.Description,
		"index":       info.Index,
	}
	if result != nil && (t == schema.EventActionCompleted || t == schema.EventActionFailed) {
		data["result"] = map[string]any{
			"success": result.Success,
			"message": result.Message,
			"data":    result.Data,
		}
	}
	return &Event{Type: t, WorkflowID: workflowID, Timestamp: time.Now().UTC(), Data: data}, nil
}

// Subscriber receives dispatched events.
type Subscriber func(*Event)

// Dispatcher fans lifecycle events out to type-specific and global
// subscribers. Type-specific subscribers run first, then global ones; each
// call is isolated so one failing subscriber never blocks the others or the
// orchestrator.
type Dispatcher struct {
	mu     sync.RWMutex
	typed  map[schema.EventType][]Subscriber
	global []Subscriber
	logger *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		typed:  make(map[schema.EventType][]Subscriber),
		logger: logger,
	}
}

// Subscribe registers a subscriber for one event type.
func (d *Dispatcher) Subscribe(t schema.EventType, fn Subscriber) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.typed[t] = append(d.typed[t], fn)
}

// SubscribeAll registers a subscriber for every event type.
func (d *Dispatcher) SubscribeAll(fn Subscriber) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.global = append(d.global, fn)
}

// Dispatch delivers the event to type-specific subscribers, then global ones.
func (d *Dispatcher) Dispatch(evt *Event) {
	if evt == nil {
		return
	}
	d.mu.RLock()
	typed := make([]Subscriber, len(d.typed[evt.Type]))
	copy(typed, d.typed[evt.Type])
	global := make([]Subscriber, len(d.global))
	copy(global, d.global)
	d.mu.RUnlock()

	for _, fn := range typed {
		d.deliver(fn, evt)
	}
	for _, fn := range global {
		d.deliver(fn, evt)
	}
}

func (d *Dispatcher) deliver(fn Subscriber, evt *Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event subscriber panicked",
				slog.String("event_type", string(evt.Type)),
				slog.String("workflow_id", evt.WorkflowID),
				slog.Any("panic", r))
		}
	}()
	fn(evt)
}
