package engine

import (
	"sync"
	"time"

	"github.com/rendis/flowstate/pkg/schema"
)

// Statistics is a point-in-time view of one run's aggregated metrics.
type Statistics struct {
	WorkflowID       string        `json:"workflow_id"`
	TotalActions     int           `json:"total_actions"`
	CompletedActions int           `json:"completed_actions"`
	FailedActions    int           `json:"failed_actions"`
	SkippedActions   int           `json:"skipped_actions"`
	Duration         time.Duration `json:"duration"`
	SuccessRate      float64       `json:"success_rate"`
	AverageAction    time.Duration `json:"average_action_duration"`
	SlowestAction    time.Duration `json:"slowest_action_duration"`
	FastestAction    time.Duration `json:"fastest_action_duration"`
}

// StatsCollector derives counts, durations, and success rate purely from the
// event stream of a single workflow run. Register it on a dispatcher with
// SubscribeAll; events for other workflows are ignored.
type StatsCollector struct {
	mu         sync.Mutex
	workflowID string
	start      time.Time
	end        time.Time

	actionStarts    map[string]time.Time
	actionDurations []time.Duration
	completed       int
	failed          int
	skipped         int
}

// NewStatsCollector creates a collector scoped to one workflow ID.
func NewStatsCollector(workflowID string) *StatsCollector {
	return &StatsCollector{
		workflowID:   workflowID,
		actionStarts: make(map[string]time.Time),
	}
}

// Handle consumes one dispatched event. Events are observed in lifecycle
// order for a given run, so no out-of-order reconciliation is needed.
func (c *StatsCollector) Handle(evt *Event) {
	if evt == nil || evt.WorkflowID != c.workflowID {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch evt.Type {
	case schema.EventWorkflowStarted:
		c.start = evt.Timestamp

	case schema.EventWorkflowCompleted, schema.EventWorkflowFailed, schema.EventWorkflowAborted:
		c.end = evt.Timestamp

	case schema.EventActionStarted:
		if id, ok := evt.Data["action_id"].(string); ok {
			c.actionStarts[id] = evt.Timestamp
		}

	case schema.EventActionCompleted:
		c.completed++
		c.recordDuration(evt)

	case schema.EventActionFailed:
		c.failed++
		c.recordDuration(evt)

	case schema.EventActionSkipped:
		// Counted separately; never affects totals or durations.
		c.skipped++
	}
}

func (c *StatsCollector) recordDuration(evt *Event) {
	id, ok := evt.Data["action_id"].(string)
	if !ok {
		return
	}
	started, ok := c.actionStarts[id]
	if !ok {
		return
	}
	delete(c.actionStarts, id)
	c.actionDurations = append(c.actionDurations, evt.Timestamp.Sub(started))
}

// Duration returns end-start, or now-start while the run is unterminated.
// Zero before the run starts.
func (c *StatsCollector) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration()
}

func (c *StatsCollector) duration() time.Duration {
	if c.start.IsZero() {
		return 0
	}
	if c.end.IsZero() {
		return time.Since(c.start)
	}
	return c.end.Sub(c.start)
}

// SuccessRate returns completed/(completed+failed)*100. The second return is
// false when no action has terminated yet (the rate is undefined).
func (c *StatsCollector) SuccessRate() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.successRate()
}

func (c *StatsCollector) successRate() (float64, bool) {
	total := c.completed + c.failed
	if total == 0 {
		return 0, false
	}
	return float64(c.completed) / float64(total) * 100, true
}

// Snapshot returns the current aggregated view.
func (c *StatsCollector) Snapshot() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Statistics{
		WorkflowID:       c.workflowID,
		TotalActions:     c.completed + c.failed,
		CompletedActions: c.completed,
		FailedActions:    c.failed,
		SkippedActions:   c.skipped,
		Duration:         c.duration(),
	}
	stats.SuccessRate, _ = c.successRate()

	if len(c.actionDurations) > 0 {
		var sum time.Duration
		slowest := c.actionDurations[0]
		fastest := c.actionDurations[0]
		for _, d := range c.actionDurations {
			sum += d
			if d > slowest {
				slowest = d
			}
			if d < fastest {
				fastest = d
			}
		}
		stats.AverageAction = sum / time.Duration(len(c.actionDurations))
		stats.SlowestAction = slowest
		stats.FastestAction = fastest
	}
	return stats
}
