// internal/daemon/executor.go
package daemon

import (
	"context"
	"time"

	"github.com/WORKHIVE/internal/agents"
	"github.com/WORKHIVE/internal/work"
)

// agentExecutor runs micro-tasks against the agent directory. Each
// task is pinned to an available agent for its duration so busy
// fractions and scaling decisions reflect real load. Without the real
// tool integrations the processing itself is a bounded, cancellable
// wait proportional to the estimate.
type agentExecutor struct {
	dir     *agents.Directory
	overlap float64

	// perMinute is simulated wall time per estimated minute.
	perMinute time.Duration
	// maxWork caps a single simulated run.
	maxWork time.Duration
}

func newAgentExecutor(dir *agents.Directory, overlap float64) *agentExecutor {
	return &agentExecutor{
		dir:       dir,
		overlap:   overlap,
		perMinute: 100 * time.Millisecond,
		maxWork:   3 * time.Second,
	}
}

func (e *agentExecutor) Execute(ctx context.Context, task work.MicroTask) (map[string]any, error) {
	started := time.Now()

	var agentID string
	if agent, ok := e.dir.PickFor(task.RequiredCapabilities, e.overlap); ok {
		agentID = agent.ID
		if err := e.dir.AssignTask(agentID, task.TaskID); err == nil {
			defer e.dir.ReleaseTask(agentID, task.TaskID)
		} else {
			agentID = ""
		}
	}

	d := time.Duration(task.EstimatedMinutes) * e.perMinute
	if d > e.maxWork {
		d = e.maxWork
	}
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return map[string]any{
		"task_id":       task.TaskID,
		"agent_id":      agentID,
		"elapsed_ms":    time.Since(started).Milliseconds(),
		"estimated_min": task.EstimatedMinutes,
	}, nil
}
