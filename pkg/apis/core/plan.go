/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package core

import (
	"fmt"
	"time"

	"github.com/samber/lo"
)

// TaskHandle addresses a task inside its goal's plan arena. Handles are small
// indices, stable for the life of the plan.
type TaskHandle int32

// Task is one node of a goal's DAG. Tasks live in the plan arena and reference
// their predecessors by handle, never by pointer.
type Task struct {
	Handle       TaskHandle
	GoalID       string
	Name         string
	Predecessors []TaskHandle
	Workload     Workload
	Confidence   float64
	RiskTier     RiskTier
	Status       TaskStatus
	// Deadline and ExpectedDuration drive the scheduler's deadline pressure.
	Deadline         time.Time
	ExpectedDuration time.Duration
	EstimatedCostUSD float64
	Attempts         int
	FailureReason    string
}

// Plan is the arena of tasks owned by a single goal.
type Plan struct {
	GoalID string
	tasks  []Task
}

func NewPlan(goalID string) *Plan {
	return &Plan{GoalID: goalID}
}

// Add appends a task to the arena and returns its handle. Predecessor handles
// must already exist; the arena is therefore topologically ordered by
// construction and cannot contain cycles.
func (p *Plan) Add(task Task) (TaskHandle, error) {
	handle := TaskHandle(len(p.tasks))
	for _, pred := range task.Predecessors {
		if pred < 0 || pred >= handle {
			return 0, fmt.Errorf("task %q references unknown predecessor %d", task.Name, pred)
		}
	}
	task.Handle = handle
	task.GoalID = p.GoalID
	if task.Status == "" {
		task.Status = TaskPending
	}
	p.tasks = append(p.tasks, task)
	return handle, nil
}

// Task returns a mutable reference to the task at the given handle.
func (p *Plan) Task(handle TaskHandle) *Task {
	return &p.tasks[handle]
}

func (p *Plan) Len() int {
	return len(p.tasks)
}

// Tasks returns handles of every task in arena order.
func (p *Plan) Tasks() []TaskHandle {
	return lo.Map(p.tasks, func(_ Task, i int) TaskHandle { return TaskHandle(i) })
}

// Ready returns pending tasks whose predecessors have all succeeded. Callers
// transition the returned tasks themselves; Ready never mutates.
func (p *Plan) Ready() []TaskHandle {
	var ready []TaskHandle
	for i := range p.tasks {
		if p.tasks[i].Status != TaskPending {
			continue
		}
		if p.predecessorsSucceeded(TaskHandle(i)) {
			ready = append(ready, TaskHandle(i))
		}
	}
	return ready
}

func (p *Plan) predecessorsSucceeded(handle TaskHandle) bool {
	return lo.EveryBy(p.tasks[handle].Predecessors, func(pred TaskHandle) bool {
		return p.tasks[pred].Status == TaskSucceeded
	})
}

// Terminal reports whether every task has reached a terminal state.
func (p *Plan) Terminal() bool {
	return lo.EveryBy(p.tasks, func(t Task) bool { return t.Status.IsTerminal() })
}

// Succeeded reports whether every task succeeded.
func (p *Plan) Succeeded() bool {
	return lo.EveryBy(p.tasks, func(t Task) bool { return t.Status == TaskSucceeded })
}

// Blocked returns pending tasks that can no longer become ready because a
// predecessor failed or was cancelled.
func (p *Plan) Blocked() []TaskHandle {
	var blocked []TaskHandle
	for i := range p.tasks {
		if p.tasks[i].Status != TaskPending {
			continue
		}
		for _, pred := range p.tasks[i].Predecessors {
			if s := p.tasks[pred].Status; s == TaskFailed || s == TaskCancelled {
				blocked = append(blocked, TaskHandle(i))
				break
			}
		}
	}
	return blocked
}
