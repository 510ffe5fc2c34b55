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

// Package orchestrator drives goals from natural-language text to a terminal
// status. One activity runs per active goal; it owns the goal's plan arena
// exclusively, marks tasks ready as predecessors complete, gates each ready
// task through the safety governor and hands approved tasks to the scheduler.
// Providers are never driven from here; everything flows through the
// scheduler and router.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/audit"
	"github.com/ormind/ormind/pkg/events"
	"github.com/ormind/ormind/pkg/governor"
	"github.com/ormind/ormind/pkg/reasoning"
	"github.com/ormind/ormind/pkg/repository"
	"github.com/ormind/ormind/pkg/scheduling"
	"github.com/ormind/ormind/pkg/utils/logging"
)

const (
	// CancelGrace is how long a cancelled job gets to checkpoint-and-stop
	// before its instance is terminated.
	CancelGrace = 60 * time.Second
	// pumpInterval re-evaluates readiness between events, and retries
	// admission once a halted audit channel recovers.
	pumpInterval = 5 * time.Second
)

type Orchestrator struct {
	engine     reasoning.Engine
	gov        *governor.Governor
	queue      *scheduling.Queue
	dispatcher *scheduling.Dispatcher
	goals      repository.Goals
	jobs       repository.Jobs
	log        *audit.Log
	recorder   events.Recorder
	clk        clock.WithTicker

	mu     sync.Mutex
	active map[string]*goalRun
	wg     sync.WaitGroup
}

type goalRun struct {
	goal    *core.Goal
	events  chan scheduling.TaskEvent
	cancels chan struct{}
}

func New(engine reasoning.Engine, gov *governor.Governor, queue *scheduling.Queue, dispatcher *scheduling.Dispatcher,
	goals repository.Goals, jobs repository.Jobs, log *audit.Log, recorder events.Recorder, clk clock.WithTicker) *Orchestrator {
	return &Orchestrator{
		engine:     engine,
		gov:        gov,
		queue:      queue,
		dispatcher: dispatcher,
		goals:      goals,
		jobs:       jobs,
		log:        log,
		recorder:   recorder,
		clk:        clk,
		active:     map[string]*goalRun{},
	}
}

// Run routes scheduler events to the owning goal activity until ctx is
// cancelled, then waits for active goals to wind down.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			return nil
		case event := <-o.dispatcher.Events():
			o.mu.Lock()
			run, ok := o.active[event.GoalID]
			o.mu.Unlock()
			if !ok {
				continue
			}
			select {
			case run.events <- event:
			case <-ctx.Done():
			}
		}
	}
}

// Submit admits a goal and starts its activity. Admission is refused while
// the audit channel is down: decisions that cannot be logged are not made.
func (o *Orchestrator) Submit(ctx context.Context, goal *core.Goal) error {
	if !o.log.Healthy() {
		return fmt.Errorf("audit persistence is unavailable, admissions are halted")
	}
	if goal.ID == "" {
		goal.ID = uuid.NewString()
	}
	goal.Status = core.GoalAccepted
	goal.CreatedAt = o.clk.Now()
	if err := o.goals.Create(ctx, goal); err != nil {
		return err
	}
	o.log.Append(ctx, audit.Record{
		Agent:     "orchestrator",
		Action:    "goal_accepted",
		Reasoning: goal.Text,
		Input:     map[string]any{"goal_id": goal.ID, "budget_usd": goal.BudgetUSD},
		Outcome:   "accepted",
		SubjectID: goal.Owner,
	})

	run := &goalRun{goal: goal, events: make(chan scheduling.TaskEvent, 16), cancels: make(chan struct{}, 1)}
	o.mu.Lock()
	o.active[goal.ID] = run
	o.mu.Unlock()
	activeGoals.Inc()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.retire(goal.ID)
		o.drive(ctx, run)
	}()
	return nil
}

// Cancel asks a goal's activity to stop: queued tasks go straight to
// cancelled, running jobs get the checkpoint grace.
func (o *Orchestrator) Cancel(goalID string) error {
	o.mu.Lock()
	run, ok := o.active[goalID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("goal %s is not active", goalID)
	}
	select {
	case run.cancels <- struct{}{}:
	default:
	}
	return nil
}

func (o *Orchestrator) retire(goalID string) {
	o.mu.Lock()
	delete(o.active, goalID)
	o.mu.Unlock()
	activeGoals.Dec()
}

// drive is the per-goal activity: plan, then loop until the plan is terminal.
func (o *Orchestrator) drive(ctx context.Context, run *goalRun) {
	goal := run.goal
	if err := o.plan(ctx, goal); err != nil {
		o.finish(ctx, goal, core.GoalFailed, err.Error())
		return
	}
	_ = o.goals.UpdateStatus(ctx, goal.ID, core.GoalRunning, "")
	goal.Status = core.GoalRunning

	ticker := o.clk.NewTicker(pumpInterval)
	defer ticker.Stop()
	for {
		o.pump(ctx, goal)
		if goal.Plan.Terminal() {
			break
		}
		select {
		case <-ctx.Done():
			o.cancelGoal(context.WithoutCancel(ctx), goal, "shutdown")
			return
		case <-run.cancels:
			o.cancelGoal(ctx, goal, "cancelled by owner")
			return
		case event := <-run.events:
			o.handleEvent(ctx, goal, event)
		case <-ticker.C():
		}
	}

	if goal.Plan.Succeeded() {
		o.finish(ctx, goal, core.GoalCompleted, "")
	} else {
		o.finish(ctx, goal, core.GoalFailed, firstFailure(goal.Plan))
	}
}

func (o *Orchestrator) plan(ctx context.Context, goal *core.Goal) error {
	_ = o.goals.UpdateStatus(ctx, goal.ID, core.GoalPlanning, "")
	goal.Status = core.GoalPlanning
	weights := o.gov.Weights()
	specs, err := o.engine.Plan(ctx, goal.Text, reasoning.PlanConstraints{
		BudgetUSD:      goal.BudgetUSD,
		AllowedRegions: weights.AllowedRegions,
	})
	if err != nil {
		return fmt.Errorf("planning goal, %w", err)
	}
	plan := core.NewPlan(goal.ID)
	for _, spec := range specs {
		predecessors := make([]core.TaskHandle, 0, len(spec.Predecessors))
		for _, p := range spec.Predecessors {
			predecessors = append(predecessors, core.TaskHandle(p))
		}
		if _, err := plan.Add(core.Task{
			Name:             spec.Name,
			Predecessors:     predecessors,
			Workload:         spec.Workload,
			Confidence:       spec.Confidence,
			RiskTier:         spec.RiskTier,
			ExpectedDuration: spec.ExpectedDuration,
			EstimatedCostUSD: spec.EstimatedCostUSD,
		}); err != nil {
			return fmt.Errorf("registering plan, %w", err)
		}
	}
	goal.Plan = plan
	return nil
}

// pump marks newly ready tasks, cancels blocked ones and pushes approved
// ready tasks to the scheduler. Dispatch stops while audit persistence is
// down; running jobs keep completing and are logged once it recovers.
func (o *Orchestrator) pump(ctx context.Context, goal *core.Goal) {
	for _, handle := range goal.Plan.Blocked() {
		task := goal.Plan.Task(handle)
		task.Status = core.TaskCancelled
		task.FailureReason = "predecessor failed"
	}
	if !o.log.Healthy() {
		return
	}
	for _, handle := range goal.Plan.Ready() {
		task := goal.Plan.Task(handle)
		task.Status = core.TaskReady
		o.admit(ctx, goal, task)
	}
}

// admit runs the governor gate for one ready task and enqueues it when
// approved. A full queue blocks here, which is the designed back-pressure.
func (o *Orchestrator) admit(ctx context.Context, goal *core.Goal, task *core.Task) {
	weights := o.gov.Weights()
	verdict := o.gov.Check(ctx, governor.Request{
		Actor:            "orchestrator",
		Action:           "task_admission",
		GoalID:           goal.ID,
		SubjectID:        goal.Owner,
		RiskTier:         task.RiskTier,
		EstimatedCostUSD: task.EstimatedCostUSD,
		Reasoning:        fmt.Sprintf("task %q ready for dispatch", task.Name),
	})
	if !verdict.Approved() {
		task.Status = core.TaskFailed
		task.FailureReason = verdict.Rationale
		return
	}
	item := &scheduling.Item{
		GoalID:           goal.ID,
		Task:             task.Handle,
		Name:             task.Name,
		Workload:         task.Workload,
		RiskTier:         task.RiskTier,
		Deadline:         task.Deadline,
		ExpectedDuration: task.ExpectedDuration,
		EstimatedCostUSD: task.EstimatedCostUSD,
		Regions:          weights.AllowedRegions,
		Attempt:          task.Attempts,
	}
	if err := o.queue.Enqueue(ctx, item); err != nil {
		// Shutdown mid-admission; release the approved charge.
		o.gov.Refund(governor.Request{GoalID: goal.ID, EstimatedCostUSD: task.EstimatedCostUSD})
		task.Status = core.TaskReady
		return
	}
	task.Status = core.TaskQueued
}

func (o *Orchestrator) handleEvent(ctx context.Context, goal *core.Goal, event scheduling.TaskEvent) {
	task := goal.Plan.Task(event.Task)
	switch event.Kind {
	case scheduling.EventReleased:
		task.Status = core.TaskRunning
	case scheduling.EventSucceeded:
		task.Status = core.TaskSucceeded
		task.Attempts++
		o.accrue(ctx, goal, event.JobID)
	case scheduling.EventFailed:
		task.Attempts++
		o.accrue(ctx, goal, event.JobID)
		o.repair(ctx, goal, task, event)
	}
}

// accrue folds a finished job's cost into the goal and enforces the optional
// budget ceiling.
func (o *Orchestrator) accrue(ctx context.Context, goal *core.Goal, jobID string) {
	if jobID == "" {
		return
	}
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return
	}
	goal.AccruedCostUSD += job.AccruedCostUSD
	_ = o.goals.AddCost(ctx, goal.ID, job.AccruedCostUSD)
	if goal.BudgetUSD > 0 && goal.AccruedCostUSD > goal.BudgetUSD {
		o.log.Append(ctx, audit.Record{
			Agent:     "orchestrator",
			Action:    "budget_exceeded",
			Reasoning: fmt.Sprintf("accrued $%.2f against budget $%.2f", goal.AccruedCostUSD, goal.BudgetUSD),
			Input:     map[string]any{"goal_id": goal.ID},
			Outcome:   "cancelling",
			SubjectID: goal.Owner,
		})
		o.cancelGoal(ctx, goal, "budget ceiling exceeded")
	}
}

// repair consults the reasoning engine on a terminal task failure and applies
// its decision.
func (o *Orchestrator) repair(ctx context.Context, goal *core.Goal, task *core.Task, event scheduling.TaskEvent) {
	decision, err := o.engine.Repair(ctx, *task, reasoning.FailureContext{
		Reason:   event.Reason,
		Attempts: task.Attempts,
		OOM:      event.OOM,
	})
	if err != nil {
		logging.FromContext(ctx).Errorw("repair consultation failed", "goal", goal.ID, "task", task.Name, "error", err)
		task.Status = core.TaskFailed
		task.FailureReason = event.Reason
		return
	}
	switch decision.Decision {
	case reasoning.RepairRetry:
		task.Status = core.TaskReady
		o.admit(ctx, goal, task)
	case reasoning.RepairModify:
		if decision.Demand != nil {
			task.Workload.Demand = *decision.Demand
		}
		task.Status = core.TaskReady
		o.admit(ctx, goal, task)
	default:
		task.Status = core.TaskFailed
		task.FailureReason = fmt.Sprintf("%s (%s)", event.Reason, decision.Rationale)
	}
}

// cancelGoal drains the goal's queued tasks, gives running jobs the
// checkpoint grace and marks everything cancelled.
func (o *Orchestrator) cancelGoal(ctx context.Context, goal *core.Goal, reason string) {
	for _, item := range o.queue.Drain(goal.ID) {
		task := goal.Plan.Task(item.Task)
		task.Status = core.TaskCancelled
		task.FailureReason = reason
		o.log.Append(ctx, audit.Record{
			Agent:     "orchestrator",
			Action:    "task_cancelled",
			Reasoning: reason,
			Input:     map[string]any{"goal_id": goal.ID, "task": int(item.Task)},
			Outcome:   "cancelled",
			SubjectID: goal.Owner,
		})
	}
	jobs, _ := o.jobs.ListByGoal(ctx, goal.ID)
	for _, job := range jobs {
		if job.Status.IsTerminal() {
			continue
		}
		if err := o.dispatcher.CancelJob(ctx, job.ID, CancelGrace); err != nil {
			logging.FromContext(ctx).Errorw("cancelling job", "job", job.ID, "error", err)
		}
		task := goal.Plan.Task(job.Task)
		if !task.Status.IsTerminal() {
			task.Status = core.TaskCancelled
			task.FailureReason = reason
		}
		goal.AccruedCostUSD += job.AccruedCostUSD
		_ = o.goals.AddCost(ctx, goal.ID, job.AccruedCostUSD)
	}
	for _, handle := range goal.Plan.Tasks() {
		task := goal.Plan.Task(handle)
		if !task.Status.IsTerminal() {
			task.Status = core.TaskCancelled
			task.FailureReason = reason
		}
	}
	o.finish(ctx, goal, core.GoalCancelled, reason)
}

func (o *Orchestrator) finish(ctx context.Context, goal *core.Goal, status core.GoalStatus, reason string) {
	goal.Status = status
	goal.FailureReason = reason
	_ = o.goals.UpdateStatus(ctx, goal.ID, status, reason)
	o.log.Append(ctx, audit.Record{
		Agent:         "orchestrator",
		Action:        "goal_" + string(status),
		Reasoning:     reason,
		Input:         map[string]any{"goal_id": goal.ID},
		Outcome:       string(status),
		CostImpactUSD: 0,
		SubjectID:     goal.Owner,
	})
	o.recorder.GoalTerminal(ctx, goal)
	goalsFinished.WithLabelValues(string(status)).Inc()
}

func firstFailure(plan *core.Plan) string {
	for _, handle := range plan.Tasks() {
		if task := plan.Task(handle); task.Status == core.TaskFailed {
			return fmt.Sprintf("task %q failed: %s", task.Name, task.FailureReason)
		}
	}
	return "one or more tasks did not succeed"
}
