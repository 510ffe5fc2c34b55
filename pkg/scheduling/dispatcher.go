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

package scheduling

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/audit"
	"github.com/ormind/ormind/pkg/providers/adapter"
	"github.com/ormind/ormind/pkg/providers/router"
	"github.com/ormind/ormind/pkg/repository"
	"github.com/ormind/ormind/pkg/utils/logging"
)

const (
	DefaultMaxRetries = 3
	// DeadlineFraction of the task's remaining time-to-deadline becomes the
	// provisioning budget for one release.
	DeadlineFraction = 0.5
	// OOMExitCode is the conventional exit status for an out-of-memory kill.
	OOMExitCode = 137
)

// DefaultBackoff is the provisioning retry schedule.
var DefaultBackoff = []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}

type TaskEventKind string

const (
	EventReleased  TaskEventKind = "released"
	EventSucceeded TaskEventKind = "succeeded"
	EventFailed    TaskEventKind = "failed"
)

// TaskEvent is the scheduler's report back to the orchestrator.
type TaskEvent struct {
	GoalID string
	Task   core.TaskHandle
	Kind   TaskEventKind
	JobID  string
	Reason string
	// OOM marks failures caused by an out-of-memory exit, which the repair
	// path treats differently.
	OOM bool
}

// JobContext is everything the dispatcher knows about one running job; it is
// handed to observers and to the migration and healing paths.
type JobContext struct {
	Job              *core.Job
	Instance         *core.Instance
	Provider         adapter.Adapter
	Handle           adapter.CommandHandle
	Workload         core.Workload
	ExpectedDuration time.Duration
	Regions          []string
}

// JobObserver is notified as jobs start and end; the healing manager and the
// cost optimizer attach here.
type JobObserver interface {
	OnJobStarted(ctx context.Context, jc JobContext)
	OnJobEnded(ctx context.Context, jobID string)
}

type Options struct {
	MaxRetries int
	Backoff    []time.Duration
	Budget     SpotBudget
}

func DefaultDispatchOptions() Options {
	return Options{MaxRetries: DefaultMaxRetries, Backoff: DefaultBackoff}
}

// Dispatcher is the queue's single consumer. It serializes releases: two
// tasks dequeued in order are offered to the router in that same order.
type Dispatcher struct {
	queue     *Queue
	router    *router.Router
	jobs      repository.Jobs
	instances repository.Instances
	log       *audit.Log
	clk       clock.Clock
	opts      Options
	events    chan TaskEvent

	mu        sync.Mutex
	running   map[string]*runningJob
	observers []JobObserver
}

type runningJob struct {
	jc JobContext
	// generation increments on restart so a superseded handle's exit is not
	// mistaken for the job ending.
	generation int
}

func NewDispatcher(queue *Queue, rt *router.Router, jobs repository.Jobs, instances repository.Instances,
	log *audit.Log, clk clock.Clock, opts Options) *Dispatcher {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	return &Dispatcher{
		queue:     queue,
		router:    rt,
		jobs:      jobs,
		instances: instances,
		log:       log,
		clk:       clk,
		opts:      opts,
		events:    make(chan TaskEvent, 128),
		running:   map[string]*runningJob{},
	}
}

// Observe attaches observers. Call before Run.
func (d *Dispatcher) Observe(observers ...JobObserver) {
	d.observers = append(d.observers, observers...)
}

// Events delivers task release and completion events to the orchestrator.
func (d *Dispatcher) Events() <-chan TaskEvent { return d.events }

// Run consumes the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			return nil
		}
		d.release(ctx, item)
	}
}

func (d *Dispatcher) release(ctx context.Context, item *Item) {
	decision := d.opts.Budget.decideInterruptible(item.Workload, item.ExpectedDuration)
	if decision.useInterruptible && decision.checkpointInterval > 0 {
		env := make(map[string]string, len(item.Workload.Env)+1)
		for k, v := range item.Workload.Env {
			env[k] = v
		}
		env[CheckpointIntervalEnv] = strconv.Itoa(int(decision.checkpointInterval.Seconds()))
		item.Workload.Env = env
	}
	if item.Workload.Interruptible && decision.declineReason != "" {
		d.log.Append(ctx, audit.Record{
			Agent:     "scheduler",
			Action:    "spot_declined",
			Reasoning: decision.declineReason,
			Input:     map[string]any{"goal_id": item.GoalID, "task": int(item.Task)},
			Outcome:   "on_demand",
		})
	}

	provisionCtx := ctx
	if !item.Deadline.IsZero() {
		if remaining := item.Deadline.Sub(d.clk.Now()); remaining > 0 {
			var cancel context.CancelFunc
			provisionCtx, cancel = context.WithTimeout(ctx, time.Duration(float64(remaining)*DeadlineFraction))
			defer cancel()
		}
	}

	demand := item.Workload.Demand
	req := adapter.InstanceRequest{
		GPUClass:          demand.GPUClass,
		GPUCount:          demand.GPUCount,
		VRAMGiB:           demand.VRAMGiB,
		Interruptible:     decision.useInterruptible,
		ProvisioningToken: adapter.Token(fmt.Sprintf("%s/%d", item.GoalID, item.Task), item.Attempt),
	}
	instance, err := d.router.Provision(provisionCtx, req, demand, router.Constraints{Regions: item.Regions})
	if err != nil {
		d.retryOrFail(ctx, item, err)
		return
	}

	prov, ok := d.router.Adapter(instance.Provider)
	if !ok {
		d.retryOrFail(ctx, item, fmt.Errorf("provider %s is not registered", instance.Provider))
		return
	}
	job := &core.Job{
		ID:            fmt.Sprintf("%s-%d-%d", item.GoalID, item.Task, item.Attempt),
		GoalID:        item.GoalID,
		Task:          item.Task,
		Provider:      instance.Provider,
		Instance:      instance,
		HourlyRateUSD: instance.HourlyRateUSD,
		StartedAt:     d.clk.Now(),
		Status:        core.JobRunning,
	}
	handle, err := d.startJob(ctx, prov, job, instance, item.Workload)
	if err != nil {
		d.retryOrFail(ctx, item, err)
		return
	}
	d.Register(ctx, JobContext{
		Job:              job,
		Instance:         instance,
		Provider:         prov,
		Handle:           handle,
		Workload:         item.Workload,
		ExpectedDuration: item.ExpectedDuration,
		Regions:          item.Regions,
	})
	dispatches.Inc()
	d.emit(TaskEvent{GoalID: item.GoalID, Task: item.Task, Kind: EventReleased, JobID: job.ID})
}

// startJob persists the instance and job and begins execution. A failure
// after provisioning terminates the instance so no capacity leaks.
func (d *Dispatcher) startJob(ctx context.Context, prov adapter.Adapter, job *core.Job,
	instance *core.Instance, workload core.Workload) (adapter.CommandHandle, error) {
	if err := d.instances.Create(ctx, instance); err != nil {
		return nil, err
	}
	if err := d.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	handle, err := prov.Execute(ctx, instance, workload.Command, workload.Env)
	if err != nil {
		if terr := prov.Terminate(ctx, instance); terr != nil {
			logging.FromContext(ctx).Errorw("terminating instance after failed execute",
				"instance", instance.ID, "error", terr)
		}
		job.Status = core.JobFailed
		job.EndedAt = d.clk.Now()
		_ = d.jobs.Update(ctx, job)
		_ = d.instances.UpdateState(ctx, instance.ID, core.InstanceTerminated)
		return nil, err
	}
	return handle, nil
}

func (d *Dispatcher) retryOrFail(ctx context.Context, item *Item, cause error) {
	if adapter.IsPermanent(cause) || item.Attempt+1 >= d.opts.MaxRetries {
		d.log.Append(ctx, audit.Record{
			Agent:     "scheduler",
			Action:    "task_failed",
			Reasoning: cause.Error(),
			Input:     map[string]any{"goal_id": item.GoalID, "task": int(item.Task), "attempts": item.Attempt + 1},
			Outcome:   "failed",
		})
		d.emit(TaskEvent{GoalID: item.GoalID, Task: item.Task, Kind: EventFailed, Reason: cause.Error()})
		return
	}
	backoff := d.opts.Backoff[min(item.Attempt, len(d.opts.Backoff)-1)]
	retries.Inc()
	logging.FromContext(ctx).Infow("requeueing task after failed release",
		"goal", item.GoalID, "task", item.Task, "attempt", item.Attempt+1, "backoff", backoff, "error", cause)
	item.Attempt++
	// The wait runs off the dispatch loop so one failing release never stalls
	// other dequeues.
	timer := d.clk.NewTimer(backoff)
	go func() {
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C():
			d.queue.Requeue(item)
		}
	}()
}

// Register adds an already-running job (from a release or a migration) to the
// running set, notifies observers and watches for its exit.
func (d *Dispatcher) Register(ctx context.Context, jc JobContext) {
	rj := &runningJob{jc: jc}
	d.mu.Lock()
	d.running[jc.Job.ID] = rj
	d.mu.Unlock()
	for _, observer := range d.observers {
		observer.OnJobStarted(ctx, jc)
	}
	go d.watch(ctx, jc.Job.ID, jc.Handle, 0)
}

// Running looks up a live job's execution state, for cancellation, healing
// and migration.
func (d *Dispatcher) Running(jobID string) (JobContext, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rj, ok := d.running[jobID]
	if !ok {
		return JobContext{}, false
	}
	return rj.jc, true
}

func (d *Dispatcher) watch(ctx context.Context, jobID string, handle adapter.CommandHandle, generation int) {
	var exitCode int
	select {
	case <-ctx.Done():
		return
	case code, open := <-handle.Exit():
		if !open {
			return
		}
		exitCode = code
	}

	d.mu.Lock()
	rj, ok := d.running[jobID]
	if !ok || rj.generation != generation {
		// Restarted under us; the new generation's watcher owns the job now.
		d.mu.Unlock()
		return
	}
	jc := rj.jc
	d.mu.Unlock()

	// A job the optimizer migrated or the orchestrator cancelled already has
	// its terminal status; its instance going away is not a task failure.
	if stored, err := d.jobs.Get(ctx, jobID); err == nil && stored.Status.IsTerminal() {
		d.unregister(ctx, jobID)
		return
	}
	d.finish(ctx, jc, exitCode)
	d.unregister(ctx, jobID)
}

// finish settles a naturally exited job: cost accrual, instance teardown,
// repository updates and the completion event.
func (d *Dispatcher) finish(ctx context.Context, jc JobContext, exitCode int) {
	job := jc.Job
	job.EndedAt = d.clk.Now()
	job.ExitCode = exitCode
	job.AccruedCostUSD = job.HourlyRateUSD * job.EndedAt.Sub(job.StartedAt).Hours()
	if exitCode == 0 {
		job.Status = core.JobSucceeded
	} else {
		job.Status = core.JobFailed
	}
	if err := jc.Provider.Terminate(ctx, jc.Instance); err != nil {
		logging.FromContext(ctx).Errorw("terminating instance after job exit",
			"instance", jc.Instance.ID, "error", err)
	}
	_ = d.instances.UpdateState(ctx, jc.Instance.ID, core.InstanceTerminated)
	if err := d.jobs.Update(ctx, job); err != nil {
		logging.FromContext(ctx).Errorw("updating finished job", "job", job.ID, "error", err)
	}

	event := TaskEvent{GoalID: job.GoalID, Task: job.Task, JobID: job.ID}
	if exitCode == 0 {
		event.Kind = EventSucceeded
	} else {
		event.Kind = EventFailed
		event.Reason = fmt.Sprintf("job exited with code %d", exitCode)
		event.OOM = exitCode == OOMExitCode
	}
	d.emit(event)
}

func (d *Dispatcher) unregister(ctx context.Context, jobID string) {
	d.mu.Lock()
	delete(d.running, jobID)
	d.mu.Unlock()
	for _, observer := range d.observers {
		observer.OnJobEnded(ctx, jobID)
	}
}

// RestartJob stops the job's command, waits out the backoff and starts it
// again on the same instance. The job record survives; only the command
// handle changes.
func (d *Dispatcher) RestartJob(ctx context.Context, jobID string, backoff time.Duration) error {
	d.mu.Lock()
	rj, ok := d.running[jobID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("job %s is not running", jobID)
	}
	jc := rj.jc
	// Bump the generation before stopping so the old handle's exit is
	// recognized as superseded, not as the job ending.
	rj.generation++
	generation := rj.generation
	d.mu.Unlock()

	if err := jc.Handle.Stop(ctx); err != nil {
		logging.FromContext(ctx).Debugw("stopping command before restart", "job", jobID, "error", err)
	}
	if backoff > 0 {
		timer := d.clk.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
		timer.Stop()
	}
	handle, err := jc.Provider.Execute(ctx, jc.Instance, jc.Workload.Command, jc.Workload.Env)
	if err != nil {
		return fmt.Errorf("restarting job %s, %w", jobID, err)
	}

	d.mu.Lock()
	rj, ok = d.running[jobID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("job %s ended during restart", jobID)
	}
	rj.jc.Handle = handle
	d.mu.Unlock()
	go d.watch(ctx, jobID, handle, generation)
	return nil
}

// TerminateJob force-ends a running job as failed, for healing escalation.
// The orchestrator sees an ordinary failure event and runs its repair path.
func (d *Dispatcher) TerminateJob(ctx context.Context, jobID, reason string) error {
	d.mu.Lock()
	rj, ok := d.running[jobID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("job %s is not running", jobID)
	}
	jc := rj.jc
	d.mu.Unlock()

	job := jc.Job
	job.Status = core.JobFailed
	job.EndedAt = d.clk.Now()
	job.AccruedCostUSD = job.HourlyRateUSD * job.EndedAt.Sub(job.StartedAt).Hours()
	if err := d.jobs.Update(ctx, job); err != nil {
		return err
	}
	if err := jc.Provider.Terminate(ctx, jc.Instance); err != nil {
		return err
	}
	_ = d.instances.UpdateState(ctx, jc.Instance.ID, core.InstanceTerminated)
	d.emit(TaskEvent{GoalID: job.GoalID, Task: job.Task, Kind: EventFailed, JobID: jobID, Reason: reason})
	d.unregister(ctx, jobID)
	return nil
}

// CancelJob asks a running job to checkpoint-and-stop, waits out the grace
// period, then terminates its instance. The job ends cancelled regardless.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID string, grace time.Duration) error {
	d.mu.Lock()
	rj, ok := d.running[jobID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("job %s is not running", jobID)
	}
	jc := rj.jc
	d.mu.Unlock()

	// Mark cancelled first so the exit watcher does not report a failure.
	job := jc.Job
	job.Status = core.JobCancelled
	job.EndedAt = d.clk.Now()
	job.AccruedCostUSD = job.HourlyRateUSD * job.EndedAt.Sub(job.StartedAt).Hours()
	if err := d.jobs.Update(ctx, job); err != nil {
		return err
	}

	if err := jc.Handle.Stop(ctx); err == nil {
		timer := d.clk.NewTimer(grace)
		select {
		case <-jc.Handle.Exit():
		case <-timer.C():
		case <-ctx.Done():
		}
		timer.Stop()
	}
	if err := jc.Provider.Terminate(ctx, jc.Instance); err != nil {
		return err
	}
	_ = d.instances.UpdateState(ctx, jc.Instance.ID, core.InstanceTerminated)
	d.log.Append(ctx, audit.Record{
		Agent:         "scheduler",
		Action:        "job_cancelled",
		Input:         map[string]any{"goal_id": job.GoalID, "job_id": jobID, "instance": jc.Instance.ID},
		Outcome:       "cancelled",
		CostImpactUSD: job.AccruedCostUSD,
	})
	return nil
}

func (d *Dispatcher) emit(event TaskEvent) {
	d.events <- event
}
