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

// Package costopt owns the economic half of the control plane: once per tick
// it re-evaluates every running job against the cheapest alternative offering
// and migrates when the savings beat the cost of moving. A migration that
// fails part-way is rolled back; the source instance is never given up until
// the replacement is live.
package costopt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/audit"
	"github.com/ormind/ormind/pkg/governor"
	"github.com/ormind/ormind/pkg/providers/adapter"
	"github.com/ormind/ormind/pkg/providers/router"
	"github.com/ormind/ormind/pkg/repository"
	"github.com/ormind/ormind/pkg/scheduling"
	"github.com/ormind/ormind/pkg/utils/logging"
)

const (
	DefaultEvaluationInterval = 60 * time.Second
	// DefaultMigrationThreshold requires the target to be at least 15%
	// cheaper before a migration is even considered.
	DefaultMigrationThreshold = 0.15
	// migrationOverhead approximates checkpoint upload + provisioning +
	// restore; both instances bill during the cutover.
	migrationOverhead = 5 * time.Minute
)

type Options struct {
	EvaluationInterval time.Duration
	MigrationThreshold float64
}

func DefaultOptions() Options {
	return Options{
		EvaluationInterval: DefaultEvaluationInterval,
		MigrationThreshold: DefaultMigrationThreshold,
	}
}

// Optimizer tracks running jobs through the dispatcher's observer hook and
// runs one migration evaluator for all of them.
type Optimizer struct {
	router     *router.Router
	dispatcher *scheduling.Dispatcher
	jobs       repository.Jobs
	instances  repository.Instances
	gov        *governor.Governor
	log        *audit.Log
	clk        clock.WithTicker
	opts       Options

	mu      sync.Mutex
	tracked map[string]scheduling.JobContext
}

func New(rt *router.Router, dispatcher *scheduling.Dispatcher, jobs repository.Jobs, instances repository.Instances,
	gov *governor.Governor, log *audit.Log, clk clock.WithTicker, opts Options) *Optimizer {
	if opts.EvaluationInterval <= 0 {
		opts.EvaluationInterval = DefaultEvaluationInterval
	}
	if opts.MigrationThreshold <= 0 {
		opts.MigrationThreshold = DefaultMigrationThreshold
	}
	return &Optimizer{
		router:     rt,
		dispatcher: dispatcher,
		jobs:       jobs,
		instances:  instances,
		gov:        gov,
		log:        log,
		clk:        clk,
		opts:       opts,
		tracked:    map[string]scheduling.JobContext{},
	}
}

func (o *Optimizer) OnJobStarted(_ context.Context, jc scheduling.JobContext) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tracked[jc.Job.ID] = jc
}

func (o *Optimizer) OnJobEnded(_ context.Context, jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.tracked, jobID)
}

// Run evaluates every tracked job once per tick until ctx is cancelled.
func (o *Optimizer) Run(ctx context.Context) error {
	ticker := o.clk.NewTicker(o.opts.EvaluationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			o.EvaluateAll(ctx)
		}
	}
}

// EvaluateAll runs one migration evaluation pass over the tracked jobs.
func (o *Optimizer) EvaluateAll(ctx context.Context) {
	o.mu.Lock()
	jcs := make([]scheduling.JobContext, 0, len(o.tracked))
	for _, jc := range o.tracked {
		jcs = append(jcs, jc)
	}
	o.mu.Unlock()
	for _, jc := range jcs {
		o.evaluate(ctx, jc)
	}
}

func (o *Optimizer) evaluate(ctx context.Context, jc scheduling.JobContext) {
	// Jobs that cannot checkpoint are ineligible.
	if _, ok := jc.Handle.(adapter.Checkpointer); !ok {
		return
	}
	remaining := jc.Job.StartedAt.Add(jc.ExpectedDuration).Sub(o.clk.Now())
	if remaining <= 0 {
		return
	}
	currentRate := jc.Job.HourlyRateUSD
	alt, ok := o.router.CheapestAlternative(jc.Workload.Demand,
		router.Constraints{Regions: jc.Regions}, jc.Instance.Provider)
	if !ok {
		return
	}
	altRate := alt.Price.HourlyRateUSD
	if altRate >= currentRate*(1-o.opts.MigrationThreshold) {
		return
	}
	savings := (currentRate - altRate) * remaining.Hours()
	migrationCost := (currentRate + altRate) * migrationOverhead.Hours()
	if migrationCost >= savings {
		return
	}

	verdict := o.gov.Check(ctx, governor.Request{
		Actor:            "cost_optimizer",
		Action:           "migration_proposed",
		GoalID:           jc.Job.GoalID,
		Region:           alt.Region,
		RiskTier:         core.RiskNormal,
		EstimatedCostUSD: migrationCost,
		Reasoning: fmt.Sprintf("%s at $%.2f/hr vs %s at $%.2f/hr, est savings $%.2f",
			jc.Instance.Provider, currentRate, alt.Adapter.Name(), altRate, savings),
	})
	if !verdict.Approved() {
		return
	}
	if err := o.migrate(ctx, jc, alt); err != nil {
		logging.FromContext(ctx).Errorw("migration aborted",
			"job", jc.Job.ID, "from", jc.Instance.Provider, "to", alt.Adapter.Name(), "error", err)
	}
}

// migrate executes checkpoint -> provision -> restore -> terminate-old. Any
// failure aborts with the source instance kept; the freshly provisioned
// target is then terminated best-effort.
func (o *Optimizer) migrate(ctx context.Context, jc scheduling.JobContext, target router.Candidate) error {
	start := o.clk.Now()
	checkpointer := jc.Handle.(adapter.Checkpointer)

	ref, err := checkpointer.Checkpoint(ctx)
	if err != nil {
		o.auditFailure(ctx, jc, target, "", start, fmt.Errorf("checkpointing source, %w", err))
		return err
	}

	demand := jc.Workload.Demand
	newInstance, err := target.Adapter.Provision(ctx, adapter.InstanceRequest{
		Region:            target.Region,
		GPUClass:          demand.GPUClass,
		GPUCount:          demand.GPUCount,
		VRAMGiB:           demand.VRAMGiB,
		Interruptible:     jc.Instance.Interruptible,
		ProvisioningToken: adapter.Token(jc.Job.ID+"/migrate", int(jc.Job.Task)),
	})
	if err != nil {
		o.auditFailure(ctx, jc, target, "", start, fmt.Errorf("provisioning target, %w", err))
		return err
	}

	newHandle, err := o.restoreOnTarget(ctx, target.Adapter, newInstance, jc.Workload, ref)
	if err != nil {
		// Q-rollback: the source keeps running; tear the target down.
		if terr := target.Adapter.Terminate(ctx, newInstance); terr != nil {
			logging.FromContext(ctx).Errorw("terminating abandoned migration target",
				"instance", newInstance.ID, "error", terr)
		}
		o.auditFailure(ctx, jc, target, newInstance.ID, start, err)
		return err
	}

	// The replacement is live; settle the old job, then retire the source.
	oldJob := jc.Job
	oldJob.Status = core.JobMigrated
	oldJob.EndedAt = o.clk.Now()
	oldJob.AccruedCostUSD = oldJob.HourlyRateUSD * oldJob.EndedAt.Sub(oldJob.StartedAt).Hours()
	if err := o.jobs.Update(ctx, oldJob); err != nil {
		return err
	}

	newJob := &core.Job{
		ID:            oldJob.ID + "-m",
		GoalID:        oldJob.GoalID,
		Task:          oldJob.Task,
		Provider:      newInstance.Provider,
		Instance:      newInstance,
		HourlyRateUSD: newInstance.HourlyRateUSD,
		StartedAt:     o.clk.Now(),
		Status:        core.JobRunning,
	}
	if err := o.instances.Create(ctx, newInstance); err != nil {
		return err
	}
	if err := o.jobs.Create(ctx, newJob); err != nil {
		return err
	}

	if err := jc.Provider.Terminate(ctx, jc.Instance); err != nil {
		logging.FromContext(ctx).Errorw("terminating migration source",
			"instance", jc.Instance.ID, "error", err)
	}
	_ = o.instances.UpdateState(ctx, jc.Instance.ID, core.InstanceTerminated)

	remaining := jc.ExpectedDuration - o.clk.Now().Sub(oldJob.StartedAt)
	o.dispatcher.Register(ctx, scheduling.JobContext{
		Job:              newJob,
		Instance:         newInstance,
		Provider:         target.Adapter,
		Handle:           newHandle,
		Workload:         jc.Workload,
		ExpectedDuration: max(remaining, time.Minute),
		Regions:          jc.Regions,
	})

	realized := o.clk.Since(start)
	migrations.WithLabelValues("succeeded").Inc()
	o.log.Append(ctx, audit.Record{
		Agent:     "cost_optimizer",
		Action:    "migration_succeeded",
		Reasoning: fmt.Sprintf("moved from %s to %s for $%.2f/hr savings", jc.Instance.Provider, newInstance.Provider, jc.Instance.HourlyRateUSD-newInstance.HourlyRateUSD),
		Input: map[string]any{
			"goal_id":            oldJob.GoalID,
			"from_instance":      jc.Instance.ID,
			"to_instance":        newInstance.ID,
			"price_delta_usd_hr": jc.Instance.HourlyRateUSD - newInstance.HourlyRateUSD,
			"checkpoint":         ref,
			"migration_cost_usd": (jc.Instance.HourlyRateUSD + newInstance.HourlyRateUSD) * realized.Hours(),
			"migration_duration": realized.String(),
		},
		Outcome:        "migrated",
		Duration:       realized,
		SafetyApproved: true,
	})
	return nil
}

// restoreOnTarget starts the workload on the new instance and restores the
// checkpoint into it.
func (o *Optimizer) restoreOnTarget(ctx context.Context, prov adapter.Adapter, instance *core.Instance,
	workload core.Workload, ref string) (adapter.CommandHandle, error) {
	handle, err := prov.Execute(ctx, instance, workload.Command, workload.Env)
	if err != nil {
		return nil, fmt.Errorf("starting workload on target, %w", err)
	}
	restorer, ok := handle.(adapter.Checkpointer)
	if !ok {
		return nil, fmt.Errorf("target handle cannot restore checkpoints")
	}
	if err := restorer.Restore(ctx, ref); err != nil {
		return nil, fmt.Errorf("restoring checkpoint %s, %w", ref, err)
	}
	return handle, nil
}

func (o *Optimizer) auditFailure(ctx context.Context, jc scheduling.JobContext, target router.Candidate,
	targetInstanceID string, start time.Time, cause error) {
	migrations.WithLabelValues("failed").Inc()
	o.log.Append(ctx, audit.Record{
		Agent:     "cost_optimizer",
		Action:    "migration_failed",
		Reasoning: cause.Error(),
		Input: map[string]any{
			"goal_id":       jc.Job.GoalID,
			"from_instance": jc.Instance.ID,
			"to_instance":   targetInstanceID,
			"to_provider":   target.Adapter.Name(),
		},
		Outcome:  "aborted_source_kept",
		Duration: o.clk.Since(start),
	})
}

// MigrateToLargerClass moves a job onto the next GPU class up, for the
// healing agent's OOM escalation. Price is not a consideration here.
func (o *Optimizer) MigrateToLargerClass(ctx context.Context, jobID string) error {
	o.mu.Lock()
	jc, ok := o.tracked[jobID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s is not tracked", jobID)
	}
	if _, can := jc.Handle.(adapter.Checkpointer); !can {
		return fmt.Errorf("job %s cannot checkpoint", jobID)
	}
	demand := jc.Workload.Demand
	demand.GPUClass = core.LargerGPUClass(demand.GPUClass)
	demand.VRAMGiB *= 2
	if demand.GPUClass == jc.Workload.Demand.GPUClass {
		return fmt.Errorf("no larger GPU class than %s", demand.GPUClass)
	}
	candidates, err := o.router.Select(demand, router.Constraints{Regions: jc.Regions})
	if err != nil {
		return err
	}
	upgraded := jc
	upgraded.Workload.Demand = demand
	return o.migrate(ctx, upgraded, candidates[0])
}
