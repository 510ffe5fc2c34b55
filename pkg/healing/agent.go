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

// Package healing runs one cheap agent per active instance. Each agent keeps
// rolling windows over the 1 Hz telemetry stream, matches the trigger table
// against every sample, asks the reasoning engine for a diagnosis, and routes
// every remediation through the safety governor before acting.
package healing

import (
	"context"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/audit"
	"github.com/ormind/ormind/pkg/events"
	"github.com/ormind/ormind/pkg/governor"
	"github.com/ormind/ormind/pkg/reasoning"
	"github.com/ormind/ormind/pkg/utils/logging"
)

const (
	DefaultWindowSamples = 60
	DefaultZThreshold    = 3.0
	DefaultVRAMCritical  = 97.0
	DefaultTempCritical  = 84.0

	// StaleAfter is how long an instance may be silent before a
	// telemetry_stale record is written; FailedAfter is when the instance is
	// treated as failed outright.
	StaleAfter  = 10 * time.Second
	FailedAfter = 30 * time.Second

	// sustainedSamples is the run length required for the temperature and
	// z-score triggers.
	sustainedSamples = 3

	// restartBudget terminates the instance once this many restarts happen
	// inside restartBudgetWindow.
	restartBudget       = 3
	restartBudgetWindow = 10 * time.Minute

	// triggerCooldown keeps one sustained anomaly from firing the same action
	// on every subsequent sample.
	triggerCooldown = 30 * time.Second
)

// confidenceGates are the hard minimums a diagnosis must meet before its
// action executes. A zero gate means the action is immediate.
var confidenceGates = map[reasoning.AnomalyKind]float64{
	reasoning.AnomalyVRAMCritical: 0.80,
	reasoning.AnomalyTempHigh:     0,
	reasoning.AnomalyZScore:       0.70,
	reasoning.AnomalyOOM:          0.85,
	reasoning.AnomalyRestartStorm: 0,
}

// Remediator executes approved healing actions against the running job.
type Remediator interface {
	PrescaleMemory(ctx context.Context, jobID string) error
	ReduceBatchSize(ctx context.Context, jobID string) error
	Restart(ctx context.Context, jobID string, backoff time.Duration) error
	MigrateLargerGPU(ctx context.Context, jobID string) error
	TerminateAndNotify(ctx context.Context, jobID, reason string) error
}

type Options struct {
	WindowSamples int
	ZThreshold    float64
	VRAMCritical  float64
	TempCritical  float64
}

func DefaultOptions() Options {
	return Options{
		WindowSamples: DefaultWindowSamples,
		ZThreshold:    DefaultZThreshold,
		VRAMCritical:  DefaultVRAMCritical,
		TempCritical:  DefaultTempCritical,
	}
}

// Agent watches one instance. It owns the instance's telemetry subscription
// and nothing else; all shared state is reached through injected components.
type Agent struct {
	jobID      string
	instance   *core.Instance
	engine     reasoning.Engine
	gov        *governor.Governor
	log        *audit.Log
	remediator Remediator
	recorder   events.Recorder
	clk        clock.WithTicker
	opts       Options

	windows map[string]*Window
	// zRuns counts consecutive samples beyond the z threshold per metric;
	// tempRun counts consecutive samples above the temperature ceiling.
	zRuns      map[string]int
	tempRun    int
	restarts   []time.Time
	lastFired  map[reasoning.AnomalyKind]time.Time
	lastSample time.Time
	staleNoted bool
}

func NewAgent(jobID string, instance *core.Instance, engine reasoning.Engine, gov *governor.Governor,
	log *audit.Log, remediator Remediator, recorder events.Recorder, clk clock.WithTicker, opts Options) *Agent {
	if opts.WindowSamples <= 0 {
		opts = DefaultOptions()
	}
	windows := map[string]*Window{}
	for _, metric := range []string{core.MetricGPUUtilization, core.MetricVRAMUsage, core.MetricTemperature, core.MetricInterconnect} {
		windows[metric] = NewWindow(opts.WindowSamples)
	}
	return &Agent{
		jobID:      jobID,
		instance:   instance,
		engine:     engine,
		gov:        gov,
		log:        log,
		remediator: remediator,
		recorder:   recorder,
		clk:        clk,
		opts:       opts,
		windows:    windows,
		zRuns:      map[string]int{},
		lastFired:  map[reasoning.AnomalyKind]time.Time{},
		lastSample: clk.Now(),
	}
}

// Run consumes the sample stream until it closes or ctx is cancelled. The
// 1-second ticker drives staleness detection between samples.
func (a *Agent) Run(ctx context.Context, samples <-chan core.TelemetrySample) error {
	ticker := a.clk.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case sample, open := <-samples:
			if !open {
				return nil
			}
			a.observe(ctx, sample)
		case <-ticker.C():
			if done := a.checkStaleness(ctx); done {
				return nil
			}
		}
	}
}

func (a *Agent) observe(ctx context.Context, sample core.TelemetrySample) {
	a.lastSample = a.clk.Now()
	a.staleNoted = false

	// Explicit OOM outranks everything inferred from thresholds.
	if sample.OOM {
		a.trigger(ctx, reasoning.AnomalyOOM, core.MetricVRAMUsage, sample.VRAMUsagePct, 0)
	}
	if sample.VRAMUsagePct > a.opts.VRAMCritical {
		a.trigger(ctx, reasoning.AnomalyVRAMCritical, core.MetricVRAMUsage, sample.VRAMUsagePct, 0)
	}
	if sample.TempCelsius > a.opts.TempCritical {
		a.tempRun++
		if a.tempRun >= sustainedSamples {
			a.trigger(ctx, reasoning.AnomalyTempHigh, core.MetricTemperature, sample.TempCelsius, 0)
		}
	} else {
		a.tempRun = 0
	}

	for metric, window := range a.windows {
		value := sample.MetricValue(metric)
		z := window.ZScore(value)
		window.Push(value)
		if z > a.opts.ZThreshold || z < -a.opts.ZThreshold {
			a.zRuns[metric]++
			if a.zRuns[metric] >= sustainedSamples {
				a.trigger(ctx, reasoning.AnomalyZScore, metric, value, z)
			}
		} else {
			a.zRuns[metric] = 0
		}
	}
}

// trigger runs the diagnose -> confidence gate -> governor -> act pipeline
// for one anomaly.
func (a *Agent) trigger(ctx context.Context, kind reasoning.AnomalyKind, metric string, value, z float64) {
	if a.clk.Since(a.lastFired[kind]) < triggerCooldown && !a.lastFired[kind].IsZero() {
		return
	}
	a.lastFired[kind] = a.clk.Now()
	detectedAt := a.clk.Now()
	anomalies.WithLabelValues(string(kind)).Inc()

	diagnosis, err := a.engine.Diagnose(ctx, reasoning.AnomalyContext{
		InstanceID: a.instance.ID,
		Kind:       kind,
		Metric:     metric,
		Value:      value,
		ZScore:     z,
	}, nil)
	if err != nil {
		logging.FromContext(ctx).Errorw("diagnosis failed", "instance", a.instance.ID, "kind", kind, "error", err)
		return
	}
	if diagnosis.Action == reasoning.ActionNone {
		return
	}
	// Confidence thresholds are hard gates: a diagnosis below the table's
	// minimum is recorded, not executed.
	if gate := confidenceGates[kind]; diagnosis.Confidence < gate {
		a.log.Append(ctx, audit.Record{
			Agent:     "healing",
			Action:    "heal.confidence_below_threshold",
			Reasoning: diagnosis.Reasoning,
			Input: map[string]any{
				"instance":   a.instance.ID,
				"anomaly":    string(kind),
				"confidence": diagnosis.Confidence,
				"required":   gate,
			},
			Outcome: "skipped",
		})
		return
	}

	verdict := a.gov.Check(ctx, governor.Request{
		Actor:            "healing",
		Action:           string(diagnosis.Action),
		SubjectID:        a.instance.ID,
		RiskTier:         core.RiskNormal,
		EstimatedCostUSD: a.estimatedCost(diagnosis.Action),
		Reasoning:        diagnosis.Reasoning,
	})
	if !verdict.Approved() {
		return
	}
	if err := a.act(ctx, diagnosis.Action); err != nil {
		logging.FromContext(ctx).Errorw("healing action failed",
			"instance", a.instance.ID, "action", string(diagnosis.Action), "error", err)
		return
	}
	timeToAction.Observe(a.clk.Since(detectedAt).Seconds())
}

// estimatedCost is what the governor charges per action. Only a migration to
// a larger class buys new capacity; everything else rides the existing spend.
func (a *Agent) estimatedCost(action reasoning.HealAction) float64 {
	if action == reasoning.ActionMigrateLarger {
		return a.instance.HourlyRateUSD
	}
	return 0
}

func (a *Agent) act(ctx context.Context, action reasoning.HealAction) error {
	switch action {
	case reasoning.ActionPrescaleMemory:
		return a.remediator.PrescaleMemory(ctx, a.jobID)
	case reasoning.ActionReduceBatchSize:
		return a.remediator.ReduceBatchSize(ctx, a.jobID)
	case reasoning.ActionRestart:
		return a.restart(ctx)
	case reasoning.ActionMigrateLarger:
		return a.remediator.MigrateLargerGPU(ctx, a.jobID)
	case reasoning.ActionTerminateNotify:
		a.recorder.InstanceUnhealthy(ctx, a.instance, "restart budget exhausted")
		return a.remediator.TerminateAndNotify(ctx, a.jobID, "restart budget exhausted")
	}
	return fmt.Errorf("unknown healing action %q", action)
}

// restart applies exponential backoff per restart within the budget window
// and escalates to terminate+notify once the budget is spent.
func (a *Agent) restart(ctx context.Context) error {
	now := a.clk.Now()
	recent := a.restarts[:0]
	for _, t := range a.restarts {
		if now.Sub(t) < restartBudgetWindow {
			recent = append(recent, t)
		}
	}
	a.restarts = append(recent, now)
	if len(a.restarts) > restartBudget {
		a.trigger(ctx, reasoning.AnomalyRestartStorm, "", 0, 0)
		return nil
	}
	backoff := time.Duration(1<<uint(len(a.restarts)-1)) * 10 * time.Second
	restarts.Inc()
	return a.remediator.Restart(ctx, a.jobID, backoff)
}

// checkStaleness handles telemetry gaps: a gap is never an anomaly, but 10 s
// of silence is noted and 30 s means the instance is gone.
func (a *Agent) checkStaleness(ctx context.Context) bool {
	silence := a.clk.Since(a.lastSample)
	if silence >= FailedAfter {
		a.log.Append(ctx, audit.Record{
			Agent:     "healing",
			Action:    "telemetry_lost",
			Reasoning: fmt.Sprintf("no samples for %s, treating instance as failed", silence.Round(time.Second)),
			Input:     map[string]any{"instance": a.instance.ID},
			Outcome:   "instance_failed",
		})
		a.recorder.TelemetryLost(ctx, a.instance.ID)
		if err := a.remediator.TerminateAndNotify(ctx, a.jobID, "telemetry lost"); err != nil {
			logging.FromContext(ctx).Errorw("terminating silent instance", "instance", a.instance.ID, "error", err)
		}
		return true
	}
	if silence >= StaleAfter && !a.staleNoted {
		a.staleNoted = true
		a.log.Append(ctx, audit.Record{
			Agent:     "healing",
			Action:    "telemetry_stale",
			Reasoning: fmt.Sprintf("no samples for %s", silence.Round(time.Second)),
			Input:     map[string]any{"instance": a.instance.ID},
			Outcome:   "watching",
		})
	}
	return false
}
