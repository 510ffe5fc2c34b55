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

package reasoning

import (
	"context"
	"encoding/json"
	"time"

	"k8s.io/utils/clock"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/audit"
)

// Recording wraps an engine and writes every input/output pair to the audit
// log, so replay can reconstruct decisions without re-calling the model.
type Recording struct {
	inner Engine
	log   *audit.Log
	clk   clock.Clock
}

func NewRecording(inner Engine, log *audit.Log, clk clock.Clock) *Recording {
	return &Recording{inner: inner, log: log, clk: clk}
}

func (r *Recording) Plan(ctx context.Context, goalText string, constraints PlanConstraints) ([]TaskSpec, error) {
	start := r.clk.Now()
	specs, err := r.inner.Plan(ctx, goalText, constraints)
	r.record(ctx, "reasoning.plan", map[string]any{"goal_text": goalText, "budget_usd": constraints.BudgetUSD}, specs, err, start)
	return specs, err
}

func (r *Recording) Diagnose(ctx context.Context, anomaly AnomalyContext, window []core.TelemetrySample) (Diagnosis, error) {
	start := r.clk.Now()
	diagnosis, err := r.inner.Diagnose(ctx, anomaly, window)
	r.record(ctx, "reasoning.diagnose", map[string]any{
		"instance": anomaly.InstanceID,
		"kind":     string(anomaly.Kind),
		"metric":   anomaly.Metric,
		"value":    anomaly.Value,
	}, diagnosis, err, start)
	return diagnosis, err
}

func (r *Recording) Repair(ctx context.Context, task core.Task, failure FailureContext) (Repair, error) {
	start := r.clk.Now()
	repair, err := r.inner.Repair(ctx, task, failure)
	r.record(ctx, "reasoning.repair", map[string]any{
		"goal_id":  task.GoalID,
		"task":     task.Name,
		"reason":   failure.Reason,
		"attempts": failure.Attempts,
	}, repair, err, start)
	return repair, err
}

func (r *Recording) record(ctx context.Context, action string, input map[string]any, output any, err error, start time.Time) {
	outcome := "ok"
	reasoning := ""
	if err != nil {
		outcome = "error"
		reasoning = err.Error()
	} else if encoded, marshalErr := json.Marshal(output); marshalErr == nil {
		reasoning = string(encoded)
	}
	r.log.Append(ctx, audit.Record{
		Agent:     "reasoning",
		Action:    action,
		Reasoning: reasoning,
		Input:     input,
		Outcome:   outcome,
		Duration:  r.clk.Since(start),
	})
}
