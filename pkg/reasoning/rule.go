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
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/ormind/ormind/pkg/apis/core"
)

// RuleEngine is the deterministic scripted planner used when no model is
// configured, and the fixed-confidence fallback behind the healing table. It
// is a pure function of its inputs and the seed.
type RuleEngine struct {
	seed int64
}

func NewRuleEngine(seed int64) *RuleEngine {
	return &RuleEngine{seed: seed}
}

// Plan splits the goal text into sequential stages on "then" and ";" and
// emits one task per stage chained linearly. A single-stage goal becomes a
// single root task.
func (e *RuleEngine) Plan(_ context.Context, goalText string, constraints PlanConstraints) ([]TaskSpec, error) {
	goalText = strings.TrimSpace(goalText)
	if goalText == "" {
		return nil, fmt.Errorf("empty goal text")
	}
	stages := lo.Filter(splitStages(goalText), func(s string, _ int) bool { return s != "" })
	specs := make([]TaskSpec, 0, len(stages))
	perStageBudget := constraints.BudgetUSD
	if perStageBudget > 0 {
		perStageBudget /= float64(len(stages))
	}
	for i, stage := range stages {
		demand := constraints.DefaultDemand
		if demand.GPUClass == "" {
			demand.GPUClass = "a10"
			demand.GPUCount = 1
			demand.VRAMGiB = 24
		}
		if perStageBudget > 0 {
			demand.MaxCostUSD = perStageBudget
		}
		spec := TaskSpec{
			Name: stage,
			Workload: core.Workload{
				Image:          "ormind/runner:latest",
				Command:        []string{"/bin/run", stage},
				Demand:         demand,
				Checkpointable: true,
			},
			Confidence:       0.9,
			RiskTier:         riskForStage(stage),
			ExpectedDuration: time.Hour,
			EstimatedCostUSD: perStageBudget,
		}
		if i > 0 {
			spec.Predecessors = []int{i - 1}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func splitStages(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool { return r == ';' })
	var stages []string
	for _, part := range parts {
		for _, stage := range strings.Split(part, " then ") {
			stages = append(stages, strings.TrimSpace(stage))
		}
	}
	return stages
}

func riskForStage(stage string) core.RiskTier {
	lower := strings.ToLower(stage)
	switch {
	case strings.Contains(lower, "delete") || strings.Contains(lower, "deploy"):
		return core.RiskElevated
	default:
		return core.RiskNormal
	}
}

// diagnosisTable carries the fixed confidences used when no model engine is
// available.
var diagnosisTable = map[AnomalyKind]Diagnosis{
	AnomalyVRAMCritical: {Action: ActionPrescaleMemory, Confidence: 0.90, Reasoning: "vram above critical threshold"},
	AnomalyTempHigh:     {Action: ActionReduceBatchSize, Confidence: 1.0, Reasoning: "temperature sustained above critical"},
	AnomalyZScore:       {Action: ActionRestart, Confidence: 0.75, Reasoning: "metric diverged from rolling baseline"},
	AnomalyOOM:          {Action: ActionMigrateLarger, Confidence: 0.90, Reasoning: "explicit out-of-memory signal"},
	AnomalyRestartStorm: {Action: ActionTerminateNotify, Confidence: 1.0, Reasoning: "restart budget exhausted"},
}

func (e *RuleEngine) Diagnose(_ context.Context, anomaly AnomalyContext, _ []core.TelemetrySample) (Diagnosis, error) {
	diagnosis, ok := diagnosisTable[anomaly.Kind]
	if !ok {
		return Diagnosis{Action: ActionNone, Reasoning: "no rule for anomaly"}, nil
	}
	diagnosis.Reasoning = fmt.Sprintf("%s (metric %s=%.1f, z=%.2f)", diagnosis.Reasoning, anomaly.Metric, anomaly.Value, anomaly.ZScore)
	return diagnosis, nil
}

// Repair retries transient failures while attempts remain, moves OOM-failed
// tasks to a larger GPU class, and abandons everything else.
func (e *RuleEngine) Repair(_ context.Context, task core.Task, failure FailureContext) (Repair, error) {
	if failure.OOM {
		demand := task.Workload.Demand
		demand.GPUClass = core.LargerGPUClass(demand.GPUClass)
		demand.VRAMGiB *= 2
		return Repair{
			Decision:  RepairModify,
			Demand:    &demand,
			Rationale: fmt.Sprintf("out of memory on %s, retrying on %s", task.Workload.Demand.GPUClass, demand.GPUClass),
		}, nil
	}
	if failure.Attempts < 3 {
		return Repair{Decision: RepairRetry, Rationale: "failure looks transient, attempts remain"}, nil
	}
	return Repair{Decision: RepairAbandon, Rationale: fmt.Sprintf("%d attempts exhausted: %s", failure.Attempts, failure.Reason)}, nil
}
