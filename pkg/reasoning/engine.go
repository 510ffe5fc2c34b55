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

// Package reasoning defines the pluggable engine that turns natural language
// and diagnostic context into structured plans and decisions. The orchestrator
// never talks to a model directly; everything goes through this interface and
// the recording decorator, so decisions replay from audit without re-calling
// the model.
package reasoning

import (
	"context"
	"time"

	"github.com/ormind/ormind/pkg/apis/core"
)

// TaskSpec is one planned task; Predecessors index earlier specs in the same
// plan, mirroring the arena representation the orchestrator builds.
type TaskSpec struct {
	Name             string              `json:"name"`
	Workload         core.Workload       `json:"workload"`
	Predecessors     []int               `json:"predecessors,omitempty"`
	Confidence       float64             `json:"confidence"`
	RiskTier         core.RiskTier       `json:"risk_tier"`
	ExpectedDuration time.Duration       `json:"expected_duration"`
	EstimatedCostUSD float64             `json:"estimated_cost_usd"`
}

// PlanConstraints carry admission-time limits into planning.
type PlanConstraints struct {
	BudgetUSD      float64
	DefaultDemand  core.ResourceDemand
	AllowedRegions []string
	Deadline       time.Time
}

// AnomalyKind names the healing trigger that produced a diagnosis request.
type AnomalyKind string

const (
	AnomalyVRAMCritical AnomalyKind = "vram_critical"
	AnomalyTempHigh     AnomalyKind = "temp_high"
	AnomalyZScore       AnomalyKind = "zscore"
	AnomalyOOM          AnomalyKind = "oom"
	AnomalyRestartStorm AnomalyKind = "restart_storm"
)

// AnomalyContext is what the healing agent knows when it asks for a diagnosis.
type AnomalyContext struct {
	InstanceID string
	Kind       AnomalyKind
	Metric     string
	Value      float64
	ZScore     float64
}

// HealAction is the remediation a diagnosis recommends.
type HealAction string

const (
	ActionPrescaleMemory  HealAction = "heal.prescale_memory"
	ActionReduceBatchSize HealAction = "heal.reduce_batch_size"
	ActionRestart         HealAction = "heal.restart"
	ActionMigrateLarger   HealAction = "heal.migrate_larger_gpu"
	ActionTerminateNotify HealAction = "heal.terminate_notify"
	ActionNone            HealAction = "heal.none"
)

// Diagnosis pairs a recommended action with the engine's confidence in it.
type Diagnosis struct {
	Action     HealAction `json:"action"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning"`
}

// RepairDecision is the engine's answer to a terminal task failure.
type RepairDecision string

const (
	RepairRetry   RepairDecision = "retry"
	RepairModify  RepairDecision = "modify"
	RepairAbandon RepairDecision = "abandon"
)

// Repair carries the decision plus a modified demand when the decision is
// modify.
type Repair struct {
	Decision  RepairDecision       `json:"decision"`
	Demand    *core.ResourceDemand `json:"demand,omitempty"`
	Rationale string               `json:"rationale"`
}

// FailureContext describes why a task failed.
type FailureContext struct {
	Reason   string
	Attempts int
	OOM      bool
}

// Engine is the reasoning interface. Implementations must be deterministic
// under a given seed; non-deterministic ones are wrapped by NewRecording so
// replay reconstructs decisions from audit.
type Engine interface {
	Plan(ctx context.Context, goalText string, constraints PlanConstraints) ([]TaskSpec, error)
	Diagnose(ctx context.Context, anomaly AnomalyContext, window []core.TelemetrySample) (Diagnosis, error)
	Repair(ctx context.Context, task core.Task, failure FailureContext) (Repair, error)
}
