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

// Package anthropic backs the reasoning interface with the Anthropic Messages
// API. Prompts demand a single JSON document; anything else is a malformed
// response surfaced to the caller. The engine is non-deterministic and must be
// wrapped in the recording decorator.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/reasoning"
)

const maxTokens = 4096

type Engine struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewEngine reads credentials from the environment, as the SDK does by
// default.
func NewEngine(model string) *Engine {
	return &Engine{client: anthropic.NewClient(), model: anthropic.Model(model)}
}

func (e *Engine) complete(ctx context.Context, system, prompt string) (string, error) {
	message, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
	})
	if err != nil {
		return "", fmt.Errorf("calling model, %w", err)
	}
	var b strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

// decode strips optional markdown fencing and unmarshals the one JSON
// document the prompt demanded.
func decode(raw string, into any) error {
	raw = strings.TrimSpace(raw)
	if after, found := strings.CutPrefix(raw, "```json"); found {
		raw = after
	} else if after, found := strings.CutPrefix(raw, "```"); found {
		raw = after
	}
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), into); err != nil {
		return fmt.Errorf("model returned malformed JSON, %w", err)
	}
	return nil
}

const planSystem = `You decompose infrastructure goals into GPU task plans.
Respond with exactly one JSON array and nothing else. Each element:
{"name": string, "image": string, "command": [string], "gpu_class": one of "t4"|"a10"|"l40s"|"a100"|"h100",
"gpu_count": int, "vram_gib": int, "predecessors": [int indexes of earlier elements],
"confidence": float 0..1, "risk_tier": "low"|"normal"|"elevated",
"expected_duration_seconds": int, "estimated_cost_usd": float,
"checkpointable": bool, "interruptible": bool}`

// planItem is the wire form of one planned task; durations travel as seconds.
type planItem struct {
	Name                    string   `json:"name"`
	Image                   string   `json:"image"`
	Command                 []string `json:"command"`
	GPUClass                string   `json:"gpu_class"`
	GPUCount                int      `json:"gpu_count"`
	VRAMGiB                 int      `json:"vram_gib"`
	Predecessors            []int    `json:"predecessors"`
	Confidence              float64  `json:"confidence"`
	RiskTier                string   `json:"risk_tier"`
	ExpectedDurationSeconds int      `json:"expected_duration_seconds"`
	EstimatedCostUSD        float64  `json:"estimated_cost_usd"`
	Checkpointable          bool     `json:"checkpointable"`
	Interruptible           bool     `json:"interruptible"`
}

func (e *Engine) Plan(ctx context.Context, goalText string, constraints reasoning.PlanConstraints) ([]reasoning.TaskSpec, error) {
	prompt := fmt.Sprintf("Goal: %s\nBudget: $%.2f (0 means unlimited)\nAllowed regions: %s",
		goalText, constraints.BudgetUSD, strings.Join(constraints.AllowedRegions, ", "))
	raw, err := e.complete(ctx, planSystem, prompt)
	if err != nil {
		return nil, err
	}
	var items []planItem
	if err := decode(raw, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("model produced an empty plan")
	}
	specs := make([]reasoning.TaskSpec, 0, len(items))
	for i, item := range items {
		for _, pred := range item.Predecessors {
			if pred < 0 || pred >= i {
				return nil, fmt.Errorf("task %d references invalid predecessor %d", i, pred)
			}
		}
		specs = append(specs, reasoning.TaskSpec{
			Name: item.Name,
			Workload: core.Workload{
				Image:   item.Image,
				Command: item.Command,
				Demand: core.ResourceDemand{
					GPUClass:   item.GPUClass,
					GPUCount:   item.GPUCount,
					VRAMGiB:    item.VRAMGiB,
					MaxCostUSD: item.EstimatedCostUSD,
				},
				Checkpointable: item.Checkpointable,
				Interruptible:  item.Interruptible,
			},
			Predecessors:     item.Predecessors,
			Confidence:       item.Confidence,
			RiskTier:         core.RiskTier(item.RiskTier),
			ExpectedDuration: time.Duration(item.ExpectedDurationSeconds) * time.Second,
			EstimatedCostUSD: item.EstimatedCostUSD,
		})
	}
	return specs, nil
}

const diagnoseSystem = `You diagnose GPU workload anomalies.
Respond with exactly one JSON object and nothing else:
{"action": one of "heal.prescale_memory"|"heal.reduce_batch_size"|"heal.restart"|"heal.migrate_larger_gpu"|"heal.terminate_notify"|"heal.none",
"confidence": float 0..1, "reasoning": string}`

func (e *Engine) Diagnose(ctx context.Context, anomaly reasoning.AnomalyContext, window []core.TelemetrySample) (reasoning.Diagnosis, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Anomaly %s on instance %s: metric %s=%.2f (z=%.2f)\nRecent samples (util%%, vram%%, tempC):\n",
		anomaly.Kind, anomaly.InstanceID, anomaly.Metric, anomaly.Value, anomaly.ZScore)
	for _, sample := range window {
		fmt.Fprintf(&b, "%.1f, %.1f, %.1f\n", sample.GPUUtilizationPct, sample.VRAMUsagePct, sample.TempCelsius)
	}
	raw, err := e.complete(ctx, diagnoseSystem, b.String())
	if err != nil {
		return reasoning.Diagnosis{}, err
	}
	var diagnosis reasoning.Diagnosis
	if err := decode(raw, &diagnosis); err != nil {
		return reasoning.Diagnosis{}, err
	}
	return diagnosis, nil
}

const repairSystem = `You decide whether a failed GPU task is worth retrying.
Respond with exactly one JSON object and nothing else:
{"decision": "retry"|"modify"|"abandon", "rationale": string,
"gpu_class": string or null, "vram_gib": int or null}
Set gpu_class/vram_gib only with decision "modify".`

type repairWire struct {
	Decision  string  `json:"decision"`
	Rationale string  `json:"rationale"`
	GPUClass  *string `json:"gpu_class"`
	VRAMGiB   *int    `json:"vram_gib"`
}

func (e *Engine) Repair(ctx context.Context, task core.Task, failure reasoning.FailureContext) (reasoning.Repair, error) {
	prompt := fmt.Sprintf("Task %q on %dx %s failed (attempt %d): %s\nOut of memory: %v",
		task.Name, task.Workload.Demand.GPUCount, task.Workload.Demand.GPUClass,
		failure.Attempts, failure.Reason, failure.OOM)
	raw, err := e.complete(ctx, repairSystem, prompt)
	if err != nil {
		return reasoning.Repair{}, err
	}
	var wire repairWire
	if err := decode(raw, &wire); err != nil {
		return reasoning.Repair{}, err
	}
	repair := reasoning.Repair{Decision: reasoning.RepairDecision(wire.Decision), Rationale: wire.Rationale}
	switch repair.Decision {
	case reasoning.RepairRetry, reasoning.RepairAbandon:
	case reasoning.RepairModify:
		demand := task.Workload.Demand
		if wire.GPUClass != nil {
			demand.GPUClass = *wire.GPUClass
		}
		if wire.VRAMGiB != nil {
			demand.VRAMGiB = *wire.VRAMGiB
		}
		repair.Demand = &demand
	default:
		return reasoning.Repair{}, fmt.Errorf("model returned unknown decision %q", wire.Decision)
	}
	return repair, nil
}
