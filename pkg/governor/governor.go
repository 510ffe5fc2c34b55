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

// Package governor implements the safety gate consulted before every
// cost-incurring or state-mutating action. Verdicts are a pure function of
// the current policy weights plus the rolling spend counters, so they replay
// from audit.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/audit"
)

type Decision string

const (
	Approve         Decision = "approve"
	RequireApproval Decision = "require_approval"
	Deny            Decision = "deny"
)

// PolicyWeights is the governor's mutable state. Mutation happens only
// through SetWeights, which audits itself.
type PolicyWeights struct {
	PerActionCapUSD float64
	PerGoalCapUSD   float64
	DailyCapUSD     float64
	// Empty allow list means all regions not explicitly denied.
	AllowedRegions []string
	DeniedRegions  []string
	// TierPolicy maps a risk tier onto the verdict floor for that tier.
	TierPolicy map[core.RiskTier]Decision
}

func DefaultTierPolicy() map[core.RiskTier]Decision {
	return map[core.RiskTier]Decision{
		core.RiskLow:      Approve,
		core.RiskNormal:   Approve,
		core.RiskElevated: RequireApproval,
		core.RiskBlocked:  Deny,
	}
}

// Request describes a proposed action.
type Request struct {
	Actor            string
	Action           string
	GoalID           string
	SubjectID        string
	Region           string
	RiskTier         core.RiskTier
	EstimatedCostUSD float64
	Reasoning        string
}

// Verdict is the governor's answer. Exactly one verdict is recorded to audit
// per Check call, before the caller may act.
type Verdict struct {
	Decision  Decision
	Rationale string
}

func (v Verdict) Approved() bool { return v.Decision == Approve }

// Approver resolves require_approval verdicts by blocking until an external
// confirmation arrives.
type Approver interface {
	Confirm(ctx context.Context, req Request) (bool, error)
}

// AutoDeny is the approver of last resort when no external channel is wired.
type AutoDeny struct{}

func (AutoDeny) Confirm(context.Context, Request) (bool, error) { return false, nil }

type Governor struct {
	clk      clock.Clock
	log      *audit.Log
	approver Approver

	mu          sync.RWMutex
	weights     PolicyWeights
	day         time.Time
	spentToday  float64
	spentByGoal map[string]float64
}

func New(weights PolicyWeights, clk clock.Clock, log *audit.Log, approver Approver) *Governor {
	if weights.TierPolicy == nil {
		weights.TierPolicy = DefaultTierPolicy()
	}
	if approver == nil {
		approver = AutoDeny{}
	}
	return &Governor{
		clk:         clk,
		log:         log,
		approver:    approver,
		weights:     weights,
		day:         clk.Now().Truncate(24 * time.Hour),
		spentByGoal: map[string]float64{},
	}
}

// Check evaluates a proposed action. Approved nonzero costs are charged to
// the spend counters immediately; callers that end up not acting must release
// the charge with Refund.
func (g *Governor) Check(ctx context.Context, req Request) Verdict {
	start := g.clk.Now()
	verdict := g.evaluate(req)

	if verdict.Decision == RequireApproval {
		confirmed, err := g.approver.Confirm(ctx, req)
		switch {
		case err != nil:
			verdict = Verdict{Decision: Deny, Rationale: fmt.Sprintf("external approval failed: %s", err)}
		case confirmed:
			verdict = Verdict{Decision: Approve, Rationale: "externally approved"}
			g.charge(req)
		default:
			verdict = Verdict{Decision: Deny, Rationale: "external approval refused"}
		}
	} else if verdict.Decision == Approve {
		g.charge(req)
	}

	g.log.Append(ctx, audit.Record{
		Agent:     req.Actor,
		Action:    req.Action,
		Reasoning: req.Reasoning,
		Input: map[string]any{
			"risk_tier":          string(req.RiskTier),
			"estimated_cost_usd": req.EstimatedCostUSD,
			"goal_id":            req.GoalID,
		},
		Outcome:        string(verdict.Decision),
		CostImpactUSD:  lo.Ternary(verdict.Approved(), req.EstimatedCostUSD, 0),
		Duration:       g.clk.Since(start),
		SafetyApproved: verdict.Approved(),
		SubjectID:      req.SubjectID,
	})
	verdicts.WithLabelValues(string(verdict.Decision)).Inc()
	return verdict
}

// evaluate applies the policy in precedence order: tier block, region policy,
// per-action cap, per-goal cap, daily cap, then the tier floor.
func (g *Governor) evaluate(req Request) Verdict {
	g.mu.Lock()
	g.rolloverLocked()
	weights := g.weights
	spentToday := g.spentToday
	spentGoal := g.spentByGoal[req.GoalID]
	g.mu.Unlock()

	tierDecision, known := weights.TierPolicy[req.RiskTier]
	if known && tierDecision == Deny {
		return Verdict{Decision: Deny, Rationale: fmt.Sprintf("risk tier %s is blocked by policy", req.RiskTier)}
	}
	if req.Region != "" && !regionAllowed(weights, req.Region) {
		return Verdict{Decision: Deny, Rationale: fmt.Sprintf("region %s is not permitted by policy", req.Region)}
	}
	if weights.PerActionCapUSD > 0 && req.EstimatedCostUSD > weights.PerActionCapUSD {
		return Verdict{Decision: Deny, Rationale: fmt.Sprintf(
			"estimated cost $%.2f exceeds per-action cap $%.2f", req.EstimatedCostUSD, weights.PerActionCapUSD)}
	}
	if weights.PerGoalCapUSD > 0 && req.GoalID != "" && spentGoal+req.EstimatedCostUSD > weights.PerGoalCapUSD {
		return Verdict{Decision: Deny, Rationale: fmt.Sprintf(
			"goal spend $%.2f plus $%.2f exceeds per-goal cap $%.2f", spentGoal, req.EstimatedCostUSD, weights.PerGoalCapUSD)}
	}
	// The daily cap is hard: once reached, every nonzero-cost action is
	// denied until the day rolls over.
	if weights.DailyCapUSD > 0 && req.EstimatedCostUSD > 0 && spentToday+req.EstimatedCostUSD > weights.DailyCapUSD {
		return Verdict{Decision: Deny, Rationale: fmt.Sprintf(
			"daily spend $%.2f plus $%.2f exceeds daily cap $%.2f", spentToday, req.EstimatedCostUSD, weights.DailyCapUSD)}
	}
	if known && tierDecision == RequireApproval {
		return Verdict{Decision: RequireApproval, Rationale: fmt.Sprintf("risk tier %s requires external approval", req.RiskTier)}
	}
	return Verdict{Decision: Approve, Rationale: "within policy"}
}

func regionAllowed(weights PolicyWeights, region string) bool {
	if lo.Contains(weights.DeniedRegions, region) {
		return false
	}
	if len(weights.AllowedRegions) > 0 {
		return lo.Contains(weights.AllowedRegions, region)
	}
	return true
}

// RegionAllowed exposes the region policy for router candidate filtering.
func (g *Governor) RegionAllowed(region string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return regionAllowed(g.weights, region)
}

func (g *Governor) charge(req Request) {
	if req.EstimatedCostUSD <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()
	g.spentToday += req.EstimatedCostUSD
	if req.GoalID != "" {
		g.spentByGoal[req.GoalID] += req.EstimatedCostUSD
	}
	dailySpend.Set(g.spentToday)
}

// Refund releases an approved charge whose action never took effect.
func (g *Governor) Refund(req Request) {
	if req.EstimatedCostUSD <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spentToday = max(0, g.spentToday-req.EstimatedCostUSD)
	if req.GoalID != "" {
		g.spentByGoal[req.GoalID] = max(0, g.spentByGoal[req.GoalID]-req.EstimatedCostUSD)
	}
	dailySpend.Set(g.spentToday)
}

func (g *Governor) rolloverLocked() {
	today := g.clk.Now().Truncate(24 * time.Hour)
	if today.After(g.day) {
		g.day = today
		g.spentToday = 0
		dailySpend.Set(0)
	}
}

// Weights returns the current policy snapshot.
func (g *Governor) Weights() PolicyWeights {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.weights
}

// SetWeights swaps the policy snapshot. The change is a distinct audited
// operation, takes effect for the very next Check, and is refused when
// routed through the governor's own actor name: the governor cannot approve
// changes to itself.
func (g *Governor) SetWeights(ctx context.Context, weights PolicyWeights, actor string) error {
	if actor == "governor" {
		return fmt.Errorf("governor may not modify its own weights")
	}
	if weights.TierPolicy == nil {
		weights.TierPolicy = DefaultTierPolicy()
	}
	g.mu.Lock()
	previous := g.weights
	g.weights = weights
	g.mu.Unlock()

	g.log.Append(ctx, audit.Record{
		Agent:  actor,
		Action: "governor.weights_updated",
		Input: map[string]any{
			"previous_daily_cap_usd": previous.DailyCapUSD,
			"daily_cap_usd":          weights.DailyCapUSD,
			"per_action_cap_usd":     weights.PerActionCapUSD,
		},
		Outcome:        "applied",
		SafetyApproved: true,
	})
	return nil
}
