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

// Package router selects a provider adapter per job using a composite of
// price, observed reliability and provisioning latency, and fails over across
// candidates when a provider cannot deliver.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"github.com/sony/gobreaker"
	"k8s.io/utils/clock"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/audit"
	"github.com/ormind/ormind/pkg/providers/adapter"
	"github.com/ormind/ormind/pkg/providers/pricing"
	"github.com/ormind/ormind/pkg/utils/logging"
)

const (
	// DefaultReliabilityWeight is delta in lambda = failure_rate * delta.
	DefaultReliabilityWeight = 2.0
	DefaultFanout            = 3
	// latencyEWMASpan approximates an average over the last 50 requests.
	latencyEWMASpan = 50

	UnavailableOfferingTTL = 3 * time.Minute
	PermanentErrorCooling  = 15 * time.Minute
)

// Constraints narrow the candidate set for one selection.
type Constraints struct {
	// Regions is the allow-list; empty means every region the adapter serves.
	Regions []string
	// Fanout bounds how many candidates a failover may burn through.
	Fanout int
}

// Candidate is one scored (adapter, region) offering.
type Candidate struct {
	Adapter adapter.Adapter
	Region  string
	Price   core.PricePoint
	Score   float64

	failureRate float64
	order       int
}

type registered struct {
	adapter adapter.Adapter
	order   int
	breaker *gobreaker.CircuitBreaker

	mu             sync.Mutex
	totalRequests  int64
	failures       int64
	latencySeconds float64 // EWMA over roughly the last 50 requests
}

func (r *registered) observe(latency time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalRequests++
	if failed {
		r.failures++
		return
	}
	alpha := 2.0 / float64(latencyEWMASpan+1)
	if r.latencySeconds == 0 {
		r.latencySeconds = latency.Seconds()
	} else {
		r.latencySeconds = alpha*latency.Seconds() + (1-alpha)*r.latencySeconds
	}
}

func (r *registered) snapshot() (failureRate, latencySeconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.totalRequests > 0 {
		failureRate = float64(r.failures) / float64(r.totalRequests)
	}
	return failureRate, r.latencySeconds
}

type Router struct {
	clk   clock.Clock
	log   *audit.Log
	store *pricing.Store
	delta float64

	mu       sync.RWMutex
	adapters []*registered
	byName   map[string]*registered

	// unavailable holds offerings that recently returned no-capacity;
	// cooling blacklists (provider, region, gpu_class) dimensions that hit a
	// permanent error.
	unavailable *gocache.Cache
	cooling     *gocache.Cache

	sweeps chan string
}

func New(store *pricing.Store, clk clock.Clock, log *audit.Log, reliabilityWeight float64) *Router {
	if reliabilityWeight <= 0 {
		reliabilityWeight = DefaultReliabilityWeight
	}
	return &Router{
		clk:         clk,
		log:         log,
		store:       store,
		delta:       reliabilityWeight,
		byName:      map[string]*registered{},
		unavailable: gocache.New(UnavailableOfferingTTL, time.Minute),
		cooling:     gocache.New(PermanentErrorCooling, time.Minute),
		sweeps:      make(chan string, 16),
	}
}

// Register adds an adapter. Registration order is the final selection
// tie-breaker, so registration is itself part of routing policy.
func (r *Router) Register(a adapter.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := &registered{
		adapter: a,
		order:   len(r.adapters),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    a.Name(),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
	r.adapters = append(r.adapters, reg)
	r.byName[a.Name()] = reg
}

// Adapter returns a registered adapter by provider name.
func (r *Router) Adapter(provider string) (adapter.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[provider]
	if !ok {
		return nil, false
	}
	return reg.adapter, true
}

// MarkUnavailable records that an offering has no capacity right now, from a
// provision failure or an interruption notice.
func (r *Router) MarkUnavailable(ctx context.Context, reason string, key core.PriceKey) {
	logging.FromContext(ctx).Debugw("marking offering unavailable",
		"offering", key.String(), "reason", reason, "ttl", UnavailableOfferingTTL)
	r.unavailable.SetDefault(key.String(), struct{}{})
}

func (r *Router) isUnavailable(key core.PriceKey) bool {
	_, found := r.unavailable.Get(key.String())
	return found
}

func (r *Router) isCooling(key core.PriceKey) bool {
	_, found := r.cooling.Get(key.String())
	return found
}

// Select filters and scores candidates for the demand, cheapest composite
// first. Given identical registered adapters with identical statistics, two
// identical calls return the same ordering.
func (r *Router) Select(demand core.ResourceDemand, constraints Constraints) ([]Candidate, error) {
	r.mu.RLock()
	adapters := make([]*registered, len(r.adapters))
	copy(adapters, r.adapters)
	r.mu.RUnlock()

	var candidates []Candidate
	for _, reg := range adapters {
		if !lo.Contains(reg.adapter.GPUClasses(), demand.GPUClass) {
			continue
		}
		failureRate, latencySeconds := reg.snapshot()
		for _, region := range reg.adapter.Regions() {
			if len(constraints.Regions) > 0 && !lo.Contains(constraints.Regions, region) {
				continue
			}
			key := core.PriceKey{Provider: reg.adapter.Name(), Region: region, GPUClass: demand.GPUClass}
			if r.isUnavailable(key) || r.isCooling(key) {
				continue
			}
			point, ok := r.store.Latest(key)
			if !ok || point.Availability == core.AvailabilityNone {
				continue
			}
			price := point.HourlyRateUSD
			if smoothed, ok := r.store.Smoothed(key); ok {
				price = smoothed
			}
			lambda := failureRate * r.delta
			candidates = append(candidates, Candidate{
				Adapter:     reg.adapter,
				Region:      region,
				Price:       point,
				Score:       price*(1+lambda) + latencySeconds*price/3600,
				failureRate: failureRate,
				order:       reg.order,
			})
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no adapter can satisfy %dx %s", demand.GPUCount, demand.GPUClass)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score < candidates[j].Score
		}
		if candidates[i].failureRate != candidates[j].failureRate {
			return candidates[i].failureRate < candidates[j].failureRate
		}
		return candidates[i].order < candidates[j].order
	})
	return candidates, nil
}

// CheapestAlternative returns the best candidate not on the given provider,
// for migration evaluation.
func (r *Router) CheapestAlternative(demand core.ResourceDemand, constraints Constraints, excludeProvider string) (Candidate, bool) {
	candidates, err := r.Select(demand, constraints)
	if err != nil {
		return Candidate{}, false
	}
	for _, candidate := range candidates {
		if candidate.Adapter.Name() != excludeProvider {
			return candidate, true
		}
	}
	return Candidate{}, false
}

// Provision walks the scored candidates, driving each provider through its
// circuit breaker, until one delivers an instance or the fanout is exhausted.
// Permanent errors surface immediately without further failover.
func (r *Router) Provision(ctx context.Context, req adapter.InstanceRequest, demand core.ResourceDemand, constraints Constraints) (*core.Instance, error) {
	candidates, err := r.Select(demand, constraints)
	if err != nil {
		return nil, err
	}
	fanout := constraints.Fanout
	if fanout <= 0 {
		fanout = DefaultFanout
	}
	candidates = lo.Slice(candidates, 0, fanout)

	var lastErr error
	for _, candidate := range candidates {
		instance, err := r.provisionOne(ctx, candidate, req)
		if err == nil {
			return instance, nil
		}
		lastErr = err
		if adapter.IsPermanent(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("provisioning failed across %d candidates, %w", len(candidates), lastErr)
}

func (r *Router) provisionOne(ctx context.Context, candidate Candidate, req adapter.InstanceRequest) (*core.Instance, error) {
	name := candidate.Adapter.Name()
	r.mu.RLock()
	reg := r.byName[name]
	r.mu.RUnlock()

	req.Region = candidate.Region
	start := r.clk.Now()
	result, err := reg.breaker.Execute(func() (any, error) {
		return candidate.Adapter.Provision(ctx, req)
	})
	latency := r.clk.Since(start)
	if err == nil {
		reg.observe(latency, false)
		requests.WithLabelValues(name, "success").Inc()
		provisionLatency.WithLabelValues(name).Observe(latency.Seconds())
		return result.(*core.Instance), nil
	}

	reg.observe(latency, true)
	key := core.PriceKey{Provider: name, Region: candidate.Region, GPUClass: req.GPUClass}
	outcome := r.classify(ctx, err, key)
	requests.WithLabelValues(name, outcome).Inc()
	r.log.Append(ctx, audit.Record{
		Agent:     "router",
		Action:    "provision_failed",
		Reasoning: err.Error(),
		Input:     map[string]any{"provider": name, "region": candidate.Region, "gpu_class": req.GPUClass},
		Outcome:   outcome,
		Duration:  latency,
	})
	return nil, err
}

// classify maps a provision failure onto cache and sweep side effects and
// returns the outcome label.
func (r *Router) classify(ctx context.Context, err error, key core.PriceKey) string {
	switch {
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		return "breaker_open"
	case adapter.IsUnavailable(err):
		r.MarkUnavailable(ctx, "insufficient capacity", key)
		return "unavailable"
	case adapter.IsRateLimited(err):
		return "rate_limited"
	case adapter.IsPermanent(err):
		logging.FromContext(ctx).Warnw("provider blacklisted for cooling period",
			"offering", key.String(), "cooling", PermanentErrorCooling)
		r.cooling.SetDefault(key.String(), struct{}{})
		return "permanent"
	case adapter.IsUnknownState(err):
		r.RequestSweep(key.Provider)
		return "unknown_state"
	default:
		return "transient"
	}
}
