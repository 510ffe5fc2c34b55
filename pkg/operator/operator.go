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

// Package operator assembles the control plane: one audit log, one governor,
// one router, one queue and dispatcher, and the per-job healing and cost
// machinery, all sharing a single clock. Construction is pure wiring; nothing
// starts until Run.
package operator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/audit"
	"github.com/ormind/ormind/pkg/costopt"
	"github.com/ormind/ormind/pkg/events"
	"github.com/ormind/ormind/pkg/governor"
	"github.com/ormind/ormind/pkg/healing"
	"github.com/ormind/ormind/pkg/metrics"
	"github.com/ormind/ormind/pkg/operator/options"
	"github.com/ormind/ormind/pkg/orchestrator"
	"github.com/ormind/ormind/pkg/providers/adapter"
	ec2adapter "github.com/ormind/ormind/pkg/providers/adapter/ec2"
	"github.com/ormind/ormind/pkg/providers/pricing"
	"github.com/ormind/ormind/pkg/providers/router"
	"github.com/ormind/ormind/pkg/reasoning"
	anthropicengine "github.com/ormind/ormind/pkg/reasoning/anthropic"
	"github.com/ormind/ormind/pkg/repository"
	"github.com/ormind/ormind/pkg/scheduling"
	"github.com/ormind/ormind/pkg/telemetry"
	"github.com/ormind/ormind/pkg/utils/logging"
)

// Operator owns every long-lived component. Factories receive it and pick the
// pieces they need.
type Operator struct {
	Clock    clock.Clock
	Options  *options.Options
	Log      *audit.Log
	Governor *governor.Governor
	Engine   reasoning.Engine

	Goals        repository.Goals
	Jobs         repository.Jobs
	Instances    repository.Instances
	AuditBatches repository.AuditBatches

	PricingStore  *pricing.Store
	PricingPoller *pricing.Poller
	Router        *router.Router
	Bus           *telemetry.Bus
	Queue         *scheduling.Queue
	Dispatcher    *scheduling.Dispatcher
	Healing       *healing.Manager
	Optimizer     *costopt.Optimizer
	Orchestrator  *orchestrator.Orchestrator
	Recorder      events.Recorder

	adapters []adapter.Adapter
}

// NewOperator wires the control plane from the options snapshot. Extra
// adapters let callers register simulated providers alongside the real ones.
func NewOperator(ctx context.Context, opts *options.Options, extraAdapters ...adapter.Adapter) (*Operator, error) {
	clk := clock.RealClock{}

	batches := repository.NewMemoryAuditBatches()
	log := audit.NewLog([]byte(opts.AuditSecret), clk, audit.Options{
		BatchSize:    opts.AuditBatchSize,
		SealInterval: time.Duration(opts.AuditSealIntervalSeconds) * time.Second,
	}).WithSink(batches)

	gov := governor.New(governor.PolicyWeights{
		PerActionCapUSD: opts.GovernorPerActionCapUSD,
		PerGoalCapUSD:   opts.GovernorPerGoalCapUSD,
		DailyCapUSD:     opts.GovernorDailyCapUSD,
		AllowedRegions:  opts.AllowedRegionList(),
		DeniedRegions:   opts.DeniedRegionList(),
	}, clk, log, nil)

	adapters := extraAdapters
	if opts.EC2Enabled {
		ec2a, err := ec2adapter.NewAdapter(ctx, clk, opts.EC2RegionList())
		if err != nil {
			return nil, fmt.Errorf("building ec2 adapter, %w", err)
		}
		adapters = append(adapters, ec2a)
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("no provider adapters configured")
	}

	store := pricing.NewStore(pricing.DefaultWindow, pricing.DefaultAlpha)
	poller := pricing.NewPoller(adapters, store, clk, time.Duration(opts.CostPollIntervalSeconds)*time.Second)
	rt := router.New(store, clk, log, opts.CostReliabilityWeight)
	for _, a := range adapters {
		rt.Register(a)
	}

	goals := repository.NewMemoryGoals()
	jobs := repository.NewMemoryJobs()
	instances := repository.NewMemoryInstances()
	recorder := events.NewDedupeRecorder(events.NewLogRecorder())

	engine := buildEngine(opts, log, clk)

	queue := scheduling.NewQueue(clk, opts.QueueCapacity)
	dispatcher := scheduling.NewDispatcher(queue, rt, jobs, instances, log, clk, scheduling.Options{
		MaxRetries: opts.SchedulerMaxRetries,
		Backoff:    opts.Backoff(),
	})

	bus := telemetry.NewBus(clk, log, telemetry.DefaultCapacity)
	op := &Operator{
		Clock:         clk,
		Options:       opts,
		Log:           log,
		Governor:      gov,
		Engine:        engine,
		Goals:         goals,
		Jobs:          jobs,
		Instances:     instances,
		AuditBatches:  batches,
		PricingStore:  store,
		PricingPoller: poller,
		Router:        rt,
		Bus:           bus,
		Queue:         queue,
		Dispatcher:    dispatcher,
		Recorder:      recorder,
		adapters:      adapters,
	}

	op.Optimizer = costopt.New(rt, dispatcher, jobs, instances, gov, log, clk, costopt.Options{
		EvaluationInterval: time.Duration(opts.CostPollIntervalSeconds) * time.Second,
		MigrationThreshold: opts.CostMigrationThreshold,
	})
	op.Healing = healing.NewManager(bus, engine, gov, log, &remediator{op: op}, recorder, clk, healing.Options{
		WindowSamples: opts.HealingWindowSamples,
		ZThreshold:    opts.HealingZThreshold,
		VRAMCritical:  opts.HealingVRAMCriticalPct,
		TempCritical:  opts.HealingTempCriticalCelsius,
	})
	dispatcher.Observe(op.Healing, op.Optimizer)

	op.Orchestrator = orchestrator.New(engine, gov, queue, dispatcher, goals, jobs, log, recorder, clk)
	return op, nil
}

// buildEngine picks the reasoning engine. A configured model gets the
// recording decorator so its decisions replay from audit; the rule engine is
// deterministic already.
func buildEngine(opts *options.Options, log *audit.Log, clk clock.Clock) reasoning.Engine {
	if opts.AnthropicModel != "" {
		return reasoning.NewRecording(anthropicengine.NewEngine(opts.AnthropicModel), log, clk)
	}
	return reasoning.NewRuleEngine(opts.ReasoningSeed)
}

// Run starts every activity and blocks until ctx is cancelled or one of them
// fails.
func (o *Operator) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return o.Log.Run(ctx) })
	group.Go(func() error { return o.PricingPoller.Run(ctx) })
	group.Go(func() error { return o.Router.RunReconciler(ctx, o.Instances) })
	group.Go(func() error { return o.Dispatcher.Run(ctx) })
	group.Go(func() error { return o.Optimizer.Run(ctx) })
	group.Go(func() error { return o.Orchestrator.Run(ctx) })
	group.Go(func() error { return o.consumeNotices(ctx) })
	group.Go(func() error { return o.serveMetrics(ctx) })
	group.Go(func() error { return o.serveHealth(ctx) })
	return group.Wait()
}

// consumeNotices fans provider interruption warnings into the router's
// availability cache and the healing manager's proactive checkpointing.
func (o *Operator) consumeNotices(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, a := range o.adapters {
		source, ok := a.(adapter.NoticeSource)
		if !ok {
			continue
		}
		group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case notice, open := <-source.Notices():
					if !open {
						return nil
					}
					o.handleNotice(ctx, notice)
				}
			}
		})
	}
	return group.Wait()
}

func (o *Operator) handleNotice(ctx context.Context, notice adapter.Notice) {
	logging.FromContext(ctx).Infow("interruption notice",
		"provider", notice.Provider, "instance", notice.InstanceID, "kind", string(notice.Kind), "deadline", notice.Deadline)
	instance, err := o.Instances.Get(ctx, notice.InstanceID)
	if err == nil {
		o.Router.MarkUnavailable(ctx, string(notice.Kind), instance.PriceKey())
	}
	o.Healing.HandleNotice(ctx, notice)
}

// Reconfigure replaces the governor policy. The change itself is checked
// through the governor first, so a reconfiguration can be denied and every
// applied change leaves an audit record.
func (o *Operator) Reconfigure(ctx context.Context, weights governor.PolicyWeights, actor string) error {
	verdict := o.Governor.Check(ctx, governor.Request{
		Actor:     actor,
		Action:    "reconfigure",
		RiskTier:  core.RiskElevated,
		Reasoning: "replace governor policy weights",
	})
	if !verdict.Approved() {
		return fmt.Errorf("reconfiguration denied: %s", verdict.Rationale)
	}
	return o.Governor.SetWeights(ctx, weights, actor)
}

func (o *Operator) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return serve(ctx, fmt.Sprintf(":%d", o.Options.MetricsPort), mux)
}

func (o *Operator) serveHealth(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !o.Log.Healthy() {
			http.Error(w, "audit persistence unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return serve(ctx, fmt.Sprintf(":%d", o.Options.HealthProbePort), mux)
}

func serve(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
