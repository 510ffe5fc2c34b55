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

// Package options loads the immutable configuration snapshot: defaults, then
// an optional YAML overlay, then environment variables, then flags. The
// snapshot travels by context; runtime changes go through the operator's
// Reconfigure, never through this package.
package options

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ormind/ormind/pkg/utils/env"
)

// Options for running this binary
type Options struct {
	*flag.FlagSet

	MetricsPort     int
	HealthProbePort int
	ConfigFile      string

	SchedulerMaxRetries     int    `validate:"min=1"`
	SchedulerBackoffSeconds string `validate:"required"`
	QueueCapacity           int    `validate:"min=1"`

	CostPollIntervalSeconds int     `validate:"min=1"`
	CostMigrationThreshold  float64 `validate:"gt=0,lt=1"`
	CostReliabilityWeight   float64 `validate:"gte=0"`

	HealingWindowSamples       int     `validate:"min=2"`
	HealingZThreshold          float64 `validate:"gt=0"`
	HealingVRAMCriticalPct     float64 `validate:"gt=0,lte=100"`
	HealingTempCriticalCelsius float64 `validate:"gt=0"`

	AuditBatchSize           int    `validate:"min=1"`
	AuditSealIntervalSeconds int    `validate:"min=1"`
	AuditSecret              string `validate:"required"`

	GovernorDailyCapUSD     float64 `validate:"required,gt=0"`
	GovernorPerActionCapUSD float64 `validate:"required,gt=0"`
	GovernorPerGoalCapUSD   float64 `validate:"gte=0"`
	AllowedRegions          string
	DeniedRegions           string

	AnthropicModel string
	ReasoningSeed  int64

	EC2Enabled bool
	EC2Regions string
}

// New creates an Options struct and registers CLI flags and environment
// variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("ormind", flag.ContinueOnError)
	opts.FlagSet = f

	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the metric endpoint binds to for operating metrics about the controller itself")
	f.IntVar(&opts.HealthProbePort, "health-probe-port", env.WithDefaultInt("HEALTH_PROBE_PORT", 8081), "The port the health probe endpoint binds to for reporting controller health")
	f.StringVar(&opts.ConfigFile, "config-file", env.WithDefaultString("CONFIG_FILE", ""), "Optional YAML file overlaying the defaults; flags still win")

	f.IntVar(&opts.SchedulerMaxRetries, "scheduler-max-retries", env.WithDefaultInt("SCHEDULER_MAX_RETRIES", 3), "Scheduling attempts per task before the failure escalates to the orchestrator")
	f.StringVar(&opts.SchedulerBackoffSeconds, "scheduler-backoff-seconds", env.WithDefaultString("SCHEDULER_BACKOFF_SECONDS", "10,20,40"), "Comma-separated per-attempt backoff, seconds")
	f.IntVar(&opts.QueueCapacity, "queue-capacity", env.WithDefaultInt("QUEUE_CAPACITY", 1024), "Ready-task queue bound; a full queue back-pressures admission")

	f.IntVar(&opts.CostPollIntervalSeconds, "cost-poll-interval-seconds", env.WithDefaultInt("COST_POLL_INTERVAL_SECONDS", 60), "Price poll and migration evaluation cadence, seconds")
	f.Float64Var(&opts.CostMigrationThreshold, "cost-migration-threshold", env.WithDefaultFloat64("COST_MIGRATION_THRESHOLD", 0.15), "Minimum fractional saving before a migration is considered")
	f.Float64Var(&opts.CostReliabilityWeight, "cost-reliability-weight", env.WithDefaultFloat64("COST_RELIABILITY_WEIGHT", 2.0), "Weight of provider failure rate in the routing score")

	f.IntVar(&opts.HealingWindowSamples, "healing-window-samples", env.WithDefaultInt("HEALING_WINDOW_SAMPLES", 60), "Rolling telemetry window per metric, samples")
	f.Float64Var(&opts.HealingZThreshold, "healing-z-threshold", env.WithDefaultFloat64("HEALING_Z_THRESHOLD", 3.0), "Standard deviations from the rolling mean that count as anomalous")
	f.Float64Var(&opts.HealingVRAMCriticalPct, "healing-vram-critical-pct", env.WithDefaultFloat64("HEALING_VRAM_CRITICAL_PCT", 97), "VRAM usage percent treated as critical")
	f.Float64Var(&opts.HealingTempCriticalCelsius, "healing-temp-critical-celsius", env.WithDefaultFloat64("HEALING_TEMP_CRITICAL_CELSIUS", 84), "GPU temperature treated as critical, Celsius")

	f.IntVar(&opts.AuditBatchSize, "audit-batch-size", env.WithDefaultInt("AUDIT_BATCH_SIZE", 128), "Records per sealed audit batch")
	f.IntVar(&opts.AuditSealIntervalSeconds, "audit-seal-interval-seconds", env.WithDefaultInt("AUDIT_SEAL_INTERVAL_SECONDS", 5), "Maximum age of an unsealed audit record, seconds")
	f.StringVar(&opts.AuditSecret, "audit-secret", env.WithDefaultString("AUDIT_SECRET", ""), "HMAC secret chaining audit batches")

	f.Float64Var(&opts.GovernorDailyCapUSD, "governor-daily-cap-usd", env.WithDefaultFloat64("GOVERNOR_DAILY_CAP_USD", 0), "Hard ceiling on approved spend per rolling day")
	f.Float64Var(&opts.GovernorPerActionCapUSD, "governor-per-action-cap-usd", env.WithDefaultFloat64("GOVERNOR_PER_ACTION_CAP_USD", 0), "Hard ceiling on a single action's estimated cost")
	f.Float64Var(&opts.GovernorPerGoalCapUSD, "governor-per-goal-cap-usd", env.WithDefaultFloat64("GOVERNOR_PER_GOAL_CAP_USD", 0), "Optional ceiling on approved spend per goal; 0 disables")
	f.StringVar(&opts.AllowedRegions, "allowed-regions", env.WithDefaultString("ALLOWED_REGIONS", ""), "Comma-separated region allow list; empty allows all regions not denied")
	f.StringVar(&opts.DeniedRegions, "denied-regions", env.WithDefaultString("DENIED_REGIONS", ""), "Comma-separated region deny list")

	f.StringVar(&opts.AnthropicModel, "anthropic-model", env.WithDefaultString("ANTHROPIC_MODEL", ""), "Model for the reasoning engine; empty selects the deterministic rule engine")
	f.Int64Var(&opts.ReasoningSeed, "reasoning-seed", env.WithDefaultInt64("REASONING_SEED", 0), "Seed for the rule engine so replays are deterministic")

	f.BoolVar(&opts.EC2Enabled, "ec2-enabled", env.WithDefaultBool("EC2_ENABLED", false), "Register the EC2 provider adapter")
	f.StringVar(&opts.EC2Regions, "ec2-regions", env.WithDefaultString("EC2_REGIONS", "us-east-1"), "Comma-separated regions the EC2 adapter offers")
	return opts
}

// MustParse reads the user passed flags, environment variables, and the
// optional config file. Options are validated and panics if an error is
// returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if o.ConfigFile != "" {
		if err := o.overlayFile(o.ConfigFile); err != nil {
			panic(err)
		}
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

// fileConfig mirrors the documented configuration keys. Pointer fields
// distinguish "absent" from zero; flags set explicitly on the command line
// still win over the file.
type fileConfig struct {
	Scheduler struct {
		MaxRetries     *int  `yaml:"max_retries"`
		BackoffSeconds []int `yaml:"backoff_seconds"`
		QueueCapacity  *int  `yaml:"queue_capacity"`
	} `yaml:"scheduler"`
	Cost struct {
		PollIntervalSeconds *int     `yaml:"poll_interval_seconds"`
		MigrationThreshold  *float64 `yaml:"migration_threshold"`
		ReliabilityWeight   *float64 `yaml:"reliability_weight"`
	} `yaml:"cost"`
	Healing struct {
		WindowSamples       *int     `yaml:"window_samples"`
		ZThreshold          *float64 `yaml:"z_threshold"`
		VRAMCriticalPct     *float64 `yaml:"vram_critical_pct"`
		TempCriticalCelsius *float64 `yaml:"temp_critical_celsius"`
	} `yaml:"healing"`
	Audit struct {
		BatchSize           *int    `yaml:"batch_size"`
		SealIntervalSeconds *int    `yaml:"seal_interval_seconds"`
		Secret              *string `yaml:"secret"`
	} `yaml:"audit"`
	Governor struct {
		DailyCapUSD     *float64 `yaml:"daily_cap_usd"`
		PerActionCapUSD *float64 `yaml:"per_action_cap_usd"`
		PerGoalCapUSD   *float64 `yaml:"per_goal_cap_usd"`
		AllowedRegions  []string `yaml:"allowed_regions"`
		DeniedRegions   []string `yaml:"denied_regions"`
	} `yaml:"governor"`
}

func (o *Options) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file, %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parsing config file, %w", err)
	}

	set := map[string]struct{}{}
	o.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	overlay := func(name string, apply func()) {
		if _, explicit := set[name]; !explicit {
			apply()
		}
	}

	overlay("scheduler-max-retries", func() { setIfPresent(&o.SchedulerMaxRetries, file.Scheduler.MaxRetries) })
	overlay("scheduler-backoff-seconds", func() {
		if len(file.Scheduler.BackoffSeconds) > 0 {
			o.SchedulerBackoffSeconds = joinInts(file.Scheduler.BackoffSeconds)
		}
	})
	overlay("queue-capacity", func() { setIfPresent(&o.QueueCapacity, file.Scheduler.QueueCapacity) })
	overlay("cost-poll-interval-seconds", func() { setIfPresent(&o.CostPollIntervalSeconds, file.Cost.PollIntervalSeconds) })
	overlay("cost-migration-threshold", func() { setIfPresent(&o.CostMigrationThreshold, file.Cost.MigrationThreshold) })
	overlay("cost-reliability-weight", func() { setIfPresent(&o.CostReliabilityWeight, file.Cost.ReliabilityWeight) })
	overlay("healing-window-samples", func() { setIfPresent(&o.HealingWindowSamples, file.Healing.WindowSamples) })
	overlay("healing-z-threshold", func() { setIfPresent(&o.HealingZThreshold, file.Healing.ZThreshold) })
	overlay("healing-vram-critical-pct", func() { setIfPresent(&o.HealingVRAMCriticalPct, file.Healing.VRAMCriticalPct) })
	overlay("healing-temp-critical-celsius", func() { setIfPresent(&o.HealingTempCriticalCelsius, file.Healing.TempCriticalCelsius) })
	overlay("audit-batch-size", func() { setIfPresent(&o.AuditBatchSize, file.Audit.BatchSize) })
	overlay("audit-seal-interval-seconds", func() { setIfPresent(&o.AuditSealIntervalSeconds, file.Audit.SealIntervalSeconds) })
	overlay("audit-secret", func() { setIfPresent(&o.AuditSecret, file.Audit.Secret) })
	overlay("governor-daily-cap-usd", func() { setIfPresent(&o.GovernorDailyCapUSD, file.Governor.DailyCapUSD) })
	overlay("governor-per-action-cap-usd", func() { setIfPresent(&o.GovernorPerActionCapUSD, file.Governor.PerActionCapUSD) })
	overlay("governor-per-goal-cap-usd", func() { setIfPresent(&o.GovernorPerGoalCapUSD, file.Governor.PerGoalCapUSD) })
	overlay("allowed-regions", func() {
		if len(file.Governor.AllowedRegions) > 0 {
			o.AllowedRegions = strings.Join(file.Governor.AllowedRegions, ",")
		}
	})
	overlay("denied-regions", func() {
		if len(file.Governor.DeniedRegions) > 0 {
			o.DeniedRegions = strings.Join(file.Governor.DeniedRegions, ",")
		}
	})
	return nil
}

func setIfPresent[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func joinInts(values []int) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ",")
}

// Backoff parses the per-attempt backoff schedule.
func (o *Options) Backoff() []time.Duration {
	var backoff []time.Duration
	for _, part := range splitCSV(o.SchedulerBackoffSeconds) {
		seconds, err := strconv.Atoi(part)
		if err != nil || seconds < 0 {
			continue
		}
		backoff = append(backoff, time.Duration(seconds)*time.Second)
	}
	return backoff
}

func (o *Options) AllowedRegionList() []string { return splitCSV(o.AllowedRegions) }
func (o *Options) DeniedRegionList() []string  { return splitCSV(o.DeniedRegions) }
func (o *Options) EC2RegionList() []string     { return splitCSV(o.EC2Regions) }

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type optionsKey struct{}

func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

func FromContext(ctx context.Context) *Options {
	retval := ctx.Value(optionsKey{})
	if retval == nil {
		return nil
	}
	return retval.(*Options)
}
