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

package core

import (
	"fmt"
	"time"
)

// GoalStatus is the lifecycle state of a user goal.
type GoalStatus string

const (
	GoalAccepted  GoalStatus = "accepted"
	GoalPlanning  GoalStatus = "planning"
	GoalRunning   GoalStatus = "running"
	GoalCompleted GoalStatus = "completed"
	GoalFailed    GoalStatus = "failed"
	GoalCancelled GoalStatus = "cancelled"
)

func (s GoalStatus) IsTerminal() bool {
	return s == GoalCompleted || s == GoalFailed || s == GoalCancelled
}

// TaskStatus is the lifecycle state of a single plan task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) IsTerminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// JobStatus is the lifecycle state of one scheduled attempt of a task.
type JobStatus string

const (
	JobProvisioning JobStatus = "provisioning"
	JobRunning      JobStatus = "running"
	JobSucceeded    JobStatus = "succeeded"
	JobFailed       JobStatus = "failed"
	JobCancelled    JobStatus = "cancelled"
	// JobMigrated terminates the source job of a completed migration; the task
	// continues under the replacement job.
	JobMigrated JobStatus = "migrated"
)

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled, JobMigrated:
		return true
	}
	return false
}

// InstanceState is the provider-side state of an allocated resource.
type InstanceState string

const (
	InstanceProvisioning InstanceState = "provisioning"
	InstanceRunning      InstanceState = "running"
	InstanceDraining     InstanceState = "draining"
	InstanceTerminated   InstanceState = "terminated"
	InstanceFailed       InstanceState = "failed"
)

// RiskTier classifies how dangerous an action or task is; the governor maps
// tiers onto approval requirements.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskNormal   RiskTier = "normal"
	RiskElevated RiskTier = "elevated"
	RiskBlocked  RiskTier = "blocked"
)

// Availability is a coarse capacity hint attached to a price point.
type Availability string

const (
	AvailabilityHigh   Availability = "high"
	AvailabilityMedium Availability = "medium"
	AvailabilityLow    Availability = "low"
	AvailabilityNone   Availability = "none"
)

// ResourceDemand describes what a task needs from a provider.
type ResourceDemand struct {
	GPUClass    string
	GPUCount    int
	VRAMGiB     int
	MaxDuration time.Duration
	MaxCostUSD  float64
}

// Workload is the opaque unit of execution handed to a provider.
type Workload struct {
	Image   string
	Command []string
	Env     map[string]string
	Demand  ResourceDemand
	// Checkpointable workloads can be asked to checkpoint-and-stop; only
	// those are eligible for migration and interruptible capacity.
	Checkpointable     bool
	Interruptible      bool
	CheckpointInterval time.Duration
}

// Goal is the user-level unit of intent and the root of a task DAG.
type Goal struct {
	ID             string
	Text           string
	Owner          string
	BudgetUSD      float64 // 0 means no ceiling
	Plan           *Plan
	AccruedCostUSD float64
	Status         GoalStatus
	CreatedAt      time.Time
	FailureReason  string
}

// Job is one scheduled attempt to run a task on a provider. A task may own
// many jobs over its lifetime (retries, migrations) but at most one
// non-terminal job at any instant.
type Job struct {
	ID             string
	GoalID         string
	Task           TaskHandle
	Provider       string
	Instance       *Instance
	HourlyRateUSD  float64
	AccruedCostUSD float64
	StartedAt      time.Time
	EndedAt        time.Time
	ExitCode       int
	Status         JobStatus
	Artifacts      []string
}

// Instance is a provider-allocated compute resource, owned by exactly one job.
type Instance struct {
	ID            string
	Provider      string
	Region        string
	GPUClass      string
	GPUCount      int
	HourlyRateUSD float64
	Interruptible bool
	State         InstanceState
	LaunchedAt    time.Time
}

// PriceKey returns the offering dimension this instance was provisioned from.
func (i *Instance) PriceKey() PriceKey {
	return PriceKey{Provider: i.Provider, Region: i.Region, GPUClass: i.GPUClass}
}

// PriceKey identifies one priced offering dimension.
type PriceKey struct {
	Provider string
	Region   string
	GPUClass string
}

func (k PriceKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Provider, k.Region, k.GPUClass)
}

// PricePoint is a single observed hourly rate for an offering.
type PricePoint struct {
	Key           PriceKey
	InstanceType  string
	HourlyRateUSD float64
	Availability  Availability
	ObservedAt    time.Time
	// Stale marks a cached value returned because the provider could not be
	// reached within the price budget.
	Stale bool
}

// TelemetrySample is one 1 Hz metric observation for an instance.
type TelemetrySample struct {
	InstanceID        string
	GPUUtilizationPct float64
	VRAMUsagePct      float64
	TempCelsius       float64
	InterconnectGbps  float64
	// OOM is the explicit out-of-memory signal raised by the job itself, as
	// opposed to the VRAM threshold inferred from samples.
	OOM       bool
	Timestamp time.Time
}

// Metric names used by telemetry windows and anomaly detection.
const (
	MetricGPUUtilization = "gpu_utilization_pct"
	MetricVRAMUsage      = "vram_usage_pct"
	MetricTemperature    = "temp_celsius"
	MetricInterconnect   = "interconnect_gbps"
)

// gpuClassLadder orders common GPU classes by capability, for OOM upgrades.
var gpuClassLadder = []string{"t4", "a10", "l40s", "a100", "h100"}

// LargerGPUClass returns the next class up the ladder, or the same class when
// there is nowhere to go.
func LargerGPUClass(class string) string {
	for i, c := range gpuClassLadder {
		if c == class && i+1 < len(gpuClassLadder) {
			return gpuClassLadder[i+1]
		}
	}
	return class
}

// MetricValue extracts the named metric from the sample.
func (s TelemetrySample) MetricValue(name string) float64 {
	switch name {
	case MetricGPUUtilization:
		return s.GPUUtilizationPct
	case MetricVRAMUsage:
		return s.VRAMUsagePct
	case MetricTemperature:
		return s.TempCelsius
	case MetricInterconnect:
		return s.InterconnectGbps
	}
	return 0
}
