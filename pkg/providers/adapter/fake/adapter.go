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

// Package fake provides a scriptable in-memory provider adapter used by the
// test suites and the simulator. Error injection follows a queue model: the
// next matching call pops and returns the queued error.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/providers/adapter"
)

type Adapter struct {
	name       string
	regions    []string
	gpuClasses []string
	clk        clock.Clock

	mu             sync.Mutex
	prices         map[core.PriceKey]core.PricePoint
	provisionErrs  []error
	terminateErrs  []error
	metricsScripts map[string][]core.TelemetrySample
	byToken        map[string]*core.Instance
	live           map[string]*core.Instance
	handles        map[string]*CommandHandle
	notices        chan adapter.Notice

	// ProvisionLatency is reported through the instance launch; it does not
	// actually sleep so suites stay fast.
	ProvisionLatency time.Duration

	PriceCalls     int
	ProvisionCalls int
	TerminateCalls int
	ExecuteCalls   int
}

func NewAdapter(name string, clk clock.Clock, regions, gpuClasses []string) *Adapter {
	return &Adapter{
		name:           name,
		regions:        regions,
		gpuClasses:     gpuClasses,
		clk:            clk,
		prices:         map[core.PriceKey]core.PricePoint{},
		metricsScripts: map[string][]core.TelemetrySample{},
		byToken:        map[string]*core.Instance{},
		live:           map[string]*core.Instance{},
		handles:        map[string]*CommandHandle{},
		notices:        make(chan adapter.Notice, 16),
	}
}

func (a *Adapter) Name() string         { return a.name }
func (a *Adapter) Regions() []string    { return a.regions }
func (a *Adapter) GPUClasses() []string { return a.gpuClasses }

// SetPrice installs the current offering price for a GPU class and region.
func (a *Adapter) SetPrice(gpuClass, region string, hourlyRate float64, availability core.Availability) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := core.PriceKey{Provider: a.name, Region: region, GPUClass: gpuClass}
	a.prices[key] = core.PricePoint{
		Key:           key,
		InstanceType:  fmt.Sprintf("%s.%s", a.name, gpuClass),
		HourlyRateUSD: hourlyRate,
		Availability:  availability,
		ObservedAt:    a.clk.Now(),
	}
}

// FailProvisionWith queues errors returned by subsequent Provision calls, in
// order, before provisioning succeeds again.
func (a *Adapter) FailProvisionWith(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.provisionErrs = append(a.provisionErrs, errs...)
}

func (a *Adapter) FailTerminateWith(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminateErrs = append(a.terminateErrs, errs...)
}

// ScriptMetrics appends samples that Metrics will replay one per call for the
// given instance. The last sample repeats once the script is exhausted.
func (a *Adapter) ScriptMetrics(instanceID string, samples ...core.TelemetrySample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metricsScripts[instanceID] = append(a.metricsScripts[instanceID], samples...)
}

// SendNotice pushes a capacity notice to subscribers.
func (a *Adapter) SendNotice(n adapter.Notice) {
	n.Provider = a.name
	a.notices <- n
}

func (a *Adapter) Notices() <-chan adapter.Notice { return a.notices }

func (a *Adapter) Price(_ context.Context, gpuClass, region string) (core.PricePoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.PriceCalls++
	point, ok := a.prices[core.PriceKey{Provider: a.name, Region: region, GPUClass: gpuClass}]
	if !ok {
		return core.PricePoint{}, adapter.NewError(adapter.KindUnavailable, a.name,
			fmt.Errorf("no offering for %s in %s", gpuClass, region))
	}
	return point, nil
}

func (a *Adapter) Provision(_ context.Context, req adapter.InstanceRequest) (*core.Instance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ProvisionCalls++
	if len(a.provisionErrs) > 0 {
		err := a.provisionErrs[0]
		a.provisionErrs = a.provisionErrs[1:]
		return nil, err
	}
	// Idempotency: an identical token resolves to the identical instance.
	if existing, ok := a.byToken[req.ProvisioningToken]; ok {
		return existing, nil
	}
	key := core.PriceKey{Provider: a.name, Region: req.Region, GPUClass: req.GPUClass}
	point, ok := a.prices[key]
	if !ok || point.Availability == core.AvailabilityNone {
		return nil, adapter.NewError(adapter.KindUnavailable, a.name,
			fmt.Errorf("no capacity for %s in %s", req.GPUClass, req.Region))
	}
	instance := &core.Instance{
		ID:            fmt.Sprintf("%s-%s", a.name, uuid.NewString()[:8]),
		Provider:      a.name,
		Region:        req.Region,
		GPUClass:      req.GPUClass,
		GPUCount:      req.GPUCount,
		HourlyRateUSD: point.HourlyRateUSD,
		Interruptible: req.Interruptible,
		State:         core.InstanceRunning,
		LaunchedAt:    a.clk.Now().Add(a.ProvisionLatency),
	}
	a.byToken[req.ProvisioningToken] = instance
	a.live[instance.ID] = instance
	return instance, nil
}

func (a *Adapter) Execute(_ context.Context, instance *core.Instance, command []string, env map[string]string) (adapter.CommandHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ExecuteCalls++
	if _, ok := a.live[instance.ID]; !ok {
		return nil, adapter.NewError(adapter.KindPermanent, a.name,
			fmt.Errorf("instance %s is not running", instance.ID))
	}
	handle := newCommandHandle(instance.ID, command, env)
	a.handles[instance.ID] = handle
	return handle, nil
}

// CompleteCommand finishes the running command on an instance with the given
// exit code, as if the workload ended on its own.
func (a *Adapter) CompleteCommand(instanceID string, exitCode int) {
	a.mu.Lock()
	handle, ok := a.handles[instanceID]
	a.mu.Unlock()
	if ok {
		handle.complete(exitCode)
	}
}

func (a *Adapter) Metrics(_ context.Context, instance *core.Instance) (core.TelemetrySample, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	script := a.metricsScripts[instance.ID]
	if len(script) == 0 {
		return core.TelemetrySample{InstanceID: instance.ID, Timestamp: a.clk.Now()}, nil
	}
	sample := script[0]
	if len(script) > 1 {
		a.metricsScripts[instance.ID] = script[1:]
	}
	sample.InstanceID = instance.ID
	if sample.Timestamp.IsZero() {
		sample.Timestamp = a.clk.Now()
	}
	return sample, nil
}

func (a *Adapter) Terminate(_ context.Context, instance *core.Instance) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.TerminateCalls++
	if len(a.terminateErrs) > 0 {
		err := a.terminateErrs[0]
		a.terminateErrs = a.terminateErrs[1:]
		return err
	}
	// Terminating an instance that already disappeared server-side succeeds.
	if existing, ok := a.live[instance.ID]; ok {
		existing.State = core.InstanceTerminated
		delete(a.live, instance.ID)
		if handle, ok := a.handles[instance.ID]; ok {
			handle.interrupt()
			delete(a.handles, instance.ID)
		}
	}
	instance.State = core.InstanceTerminated
	return nil
}

func (a *Adapter) ListInstances(_ context.Context) ([]*core.Instance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return lo.Values(a.live), nil
}

// LiveCount reports how many instances the provider still believes are alive.
func (a *Adapter) LiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// Reset clears all scripted behavior and provider-side state between specs.
func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prices = map[core.PriceKey]core.PricePoint{}
	a.provisionErrs = nil
	a.terminateErrs = nil
	a.metricsScripts = map[string][]core.TelemetrySample{}
	a.byToken = map[string]*core.Instance{}
	a.live = map[string]*core.Instance{}
	a.handles = map[string]*CommandHandle{}
	a.PriceCalls, a.ProvisionCalls, a.TerminateCalls, a.ExecuteCalls = 0, 0, 0, 0
}
