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

// Package ec2 adapts AWS EC2 GPU capacity to the provider interface. Commands
// and telemetry reach instances over SSM, so the workload image only needs the
// SSM agent and a GPU driver.
package ec2

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/providers/adapter"
	"github.com/ormind/ormind/pkg/utils/logging"
)

const (
	ProviderName = "ec2"

	// managedTag marks instances this control plane owns; the reconcile sweep
	// only considers instances carrying it.
	managedTag = "ormind.io/managed"

	rpcAttempts  = 3
	rpcBaseDelay = 200 * time.Millisecond
)

// EC2API is the subset of the EC2 client the adapter calls, for fakes.
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeSpotPriceHistory(ctx context.Context, params *ec2.DescribeSpotPriceHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error)
}

// SSMAPI is the subset of the SSM client the adapter calls, for fakes.
type SSMAPI interface {
	SendCommand(ctx context.Context, params *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, params *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
	CancelCommand(ctx context.Context, params *ssm.CancelCommandInput, optFns ...func(*ssm.Options)) (*ssm.CancelCommandOutput, error)
}

type regionClients struct {
	ec2 EC2API
	ssm SSMAPI
}

type Adapter struct {
	clk     clock.WithTicker
	regions []string
	clients map[string]regionClients

	// lastPrice remembers the most recent successful quote per key so a slow
	// provider degrades to a stale price instead of an error.
	mu        sync.Mutex
	lastPrice map[string]core.PricePoint
}

// NewAdapter loads AWS configuration once and derives one EC2 and one SSM
// client per served region.
func NewAdapter(ctx context.Context, clk clock.WithTicker, regions []string) (*Adapter, error) {
	if len(regions) == 0 {
		return nil, fmt.Errorf("ec2 adapter needs at least one region")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config, %w", err)
	}
	clients := map[string]regionClients{}
	for _, region := range regions {
		regional := cfg.Copy()
		regional.Region = region
		clients[region] = regionClients{
			ec2: ec2.NewFromConfig(regional),
			ssm: ssm.NewFromConfig(regional),
		}
	}
	return newAdapter(clk, regions, clients), nil
}

// NewAdapterWithClients injects API fakes; tests use this.
func NewAdapterWithClients(clk clock.WithTicker, regions []string, clients map[string]regionClients) *Adapter {
	return newAdapter(clk, regions, clients)
}

func newAdapter(clk clock.WithTicker, regions []string, clients map[string]regionClients) *Adapter {
	return &Adapter{
		clk:       clk,
		regions:   regions,
		clients:   clients,
		lastPrice: map[string]core.PricePoint{},
	}
}

func (a *Adapter) Name() string         { return ProviderName }
func (a *Adapter) Regions() []string    { return a.regions }
func (a *Adapter) GPUClasses() []string { return gpuClasses() }

func (a *Adapter) clientsFor(region string) (regionClients, error) {
	clients, ok := a.clients[region]
	if !ok {
		return regionClients{}, adapter.NewError(adapter.KindPermanent, ProviderName,
			fmt.Errorf("region %s is not served", region))
	}
	return clients, nil
}

// call runs one RPC with bounded retries on transient failures and returns
// the classified error.
func call[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := retry.Do(
		func() error {
			var err error
			result, err = fn(ctx)
			return err
		},
		retry.Attempts(rpcAttempts),
		retry.Delay(rpcBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(retryable),
	)
	if err != nil {
		return result, classify(err)
	}
	return result, nil
}

// Price quotes the current spot rate for a GPU class in a region within the
// price budget. When the provider cannot answer in time the last successful
// quote is returned with the stale flag set.
func (a *Adapter) Price(ctx context.Context, gpuClass, region string) (core.PricePoint, error) {
	key := core.PriceKey{Provider: ProviderName, Region: region, GPUClass: gpuClass}
	clients, err := a.clientsFor(region)
	if err != nil {
		return core.PricePoint{}, err
	}
	instanceType, ok := cheapestInstanceType(gpuClass)
	if !ok {
		return core.PricePoint{}, adapter.NewError(adapter.KindPermanent, ProviderName,
			fmt.Errorf("no instance type serves gpu class %s", gpuClass))
	}

	budget, cancel := context.WithTimeout(ctx, adapter.PriceBudget)
	defer cancel()
	out, err := call(budget, func(ctx context.Context) (*ec2.DescribeSpotPriceHistoryOutput, error) {
		return clients.ec2.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
			InstanceTypes:       []ec2types.InstanceType{instanceType},
			ProductDescriptions: []string{"Linux/UNIX"},
			StartTime:           aws.Time(a.clk.Now()),
			MaxResults:          aws.Int32(1),
		})
	})
	if err != nil || len(out.SpotPriceHistory) == 0 {
		if stale, ok := a.staleQuote(key); ok {
			logging.FromContext(ctx).Debugw("spot price lookup failed, serving stale quote",
				"offering", key.String(), "observed_at", stale.ObservedAt)
			return stale, nil
		}
		if err == nil {
			err = adapter.NewError(adapter.KindUnavailable, ProviderName,
				fmt.Errorf("no spot price published for %s in %s", instanceType, region))
		}
		return core.PricePoint{}, err
	}

	var rate float64
	if _, parseErr := fmt.Sscanf(aws.ToString(out.SpotPriceHistory[0].SpotPrice), "%f", &rate); parseErr != nil {
		return core.PricePoint{}, adapter.NewError(adapter.KindTransient, ProviderName,
			fmt.Errorf("unparseable spot price %q", aws.ToString(out.SpotPriceHistory[0].SpotPrice)))
	}
	point := core.PricePoint{
		Key:           key,
		InstanceType:  string(instanceType),
		HourlyRateUSD: rate,
		Availability:  core.AvailabilityHigh,
		ObservedAt:    a.clk.Now(),
	}
	a.mu.Lock()
	a.lastPrice[key.String()] = point
	a.mu.Unlock()
	return point, nil
}

func (a *Adapter) staleQuote(key core.PriceKey) (core.PricePoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	point, ok := a.lastPrice[key.String()]
	if !ok {
		return core.PricePoint{}, false
	}
	point.Stale = true
	return point, true
}

// Provision launches one instance. The provisioning token becomes the EC2
// client token, so a redelivered request resolves to the same instance.
func (a *Adapter) Provision(ctx context.Context, req adapter.InstanceRequest) (*core.Instance, error) {
	clients, err := a.clientsFor(req.Region)
	if err != nil {
		return nil, err
	}
	instanceType, ok := instanceTypeFor(req.GPUClass, req.GPUCount)
	if !ok {
		return nil, adapter.NewError(adapter.KindPermanent, ProviderName,
			fmt.Errorf("no instance type serves %dx %s", req.GPUCount, req.GPUClass))
	}

	input := &ec2.RunInstancesInput{
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		InstanceType: instanceType,
		ClientToken:  aws.String(req.ProvisioningToken),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String(managedTag), Value: aws.String("true")},
				{Key: aws.String("Name"), Value: aws.String("ormind-" + req.ProvisioningToken)},
			},
		}},
	}
	if req.Interruptible {
		input.InstanceMarketOptions = &ec2types.InstanceMarketOptionsRequest{
			MarketType: ec2types.MarketTypeSpot,
			SpotOptions: &ec2types.SpotMarketOptions{
				SpotInstanceType:             ec2types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: ec2types.InstanceInterruptionBehaviorTerminate,
			},
		}
	}

	out, err := call(ctx, func(ctx context.Context) (*ec2.RunInstancesOutput, error) {
		return clients.ec2.RunInstances(ctx, input)
	})
	if err != nil {
		return nil, err
	}
	if len(out.Instances) == 0 {
		return nil, adapter.NewError(adapter.KindUnknownState, ProviderName,
			fmt.Errorf("RunInstances returned no instances"))
	}

	rate := 0.0
	if quote, ok := a.staleQuote(core.PriceKey{Provider: ProviderName, Region: req.Region, GPUClass: req.GPUClass}); ok {
		rate = quote.HourlyRateUSD
	}
	return &core.Instance{
		ID:            aws.ToString(out.Instances[0].InstanceId),
		Provider:      ProviderName,
		Region:        req.Region,
		GPUClass:      req.GPUClass,
		GPUCount:      req.GPUCount,
		HourlyRateUSD: rate,
		Interruptible: req.Interruptible,
		State:         core.InstanceProvisioning,
		LaunchedAt:    a.clk.Now(),
	}, nil
}

// Terminate stops billing for an instance. Terminating an instance that is
// already gone succeeds.
func (a *Adapter) Terminate(ctx context.Context, instance *core.Instance) error {
	clients, err := a.clientsFor(instance.Region)
	if err != nil {
		return err
	}
	_, err = call(ctx, func(ctx context.Context) (*ec2.TerminateInstancesOutput, error) {
		return clients.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{instance.ID},
		})
	})
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// ListInstances reports every managed instance the provider believes is
// alive, across all served regions, for the reconcile sweep.
func (a *Adapter) ListInstances(ctx context.Context) ([]*core.Instance, error) {
	var instances []*core.Instance
	for _, region := range a.regions {
		clients, err := a.clientsFor(region)
		if err != nil {
			return nil, err
		}
		paginator := ec2.NewDescribeInstancesPaginator(clients.ec2, &ec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{
				{Name: aws.String("tag:" + managedTag), Values: []string{"true"}},
				{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "shutting-down", "stopping"}},
			},
		})
		for paginator.HasMorePages() {
			page, err := call(ctx, func(ctx context.Context) (*ec2.DescribeInstancesOutput, error) {
				return paginator.NextPage(ctx)
			})
			if err != nil {
				return nil, err
			}
			for _, reservation := range page.Reservations {
				for i := range reservation.Instances {
					instances = append(instances, a.toInstance(region, &reservation.Instances[i]))
				}
			}
		}
	}
	return instances, nil
}

func (a *Adapter) toInstance(region string, in *ec2types.Instance) *core.Instance {
	gpuClass, gpuCount := gpuSpecFor(in.InstanceType)
	state := core.InstanceRunning
	switch in.State.Name {
	case ec2types.InstanceStateNamePending:
		state = core.InstanceProvisioning
	case ec2types.InstanceStateNameShuttingDown, ec2types.InstanceStateNameStopping:
		state = core.InstanceDraining
	case ec2types.InstanceStateNameTerminated, ec2types.InstanceStateNameStopped:
		state = core.InstanceTerminated
	}
	return &core.Instance{
		ID:            aws.ToString(in.InstanceId),
		Provider:      ProviderName,
		Region:        region,
		GPUClass:      gpuClass,
		GPUCount:      gpuCount,
		Interruptible: in.InstanceLifecycle == ec2types.InstanceLifecycleTypeSpot,
		State:         state,
		LaunchedAt:    lo.FromPtr(in.LaunchTime),
	}
}

// Execute starts the workload over SSM and returns a handle following it.
func (a *Adapter) Execute(ctx context.Context, instance *core.Instance, command []string, env map[string]string) (adapter.CommandHandle, error) {
	clients, err := a.clientsFor(instance.Region)
	if err != nil {
		return nil, err
	}
	script := buildScript(command, env)
	out, err := call(ctx, func(ctx context.Context) (*ssm.SendCommandOutput, error) {
		return clients.ssm.SendCommand(ctx, &ssm.SendCommandInput{
			InstanceIds:  []string{instance.ID},
			DocumentName: aws.String("AWS-RunShellScript"),
			Parameters:   map[string][]string{"commands": {script}},
		})
	})
	if err != nil {
		return nil, err
	}
	handle := newCommandHandle(clients.ssm, instance.ID, aws.ToString(out.Command.CommandId), a.clk)
	go handle.follow(context.WithoutCancel(ctx))
	return handle, nil
}

func buildScript(command []string, env map[string]string) string {
	var b strings.Builder
	for _, key := range lo.Keys(env) {
		fmt.Fprintf(&b, "export %s=%q\n", key, env[key])
	}
	b.WriteString(strings.Join(command, " "))
	return b.String()
}

// nvidia-smi query backing Metrics; one CSV line per GPU.
const metricsQuery = "nvidia-smi --query-gpu=utilization.gpu,memory.used,memory.total,temperature.gpu --format=csv,noheader,nounits"

// Metrics samples GPU state over SSM. One sample covers the whole instance;
// multi-GPU values are averaged.
func (a *Adapter) Metrics(ctx context.Context, instance *core.Instance) (core.TelemetrySample, error) {
	clients, err := a.clientsFor(instance.Region)
	if err != nil {
		return core.TelemetrySample{}, err
	}
	stdout, err := runInline(ctx, clients.ssm, instance.ID, metricsQuery, a.clk)
	if err != nil {
		return core.TelemetrySample{}, err
	}
	sample, err := parseMetrics(stdout)
	if err != nil {
		return core.TelemetrySample{}, adapter.NewError(adapter.KindTransient, ProviderName, err)
	}
	sample.InstanceID = instance.ID
	sample.Timestamp = a.clk.Now()
	return sample, nil
}

func parseMetrics(stdout string) (core.TelemetrySample, error) {
	lines := lo.Filter(strings.Split(strings.TrimSpace(stdout), "\n"),
		func(line string, _ int) bool { return strings.TrimSpace(line) != "" })
	if len(lines) == 0 {
		return core.TelemetrySample{}, fmt.Errorf("empty nvidia-smi output")
	}
	var sample core.TelemetrySample
	for _, line := range lines {
		fields := strings.Split(line, ",")
		if len(fields) != 4 {
			return core.TelemetrySample{}, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		var util, used, total, temp float64
		for i, dst := range []*float64{&util, &used, &total, &temp} {
			if _, err := fmt.Sscanf(strings.TrimSpace(fields[i]), "%f", dst); err != nil {
				return core.TelemetrySample{}, fmt.Errorf("unparseable nvidia-smi field %q", fields[i])
			}
		}
		sample.GPUUtilizationPct += util
		if total > 0 {
			sample.VRAMUsagePct += used / total * 100
		}
		sample.TempCelsius = max(sample.TempCelsius, temp)
	}
	n := float64(len(lines))
	sample.GPUUtilizationPct /= n
	sample.VRAMUsagePct /= n
	return sample, nil
}
