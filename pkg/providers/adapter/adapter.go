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

package adapter

import (
	"context"
	"strconv"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/ormind/ormind/pkg/apis/core"
)

// PriceBudget bounds how long a Price call may block on a provider RPC before
// falling back to the most recently cached value with the stale flag set.
const PriceBudget = 2 * time.Second

// InstanceRequest asks a provider for one instance satisfying the demand.
type InstanceRequest struct {
	Region        string
	GPUClass      string
	GPUCount      int
	VRAMGiB       int
	Interruptible bool
	// ProvisioningToken makes provisioning idempotent: two requests carrying
	// the same token must resolve to the same instance.
	ProvisioningToken string
}

// Token derives a provisioning token for a job attempt. The attempt number is
// part of the hash so a retry after a confirmed failure provisions fresh
// capacity while an ambiguous redelivery does not.
func Token(jobID string, attempt int) string {
	hash, err := hashstructure.Hash(struct {
		JobID   string
		Attempt int
	}{jobID, attempt}, hashstructure.FormatV2, nil)
	if err != nil {
		// hashstructure cannot fail on this shape
		panic(err)
	}
	return strconv.FormatUint(hash, 16)
}

// CommandHandle follows a running command on an instance. Output delivers
// stdout lines; Exit delivers exactly one exit code once the command ends.
// Cancelling the handle's context stops the stream, not the command; Stop
// asks the command to checkpoint (when supported) and exit.
type CommandHandle interface {
	Output() <-chan string
	Exit() <-chan int
	Stop(ctx context.Context) error
}

// Checkpointer is implemented by command handles whose workload can
// checkpoint cooperatively. Jobs without it are ineligible for migration.
type Checkpointer interface {
	Checkpoint(ctx context.Context) (ref string, err error)
	Restore(ctx context.Context, ref string) error
}

// Control signals the healing agent can deliver to a cooperative workload.
const (
	SignalPrescaleMemory  = "prescale_memory"
	SignalReduceBatchSize = "reduce_batch_size"
)

// Signaler is implemented by command handles that can deliver out-of-band
// control signals to the running workload.
type Signaler interface {
	Signal(ctx context.Context, signal string) error
}

// Adapter is the uniform facade over one cloud GPU provider. Implementations
// must never silently succeed: when state cannot be confirmed they fail with
// an unknown-state error so the router can schedule a reconcile sweep.
type Adapter interface {
	Name() string
	// Regions and GPUClasses describe the adapter's static catalog; the
	// router uses them for candidate filtering.
	Regions() []string
	GPUClasses() []string

	Price(ctx context.Context, gpuClass, region string) (core.PricePoint, error)
	Provision(ctx context.Context, req InstanceRequest) (*core.Instance, error)
	Execute(ctx context.Context, instance *core.Instance, command []string, env map[string]string) (CommandHandle, error)
	Metrics(ctx context.Context, instance *core.Instance) (core.TelemetrySample, error)
	Terminate(ctx context.Context, instance *core.Instance) error
	// ListInstances supports the reconcile sweep: every instance the provider
	// believes is alive, whether or not the control plane knows about it.
	ListInstances(ctx context.Context) ([]*core.Instance, error)
}
