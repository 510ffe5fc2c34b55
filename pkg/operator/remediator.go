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

package operator

import (
	"context"
	"fmt"
	"time"

	"github.com/ormind/ormind/pkg/providers/adapter"
)

// remediator is the healing agent's arm into the rest of the system. In-place
// actions go through the job's command handle; everything heavier goes through
// the dispatcher or the cost optimizer so job state stays consistent.
type remediator struct {
	op *Operator
}

func (r *remediator) signal(ctx context.Context, jobID, signal string) error {
	jc, ok := r.op.Dispatcher.Running(jobID)
	if !ok {
		return fmt.Errorf("job %s is not running", jobID)
	}
	signaler, ok := jc.Handle.(adapter.Signaler)
	if !ok {
		return fmt.Errorf("job %s's provider does not support in-place signals", jobID)
	}
	return signaler.Signal(ctx, signal)
}

func (r *remediator) PrescaleMemory(ctx context.Context, jobID string) error {
	return r.signal(ctx, jobID, adapter.SignalPrescaleMemory)
}

func (r *remediator) ReduceBatchSize(ctx context.Context, jobID string) error {
	return r.signal(ctx, jobID, adapter.SignalReduceBatchSize)
}

func (r *remediator) Restart(ctx context.Context, jobID string, backoff time.Duration) error {
	return r.op.Dispatcher.RestartJob(ctx, jobID, backoff)
}

func (r *remediator) MigrateLargerGPU(ctx context.Context, jobID string) error {
	return r.op.Optimizer.MigrateToLargerClass(ctx, jobID)
}

func (r *remediator) TerminateAndNotify(ctx context.Context, jobID, reason string) error {
	return r.op.Dispatcher.TerminateJob(ctx, jobID, reason)
}
