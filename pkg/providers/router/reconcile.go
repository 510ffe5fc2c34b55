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

package router

import (
	"context"
	"time"

	"github.com/ormind/ormind/pkg/audit"
	"github.com/ormind/ormind/pkg/utils/logging"
)

// SweepDeadline bounds how long after an unknown-state failure the reconcile
// sweep must run.
const SweepDeadline = 60 * time.Second

// KnownInstances reports the instance ids the control plane believes it owns
// for a provider. Backed by the instance repository.
type KnownInstances interface {
	KnownInstanceIDs(ctx context.Context, provider string) (map[string]struct{}, error)
}

// RequestSweep queues a reconcile sweep for a provider whose state could not
// be confirmed. The sweep runs well inside the 60 s deadline.
func (r *Router) RequestSweep(provider string) {
	select {
	case r.sweeps <- provider:
	default:
		// A sweep for some provider is already queued; sweeps are cheap and
		// idempotent so coalescing is fine.
	}
}

// RunReconciler consumes sweep requests and terminates provider-side
// instances the control plane does not know about.
func (r *Router) RunReconciler(ctx context.Context, known KnownInstances) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case provider := <-r.sweeps:
			if err := r.sweep(ctx, provider, known); err != nil {
				logging.FromContext(ctx).Errorw("reconcile sweep failed", "provider", provider, "error", err)
			}
		}
	}
}

func (r *Router) sweep(ctx context.Context, provider string, known KnownInstances) error {
	a, ok := r.Adapter(provider)
	if !ok {
		return nil
	}
	owned, err := known.KnownInstanceIDs(ctx, provider)
	if err != nil {
		return err
	}
	live, err := a.ListInstances(ctx)
	if err != nil {
		return err
	}
	for _, instance := range live {
		if _, ok := owned[instance.ID]; ok {
			continue
		}
		if err := a.Terminate(ctx, instance); err != nil {
			logging.FromContext(ctx).Errorw("terminating leaked instance",
				"provider", provider, "instance", instance.ID, "error", err)
			continue
		}
		leakedTerminations.WithLabelValues(provider).Inc()
		r.log.Append(ctx, audit.Record{
			Agent:     "router",
			Action:    "reconcile.leak_terminated",
			Reasoning: "provider-side instance not owned by any job",
			Input:     map[string]any{"provider": provider, "instance": instance.ID},
			Outcome:   "terminated",
		})
	}
	return nil
}
