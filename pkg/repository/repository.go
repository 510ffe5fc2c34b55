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

// Package repository defines the persistence contracts the core depends on.
// Storage itself is an external concern; the in-memory implementations here
// back the test suites and single-process deployments. No multi-entity
// transaction is required anywhere.
package repository

import (
	"context"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/audit"
)

// Goals stores user goals and their plans.
type Goals interface {
	Create(ctx context.Context, goal *core.Goal) error
	Get(ctx context.Context, id string) (*core.Goal, error)
	List(ctx context.Context) ([]*core.Goal, error)
	UpdateStatus(ctx context.Context, id string, status core.GoalStatus, reason string) error
	AddCost(ctx context.Context, id string, usd float64) error
}

// Jobs stores scheduled attempts. ListByTask returns jobs newest-first so the
// at-most-one-live-job invariant can be checked against the head.
type Jobs interface {
	Create(ctx context.Context, job *core.Job) error
	Get(ctx context.Context, id string) (*core.Job, error)
	ListByGoal(ctx context.Context, goalID string) ([]*core.Job, error)
	ListByTask(ctx context.Context, goalID string, task core.TaskHandle) ([]*core.Job, error)
	Update(ctx context.Context, job *core.Job) error
}

// Instances stores provider-allocated resources and answers the router's
// reconcile sweeps.
type Instances interface {
	Create(ctx context.Context, instance *core.Instance) error
	Get(ctx context.Context, id string) (*core.Instance, error)
	UpdateState(ctx context.Context, id string, state core.InstanceState) error
	KnownInstanceIDs(ctx context.Context, provider string) (map[string]struct{}, error)
}

// AuditBatches persists sealed batches; it satisfies audit.BatchSink.
type AuditBatches interface {
	SaveBatch(ctx context.Context, batch audit.Batch) error
	ListBatches(ctx context.Context) ([]audit.Batch, error)
}
