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

package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/audit"
)

type MemoryGoals struct {
	mu    sync.RWMutex
	goals map[string]*core.Goal
}

func NewMemoryGoals() *MemoryGoals {
	return &MemoryGoals{goals: map[string]*core.Goal{}}
}

func (m *MemoryGoals) Create(_ context.Context, goal *core.Goal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.goals[goal.ID]; ok {
		return fmt.Errorf("goal %s already exists", goal.ID)
	}
	m.goals[goal.ID] = goal
	return nil
}

func (m *MemoryGoals) Get(_ context.Context, id string) (*core.Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	goal, ok := m.goals[id]
	if !ok {
		return nil, fmt.Errorf("goal %s not found", id)
	}
	return goal, nil
}

func (m *MemoryGoals) List(_ context.Context) ([]*core.Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	goals := lo.Values(m.goals)
	sort.Slice(goals, func(i, j int) bool { return goals[i].CreatedAt.Before(goals[j].CreatedAt) })
	return goals, nil
}

func (m *MemoryGoals) UpdateStatus(_ context.Context, id string, status core.GoalStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	goal, ok := m.goals[id]
	if !ok {
		return fmt.Errorf("goal %s not found", id)
	}
	goal.Status = status
	if reason != "" {
		goal.FailureReason = reason
	}
	return nil
}

func (m *MemoryGoals) AddCost(_ context.Context, id string, usd float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	goal, ok := m.goals[id]
	if !ok {
		return fmt.Errorf("goal %s not found", id)
	}
	goal.AccruedCostUSD += usd
	return nil
}

type MemoryJobs struct {
	mu   sync.RWMutex
	jobs map[string]*core.Job
	seq  []string
}

func NewMemoryJobs() *MemoryJobs {
	return &MemoryJobs{jobs: map[string]*core.Job{}}
}

func (m *MemoryJobs) Create(_ context.Context, job *core.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	// At most one non-terminal job per task at any instant.
	for _, id := range m.seq {
		existing := m.jobs[id]
		if existing.GoalID == job.GoalID && existing.Task == job.Task && !existing.Status.IsTerminal() {
			return fmt.Errorf("task %s/%d already has live job %s", job.GoalID, job.Task, existing.ID)
		}
	}
	stored := *job
	m.jobs[job.ID] = &stored
	m.seq = append(m.seq, job.ID)
	return nil
}

func (m *MemoryJobs) Get(_ context.Context, id string) (*core.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not found", id)
	}
	copied := *job
	return &copied, nil
}

func (m *MemoryJobs) ListByGoal(_ context.Context, goalID string) ([]*core.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Job
	for i := len(m.seq) - 1; i >= 0; i-- {
		if job := m.jobs[m.seq[i]]; job.GoalID == goalID {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *MemoryJobs) ListByTask(_ context.Context, goalID string, task core.TaskHandle) ([]*core.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Job
	for i := len(m.seq) - 1; i >= 0; i-- {
		if job := m.jobs[m.seq[i]]; job.GoalID == goalID && job.Task == task {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *MemoryJobs) Update(_ context.Context, job *core.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s not found", job.ID)
	}
	stored := *job
	m.jobs[job.ID] = &stored
	return nil
}

type MemoryInstances struct {
	mu        sync.RWMutex
	instances map[string]*core.Instance
}

func NewMemoryInstances() *MemoryInstances {
	return &MemoryInstances{instances: map[string]*core.Instance{}}
}

func (m *MemoryInstances) Create(_ context.Context, instance *core.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *instance
	m.instances[instance.ID] = &stored
	return nil
}

func (m *MemoryInstances) Get(_ context.Context, id string) (*core.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	instance, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s not found", id)
	}
	copied := *instance
	return &copied, nil
}

func (m *MemoryInstances) UpdateState(_ context.Context, id string, state core.InstanceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance, ok := m.instances[id]
	if !ok {
		return fmt.Errorf("instance %s not found", id)
	}
	instance.State = state
	return nil
}

func (m *MemoryInstances) KnownInstanceIDs(_ context.Context, provider string) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	known := map[string]struct{}{}
	for id, instance := range m.instances {
		if instance.Provider == provider {
			known[id] = struct{}{}
		}
	}
	return known, nil
}

type MemoryAuditBatches struct {
	mu      sync.RWMutex
	batches map[int]audit.Batch
}

func NewMemoryAuditBatches() *MemoryAuditBatches {
	return &MemoryAuditBatches{batches: map[int]audit.Batch{}}
}

func (m *MemoryAuditBatches) SaveBatch(_ context.Context, batch audit.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[batch.Index] = batch
	return nil
}

func (m *MemoryAuditBatches) ListBatches(_ context.Context) ([]audit.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	batches := lo.Values(m.batches)
	sort.Slice(batches, func(i, j int) bool { return batches[i].Index < batches[j].Index })
	return batches, nil
}
