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

package healing

import (
	"context"
	"sync"

	"k8s.io/utils/clock"

	"github.com/ormind/ormind/pkg/audit"
	"github.com/ormind/ormind/pkg/events"
	"github.com/ormind/ormind/pkg/governor"
	"github.com/ormind/ormind/pkg/providers/adapter"
	"github.com/ormind/ormind/pkg/reasoning"
	"github.com/ormind/ormind/pkg/scheduling"
	"github.com/ormind/ormind/pkg/telemetry"
	"github.com/ormind/ormind/pkg/utils/logging"
)

// Manager spawns one telemetry pump and one healing agent per job as jobs
// start, and tears both down as jobs end. It attaches to the dispatcher as a
// job observer.
type Manager struct {
	bus        *telemetry.Bus
	engine     reasoning.Engine
	gov        *governor.Governor
	log        *audit.Log
	remediator Remediator
	recorder   events.Recorder
	clk        clock.WithTicker
	opts       Options

	mu      sync.Mutex
	entries map[string]*entry // by job id
}

type entry struct {
	instanceID string
	handle     adapter.CommandHandle
	cancel     context.CancelFunc
}

func NewManager(bus *telemetry.Bus, engine reasoning.Engine, gov *governor.Governor, log *audit.Log,
	remediator Remediator, recorder events.Recorder, clk clock.WithTicker, opts Options) *Manager {
	return &Manager{
		bus:        bus,
		engine:     engine,
		gov:        gov,
		log:        log,
		remediator: remediator,
		recorder:   recorder,
		clk:        clk,
		opts:       opts,
		entries:    map[string]*entry{},
	}
}

func (m *Manager) OnJobStarted(ctx context.Context, jc scheduling.JobContext) {
	jobCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.entries[jc.Job.ID] = &entry{instanceID: jc.Instance.ID, handle: jc.Handle, cancel: cancel}
	m.mu.Unlock()

	samples := m.bus.Subscribe(jc.Instance.ID)
	agent := NewAgent(jc.Job.ID, jc.Instance, m.engine, m.gov, m.log, m.remediator, m.recorder, m.clk, m.opts)
	pump := telemetry.NewPump(m.bus, jc.Provider, jc.Instance, m.clk)
	go func() {
		if err := pump.Run(jobCtx); err != nil {
			logging.FromContext(jobCtx).Errorw("telemetry pump stopped", "instance", jc.Instance.ID, "error", err)
		}
	}()
	go func() {
		if err := agent.Run(jobCtx, samples); err != nil {
			logging.FromContext(jobCtx).Errorw("healing agent stopped", "instance", jc.Instance.ID, "error", err)
		}
	}()
}

func (m *Manager) OnJobEnded(ctx context.Context, jobID string) {
	m.mu.Lock()
	e, ok := m.entries[jobID]
	if ok {
		delete(m.entries, jobID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	e.cancel()
	m.bus.Close(e.instanceID)
}

// HandleNotice reacts to a provider interruption warning by checkpointing the
// affected job proactively, ahead of the reclaim deadline.
func (m *Manager) HandleNotice(ctx context.Context, notice adapter.Notice) {
	m.recorder.InterruptionWarning(ctx, notice.InstanceID, notice.Provider)
	m.mu.Lock()
	var handle adapter.CommandHandle
	for _, e := range m.entries {
		if e.instanceID == notice.InstanceID {
			handle = e.handle
			break
		}
	}
	m.mu.Unlock()
	checkpointer, ok := handle.(adapter.Checkpointer)
	if !ok {
		return
	}
	ref, err := checkpointer.Checkpoint(ctx)
	if err != nil {
		logging.FromContext(ctx).Errorw("proactive checkpoint failed",
			"instance", notice.InstanceID, "error", err)
		return
	}
	m.log.Append(ctx, audit.Record{
		Agent:     "healing",
		Action:    "heal.proactive_checkpoint",
		Reasoning: "provider announced interruption",
		Input:     map[string]any{"instance": notice.InstanceID, "kind": string(notice.Kind), "checkpoint": ref},
		Outcome:   "checkpointed",
	})
}
