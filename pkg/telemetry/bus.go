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

// Package telemetry fans 1 Hz instance samples out to per-instance bounded
// streams. Samples are strictly timestamp-ordered per instance; across
// instances there is no ordering. A consumer that falls behind loses the
// oldest samples, and the loss is audited, never silent.
package telemetry

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/ormind/ormind/pkg/apis/core"
	"github.com/ormind/ormind/pkg/audit"
)

const (
	DefaultCapacity = 60
	// dropAuditInterval rate-limits telemetry_drop records per instance.
	dropAuditInterval = time.Minute
)

type stream struct {
	ch            chan core.TelemetrySample
	lastTimestamp time.Time
	dropped       int64
	lastDropAudit time.Time
}

type Bus struct {
	clk      clock.Clock
	log      *audit.Log
	capacity int

	mu      sync.Mutex
	streams map[string]*stream
}

func NewBus(clk clock.Clock, log *audit.Log, capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		clk:      clk,
		log:      log,
		capacity: capacity,
		streams:  map[string]*stream{},
	}
}

// Publish delivers a sample to the instance's stream. Samples older than the
// newest already published for the instance are discarded to preserve the
// per-instance ordering guarantee.
func (b *Bus) Publish(ctx context.Context, sample core.TelemetrySample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[sample.InstanceID]
	if !ok {
		s = &stream{ch: make(chan core.TelemetrySample, b.capacity)}
		b.streams[sample.InstanceID] = s
	}
	if sample.Timestamp.Before(s.lastTimestamp) {
		outOfOrder.Inc()
		return
	}
	s.lastTimestamp = sample.Timestamp

	select {
	case s.ch <- sample:
	default:
		// Consumer fell behind: drop the oldest sample to admit the newest.
		select {
		case <-s.ch:
		default:
		}
		s.ch <- sample
		s.dropped++
		dropped.Inc()
		if b.clk.Since(s.lastDropAudit) >= dropAuditInterval {
			s.lastDropAudit = b.clk.Now()
			b.log.Append(ctx, audit.Record{
				Agent:     "telemetry",
				Action:    "telemetry_drop",
				Reasoning: "consumer behind, oldest samples dropped",
				Input:     map[string]any{"instance": sample.InstanceID, "dropped_total": s.dropped},
				Outcome:   "dropped",
			})
		}
	}
	lag.Set(float64(len(s.ch)))
}

// Subscribe returns the instance's sample stream, creating it if needed. One
// consumer per instance is the intended shape; the healing agent owns it.
func (b *Bus) Subscribe(instanceID string) <-chan core.TelemetrySample {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[instanceID]
	if !ok {
		s = &stream{ch: make(chan core.TelemetrySample, b.capacity)}
		b.streams[instanceID] = s
	}
	return s.ch
}

// Close tears down an instance's stream once the instance is terminal.
func (b *Bus) Close(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[instanceID]; ok {
		close(s.ch)
		delete(b.streams, instanceID)
	}
}

// LastSeen reports the newest published timestamp for an instance, used by
// staleness detection.
func (b *Bus) LastSeen(instanceID string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[instanceID]
	if !ok {
		return time.Time{}, false
	}
	return s.lastTimestamp, true
}
