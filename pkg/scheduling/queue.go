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

// Package scheduling orders ready tasks by priority and deadline pressure and
// releases them, one at a time, to the provider router. The queue is the only
// shared structure; the dispatcher is its single consumer, so releases form a
// serialized sequence.
package scheduling

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/ormind/ormind/pkg/apis/core"
)

const (
	DefaultQueueCapacity = 1024
	// pressureEpsilon keeps deadline pressure finite for tasks already past
	// their deadline.
	pressureEpsilon = 1e-6
)

// Item is one ready task awaiting release.
type Item struct {
	GoalID           string
	Task             core.TaskHandle
	Name             string
	Workload         core.Workload
	RiskTier         core.RiskTier
	BasePriority     float64
	Deadline         time.Time
	ExpectedDuration time.Duration
	EstimatedCostUSD float64
	// Regions is the admission-time allow-list the governor approved.
	Regions []string
	Attempt int

	priority float64
	seq      int64
	front    bool
	index    int
}

// Priority returns the released priority computed at enqueue time.
func (i *Item) Priority() float64 { return i.priority }

// Queue is the bounded priority queue of ready tasks. A full queue blocks
// enqueues, which is how admission back-pressure reaches the orchestrator.
type Queue struct {
	clk      clock.Clock
	capacity int

	mu    sync.Mutex
	items itemHeap
	seq   int64
	// signal wakes the dispatcher when an item arrives.
	signal chan struct{}
	// slots admission-limits the queue; requeues bypass it since their task
	// was already admitted once.
	slots chan struct{}
}

func NewQueue(clk clock.Clock, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		clk:      clk,
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		slots:    make(chan struct{}, capacity),
	}
}

// deadlinePressure floats tasks near their deadline to the front:
// max(1, 1 / max(eps, time_to_deadline/expected_duration)).
func deadlinePressure(now, deadline time.Time, expected time.Duration) float64 {
	if deadline.IsZero() || expected <= 0 {
		return 1
	}
	ratio := deadline.Sub(now).Seconds() / expected.Seconds()
	if ratio < pressureEpsilon {
		ratio = pressureEpsilon
	}
	return max(1, 1/ratio)
}

// estimatedWaitLocked sums expected durations of queued tasks with compatible
// resource demand. Advisory only; it never reorders two equal-priority tasks.
func (q *Queue) estimatedWaitLocked(gpuClass string) time.Duration {
	var wait time.Duration
	for _, item := range q.items {
		if item.Workload.Demand.GPUClass == gpuClass {
			wait += item.ExpectedDuration
		}
	}
	return wait
}

// Enqueue admits a ready task, blocking while the queue is full. The priority
// is computed once here; two tasks of equal priority dequeue in enqueue order.
func (q *Queue) Enqueue(ctx context.Context, item *Item) error {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("queue full, %w", ctx.Err())
	}
	q.mu.Lock()
	q.pushLocked(item)
	q.mu.Unlock()
	q.wake()
	return nil
}

// Requeue returns a task to the head of the queue after a failed release.
func (q *Queue) Requeue(item *Item) {
	item.front = true
	q.mu.Lock()
	q.pushLocked(item)
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) pushLocked(item *Item) {
	if item.BasePriority <= 0 {
		item.BasePriority = 1
	}
	wait := q.estimatedWaitLocked(item.Workload.Demand.GPUClass)
	pressure := deadlinePressure(q.clk.Now(), item.Deadline, item.ExpectedDuration)
	item.priority = item.BasePriority * pressure / (1 + wait.Hours())
	item.seq = q.seq
	q.seq++
	heap.Push(&q.items, item)
	queueDepth.Set(float64(len(q.items)))
}

// Dequeue blocks until an item is available or ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (*Item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := heap.Pop(&q.items).(*Item)
			queueDepth.Set(float64(len(q.items)))
			q.mu.Unlock()
			if !item.front {
				select {
				case <-q.slots:
				default:
				}
			} else {
				item.front = false
			}
			return item, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes every queued item for a goal, for cancellation.
func (q *Queue) Drain(goalID string) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var drained, kept []*Item
	for _, item := range q.items {
		if item.GoalID == goalID {
			drained = append(drained, item)
		} else {
			kept = append(kept, item)
		}
	}
	q.items = nil
	for _, item := range kept {
		heap.Push(&q.items, item)
	}
	queueDepth.Set(float64(len(q.items)))
	// Drained items never reach Dequeue, so their admission slots are
	// returned here; requeued items hold none.
	for _, item := range drained {
		if item.front {
			item.front = false
			continue
		}
		select {
		case <-q.slots:
		default:
		}
	}
	return drained
}

// itemHeap orders requeued items first, then by priority, then FIFO.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].front != h[j].front {
		return h[i].front
	}
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
