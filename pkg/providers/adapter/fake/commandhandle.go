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

package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// CommandHandle is the fake adapter's handle over a "running" command. The
// command never runs anywhere; specs drive it by calling CompleteCommand on
// the adapter or Stop/Checkpoint on the handle.
type CommandHandle struct {
	instanceID string
	command    []string
	env        map[string]string

	mu          sync.Mutex
	done        bool
	output      chan string
	exit        chan int
	checkpoints []string
	restored    string
	signals     []string
}

func newCommandHandle(instanceID string, command []string, env map[string]string) *CommandHandle {
	return &CommandHandle{
		instanceID: instanceID,
		command:    command,
		env:        env,
		output:     make(chan string, 64),
		exit:       make(chan int, 1),
	}
}

func (h *CommandHandle) Output() <-chan string { return h.output }
func (h *CommandHandle) Exit() <-chan int      { return h.exit }

// Stop completes the command with exit code 0, modeling a cooperative
// checkpoint-and-stop.
func (h *CommandHandle) Stop(_ context.Context) error {
	h.complete(0)
	return nil
}

func (h *CommandHandle) Checkpoint(_ context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return "", fmt.Errorf("command on %s already exited", h.instanceID)
	}
	ref := "ckpt-" + uuid.NewString()[:8]
	h.checkpoints = append(h.checkpoints, ref)
	return ref, nil
}

func (h *CommandHandle) Restore(_ context.Context, ref string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.restored = ref
	return nil
}

// RestoredFrom reports the checkpoint ref this handle was restored from.
func (h *CommandHandle) RestoredFrom() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restored
}

// Env returns the environment the command was started with.
func (h *CommandHandle) Env() map[string]string { return h.env }

// Signal records a delivered control signal; specs assert on Signals.
func (h *CommandHandle) Signal(_ context.Context, signal string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return fmt.Errorf("command on %s already exited", h.instanceID)
	}
	h.signals = append(h.signals, signal)
	return nil
}

// Signals returns every control signal delivered to this handle.
func (h *CommandHandle) Signals() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.signals...)
}

// EmitOutput pushes a stdout line to stream consumers.
func (h *CommandHandle) EmitOutput(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return
	}
	select {
	case h.output <- line:
	default:
	}
}

func (h *CommandHandle) complete(exitCode int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return
	}
	h.done = true
	close(h.output)
	h.exit <- exitCode
	close(h.exit)
}

// interrupt models the instance disappearing under the command.
func (h *CommandHandle) interrupt() {
	h.complete(137)
}
