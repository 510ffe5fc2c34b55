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

package ec2

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"k8s.io/utils/clock"

	"github.com/ormind/ormind/pkg/providers/adapter"
)

const (
	// invocationPollInterval paces GetCommandInvocation; SSM output is not a
	// stream, so this is also the output latency.
	invocationPollInterval = 5 * time.Second
	inlineCommandTimeout   = 60 * time.Second

	// Hook scripts the workload image ships for cooperative control.
	checkpointScript = "/opt/ormind/checkpoint"
	restoreScript    = "/opt/ormind/restore"
	signalScript     = "/opt/ormind/signal"
)

// commandHandle follows one SSM command invocation. It implements the
// cooperative extensions; whether the scripts exist on the image decides at
// runtime whether checkpointing actually works.
type commandHandle struct {
	ssm        SSMAPI
	instanceID string
	commandID  string
	clk        clock.WithTicker

	output chan string
	exit   chan int
}

func newCommandHandle(api SSMAPI, instanceID, commandID string, clk clock.WithTicker) *commandHandle {
	return &commandHandle{
		ssm:        api,
		instanceID: instanceID,
		commandID:  commandID,
		clk:        clk,
		output:     make(chan string, 64),
		exit:       make(chan int, 1),
	}
}

func (h *commandHandle) Output() <-chan string { return h.output }
func (h *commandHandle) Exit() <-chan int      { return h.exit }

// follow polls the invocation until it reaches a terminal status, forwarding
// newly appeared stdout lines along the way.
func (h *commandHandle) follow(ctx context.Context) {
	defer close(h.output)
	defer close(h.exit)
	ticker := h.clk.NewTicker(invocationPollInterval)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		out, err := h.ssm.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  aws.String(h.commandID),
			InstanceId: aws.String(h.instanceID),
		})
		if err != nil {
			// A missed poll is a gap, not a failure; the next tick retries.
			continue
		}
		sent = h.forwardOutput(aws.ToString(out.StandardOutputContent), sent)
		switch out.Status {
		case ssmtypes.CommandInvocationStatusSuccess:
			h.exit <- 0
			return
		case ssmtypes.CommandInvocationStatusFailed,
			ssmtypes.CommandInvocationStatusCancelled,
			ssmtypes.CommandInvocationStatusTimedOut:
			code := int(out.ResponseCode)
			if code == 0 {
				code = 1
			}
			h.exit <- code
			return
		}
	}
}

func (h *commandHandle) forwardOutput(stdout string, sent int) int {
	lines := strings.Split(strings.TrimRight(stdout, "\n"), "\n")
	for ; sent < len(lines); sent++ {
		if lines[sent] == "" {
			continue
		}
		select {
		case h.output <- lines[sent]:
		default:
			// Slow consumer; drop rather than stall the poll loop.
		}
	}
	return sent
}

// Stop checkpoints best-effort, then cancels the invocation.
func (h *commandHandle) Stop(ctx context.Context) error {
	_, _ = h.Checkpoint(ctx)
	_, err := h.ssm.CancelCommand(ctx, &ssm.CancelCommandInput{
		CommandId:   aws.String(h.commandID),
		InstanceIds: []string{h.instanceID},
	})
	return classify(err)
}

// Checkpoint runs the image's checkpoint hook; the hook prints the
// checkpoint reference on stdout.
func (h *commandHandle) Checkpoint(ctx context.Context) (string, error) {
	stdout, err := runInline(ctx, h.ssm, h.instanceID, checkpointScript, h.clk)
	if err != nil {
		return "", err
	}
	ref := strings.TrimSpace(stdout)
	if ref == "" {
		return "", adapter.NewError(adapter.KindPermanent, ProviderName,
			fmt.Errorf("checkpoint hook returned no reference"))
	}
	return ref, nil
}

func (h *commandHandle) Restore(ctx context.Context, ref string) error {
	_, err := runInline(ctx, h.ssm, h.instanceID, fmt.Sprintf("%s %q", restoreScript, ref), h.clk)
	return err
}

func (h *commandHandle) Signal(ctx context.Context, signal string) error {
	_, err := runInline(ctx, h.ssm, h.instanceID, fmt.Sprintf("%s %q", signalScript, signal), h.clk)
	return err
}

// runInline executes one short script over SSM and waits for its stdout.
func runInline(ctx context.Context, api SSMAPI, instanceID, script string, clk clock.WithTicker) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, inlineCommandTimeout)
	defer cancel()

	sent, err := api.SendCommand(ctx, &ssm.SendCommandInput{
		InstanceIds:  []string{instanceID},
		DocumentName: aws.String("AWS-RunShellScript"),
		Parameters:   map[string][]string{"commands": {script}},
	})
	if err != nil {
		return "", classify(err)
	}

	ticker := clk.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", classify(ctx.Err())
		case <-ticker.C():
		}
		out, err := api.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  sent.Command.CommandId,
			InstanceId: aws.String(instanceID),
		})
		if err != nil {
			continue
		}
		switch out.Status {
		case ssmtypes.CommandInvocationStatusSuccess:
			return aws.ToString(out.StandardOutputContent), nil
		case ssmtypes.CommandInvocationStatusFailed,
			ssmtypes.CommandInvocationStatusCancelled,
			ssmtypes.CommandInvocationStatusTimedOut:
			return "", adapter.NewError(adapter.KindTransient, ProviderName,
				fmt.Errorf("command %s ended %s: %s",
					aws.ToString(sent.Command.CommandId), out.Status, aws.ToString(out.StandardErrorContent)))
		}
	}
}
