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
	"errors"
	"strings"
	"time"

	"github.com/aws/smithy-go"

	"github.com/ormind/ormind/pkg/providers/adapter"
)

// AWS error codes mapped onto the taxonomy. Codes absent here classify as
// transient, which is the safe default for EC2's long tail.
var (
	unavailableCodes = map[string]struct{}{
		"InsufficientInstanceCapacity": {},
		"InsufficientHostCapacity":     {},
		"SpotMaxPriceTooLow":           {},
		"Unsupported":                  {},
	}
	permanentCodes = map[string]struct{}{
		"UnauthorizedOperation":        {},
		"AuthFailure":                  {},
		"OptInRequired":                {},
		"InvalidParameterValue":        {},
		"InstanceLimitExceeded":        {},
		"MaxSpotInstanceCountExceeded": {},
		"VcpuLimitExceeded":            {},
	}
	throttleCodes = map[string]struct{}{
		"RequestLimitExceeded":  {},
		"Throttling":            {},
		"ThrottlingException":   {},
		"EC2ThrottledException": {},
	}
)

const throttleRetryAfter = 5 * time.Second

// classify wraps an SDK failure in the adapter taxonomy. Deadline expiry on a
// mutating call means the instance may or may not exist, which is exactly the
// unknown-state case.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var typed *adapter.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return adapter.NewError(adapter.KindUnknownState, ProviderName, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case has(throttleCodes, code):
			return adapter.NewRateLimitedError(ProviderName, throttleRetryAfter, err)
		case has(unavailableCodes, code):
			return adapter.NewError(adapter.KindUnavailable, ProviderName, err)
		case has(permanentCodes, code):
			return adapter.NewError(adapter.KindPermanent, ProviderName, err)
		}
	}
	return adapter.NewError(adapter.KindTransient, ProviderName, err)
}

func has(set map[string]struct{}, code string) bool {
	_, ok := set[code]
	return ok
}

// retryable gates the in-adapter retry loop: only plain transport blips are
// retried here, everything classified is left to the router's policy.
func retryable(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return has(throttleCodes, apiErr.ErrorCode())
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// isNotFound spots InvalidInstanceID.NotFound, which Terminate treats as
// success.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return strings.HasPrefix(apiErr.ErrorCode(), "InvalidInstanceID")
	}
	return false
}
