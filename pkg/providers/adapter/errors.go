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

package adapter

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the taxonomy callers dispatch on. Adapters wrap every provider
// failure in an Error carrying exactly one kind.
type ErrorKind string

const (
	// KindTransient failures (network blips, momentary API errors) are safe
	// to retry with backoff against the same provider.
	KindTransient ErrorKind = "transient"
	// KindRateLimited failures should be retried after the suggested
	// interval; the router also folds them into rate-limit posture.
	KindRateLimited ErrorKind = "rate_limited"
	// KindPermanent failures (bad credentials, invalid region, quota) must
	// not be retried against this provider for this request.
	KindPermanent ErrorKind = "permanent"
	// KindUnavailable means the region/GPU class is out of capacity right now.
	KindUnavailable ErrorKind = "unavailable"
	// KindUnknownState means the adapter cannot confirm whether the call took
	// effect; the instance may be leaked and needs a reconcile sweep.
	KindUnknownState ErrorKind = "unknown_state"
)

// Error is a classified provider failure.
type Error struct {
	Kind       ErrorKind
	Provider   string
	RetryAfter time.Duration // populated for rate_limited
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s, %s", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, provider string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err}
}

func NewRateLimitedError(provider string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindRateLimited, Provider: provider, RetryAfter: retryAfter, Err: err}
}

func kindOf(err error) (ErrorKind, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind, true
	}
	return "", false
}

// IsTransient returns true if the error is a classified provider error (even
// if wrapped) known to be retryable with backoff.
func IsTransient(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindTransient
}

func IsRateLimited(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindRateLimited
}

func IsPermanent(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindPermanent
}

func IsUnavailable(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindUnavailable
}

func IsUnknownState(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindUnknownState
}

// RetryAfter extracts the provider's suggested retry interval, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var typed *Error
	if errors.As(err, &typed) && typed.Kind == KindRateLimited && typed.RetryAfter > 0 {
		return typed.RetryAfter, true
	}
	return 0, false
}
