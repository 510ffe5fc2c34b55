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

package options

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
)

var validate = validator.New()

func (o *Options) Validate() error {
	return multierr.Combine(
		o.validateStruct(),
		o.validateBackoff(),
		o.validateCaps(),
	)
}

func (o *Options) validateStruct() error {
	if err := validate.Struct(o); err != nil {
		var errs error
		for _, fieldErr := range err.(validator.ValidationErrors) {
			errs = multierr.Append(errs, fmt.Errorf("field %s failed %q validation", fieldErr.Field(), fieldErr.Tag()))
		}
		return errs
	}
	return nil
}

func (o *Options) validateBackoff() error {
	parsed := o.Backoff()
	if len(parsed) == 0 {
		return fmt.Errorf("scheduler-backoff-seconds %q contains no usable entries", o.SchedulerBackoffSeconds)
	}
	if len(parsed) < o.SchedulerMaxRetries {
		return fmt.Errorf("scheduler-backoff-seconds needs at least %d entries, got %d", o.SchedulerMaxRetries, len(parsed))
	}
	return nil
}

// validateCaps adds what struct tags cannot express: the per-goal cap, when
// set, must not exceed the daily cap.
func (o *Options) validateCaps() error {
	if o.GovernorPerGoalCapUSD > 0 && o.GovernorPerGoalCapUSD > o.GovernorDailyCapUSD {
		return fmt.Errorf("governor-per-goal-cap-usd $%.2f exceeds governor-daily-cap-usd $%.2f",
			o.GovernorPerGoalCapUSD, o.GovernorDailyCapUSD)
	}
	return nil
}
