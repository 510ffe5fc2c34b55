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

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/ormind/ormind/pkg/operator"
	"github.com/ormind/ormind/pkg/operator/options"
	"github.com/ormind/ormind/pkg/utils/env"
	"github.com/ormind/ormind/pkg/utils/logging"
)

func main() {
	opts := options.New().MustParse()
	logger := logging.NewLogger(env.WithDefaultBool("DEBUG", false))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)
	ctx = options.ToContext(ctx, opts)

	op, err := operator.NewOperator(ctx, opts)
	if err != nil {
		panic(fmt.Sprintf("Unable to build operator, %s", err))
	}
	if err := op.Run(ctx); err != nil {
		panic(fmt.Sprintf("Unable to start operator, %s", err))
	}
}
