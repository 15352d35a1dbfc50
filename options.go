// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resolverpool

import (
	"context"

	"github.com/bufbuild/resolverpool/internal"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PoolOption is an option used to customize the behavior of a Pool.
type PoolOption interface {
	apply(*poolOptions)
}

// WithLogger configures the logger used by the pool. If not specified, log
// output is discarded.
func WithLogger(logger *zap.Logger) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.logger = logger
	})
}

// WithRootContext configures the root context of the background refresh
// goroutine. If not specified, [context.Background] is used.
//
// Cancelling the given context stops background refreshes just like
// calling Stop. The cached addresses remain available to Get.
func WithRootContext(ctx context.Context) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.rootCtx = ctx
	})
}

// WithMetrics registers the pool's metrics with the given registerer. When
// several pools share a registerer, they share the same collectors: refresh
// counts and the address gauge are totals over those pools.
func WithMetrics(registerer prometheus.Registerer) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.registerer = registerer
	})
}

// WithRandomizedOrder shuffles every newly resolved set of addresses before
// it is cached. This keeps many pools that resolve the same name from all
// starting their rotation at the same address. By default, Get rotates
// through addresses in the order the resolver returned them.
func WithRandomizedOrder() PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.randomize = true
	})
}

type poolOptionFunc func(*poolOptions)

func (f poolOptionFunc) apply(opts *poolOptions) {
	f(opts)
}

type poolOptions struct {
	logger     *zap.Logger
	rootCtx    context.Context //nolint:containedctx
	registerer prometheus.Registerer
	randomize  bool
	clock      internal.Clock
}

func (opts *poolOptions) applyDefaults() {
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}
