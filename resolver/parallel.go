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

package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ParallelResolver races a set of resolvers. Resolve returns the result of
// whichever resolver succeeds first; the others are cancelled and their
// results, if they ever arrive, are dropped.
type ParallelResolver struct {
	resolvers []Resolver
	logger    *zap.Logger
}

var _ Resolver = (*ParallelResolver)(nil)

// NewParallelResolver creates a resolver that races the given resolvers.
// Its log output is discarded; see NewParallelResolverWithLogger.
func NewParallelResolver(resolvers ...Resolver) *ParallelResolver {
	return NewParallelResolverWithLogger(nil, resolvers...)
}

// NewParallelResolverWithLogger is like NewParallelResolver, but logs the
// winner of each race to logger at debug level. A nil logger discards log
// output.
func NewParallelResolverWithLogger(logger *zap.Logger, resolvers ...Resolver) *ParallelResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ParallelResolver{
		resolvers: slices.Clone(resolvers),
		logger:    logger.Named("resolver.parallel"),
	}
}

// NewParallelDNSResolver creates one DNSResolver per nameserver, all for
// the same service, and races them. Nameservers are normalized to
// host:port, de-duplicated and sorted, so the same set of nameservers
// always yields the same resolver regardless of input order.
func NewParallelDNSResolver(nameservers []string, service string, opts ...DNSOption) (*ParallelResolver, error) {
	addresses := make([]string, 0, len(nameservers))
	for _, nameserver := range nameservers {
		address, err := normalizeNameserver(nameserver)
		if err != nil {
			return nil, err
		}
		addresses = append(addresses, address)
	}
	slices.Sort(addresses)
	addresses = slices.Compact(addresses)
	if len(addresses) == 0 {
		return nil, errors.New("at least one nameserver is required")
	}

	resolvers := make([]Resolver, len(addresses))
	for i, address := range addresses {
		resolver, err := NewDNSResolver(address, service, opts...)
		if err != nil {
			return nil, err
		}
		resolvers[i] = resolver
	}
	return NewParallelResolverWithLogger(newDNSOptions(opts).logger, resolvers...), nil
}

// Resolvers returns the resolvers being raced, in their configured order.
func (r *ParallelResolver) Resolvers() []Resolver {
	return slices.Clone(r.resolvers)
}

// Resolve implements Resolver. It fails, wrapping ErrQueryFailed and every
// individual error, only if all resolvers fail. There is no deadline
// beyond the one carried by ctx: a slow resolver can still win if all the
// faster ones fail.
func (r *ParallelResolver) Resolve(ctx context.Context) ([]netip.AddrPort, error) {
	if len(r.resolvers) == 0 {
		return nil, fmt.Errorf("%w: no resolvers configured", ErrQueryFailed)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		index int
		addrs []netip.AddrPort
		err   error
	}
	// Buffered so that losers never block after the winner has returned.
	results := make(chan result, len(r.resolvers))
	for i, resolver := range r.resolvers {
		go func() {
			addrs, err := resolver.Resolve(ctx)
			results <- result{index: i, addrs: addrs, err: err}
		}()
	}

	var errs error
	for range r.resolvers {
		select {
		case res := <-results:
			if res.err == nil {
				r.logger.Debug("resolver won race",
					zap.Stringer("resolver", resolverName(r.resolvers[res.index])),
					zap.Int("addresses", len(res.addrs)))
				return res.addrs, nil
			}
			errs = multierr.Append(errs, res.err)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrQueryFailed, ctx.Err())
		}
	}
	return nil, fmt.Errorf("%w: all %d resolvers failed: %w", ErrQueryFailed, len(r.resolvers), errs)
}

type namedResolver struct {
	Resolver
}

func (n namedResolver) String() string {
	return fmt.Sprintf("%T", n.Resolver)
}

func resolverName(resolver Resolver) fmt.Stringer {
	if stringer, ok := resolver.(fmt.Stringer); ok {
		return stringer
	}
	return namedResolver{resolver}
}
