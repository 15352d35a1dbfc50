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

// Package resolverpool keeps a periodically refreshed set of network
// addresses for a name, and hands them out quickly to callers that need a
// target to connect to.
//
// Addresses come from a [resolver.Resolver], a pluggable single-shot
// resolution strategy. The resolver package includes a DNS strategy that
// discovers a service's instances via SRV records, and a strategy that
// races several nameservers.
//
// # Lifecycle
//
// A [Pool] is created with [New] and does nothing until [Pool.Run] is
// called. Run resolves once, synchronously, so that the pool is usable as
// soon as Run returns. It then starts one background goroutine that
// resolves again on every refresh interval. [Pool.Stop] asks that
// goroutine to exit without waiting for it; [Pool.Close] also waits. A pool
// runs at most once: to resume after stopping, create a new pool.
//
//	res, err := resolver.NewParallelDNSResolver(nameservers, "_grpc._tcp.backend.example.com")
//	if err != nil {
//		return err
//	}
//	pool, err := resolverpool.New(res, 30*time.Second, resolverpool.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	if err := pool.Run(ctx); err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	if addr, ok := pool.Get(); ok {
//		conn, err := net.Dial("tcp", addr.String())
//		...
//	}
//
// # Refresh Semantics
//
// Every successful, non-empty refresh replaces the cached set as a whole;
// results are never merged. Readers observe either the old set or the new
// one, never a mix of the two.
//
// A refresh that fails, or that succeeds with no addresses, leaves the
// cached set untouched. A single transient failure or empty answer thus
// never leaves the pool without addresses. Failures are logged and retried
// on the next tick; they never stop the pool. Only the initial resolution
// made by Run is allowed to produce an empty set.
//
// # Selection
//
// [Pool.Get] returns cached addresses in rotation using one counter shared
// by all callers. It never blocks and never calls the resolver. When no
// addresses are cached it reports false, which callers must handle.
package resolverpool
