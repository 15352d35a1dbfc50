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

package resolverpool_test

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/resolverpool"
	"github.com/bufbuild/resolverpool/internal/clocktest"
	"github.com/bufbuild/resolverpool/resolver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testInterval = 5 * time.Second

var (
	addr1 = netip.MustParseAddrPort("10.0.0.1:8080")
	addr2 = netip.MustParseAddrPort("10.0.0.2:8080")
	addr3 = netip.MustParseAddrPort("10.0.0.3:8080")
)

func TestNew(t *testing.T) {
	t.Parallel()

	res := &fakeResolver{}
	_, err := resolverpool.New(res, 0)
	require.ErrorIs(t, err, resolverpool.ErrInvalidRefreshInterval)
	_, err = resolverpool.New(res, -time.Second)
	require.ErrorIs(t, err, resolverpool.ErrInvalidRefreshInterval)
	_, err = resolverpool.New(nil, time.Second)
	require.ErrorIs(t, err, resolverpool.ErrNilResolver)

	pool, err := resolverpool.New(res, time.Second)
	require.NoError(t, err)
	assert.Equal(t, resolverpool.StateInitialized, pool.State())
	assert.Zero(t, res.callCount(), "New must not resolve")
}

func TestGetBeforeRun(t *testing.T) {
	t.Parallel()

	pool, err := resolverpool.New(&fakeResolver{results: []fakeResult{{addrs: []netip.AddrPort{addr1}}}}, time.Second)
	require.NoError(t, err)
	_, ok := pool.Get()
	assert.False(t, ok)
	assert.Empty(t, pool.Addresses())
}

func TestGetRotation(t *testing.T) {
	t.Parallel()

	const n = 5
	addrs := make([]netip.AddrPort, n)
	for i := range addrs {
		addrs[i] = netip.MustParseAddrPort(fmt.Sprintf("127.0.0.1:808%d", i))
	}
	pool := newTestPool(t, &fakeResolver{results: []fakeResult{{addrs: addrs}}})
	require.NoError(t, pool.Run(context.Background()))
	assert.Equal(t, resolverpool.StateRunning, pool.State())

	// The first address comes first, and every address is visited exactly
	// once per cycle, in resolver order.
	for cycle := 0; cycle < 3; cycle++ {
		for i := 0; i < n; i++ {
			addr, ok := pool.Get()
			require.True(t, ok)
			assert.Equal(t, addrs[i], addr)
		}
	}
}

func TestRunTwice(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	res := &fakeResolver{results: []fakeResult{
		{addrs: []netip.AddrPort{addr1}},
		{addrs: []netip.AddrPort{addr2}},
	}}
	testClock := clocktest.NewFakeClock()
	registry := prometheus.NewPedanticRegistry()
	pool := newTestPool(t, res, resolverpool.WithClock(testClock), resolverpool.WithMetrics(registry))
	require.NoError(t, pool.Run(ctx))

	err := pool.Run(ctx)
	require.ErrorIs(t, err, resolverpool.ErrAlreadyRunning)
	assert.Equal(t, 1, res.callCount(), "rejected Run must not resolve")
	assert.Equal(t, []netip.AddrPort{addr1}, pool.Addresses())

	// The background refresh started by the first Run is unaffected.
	advance(ctx, t, testClock, registry, "success")
	assert.Equal(t, []netip.AddrPort{addr2}, pool.Addresses())
}

func TestRunInitialFailure(t *testing.T) {
	t.Parallel()

	resolveErr := errors.New("no route to nameserver")
	pool := newTestPool(t, &fakeResolver{results: []fakeResult{{err: resolveErr}}})

	err := pool.Run(context.Background())
	require.ErrorIs(t, err, resolveErr)
	assert.Equal(t, resolverpool.StateRunning, pool.State())
	_, ok := pool.Get()
	assert.False(t, ok)

	// No background goroutine was started, so Wait returns immediately.
	pool.Wait()
	require.ErrorIs(t, pool.Run(context.Background()), resolverpool.ErrAlreadyRunning)
}

func TestRunEmptyInitialResult(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	testClock := clocktest.NewFakeClock()
	registry := prometheus.NewPedanticRegistry()
	pool := newTestPool(t, &fakeResolver{results: []fakeResult{
		{},
		{addrs: []netip.AddrPort{addr1}},
	}}, resolverpool.WithClock(testClock), resolverpool.WithMetrics(registry))

	require.NoError(t, pool.Run(ctx))
	_, ok := pool.Get()
	assert.False(t, ok)

	advance(ctx, t, testClock, registry, "success")
	addr, ok := pool.Get()
	require.True(t, ok)
	assert.Equal(t, addr1, addr)
}

func TestRefreshKeepsAddressesOnEmptyResult(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	testClock := clocktest.NewFakeClock()
	registry := prometheus.NewPedanticRegistry()
	pool := newTestPool(t, &fakeResolver{results: []fakeResult{
		{addrs: []netip.AddrPort{addr1}},
		{addrs: []netip.AddrPort{}},
	}}, resolverpool.WithClock(testClock), resolverpool.WithMetrics(registry))
	require.NoError(t, pool.Run(ctx))

	advance(ctx, t, testClock, registry, "empty")
	for i := 0; i < 3; i++ {
		addr, ok := pool.Get()
		require.True(t, ok)
		assert.Equal(t, addr1, addr)
	}
	assertAddressGauge(t, registry, 1)
}

func TestRefreshKeepsAddressesOnError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	testClock := clocktest.NewFakeClock()
	registry := prometheus.NewPedanticRegistry()
	pool := newTestPool(t, &fakeResolver{results: []fakeResult{
		{addrs: []netip.AddrPort{addr1, addr2}},
		{err: resolver.ErrQueryFailed},
		{addrs: []netip.AddrPort{addr3}},
	}}, resolverpool.WithClock(testClock), resolverpool.WithMetrics(registry))
	require.NoError(t, pool.Run(ctx))

	advance(ctx, t, testClock, registry, "error")
	assert.Equal(t, []netip.AddrPort{addr1, addr2}, pool.Addresses())

	// A failure does not stop the pool; the next tick refreshes again.
	advance(ctx, t, testClock, registry, "success")
	assert.Equal(t, []netip.AddrPort{addr3}, pool.Addresses())
}

func TestRefreshReplacesAddresses(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	testClock := clocktest.NewFakeClock()
	registry := prometheus.NewPedanticRegistry()
	pool := newTestPool(t, &fakeResolver{results: []fakeResult{
		{addrs: []netip.AddrPort{addr1}},
		{addrs: []netip.AddrPort{addr2, addr3}},
	}}, resolverpool.WithClock(testClock), resolverpool.WithMetrics(registry))
	require.NoError(t, pool.Run(ctx))

	advance(ctx, t, testClock, registry, "success")
	for i := 0; i < 10; i++ {
		addr, ok := pool.Get()
		require.True(t, ok)
		assert.Contains(t, []netip.AddrPort{addr2, addr3}, addr)
	}
}

func TestResolverSliceIsCopied(t *testing.T) {
	t.Parallel()

	addrs := []netip.AddrPort{addr1, addr2}
	pool := newTestPool(t, resolver.Func(func(context.Context) ([]netip.AddrPort, error) {
		return addrs, nil
	}))
	require.NoError(t, pool.Run(context.Background()))

	addrs[0] = addr3
	assert.Equal(t, []netip.AddrPort{addr1, addr2}, pool.Addresses())
}

func TestStop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	testClock := clocktest.NewFakeClock()
	res := &fakeResolver{results: []fakeResult{{addrs: []netip.AddrPort{addr1}}}}
	pool := newTestPool(t, res, resolverpool.WithClock(testClock))
	require.NoError(t, pool.Run(ctx))
	require.NoError(t, testClock.BlockUntilContext(ctx, 1))

	pool.Stop()
	pool.Wait()
	// The ticker is stopped along with the refresh goroutine.
	testClock.Advance(testInterval)
	assert.Equal(t, 1, res.callCount())

	// Cached addresses are still served, but the pool cannot be restarted.
	addr, ok := pool.Get()
	require.True(t, ok)
	assert.Equal(t, addr1, addr)
	require.ErrorIs(t, pool.Run(ctx), resolverpool.ErrAlreadyRunning)

	// Stopping again is harmless.
	pool.Stop()
	require.NoError(t, pool.Close())
}

func TestStopBeforeRun(t *testing.T) {
	t.Parallel()

	res := &fakeResolver{results: []fakeResult{{addrs: []netip.AddrPort{addr1}}}}
	pool := newTestPool(t, res)
	pool.Stop()
	require.ErrorIs(t, pool.Run(context.Background()), resolverpool.ErrStopped)
	assert.Zero(t, res.callCount())
}

func TestRootContextCancellation(t *testing.T) {
	t.Parallel()

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	pool := newTestPool(t, &fakeResolver{results: []fakeResult{{addrs: []netip.AddrPort{addr1}}}},
		resolverpool.WithRootContext(rootCtx))
	require.NoError(t, pool.Run(context.Background()))

	cancelRoot()
	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresh goroutine did not exit after root context was cancelled")
	}
}

func TestRandomizedOrder(t *testing.T) {
	t.Parallel()

	addrs := []netip.AddrPort{addr1, addr2, addr3}
	pool := newTestPool(t, &fakeResolver{results: []fakeResult{{addrs: addrs}}}, resolverpool.WithRandomizedOrder())
	require.NoError(t, pool.Run(context.Background()))

	visited := make([]netip.AddrPort, 0, len(addrs))
	for range addrs {
		addr, ok := pool.Get()
		require.True(t, ok)
		visited = append(visited, addr)
	}
	assert.ElementsMatch(t, addrs, visited)
}

func TestSharedRegistry(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewPedanticRegistry()
	res := &fakeResolver{results: []fakeResult{{addrs: []netip.AddrPort{addr1}}}}
	_, err := resolverpool.New(res, time.Second, resolverpool.WithMetrics(registry))
	require.NoError(t, err)
	_, err = resolverpool.New(res, time.Second, resolverpool.WithMetrics(registry))
	require.NoError(t, err)
}

func TestSharedRegistryAddressGauge(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	testClock := clocktest.NewFakeClock()
	registry := prometheus.NewPedanticRegistry()
	first := newTestPool(t, &fakeResolver{results: []fakeResult{
		{addrs: []netip.AddrPort{addr1, addr2, addr3}},
		{addrs: []netip.AddrPort{addr1}},
	}}, resolverpool.WithClock(testClock), resolverpool.WithMetrics(registry))
	second := newTestPool(t, &fakeResolver{results: []fakeResult{{}}},
		resolverpool.WithMetrics(registry))

	require.NoError(t, first.Run(ctx))
	require.NoError(t, second.Run(ctx))
	assertAddressGauge(t, registry, 3)

	advance(ctx, t, testClock, registry, "success")
	assertAddressGauge(t, registry, 1)
}

func assertAddressGauge(t *testing.T, gatherer prometheus.Gatherer, expected int) {
	t.Helper()
	require.NoError(t, testutil.GatherAndCompare(gatherer, strings.NewReader(fmt.Sprintf(`
# HELP resolverpool_addresses Number of addresses currently cached, summed over pools
# TYPE resolverpool_addresses gauge
resolverpool_addresses %d
`, expected)), "resolverpool_addresses"))
}

func TestConcurrentGet(t *testing.T) {
	t.Parallel()

	first := []netip.AddrPort{addr1, addr2}
	second := []netip.AddrPort{addr3}
	var (
		mu    sync.Mutex
		flips int
	)
	res := resolver.Func(func(context.Context) ([]netip.AddrPort, error) {
		mu.Lock()
		defer mu.Unlock()
		flips++
		if flips%2 == 0 {
			return second, nil
		}
		return first, nil
	})
	pool, err := resolverpool.New(res, time.Millisecond, resolverpool.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, pool.Run(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, pool.Close())
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				addr, ok := pool.Get()
				if assert.True(t, ok) {
					assert.Contains(t, []netip.AddrPort{addr1, addr2, addr3}, addr)
				}
			}
		}()
	}
	wg.Wait()
}

func newTestPool(t *testing.T, res resolver.Resolver, opts ...resolverpool.PoolOption) *resolverpool.Pool {
	t.Helper()
	opts = append([]resolverpool.PoolOption{resolverpool.WithLogger(zaptest.NewLogger(t))}, opts...)
	pool, err := resolverpool.New(res, testInterval, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pool.Close())
	})
	return pool
}

// advance fires one refresh tick and waits until the pool has recorded a
// refresh with the given result.
func advance(ctx context.Context, t *testing.T, testClock clocktest.FakeClock, gatherer prometheus.Gatherer, result string) {
	t.Helper()
	before := refreshCount(t, gatherer, result)
	require.NoError(t, testClock.BlockUntilContext(ctx, 1))
	testClock.Advance(testInterval)
	require.Eventually(t, func() bool {
		return refreshCount(t, gatherer, result) > before
	}, time.Second, time.Millisecond, "expected a %q refresh", result)
}

func refreshCount(t *testing.T, gatherer prometheus.Gatherer, result string) float64 {
	t.Helper()
	families, err := gatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "resolverpool_refreshes_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "result" && label.GetValue() == result {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

type fakeResult struct {
	addrs []netip.AddrPort
	err   error
}

// fakeResolver returns its results in order, repeating the last one.
type fakeResolver struct {
	mu      sync.Mutex
	results []fakeResult
	calls   int
}

func (f *fakeResolver) Resolve(context.Context) ([]netip.AddrPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := f.results[min(f.calls, len(f.results)-1)]
	f.calls++
	return res.addrs, res.err
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
