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
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/resolverpool/internal"
	"github.com/bufbuild/resolverpool/resolver"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning is returned by Run when the pool has already been
	// started. A pool can only be run once.
	ErrAlreadyRunning = errors.New("resolver pool already running")
	// ErrStopped is returned by Run when Stop was called before the pool
	// was ever started.
	ErrStopped = errors.New("resolver pool stopped")
	// ErrInvalidRefreshInterval is returned by New when the refresh
	// interval is not positive.
	ErrInvalidRefreshInterval = errors.New("refresh interval must be positive")
	// ErrNilResolver is returned by New when no resolver is given.
	ErrNilResolver = errors.New("resolver must not be nil")
)

// State is the lifecycle state of a Pool.
type State int

const (
	// StateInitialized is the state of a pool that has not been run.
	StateInitialized State = iota
	// StateRunning is the state of a pool once Run has been called. A pool
	// never leaves this state, not even when it is stopped.
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Pool maintains a periodically refreshed set of addresses produced by a
// resolver.Resolver, and hands them out in rotation.
//
// Run populates the pool and starts a background goroutine that calls the
// resolver again on every refresh interval. Get never blocks and never
// calls the resolver; it only reads the most recently cached set.
type Pool struct {
	resolver  resolver.Resolver
	interval  time.Duration
	clock     internal.Clock
	logger    *zap.Logger
	metrics   *metrics
	rootCtx   context.Context //nolint:containedctx
	randomize bool

	// snapshot is replaced wholesale and never modified once stored.
	// +checkatomic
	snapshot atomic.Pointer[[]netip.AddrPort]
	// +checkatomic
	cursor atomic.Uint64

	mu      sync.Mutex
	state   State
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a pool that refreshes its addresses from res every
// refreshInterval. The pool does nothing until Run is called.
func New(res resolver.Resolver, refreshInterval time.Duration, opts ...PoolOption) (*Pool, error) {
	if res == nil {
		return nil, ErrNilResolver
	}
	if refreshInterval <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRefreshInterval, refreshInterval)
	}
	var options poolOptions
	for _, opt := range opts {
		opt.apply(&options)
	}
	options.applyDefaults()
	poolMetrics, err := newMetrics(options.registerer)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	pool := &Pool{
		resolver:  res,
		interval:  refreshInterval,
		clock:     options.clock,
		logger:    options.logger.Named("resolverpool"),
		metrics:   poolMetrics,
		rootCtx:   options.rootCtx,
		randomize: options.randomize,
	}
	pool.snapshot.Store(new([]netip.AddrPort))
	// The cursor starts at -1 so that the first Get returns the first
	// address.
	negativeOne := int64(-1)
	pool.cursor.Store(uint64(negativeOne))
	return pool, nil
}

// Run populates the pool by calling the resolver once, synchronously, and
// then starts refreshing it in the background.
//
// An empty initial result is accepted. If the initial resolution fails,
// its error is returned and no background refresh is started; the pool
// cannot be run again and should be discarded. Run returns
// ErrAlreadyRunning, without any other effect, if the pool was already run.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.state == StateRunning:
		p.mu.Unlock()
		return ErrAlreadyRunning
	case p.stopped:
		p.mu.Unlock()
		return ErrStopped
	}
	p.state = StateRunning
	p.mu.Unlock()

	p.install(nil)
	addrs, err := p.resolve(ctx)
	if err != nil {
		p.logger.Error("initial resolution failed", zap.Error(err))
		return fmt.Errorf("initial resolution: %w", err)
	}
	p.install(addrs)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		// Stop was called while the initial resolution was in flight.
		return nil
	}
	refreshCtx, cancel := context.WithCancel(p.rootCtx)
	p.cancel = cancel
	p.done = make(chan struct{})
	ticker := p.clock.NewTicker(p.interval)
	go p.refreshLoop(refreshCtx, ticker, p.done)

	p.logger.Info("resolver pool started",
		zap.Int("addresses", len(addrs)),
		zap.Duration("refresh_interval", p.interval))
	return nil
}

// Get returns the next address in rotation. It returns false if no
// addresses are available, either because the pool has not been run or
// because the resolver has not produced any addresses.
//
// Concurrent callers share a single rotation, so each caller is not
// guaranteed to see distinct addresses. Successive calls still cycle
// through every cached address.
func (p *Pool) Get() (netip.AddrPort, bool) {
	snapshot := *p.snapshot.Load()
	if len(snapshot) == 0 {
		return netip.AddrPort{}, false
	}
	return snapshot[p.cursor.Add(1)%uint64(len(snapshot))], true
}

// Addresses returns a copy of the currently cached addresses.
func (p *Pool) Addresses() []netip.AddrPort {
	return slices.Clone(*p.snapshot.Load())
}

// State returns the lifecycle state of the pool.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stop asks the background refresh goroutine to exit and returns without
// waiting for it. The pool keeps serving its last cached addresses, but it
// will never refresh again and cannot be restarted. Use Wait, or Close,
// to wait for the goroutine to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.cancel != nil {
		p.cancel()
	}
}

// Wait blocks until the background refresh goroutine has exited. It
// returns immediately if no goroutine was started.
func (p *Pool) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close stops the pool and waits for the background refresh goroutine to
// exit. It always returns nil.
func (p *Pool) Close() error {
	p.Stop()
	p.Wait()
	return nil
}

func (p *Pool) refreshLoop(ctx context.Context, ticker internal.Ticker, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("resolver pool stopped")
			return
		case <-ticker.Chan():
			if ctx.Err() != nil {
				continue
			}
			p.refresh(ctx)
		}
	}
}

// refresh resolves once and replaces the cached addresses, but only with
// a non-empty result. Failures and empty results keep the previous set.
func (p *Pool) refresh(ctx context.Context) {
	addrs, err := p.resolve(ctx)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("refresh failed, keeping cached addresses",
			zap.Error(err),
			zap.Int("cached", len(*p.snapshot.Load())))
		p.metrics.refreshes.WithLabelValues(resultError).Inc()
	case len(addrs) == 0:
		p.logger.Warn("refresh returned no addresses, keeping cached addresses",
			zap.Int("cached", len(*p.snapshot.Load())))
		p.metrics.refreshes.WithLabelValues(resultEmpty).Inc()
	default:
		p.install(addrs)
		p.logger.Debug("refreshed addresses", zap.Int("addresses", len(addrs)))
		p.metrics.refreshes.WithLabelValues(resultSuccess).Inc()
	}
}

func (p *Pool) resolve(ctx context.Context) ([]netip.AddrPort, error) {
	start := p.clock.Now()
	addrs, err := p.resolver.Resolve(ctx)
	p.metrics.resolveDuration.Observe(p.clock.Since(start).Seconds())
	return addrs, err
}

// install publishes addrs as the new snapshot. The slice is copied first,
// so the resolver is free to reuse it.
func (p *Pool) install(addrs []netip.AddrPort) {
	var snapshot []netip.AddrPort
	if p.randomize {
		snapshot = internal.Shuffle(addrs)
	} else {
		snapshot = slices.Clone(addrs)
	}
	previous := p.snapshot.Swap(&snapshot)
	// The gauge may be shared with other pools, so only this pool's change
	// is applied to it.
	p.metrics.addresses.Add(float64(len(snapshot) - len(*previous)))
}
