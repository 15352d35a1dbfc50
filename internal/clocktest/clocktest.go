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

// Package clocktest adapts clockwork's fake clock to internal.Clock. Go
// compares interface method signatures nominally, so NewTicker has to
// re-box the clockwork.Ticker it gets back as an internal.Ticker.
package clocktest

import (
	"context"
	"time"

	"github.com/bufbuild/resolverpool/internal"
	"github.com/jonboulle/clockwork"
)

// FakeClock is a clock that only moves when Advance is called.
type FakeClock interface {
	internal.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, waiters int) error
}

// NewFakeClock creates a new FakeClock using clockwork.
func NewFakeClock() FakeClock {
	return fakeClock{clockwork.NewFakeClock()}
}

type fakeClock struct {
	*clockwork.FakeClock
}

var _ FakeClock = fakeClock{}

// NewTicker implements internal.Clock.
func (f fakeClock) NewTicker(d time.Duration) internal.Ticker {
	return f.FakeClock.NewTicker(d)
}
