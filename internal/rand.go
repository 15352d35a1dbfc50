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

package internal

import (
	"hash/maphash"
	"math/rand"
)

// NewRand returns a *rand.Rand seeded from the runtime's per-thread RNG by
// way of "hash/maphash". The result is not safe for concurrent use.
func NewRand() *rand.Rand {
	var seed maphash.Hash
	return rand.New(rand.NewSource(int64(seed.Sum64()))) //nolint:gosec // don't need cryptographic RNG
}

// Shuffle returns a shuffled copy of items. The input is left untouched so
// that callers can shuffle slices they have already published.
func Shuffle[T any](items []T) []T {
	shuffled := make([]T, len(items))
	copy(shuffled, items)
	NewRand().Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}
