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

	"github.com/miekg/dns"
)

// ErrQueryFailed is wrapped by every error that fails a whole resolution:
// the SRV query of a DNSResolver, or all of the resolvers raced by a
// ParallelResolver.
var ErrQueryFailed = errors.New("query failed")

// Resolver is a single-shot resolution strategy. Each call to Resolve
// produces the complete, ordered set of addresses currently known; it
// holds no cache of its own.
//
// Implementations must be safe for concurrent use: a pool calls Resolve
// from its background goroutine while a foreground call may still be in
// flight, and a ParallelResolver calls many resolvers at once.
type Resolver interface {
	Resolve(ctx context.Context) ([]netip.AddrPort, error)
}

// Func adapts an ordinary function to the Resolver interface.
type Func func(ctx context.Context) ([]netip.AddrPort, error)

// Resolve calls f(ctx).
func (f Func) Resolve(ctx context.Context) ([]netip.AddrPort, error) {
	return f(ctx)
}

// RcodeError reports a DNS response whose reply code was not NOERROR.
type RcodeError struct {
	Name  string
	Qtype uint16
	Rcode int
}

func (e *RcodeError) Error() string {
	rcode, ok := dns.RcodeToString[e.Rcode]
	if !ok {
		rcode = fmt.Sprintf("RCODE%d", e.Rcode)
	}
	return fmt.Sprintf("%s %s: %s", dns.TypeToString[e.Qtype], e.Name, rcode)
}
