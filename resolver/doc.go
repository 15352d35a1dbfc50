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

// Package resolver provides single-shot address resolution strategies.
// A strategy turns some configured name into the set of network addresses
// (IP and port) that currently serve it.
//
// It contains the core interface ([Resolver]) that a pool polls
// periodically. Any source of addresses can implement it, from a static
// list in tests to service discovery systems; [Func] adapts a plain
// function.
//
// # DNS Service Discovery
//
// [DNSResolver] discovers instances of a service via DNS SRV records. For
// every SRV record it looks up the A record of the target host and combines
// the IPv4 address with the port from the SRV record. Queries are sent over
// UDP; when a UDP response comes back truncated, the same query is sent
// again over TCP and that response is used instead.
//
// Resolution narrows rather than fails: if the SRV query succeeds, Resolve
// succeeds, even if some (or all) of the targets could not be resolved.
// Such targets are logged and left out of the result. Only a failed SRV
// query fails the call, with an error wrapping [ErrQueryFailed].
//
// # Multiple Nameservers
//
// [ParallelResolver] sends the same resolution to several resolvers at
// once and returns the first successful result. [NewParallelDNSResolver]
// builds one from a list of nameservers:
//
//	res, err := resolver.NewParallelDNSResolver(
//		[]string{"10.0.0.2", "10.0.0.3:53"},
//		"_grpc._tcp.backend.example.com",
//		resolver.WithLogger(logger),
//	)
//
// The result comes from whichever nameserver answers successfully first.
// The call fails only when every nameserver fails.
package resolver
