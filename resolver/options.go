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
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultConcurrency = 8
)

// DNSOption customizes a DNSResolver or a ParallelResolver built by
// NewParallelDNSResolver.
type DNSOption interface {
	apply(*dnsOptions)
}

// WithLogger sets the logger used to report skipped answers, transport
// fallbacks and race outcomes. The default discards everything.
func WithLogger(logger *zap.Logger) DNSOption {
	return dnsOptionFunc(func(opts *dnsOptions) {
		opts.logger = logger
	})
}

// WithTimeout bounds every individual DNS exchange, UDP or TCP. It is
// only applied to the default transports; see WithExchangers.
func WithTimeout(timeout time.Duration) DNSOption {
	return dnsOptionFunc(func(opts *dnsOptions) {
		opts.timeout = timeout
	})
}

// WithConcurrency limits how many A lookups one Resolve call runs at
// once. Values below one are treated as one.
func WithConcurrency(n int) DNSOption {
	return dnsOptionFunc(func(opts *dnsOptions) {
		opts.concurrency = n
	})
}

// WithUDPSize sets the EDNS0 buffer size advertised on queries.
func WithUDPSize(size uint16) DNSOption {
	return dnsOptionFunc(func(opts *dnsOptions) {
		opts.udpSize = size
	})
}

// WithExchangers replaces the UDP and TCP transports. Either may be nil to
// keep the default *dns.Client for that network.
func WithExchangers(udp, tcp Exchanger) DNSOption {
	return dnsOptionFunc(func(opts *dnsOptions) {
		opts.udp = udp
		opts.tcp = tcp
	})
}

type dnsOptionFunc func(*dnsOptions)

func (f dnsOptionFunc) apply(opts *dnsOptions) {
	f(opts)
}

type dnsOptions struct {
	logger      *zap.Logger
	timeout     time.Duration
	concurrency int
	udpSize     uint16
	udp         Exchanger
	tcp         Exchanger
}

func newDNSOptions(opts []DNSOption) *dnsOptions {
	options := &dnsOptions{
		timeout:     defaultTimeout,
		concurrency: defaultConcurrency,
		udpSize:     dns.DefaultMsgSize,
	}
	for _, opt := range opts {
		opt.apply(options)
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}
	if options.concurrency < 1 {
		options.concurrency = 1
	}
	if options.udp == nil {
		options.udp = &dns.Client{Net: "udp", Timeout: options.timeout, UDPSize: options.udpSize}
	}
	if options.tcp == nil {
		options.tcp = &dns.Client{Net: "tcp", Timeout: options.timeout}
	}
	return options
}
