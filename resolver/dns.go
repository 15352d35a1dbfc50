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
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/net/idna"
	"golang.org/x/sync/errgroup"
)

const defaultDNSPort = "53"

// Exchanger sends one DNS query and waits for its response. *dns.Client
// implements it; the network of the client decides the transport.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (r *dns.Msg, rtt time.Duration, err error)
}

// DNSResolver resolves one service name against one nameserver. It looks
// up the SRV records of the service, then the A record of every SRV
// target, and pairs each IPv4 address with the port from its SRV record.
//
// Queries go out over UDP. A truncated UDP response is retried once over
// TCP and the TCP response is used instead.
type DNSResolver struct {
	nameserver  string
	service     string
	udp         Exchanger
	tcp         Exchanger
	udpSize     uint16
	concurrency int
	logger      *zap.Logger
}

var _ Resolver = (*DNSResolver)(nil)

// NewDNSResolver creates a resolver for service that queries nameserver.
// The nameserver is a host:port pair; port 53 is assumed when it is
// missing. Internationalized service names are converted to their ASCII
// form.
func NewDNSResolver(nameserver, service string, opts ...DNSOption) (*DNSResolver, error) {
	address, err := normalizeNameserver(nameserver)
	if err != nil {
		return nil, err
	}
	name, err := normalizeServiceName(service)
	if err != nil {
		return nil, err
	}
	options := newDNSOptions(opts)
	return &DNSResolver{
		nameserver:  address,
		service:     name,
		udp:         options.udp,
		tcp:         options.tcp,
		udpSize:     options.udpSize,
		concurrency: options.concurrency,
		logger: options.logger.Named("resolver.dns").With(
			zap.String("nameserver", address),
			zap.String("service", name),
		),
	}, nil
}

// Nameserver returns the normalized host:port of the nameserver.
func (r *DNSResolver) Nameserver() string {
	return r.nameserver
}

// Service returns the fully qualified service name that is looked up.
func (r *DNSResolver) Service() string {
	return r.service
}

func (r *DNSResolver) String() string {
	return r.service + "@" + r.nameserver
}

// Resolve implements Resolver. It fails only when the SRV query fails.
// SRV answers whose target cannot be resolved are left out of the result,
// so a successful call may return fewer addresses than there are SRV
// records, or none at all.
func (r *DNSResolver) Resolve(ctx context.Context) ([]netip.AddrPort, error) {
	resp, err := r.exchange(ctx, r.service, dns.TypeSRV)
	if err != nil {
		return nil, fmt.Errorf("%w: SRV %s via %s: %w", ErrQueryFailed, r.service, r.nameserver, err)
	}

	// Each lookup writes only to its own slot, which keeps the SRV answer
	// order without any locking.
	slots := make([]netip.AddrPort, len(resp.Answer))
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(r.concurrency)
	for i, answer := range resp.Answer {
		grp.Go(func() error {
			if addr, ok := r.resolveAnswer(grpCtx, answer); ok {
				slots[i] = addr
			}
			return nil
		})
	}
	_ = grp.Wait()

	addrs := make([]netip.AddrPort, 0, len(slots))
	for _, addr := range slots {
		if addr.IsValid() {
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}

// resolveAnswer turns one SRV answer into an address. Failures are logged
// and reported as !ok; they never fail the enclosing Resolve.
func (r *DNSResolver) resolveAnswer(ctx context.Context, answer dns.RR) (netip.AddrPort, bool) {
	srv, ok := answer.(*dns.SRV)
	if !ok {
		r.logger.Warn("skipping answer: not an SRV record",
			zap.String("record", answer.String()))
		return netip.AddrPort{}, false
	}
	logger := r.logger.With(zap.String("target", srv.Target), zap.Uint16("port", srv.Port))

	resp, err := r.exchange(ctx, srv.Target, dns.TypeA)
	if err != nil {
		logger.Warn("skipping answer: A lookup failed", zap.Error(err))
		return netip.AddrPort{}, false
	}
	if len(resp.Answer) == 0 {
		logger.Warn("skipping answer: no A record for target")
		return netip.AddrPort{}, false
	}
	record, ok := resp.Answer[0].(*dns.A)
	if !ok {
		logger.Warn("skipping answer: first answer is not an A record",
			zap.String("record", resp.Answer[0].String()))
		return netip.AddrPort{}, false
	}
	ip, ok := netip.AddrFromSlice(record.A.To4())
	if !ok {
		logger.Warn("skipping answer: malformed A record",
			zap.String("record", record.String()))
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip, srv.Port), true
}

// exchange sends one query over UDP, retrying once over TCP when the UDP
// response is truncated. Responses with a reply code other than NOERROR
// are returned as *RcodeError.
func (r *DNSResolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	query := new(dns.Msg)
	query.SetQuestion(name, qtype)
	query.SetEdns0(r.udpSize, false)

	resp, _, err := r.udp.ExchangeContext(ctx, query, r.nameserver)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		r.logger.Debug("response truncated, retrying over TCP",
			zap.String("name", name),
			zap.String("type", dns.TypeToString[qtype]))
		resp, _, err = r.tcp.ExchangeContext(ctx, query, r.nameserver)
		if err != nil {
			return nil, err
		}
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, &RcodeError{Name: name, Qtype: qtype, Rcode: resp.Rcode}
	}
	return resp, nil
}

func normalizeNameserver(nameserver string) (string, error) {
	nameserver = strings.TrimSpace(nameserver)
	if nameserver == "" {
		return "", errors.New("nameserver must not be empty")
	}
	host, port, err := net.SplitHostPort(nameserver)
	if err != nil {
		// Without a port, only an IP literal (IPv6 optionally bracketed) or
		// a host name is accepted.
		host, port = nameserver, defaultDNSPort
		if inner, ok := strings.CutPrefix(host, "["); ok {
			inner, ok = strings.CutSuffix(inner, "]")
			if addr, parseErr := netip.ParseAddr(inner); !ok || parseErr != nil || !addr.Is6() {
				return "", fmt.Errorf("nameserver %q is not host or host:port", nameserver)
			}
			host = inner
		} else if strings.Contains(host, ":") {
			if _, parseErr := netip.ParseAddr(host); parseErr != nil {
				return "", fmt.Errorf("nameserver %q is not host or host:port", nameserver)
			}
		}
	}
	if !validHost(host) {
		return "", fmt.Errorf("nameserver %q has invalid host %q", nameserver, host)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("nameserver %q has invalid port: %w", nameserver, err)
	}
	return net.JoinHostPort(host, port), nil
}

// validHost reports whether host is an IP address or a plain host name made
// of letters, digits, hyphens, underscores and dots.
func validHost(host string) bool {
	if _, err := netip.ParseAddr(host); err == nil {
		return true
	}
	if host == "" {
		return false
	}
	if _, ok := dns.IsDomainName(host); !ok {
		return false
	}
	return !strings.ContainsFunc(host, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		case r == '-', r == '_', r == '.':
			return false
		default:
			return true
		}
	})
}

func normalizeServiceName(service string) (string, error) {
	service = strings.TrimSpace(service)
	if service == "" {
		return "", errors.New("service name must not be empty")
	}
	ascii, err := idna.Punycode.ToASCII(service)
	if err != nil {
		return "", fmt.Errorf("service name %q: %w", service, err)
	}
	name := dns.Fqdn(strings.ToLower(ascii))
	if _, ok := dns.IsDomainName(name); !ok {
		return "", fmt.Errorf("service name %q is not a valid domain name", service)
	}
	return name, nil
}
