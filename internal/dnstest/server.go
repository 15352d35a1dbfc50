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

// Package dnstest provides a DNS server for tests. It answers from a fixed
// table of responses on a single loopback port, over both UDP and TCP.
//
// The shape of the server, one miekg/dns handler shared by a UDP and a TCP
// listener on the same port, follows the dnstest package of
// github.com/linkdata/recursive.
package dnstest

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Response describes how the server answers one question.
type Response struct {
	// Answer is copied into the answer section of the reply.
	Answer []dns.RR
	// Rcode is the reply code. Defaults to RcodeSuccess.
	Rcode int
	// Truncated sets the TC bit and strips the answer section on UDP
	// replies. TCP replies are always complete.
	Truncated bool
	// Drop causes the server to ignore the request, simulating a timeout.
	Drop bool
	// Delay is applied before answering.
	Delay time.Duration
}

// Server is a DNS server that serves canned responses.
type Server struct {
	// Addr is the host:port the server listens on for both UDP and TCP.
	Addr string

	responses map[string]*Response
	udp       *dns.Server
	tcp       *dns.Server

	mu     sync.Mutex
	counts map[string]int
}

// NewServer starts a server on 127.0.0.1 with a random port. Questions
// that have no entry in responses get NXDOMAIN.
func NewServer(responses map[string]*Response) (*Server, error) {
	udpConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	tcpListener, err := net.Listen("tcp", udpConn.LocalAddr().String())
	if err != nil {
		_ = udpConn.Close()
		return nil, err
	}

	s := &Server{
		Addr:      udpConn.LocalAddr().String(),
		responses: responses,
		counts:    make(map[string]int),
	}
	handler := dns.HandlerFunc(s.handle)
	s.udp = &dns.Server{PacketConn: udpConn, Handler: handler}
	s.tcp = &dns.Server{Listener: tcpListener, Handler: handler}

	go s.udp.ActivateAndServe() //nolint:errcheck
	go s.tcp.ActivateAndServe() //nolint:errcheck

	return s, nil
}

// Close shuts down both listeners.
func (s *Server) Close() {
	_ = s.udp.Shutdown()
	_ = s.tcp.Shutdown()
}

// Count reports how many queries for name and qtype arrived over network,
// which is "udp" or "tcp".
func (s *Server) Count(network, name string, qtype uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[network+" "+Key(name, qtype)]
}

func (s *Server) handle(w dns.ResponseWriter, req *dns.Msg) {
	if len(req.Question) == 0 {
		_ = w.Close()
		return
	}
	question := req.Question[0]
	key := Key(question.Name, question.Qtype)
	network := w.LocalAddr().Network()

	s.mu.Lock()
	s.counts[network+" "+key]++
	s.mu.Unlock()

	reply := new(dns.Msg)
	reply.SetReply(req)
	resp, ok := s.responses[key]
	if !ok {
		reply.Rcode = dns.RcodeNameError
		_ = w.WriteMsg(reply)
		return
	}
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	if resp.Drop {
		return
	}
	reply.Rcode = resp.Rcode
	if resp.Truncated && network == "udp" {
		reply.Truncated = true
	} else {
		reply.Answer = append(reply.Answer, resp.Answer...)
	}
	_ = w.WriteMsg(reply)
}

// Key returns the map key for a question name and type. Names are
// compared case-insensitively and must be fully qualified.
func Key(name string, qtype uint16) string {
	return strings.ToLower(dns.Fqdn(name)) + "/" + strconv.FormatUint(uint64(qtype), 10)
}
