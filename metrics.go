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
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultSuccess = "success"
	resultEmpty   = "empty"
	resultError   = "error"
)

type metrics struct {
	// refreshes counts background refreshes by outcome.
	refreshes *prometheus.CounterVec
	// addresses gauges the size of the cached address sets of all pools
	// sharing the collector.
	addresses prometheus.Gauge
	// resolveDuration observes every call to the resolver, including the
	// initial one made by Run.
	resolveDuration prometheus.Histogram
}

func newMetrics(registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolverpool_refreshes_total",
			Help: "Total number of background refreshes, by result",
		}, []string{"result"}),
		addresses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "resolverpool_addresses",
			Help: "Number of addresses currently cached, summed over pools",
		}),
		resolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "resolverpool_resolve_duration_seconds",
			Help:    "Time taken by the resolver to produce a result (in seconds)",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	if registerer == nil {
		return m, nil
	}
	var err error
	if m.refreshes, err = register(registerer, m.refreshes); err != nil {
		return nil, err
	}
	if m.addresses, err = register(registerer, m.addresses); err != nil {
		return nil, err
	}
	if m.resolveDuration, err = register(registerer, m.resolveDuration); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers collector, or returns the equivalent collector that is
// already registered.
func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) (C, error) {
	err := registerer.Register(collector)
	if err == nil {
		return collector, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return collector, err
}
