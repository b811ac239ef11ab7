// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

package uffd

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	descFaultsTotal = prometheus.NewDesc(
		"bigcache_faults_total",
		"Total page faults handled by the fault server.",
		nil, nil)
	descCacheHits = prometheus.NewDesc(
		"bigcache_fault_cache_hits_total",
		"Page faults resolved from cached content.",
		nil, nil)
	descCacheMisses = prometheus.NewDesc(
		"bigcache_fault_cache_misses_total",
		"Page faults with no cached content and zero fill disabled.",
		nil, nil)
	descZeroFills = prometheus.NewDesc(
		"bigcache_fault_zero_fills_total",
		"Page faults resolved with a zero page.",
		nil, nil)
	descCopyErrors = prometheus.NewDesc(
		"bigcache_fault_copy_errors_total",
		"Page installs rejected by the kernel.",
		nil, nil)
	descHandleSeconds = prometheus.NewDesc(
		"bigcache_fault_handle_seconds_total",
		"Cumulative time spent handling page faults.",
		nil, nil)
	descRegions = prometheus.NewDesc(
		"bigcache_registered_regions",
		"Memory regions currently registered for fault serving.",
		nil, nil)
)

// collector exposes a Server's fault counters as prometheus metrics.
type collector struct {
	server *Server
}

// NewCollector creates a prometheus collector reading s's counters at
// gather time.
func NewCollector(s *Server) prometheus.Collector {
	return &collector{server: s}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descFaultsTotal
	ch <- descCacheHits
	ch <- descCacheMisses
	ch <- descZeroFills
	ch <- descCopyErrors
	ch <- descHandleSeconds
	ch <- descRegions
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	st := c.server.Stats()

	ch <- prometheus.MustNewConstMetric(descFaultsTotal,
		prometheus.CounterValue, float64(st.TotalFaults))
	ch <- prometheus.MustNewConstMetric(descCacheHits,
		prometheus.CounterValue, float64(st.CacheHits))
	ch <- prometheus.MustNewConstMetric(descCacheMisses,
		prometheus.CounterValue, float64(st.CacheMisses))
	ch <- prometheus.MustNewConstMetric(descZeroFills,
		prometheus.CounterValue, float64(st.ZeroFills))
	ch <- prometheus.MustNewConstMetric(descCopyErrors,
		prometheus.CounterValue, float64(st.CopyErrors))
	ch <- prometheus.MustNewConstMetric(descHandleSeconds,
		prometheus.CounterValue, st.TotalHandleTime.Seconds())
	ch <- prometheus.MustNewConstMetric(descRegions,
		prometheus.GaugeValue, float64(len(c.server.Regions())))
}
