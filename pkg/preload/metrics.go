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

package preload

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	descIntercepted = prometheus.NewDesc(
		"bigcache_mmaps_intercepted_total",
		"mmap requests redirected to demand-paged cache memory.",
		nil, nil)
	descBypassed = prometheus.NewDesc(
		"bigcache_mmaps_bypassed_total",
		"mmap requests passed through to the kernel unchanged.",
		nil, nil)
	descBytesRedirected = prometheus.NewDesc(
		"bigcache_mmap_bytes_redirected_total",
		"Bytes of mappings served from the cache instead of files.",
		nil, nil)
	descStoreHits = prometheus.NewDesc(
		"bigcache_store_lookup_hits_total",
		"Page lookups satisfied by the cache container.",
		nil, nil)
	descStoreMisses = prometheus.NewDesc(
		"bigcache_store_lookup_misses_total",
		"Page lookups with no entry in the cache container.",
		nil, nil)
)

type collector struct {
	i *Interceptor
}

// NewCollector creates a prometheus collector reading the interception
// and store counters at gather time.
func NewCollector(i *Interceptor) prometheus.Collector {
	return &collector{i: i}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descIntercepted
	ch <- descBypassed
	ch <- descBytesRedirected
	ch <- descStoreHits
	ch <- descStoreMisses
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	st := c.i.Stats()
	ch <- prometheus.MustNewConstMetric(descIntercepted,
		prometheus.CounterValue, float64(st.Intercepted))
	ch <- prometheus.MustNewConstMetric(descBypassed,
		prometheus.CounterValue, float64(st.Bypassed))
	ch <- prometheus.MustNewConstMetric(descBytesRedirected,
		prometheus.CounterValue, float64(st.BytesRedirected))

	ss := c.i.Store().Stats()
	ch <- prometheus.MustNewConstMetric(descStoreHits,
		prometheus.CounterValue, float64(ss.Hits))
	ch <- prometheus.MustNewConstMetric(descStoreMisses,
		prometheus.CounterValue, float64(ss.Misses))
}
