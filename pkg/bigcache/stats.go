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

package bigcache

import "sync/atomic"

// Stats is a snapshot of the store's lookup counters.
type Stats struct {
	Hits        uint64
	Misses      uint64
	BytesServed uint64
}

// HitRate returns the fraction of lookups that hit, or 0 when no
// lookups have happened.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns a snapshot of the lookup counters.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:        atomic.LoadUint64(&s.hits),
		Misses:      atomic.LoadUint64(&s.misses),
		BytesServed: atomic.LoadUint64(&s.bytesServed),
	}
}

// ResetStats zeroes the lookup counters.
func (s *Store) ResetStats() {
	atomic.StoreUint64(&s.hits, 0)
	atomic.StoreUint64(&s.misses, 0)
	atomic.StoreUint64(&s.bytesServed, 0)
}
