// Copyright (C) 2020  Lukas Dietrich <lukas@lukasdietrich.com>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package reconcile

import (
	"sort"
	"sync"
)

// tracker derives the cursor position from events completing out of order. Events of different
// subjects are applied concurrently, but the cursor may only cover a sequence once every event
// at or below it is applied. The tracker keeps the set of in-flight sequences and advances a
// contiguous low watermark as they complete.
type tracker struct {
	mu        sync.Mutex
	order     []int64
	tokens    map[int64]string
	done      map[int64]bool
	watermark int64
}

// newTracker creates a tracker. Sequences at or below the start are considered applied.
func newTracker(start int64) *tracker {
	return &tracker{
		tokens:    make(map[int64]string),
		done:      make(map[int64]bool),
		watermark: start,
	}
}

// Observe registers an in-flight sequence. It reports false for sequences that are already
// covered, in flight or done, so redelivered duplicates can be dropped.
func (t *tracker) Observe(sequence int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sequence <= t.watermark || t.done[sequence] {
		return false
	}

	if _, inFlight := t.tokens[sequence]; inFlight {
		return false
	}

	t.insert(sequence)
	t.tokens[sequence] = ""

	return true
}

// Complete marks a sequence as applied. It returns the new watermark position and its resume
// token, when the watermark advanced. Completing an unobserved sequence observes it on the fly,
// which happens when a parked event is redelivered before the listener replayed it.
func (t *tracker) Complete(sequence int64, token string) (int64, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sequence <= t.watermark || t.done[sequence] {
		return 0, "", false
	}

	if _, inFlight := t.tokens[sequence]; !inFlight {
		t.insert(sequence)
	}

	t.tokens[sequence] = token
	t.done[sequence] = true

	var (
		markToken string
		advanced  bool
	)

	for len(t.order) > 0 && t.done[t.order[0]] {
		t.watermark = t.order[0]
		markToken = t.tokens[t.watermark]
		advanced = true

		delete(t.tokens, t.watermark)
		delete(t.done, t.watermark)
		t.order = t.order[1:]
	}

	return t.watermark, markToken, advanced
}

func (t *tracker) insert(sequence int64) {
	i := sort.Search(len(t.order), func(i int) bool {
		return t.order[i] >= sequence
	})

	t.order = append(t.order, 0)
	copy(t.order[i+1:], t.order[i:])
	t.order[i] = sequence
}
