/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package clock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var y2k = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNowAdvancesWithMonotonic(t *testing.T) {
	mono := clockwork.NewFakeClock()
	c := NewWithClockwork(y2k, mono)

	require.Equal(t, y2k, c.Now())

	mono.Advance(1500 * time.Millisecond)
	require.Equal(t, y2k.Add(1500*time.Millisecond), c.Now())
}

func TestApplyOffsetJump(t *testing.T) {
	mono := clockwork.NewFakeClock()
	c := NewWithClockwork(y2k, mono)

	mono.Advance(10 * time.Second)
	c.ApplyOffset(time.Hour)
	require.Equal(t, y2k.Add(10*time.Second).Add(time.Hour), c.Now())

	// negative corrections work the same way
	c.ApplyOffset(-time.Minute)
	mono.Advance(time.Second)
	require.Equal(t, y2k.Add(11*time.Second).Add(time.Hour).Add(-time.Minute), c.Now())
}

func TestApplyOffsetReanchors(t *testing.T) {
	mono := clockwork.NewFakeClock()
	c := NewWithClockwork(y2k, mono)

	before := c.Now()
	c.ApplyOffset(123 * time.Millisecond)
	mono.Advance(time.Millisecond)
	require.Equal(t, before.Add(123*time.Millisecond).Add(time.Millisecond), c.Now())
}

func TestNowMonotone(t *testing.T) {
	c := New(y2k)
	prev := c.Now()
	for i := 0; i < 10000; i++ {
		cur := c.Now()
		require.False(t, cur.Before(prev), "Now() went backwards: %v -> %v", prev, cur)
		prev = cur
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New(y2k)
	var wg sync.WaitGroup
	var wentBackwards atomic.Bool
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.ApplyOffset(time.Microsecond)
			}
		}()
		go func() {
			defer wg.Done()
			prev := c.Now()
			for j := 0; j < 1000; j++ {
				cur := c.Now()
				if cur.Before(prev) {
					wentBackwards.Store(true)
				}
				prev = cur
			}
		}()
	}
	wg.Wait()
	require.False(t, wentBackwards.Load(), "Now() went backwards under concurrent offsets")
	// 4 writers * 1000 offsets of 1us each
	require.GreaterOrEqual(t, c.Now().Sub(y2k), 4*time.Millisecond)
}

func TestElapsed(t *testing.T) {
	mono := clockwork.NewFakeClock()
	c := NewWithClockwork(y2k, mono)
	mono.Advance(42 * time.Second)
	// offsets move the clock but not the elapsed counter
	c.ApplyOffset(time.Hour)
	require.Equal(t, 42*time.Second, c.Elapsed())
}
