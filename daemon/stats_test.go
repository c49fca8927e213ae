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

package daemon

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatsCounters(t *testing.T) {
	s := NewStats()
	s.SetState(StateRunning)
	s.IncSyncs()
	s.IncSyncs()
	s.IncSyncErrors()
	s.IncInitialSyncRetries()

	sum := s.Summary()
	require.Equal(t, int64(2), sum.Syncs)
	require.Equal(t, int64(1), sum.SyncErrors)
	require.Equal(t, int64(1), sum.InitialSyncRetries)
}

func TestStatsObserveSample(t *testing.T) {
	s := NewStats()
	s.ObserveSample(0.010, 0.002, 0.0099, 1.5, 5e-10)
	s.ObserveSample(0.012, 0.004, 0.0101, 1.2, 4e-10)

	sum := s.Summary()
	require.Equal(t, int64(2), sum.Samples)
	require.InDelta(t, 0.011, sum.OffsetMean, 1e-9)
	require.InDelta(t, 0.003, sum.DelayMean, 1e-9)
	require.Equal(t, 0.0101, sum.LastSmoothed)
	require.Equal(t, 1.2, sum.LastDriftPPM)
	require.Equal(t, 4e-10, sum.LastQ)
}

func TestStatsJSONExport(t *testing.T) {
	s := NewStats()
	s.SetState(StateRunning)
	s.IncSyncs()
	s.ObserveSample(0.010, 0.002, 0.0099, 1.5, 5e-10)
	s.SetCounter("process.rss", 1024)

	rec := httptest.NewRecorder()
	s.handleRequest(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, float64(StateRunning), got["state"])
	require.Equal(t, 1.0, got["syncs"])
	require.Equal(t, 0.010, got["measured_offset_sec"])
	require.Equal(t, 1024.0, got["process.rss"])
}

func TestSysStatsCollect(t *testing.T) {
	s := NewStats()
	updateSysStats(&SysStats{}, s)

	got := s.toMap()
	require.Contains(t, got, "runtime.cpu.goroutines")
	require.Greater(t, got["runtime.cpu.goroutines"], 0.0)
	require.Contains(t, got, "runtime.mem.alloc")
}
