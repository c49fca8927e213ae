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

package client

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DamoyY/Khronos/clock"
	"github.com/DamoyY/Khronos/ntp/protocol"
)

var y2k = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeServer runs a loopback NTP responder and returns its port.
// handler gets the raw request and returns the raw response; nil means
// don't respond.
func fakeServer(t *testing.T, handler func(req []byte) []byte) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, protocol.PacketSizeBytes)
		for {
			n, remAddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if resp := handler(buf[:n]); resp != nil {
				_, _ = conn.WriteToUDP(resp, remAddr)
			}
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// echoHandler replies with T2 = T3 = T1 + shift, emulating a server
// whose clock is ahead of ours by shift with zero processing time.
// Malformed requests get no response, which surfaces as a timeout in
// the test.
func echoHandler(t *testing.T, shift time.Duration) func(req []byte) []byte {
	return func(req []byte) []byte {
		if len(req) != protocol.PacketSizeBytes || req[0] != protocol.ClientSettings {
			return nil
		}
		t1ts := protocol.TimestampFromBytes(req[protocol.TxTimestampOffset : protocol.TxTimestampOffset+protocol.TimestampSizeBytes])
		t1, err := t1ts.Time()
		if err != nil {
			return nil
		}
		ts, err := protocol.TimestampFromTime(t1.Add(shift))
		if err != nil {
			return nil
		}
		resp := &protocol.Packet{
			Settings:   0x24,
			Stratum:    1,
			RxTimeSec:  ts.Seconds,
			RxTimeFrac: ts.Fraction,
			TxTimeSec:  ts.Seconds,
			TxTimeFrac: ts.Fraction,
		}
		b, err := resp.Bytes()
		if err != nil {
			return nil
		}
		return b
	}
}

func testQuerier(t *testing.T, handler func(req []byte) []byte) *Querier {
	q := NewQuerier(clock.New(y2k))
	q.Port = fakeServer(t, handler)
	return q
}

func TestQueryOffset(t *testing.T) {
	q := testQuerier(t, echoHandler(t, 100*time.Millisecond))
	sample, err := q.Query("127.0.0.1", time.Second)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", sample.Server)
	// server is 100ms ahead; loopback round trip eats into the offset
	// by delay/2, so allow generous slack
	require.InDelta(t, float64(100*time.Millisecond), float64(sample.Offset), float64(50*time.Millisecond))
	require.GreaterOrEqual(t, sample.Delay, time.Duration(0))
	require.Less(t, sample.Delay, 100*time.Millisecond)
}

func TestQueryNegativeOffset(t *testing.T) {
	q := testQuerier(t, echoHandler(t, -250*time.Millisecond))
	sample, err := q.Query("127.0.0.1", time.Second)
	require.NoError(t, err)
	require.InDelta(t, float64(-250*time.Millisecond), float64(sample.Offset), float64(50*time.Millisecond))
}

func TestQueryShortPacket(t *testing.T) {
	q := testQuerier(t, func(req []byte) []byte {
		return make([]byte, 20)
	})
	_, err := q.Query("127.0.0.1", time.Second)
	require.ErrorIs(t, err, ErrShortPacket)
}

func TestQueryTimestampDecodeError(t *testing.T) {
	q := testQuerier(t, func(req []byte) []byte {
		// timestamps of an all-zero response precede the Unix epoch
		return make([]byte, protocol.PacketSizeBytes)
	})
	_, err := q.Query("127.0.0.1", time.Second)
	require.ErrorIs(t, err, protocol.ErrTimestampDecode)
}

func TestQueryTimeout(t *testing.T) {
	q := testQuerier(t, func(req []byte) []byte {
		return nil
	})
	_, err := q.Query("127.0.0.1", 50*time.Millisecond)
	require.Error(t, err)
	require.True(t, IsTimeout(err))
}

func TestQueryResolveError(t *testing.T) {
	q := NewQuerier(clock.New(y2k))
	_, err := q.Query("no.such.host.invalid", 50*time.Millisecond)
	require.Error(t, err)
	require.False(t, IsTimeout(err))
}

func TestQueryEncodeOverflow(t *testing.T) {
	// a program clock sitting before the Unix epoch can't produce T1
	q := NewQuerier(clock.New(time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC)))
	q.Port = fakeServer(t, echoHandler(t, 0))
	_, err := q.Query("127.0.0.1", 50*time.Millisecond)
	require.ErrorIs(t, err, protocol.ErrTimestampOverflow)
}
