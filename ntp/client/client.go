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

/*
Package client implements an RFC 5905 client mode NTP probe and a
background sampler that periodically measures clock offset against a
pool of servers.

The local side of every exchange is read from the program clock, not
from the host clock: a sample measures "program clock vs server", and
the correction loop feeds back into the very clock the next query
reads from.
*/
package client

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/DamoyY/Khronos/ntp/protocol"
)

// TimeSource provides local time readings for a query.
// *clock.ProgramClock implements it. Using the host clock here would
// break the independence of the program clock, so don't.
type TimeSource interface {
	Now() time.Time
}

// ErrShortPacket is returned when a server response is smaller than
// the NTP packet size
var ErrShortPacket = errors.New("NTP response is too short")

// Sample is a single successful offset measurement
type Sample struct {
	Server string
	Offset time.Duration
	Delay  time.Duration
}

// Querier performs NTP queries using the program clock as the local
// time reference
type Querier struct {
	Port              int
	PacketSize        int
	RxTimestampOffset int
	TxTimestampOffset int

	clock TimeSource
}

// NewQuerier creates a Querier with standard RFC 5905 wire parameters
func NewQuerier(clock TimeSource) *Querier {
	return &Querier{
		Port:              123,
		PacketSize:        protocol.PacketSizeBytes,
		RxTimestampOffset: protocol.RxTimestampOffset,
		TxTimestampOffset: protocol.TxTimestampOffset,
		clock:             clock,
	}
}

// Query performs one NTP exchange with the server and returns the
// measured offset and round-trip delay.
//
// T1 is read from the program clock and T4 is derived from T1 plus the
// monotonic send-to-receive delta. Re-reading the program clock for T4
// would only advance it nominally, while the monotonic delta measures
// the actual wait.
func (q *Querier) Query(server string, timeout time.Duration) (*Sample, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(server, strconv.Itoa(q.Port)))
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", server, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %q: %w", server, err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	t1 := q.clock.Now()
	t1ts, err := protocol.TimestampFromTime(t1)
	if err != nil {
		return nil, fmt.Errorf("encoding T1: %w", err)
	}
	req := make([]byte, q.PacketSize)
	req[0] = protocol.ClientSettings
	copy(req[q.TxTimestampOffset:], t1ts.Bytes())

	sendMono := time.Now()
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("sending request to %q: %w", server, err)
	}
	resp := make([]byte, q.PacketSize)
	n, err := conn.Read(resp)
	recvMono := time.Now()
	if err != nil {
		return nil, fmt.Errorf("reading response from %q: %w", server, err)
	}
	if n < q.PacketSize {
		return nil, fmt.Errorf("got %d bytes from %q: %w", n, server, ErrShortPacket)
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		if packet, err := protocol.BytesToPacket(resp); err == nil {
			log.Debugf("response from %q: stratum %d, refid 0x%08x", server, packet.Stratum, packet.ReferenceID)
		}
	}

	t2, err := protocol.TimestampFromBytes(resp[q.RxTimestampOffset : q.RxTimestampOffset+protocol.TimestampSizeBytes]).Time()
	if err != nil {
		return nil, fmt.Errorf("decoding T2: %w", err)
	}
	t3, err := protocol.TimestampFromBytes(resp[q.TxTimestampOffset : q.TxTimestampOffset+protocol.TimestampSizeBytes]).Time()
	if err != nil {
		return nil, fmt.Errorf("decoding T3: %w", err)
	}
	t4 := t1.Add(recvMono.Sub(sendMono))

	return &Sample{
		Server: server,
		Offset: protocol.Offset(t1, t2, t3, t4),
		Delay:  protocol.Delay(t1, t2, t3, t4),
	}, nil
}

// IsTimeout reports whether err was caused by an I/O deadline
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
