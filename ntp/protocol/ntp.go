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
Package protocol implements the NTPv4 (RFC 5905) wire format used in
client mode: the 48-byte packet, the 64-bit era timestamps and the
four-timestamp offset/delay math.
*/
package protocol

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// UnixEpochDiff is the difference between the NTP era (1 Jan 1900)
// and the Unix epoch (1 Jan 1970) in seconds.
const UnixEpochDiff = 2208988800

// TimestampSizeBytes is the size of a wire timestamp: 32-bit seconds
// plus 32-bit binary fraction, both big-endian.
const TimestampSizeBytes = 8

var (
	// ErrTimestampDecode is returned when an NTP timestamp falls before
	// the Unix epoch and can't be represented as time.Time
	ErrTimestampDecode = errors.New("NTP timestamp is earlier than Unix epoch")
	// ErrTimestampOverflow is returned when a time value doesn't fit
	// into the 32-bit NTP seconds field
	ErrTimestampOverflow = errors.New("time value is out of NTP timestamp range")
)

// Timestamp is a 64-bit NTP timestamp: seconds since 1 Jan 1900 UTC
// and a binary fraction of a second.
type Timestamp struct {
	Seconds  uint32
	Fraction uint32
}

// TimestampFromTime converts t to NTP format.
// Times before the Unix epoch or past the end of NTP era 0 are rejected.
func TimestampFromTime(t time.Time) (Timestamp, error) {
	secs := t.Unix()
	if secs < 0 {
		return Timestamp{}, ErrTimestampOverflow
	}
	ntpSecs := uint64(secs) + UnixEpochDiff
	if ntpSecs > math.MaxUint32 {
		return Timestamp{}, ErrTimestampOverflow
	}
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return Timestamp{Seconds: uint32(ntpSecs), Fraction: uint32(frac)}, nil
}

// Time converts the timestamp to UTC time.Time
func (t Timestamp) Time() (time.Time, error) {
	if t.Seconds < UnixEpochDiff {
		return time.Time{}, ErrTimestampDecode
	}
	nanos := (uint64(t.Fraction) * uint64(time.Second)) >> 32
	return time.Unix(int64(t.Seconds)-UnixEpochDiff, int64(nanos)).UTC(), nil
}

// Bytes returns the timestamp in wire format
func (t Timestamp) Bytes() []byte {
	b := make([]byte, TimestampSizeBytes)
	binary.BigEndian.PutUint32(b[0:4], t.Seconds)
	binary.BigEndian.PutUint32(b[4:8], t.Fraction)
	return b
}

// TimestampFromBytes parses a wire format timestamp
func TimestampFromBytes(b []byte) Timestamp {
	return Timestamp{
		Seconds:  binary.BigEndian.Uint32(b[0:4]),
		Fraction: binary.BigEndian.Uint32(b[4:8]),
	}
}

// Offset calculates the clock offset between client and server from the
// four timestamps of an exchange: client transmit (t1), server receive (t2),
// server transmit (t3) and client receive (t4). RFC 5905 section 8.
func Offset(t1, t2, t3, t4 time.Time) time.Duration {
	return (t2.Sub(t1) + t3.Sub(t4)) / 2
}

// Delay calculates the round-trip network delay, excluding server
// processing time, from the four timestamps of an exchange.
func Delay(t1, t2, t3, t4 time.Time) time.Duration {
	return t4.Sub(t1) - t3.Sub(t2)
}
