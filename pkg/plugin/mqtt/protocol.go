// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"encoding/binary"
	"fmt"

	"github.com/energy-measurement/ema/pkg/device"
)

// ProtocolVersion is the only header version understood
const ProtocolVersion = 1

// device type byte of a header entry
const (
	typeUnknown byte = iota
	typeCPU
	typeGPU
	typeDRAM
	typeNode
)

// Announcement is one device entry of a header message
type Announcement struct {
	Name  string
	Topic string
	Type  byte
}

func (a Announcement) Kind() device.Kind {
	switch a.Type {
	case typeCPU:
		return device.KindCPU
	case typeGPU:
		return device.KindGPU
	case typeDRAM:
		return device.KindDRAM
	case typeNode:
		return device.KindNode
	default:
		return device.KindUnknown
	}
}

// Sample is the payload of an energy message
type Sample struct {
	// Energy is the publisher's cumulative counter
	Energy device.Energy
	// Time is the publisher's timestamp in microseconds
	Time uint64
}

const sampleSize = 16

// ParseHeader decodes a little endian header message:
//
//	u8 version | u16 count | count * (u64 len | name | u64 len | topic | u8 type)
func ParseHeader(b []byte) ([]Announcement, error) {
	if len(b) < 3 {
		return nil, fmt.Errorf("header too short: %d bytes", len(b))
	}
	if b[0] != ProtocolVersion {
		return nil, fmt.Errorf("unsupported header version %d, want %d", b[0], ProtocolVersion)
	}
	count := int(binary.LittleEndian.Uint16(b[1:3]))
	r := reader{buf: b, off: 3}

	out := make([]Announcement, 0, count)
	for i := range count {
		name, err := r.str()
		if err != nil {
			return nil, fmt.Errorf("device %d name: %w", i, err)
		}
		topic, err := r.str()
		if err != nil {
			return nil, fmt.Errorf("device %d topic: %w", i, err)
		}
		typ, err := r.u8()
		if err != nil {
			return nil, fmt.Errorf("device %d type: %w", i, err)
		}
		out = append(out, Announcement{Name: name, Topic: topic, Type: typ})
	}
	return out, nil
}

// EncodeHeader is the inverse of ParseHeader
func EncodeHeader(devices []Announcement) []byte {
	b := []byte{ProtocolVersion}
	b = binary.LittleEndian.AppendUint16(b, uint16(len(devices)))
	for _, d := range devices {
		b = binary.LittleEndian.AppendUint64(b, uint64(len(d.Name)))
		b = append(b, d.Name...)
		b = binary.LittleEndian.AppendUint64(b, uint64(len(d.Topic)))
		b = append(b, d.Topic...)
		b = append(b, d.Type)
	}
	return b
}

// ParseSample decodes a little endian energy message: u64 energy_uj | u64 time_us
func ParseSample(b []byte) (Sample, error) {
	if len(b) < sampleSize {
		return Sample{}, fmt.Errorf("energy message too short: %d bytes", len(b))
	}
	return Sample{
		Energy: device.Energy(binary.LittleEndian.Uint64(b[0:8])),
		Time:   binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

func EncodeSample(s Sample) []byte {
	b := binary.LittleEndian.AppendUint64(nil, uint64(s.Energy))
	return binary.LittleEndian.AppendUint64(b, s.Time)
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) u8() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, fmt.Errorf("truncated at offset %d", r.off)
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) str() (string, error) {
	if len(r.buf)-r.off < 8 {
		return "", fmt.Errorf("truncated length at offset %d", r.off)
	}
	n := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	if n > uint64(len(r.buf)-r.off) {
		return "", fmt.Errorf("length %d exceeds remaining %d bytes", n, len(r.buf)-r.off)
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}
