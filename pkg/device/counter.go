// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package device

import "math"

// MaxForWidth returns the largest value a counter of the given bit width can
// hold. A width of 0 or anything >= 64 is treated as a full 64 bit counter.
func MaxForWidth(width uint) Energy {
	if width == 0 || width >= 64 {
		return math.MaxUint64
	}
	return Energy(1)<<width - 1
}

// WrapDelta returns the energy consumed between two readings of a counter
// whose largest value is maxValue. At most one wrap between the readings is
// accounted for.
func WrapDelta(current, snapshot, maxValue Energy) Energy {
	if current >= snapshot {
		return current - snapshot
	}
	// NOTE: with maxValue == MaxUint64 this relies on uint64 wraparound and still
	// yields current - snapshot modulo 2^64
	return (maxValue - snapshot) + current + 1
}

// WrapDeltaBits is WrapDelta for a counter that wraps at 2^width.
func WrapDeltaBits(current, snapshot Energy, width uint) Energy {
	return WrapDelta(current, snapshot, MaxForWidth(width))
}
