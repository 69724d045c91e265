// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vecmath

import (
	"runtime"
	"unsafe"
)

// checkedDot is the only caller of nativeDot. Both slices stay reachable
// until the kernel returns.
func checkedDot(v1, v2 []float32) (float32, error) {
	if len(v1) != len(v2) {
		return 0, ErrLengthMismatch
	}
	if len(v1) == 0 {
		return 0, nil
	}
	r := nativeDot(unsafe.Pointer(unsafe.SliceData(v1)), unsafe.Pointer(unsafe.SliceData(v2)), len(v1))
	runtime.KeepAlive(v1)
	runtime.KeepAlive(v2)
	return r, nil
}

// DotLoop is the straightforward index loop. Lengths must match.
func DotLoop(v1, v2 []float32) float32 {
	var sum float32
	for i := 0; i < len(v1); i++ {
		sum += v1[i] * v2[i]
	}
	return sum
}

// DotReduce accumulates four lanes independently and folds them at the end.
// Lengths must match.
func DotReduce(v1, v2 []float32) float32 {
	v2 = v2[:len(v1)]
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= len(v1); i += 4 {
		s0 += v1[i] * v2[i]
		s1 += v1[i+1] * v2[i+1]
		s2 += v1[i+2] * v2[i+2]
		s3 += v1[i+3] * v2[i+3]
	}
	for ; i < len(v1); i++ {
		s0 += v1[i] * v2[i]
	}
	return (s0 + s1) + (s2 + s3)
}
