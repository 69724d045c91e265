// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

//go:build !cgokernel || !cgo

package vecmath

import "unsafe"

const nativeKernel = "go"

// nativeDot reads n float32 values from each of a and b. It performs no
// checks; a and b must each point at n valid elements.
func nativeDot(a, b unsafe.Pointer, n int) float32 {
	const size = unsafe.Sizeof(float32(0))
	var sum float32
	for i := 0; i < n; i++ {
		off := uintptr(i) * size
		sum += *(*float32)(unsafe.Add(a, off)) * *(*float32)(unsafe.Add(b, off))
	}
	return sum
}
