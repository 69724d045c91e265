// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

//go:build cgokernel && cgo

package vecmath

/*
#include <stddef.h>

static float vgi_dot_product(const float *a, const float *b, size_t n) {
	float sum = 0.0f;
	for (size_t i = 0; i < n; i++) {
		sum += a[i] * b[i];
	}
	return sum;
}
*/
import "C"

import "unsafe"

const nativeKernel = "cgo"

// nativeDot calls the C loop. a and b must each point at n valid elements
// of Go memory that stays pinned for the duration of the call.
func nativeDot(a, b unsafe.Pointer, n int) float32 {
	return float32(C.vgi_dot_product((*C.float)(a), (*C.float)(b), C.size_t(n)))
}
