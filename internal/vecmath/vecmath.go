// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package vecmath holds the float32 vector kernels and the checked entry
// points the RPC handlers call.
package vecmath

import "math"

// Kernel names the native routine compiled in: "go" or "cgo".
func Kernel() string { return nativeKernel }

// DotProduct returns the inner product of v1 and v2. NaN and Inf propagate.
func DotProduct(v1, v2 []float32) (float32, error) {
	return checkedDot(v1, v2)
}

// SqrtChecked returns the square root of x. Strictly negative input,
// -Inf included, is rejected; NaN yields NaN and -0 yields -0.
func SqrtChecked(x float32) (float32, error) {
	if x < 0 {
		return 0, ErrInvalidRadicand
	}
	return float32(math.Sqrt(float64(x))), nil
}

// VectorNorm returns the Euclidean norm of v.
func VectorNorm(v []float32) (float32, error) {
	d, err := DotProduct(v, v)
	if err != nil {
		return 0, err
	}
	return SqrtChecked(d)
}
