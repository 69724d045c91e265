// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vecmath

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDotProductComputesProduct(t *testing.T) {
	result, err := DotProduct([]float32{1, 2, 3}, []float32{4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, float32(32), result)
}

func TestDotProductLengthMismatch(t *testing.T) {
	_, err := DotProduct([]float32{1, 2}, []float32{1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLengthMismatch))
	assert.Equal(t, CodeLengthMismatch, CodeOf(err))
	assert.Equal(t, "VectorServiceError: code=1, message=vectors must have the same length", err.Error())
}

func TestDotProductEmptyVectors(t *testing.T) {
	result, err := DotProduct(nil, []float32{})
	require.NoError(t, err)
	assert.Equal(t, float32(0), result)
}

func TestDotProductPropagatesNaNAndInf(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	r, err := DotProduct([]float32{nan, 1}, []float32{1, 1})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(r)))

	r, err = DotProduct([]float32{inf, 1}, []float32{1, 1})
	require.NoError(t, err)
	assert.True(t, math.IsInf(float64(r), 1))
}

func TestDotProductIsIdempotent(t *testing.T) {
	v1 := []float32{0.1, -2.5, 3.75, 1e-3}
	v2 := []float32{4, 0.5, -1, 1e3}
	first, err := DotProduct(v1, v2)
	require.NoError(t, err)
	for range 10 {
		again, err := DotProduct(v1, v2)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSqrtChecked(t *testing.T) {
	r, err := SqrtChecked(25)
	require.NoError(t, err)
	assert.Equal(t, float32(5), r)

	r, err = SqrtChecked(float32(math.Copysign(0, -1)))
	require.NoError(t, err)
	assert.Equal(t, float32(0), r)
	assert.True(t, math.Signbit(float64(r)), "-0 keeps its sign")

	_, err = SqrtChecked(-1)
	assert.Equal(t, CodeInvalidRadicand, CodeOf(err))
	assert.Equal(t, "VectorServiceError: code=2, message=sqrt called with a strictly negative number", err.Error())

	_, err = SqrtChecked(float32(math.Inf(-1)))
	assert.ErrorIs(t, err, ErrInvalidRadicand)
}

func TestSqrtCheckedPassesNaNThrough(t *testing.T) {
	r, err := SqrtChecked(float32(math.NaN()))
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(r)))
}

func TestVectorNorm(t *testing.T) {
	r, err := VectorNorm([]float32{3, 4})
	require.NoError(t, err)
	assert.Equal(t, float32(5), r)

	v := []float32{1, 2, 3, 4, 5}
	d, err := DotProduct(v, v)
	require.NoError(t, err)
	n, err := VectorNorm(v)
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt(float64(d)), float64(n), 1e-6)

	r, err = VectorNorm(nil)
	require.NoError(t, err)
	assert.Equal(t, float32(0), r)
}

func TestVectorNormNaNPassThrough(t *testing.T) {
	r, err := VectorNorm([]float32{float32(math.NaN()), 1})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(r)))
}

func randomVector(r *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(r.Float64()*200 - 100)
	}
	return out
}

func TestSelfDotAndNormOnRandomVectors(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for range 500 {
		v := randomVector(r, r.IntN(300))

		d, err := DotProduct(v, v)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, d, float32(0), "dot(v,v) len=%d", len(v))

		n, err := VectorNorm(v)
		require.NoError(t, err)
		if d == 0 {
			assert.Zero(t, n)
			continue
		}
		assert.InEpsilon(t, math.Sqrt(float64(d)), float64(n), 1e-6, "len=%d", len(v))
		assert.InEpsilon(t, float64(d), float64(DotLoop(v, v)), 1e-4, "loop len=%d", len(v))
		assert.InEpsilon(t, float64(d), float64(DotReduce(v, v)), 1e-4, "reduce len=%d", len(v))
	}
}

func constVector(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestKernelsAgree(t *testing.T) {
	for _, n := range []int{64, 256, 1024} {
		v1 := constVector(n, 1.0)
		v2 := constVector(n, 2.0)

		native, err := checkedDot(v1, v2)
		require.NoError(t, err)
		loop := DotLoop(v1, v2)
		reduce := DotReduce(v1, v2)

		want := float64(2 * n)
		assert.InEpsilon(t, want, float64(native), 1e-4, "native n=%d", n)
		assert.InEpsilon(t, want, float64(loop), 1e-4, "loop n=%d", n)
		assert.InEpsilon(t, want, float64(reduce), 1e-4, "reduce n=%d", n)
	}
}

func TestDotReduceHandlesTail(t *testing.T) {
	v1 := []float32{1, 2, 3, 4, 5, 6, 7}
	v2 := []float32{1, 1, 1, 1, 1, 1, 1}
	assert.Equal(t, float32(28), DotReduce(v1, v2))
	assert.Equal(t, float32(28), DotLoop(v1, v2))
}

func TestKernelName(t *testing.T) {
	assert.Contains(t, []string{"go", "cgo"}, Kernel())
}
