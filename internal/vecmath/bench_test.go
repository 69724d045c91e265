// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vecmath

import (
	"fmt"
	"testing"
)

var benchSink float32

func benchmarkKernel(b *testing.B, dot func(v1, v2 []float32) float32) {
	for _, n := range []int{64, 256, 1024} {
		v1 := constVector(n, 1.0)
		v2 := constVector(n, 2.0)
		b.Run(fmt.Sprintf("n=%d", n), func(b *testing.B) {
			b.SetBytes(int64(n) * 8)
			for b.Loop() {
				benchSink = dot(v1, v2)
			}
		})
	}
}

func BenchmarkDotLoop(b *testing.B) {
	benchmarkKernel(b, DotLoop)
}

func BenchmarkDotReduce(b *testing.B) {
	benchmarkKernel(b, DotReduce)
}

func BenchmarkDotNative(b *testing.B) {
	benchmarkKernel(b, func(v1, v2 []float32) float32 {
		r, _ := checkedDot(v1, v2)
		return r
	})
}
