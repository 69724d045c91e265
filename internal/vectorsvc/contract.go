// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package vectorsvc is the vector service: two unary vgi_rpc methods, the
// server-side handlers that run them and the client that calls them.
package vectorsvc

// Wire method names.
const (
	MethodDotProduct = "dot_product"
	MethodVectorNorm = "vector_norm"
)

// DefaultAddress is where the server listens and the client dials unless
// configured otherwise.
const DefaultAddress = "127.0.0.1:50051"

// DotProductRequest carries the two operands of dot_product. The response is
// a single float32 "result" column.
type DotProductRequest struct {
	Vector1 []float32 `vgirpc:"vector1"`
	Vector2 []float32 `vgirpc:"vector2"`
}

// VectorNormRequest carries the operand of vector_norm. The response is a
// single float32 "result" column.
type VectorNormRequest struct {
	Vector []float32 `vgirpc:"vector"`
}
