// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
)

// DispatchMethodUnary is the only DispatchInfo.MethodType this server produces.
const DispatchMethodUnary = "unary"

// DispatchHook provides observability callpoints around RPC dispatch.
// Implementations must be safe for concurrent use: connections are served
// concurrently.
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error)
}

// HookToken is an opaque value returned by OnDispatchStart and passed back to
// OnDispatchEnd. Only meaningful to the DispatchHook that created it.
type HookToken interface{}

// DispatchInfo carries method metadata passed to hooks.
type DispatchInfo struct {
	Method            string            // RPC method name
	MethodType        string            // DispatchMethodUnary
	ServerID          string            // Server identifier
	RequestID         string            // Client-supplied request identifier
	RemoteAddr        string            // Peer address, empty for stdio
	TransportMetadata map[string]string // Request batch custom metadata or HTTP headers
}

// CallStatistics holds per-call I/O counters.
type CallStatistics struct {
	InputBatches  int64
	OutputBatches int64
	InputRows     int64
	OutputRows    int64
	InputBytes    int64
	OutputBytes   int64
}

// RecordInput records one input batch with the given row count and buffer size.
func (s *CallStatistics) RecordInput(numRows, bufferBytes int64) {
	s.InputBatches++
	s.InputRows += numRows
	s.InputBytes += bufferBytes
}

// RecordOutput records one output batch with the given row count and buffer size.
func (s *CallStatistics) RecordOutput(numRows, bufferBytes int64) {
	s.OutputBatches++
	s.OutputRows += numRows
	s.OutputBytes += bufferBytes
}

// batchBufferSize returns the total buffer size in bytes across all columns
// in a record batch, child buffers of list columns included.
func batchBufferSize(batch arrow.RecordBatch) int64 {
	var total int64
	for i := int64(0); i < batch.NumCols(); i++ {
		total += dataBufferSize(batch.Column(int(i)).Data())
	}
	return total
}

func dataBufferSize(data arrow.ArrayData) int64 {
	var total int64
	for _, buf := range data.Buffers() {
		if buf != nil {
			total += int64(buf.Len())
		}
	}
	for _, child := range data.Children() {
		total += dataBufferSize(child)
	}
	return total
}
