// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package vgirpc implements both ends of the vgi_rpc protocol, an Apache
// Arrow IPC-based RPC framework, restricted to unary calls.
//
// Every request and every response is one complete Arrow IPC stream. The
// request stream carries a single one-row RecordBatch whose columns are the
// method parameters and whose custom metadata carries the method name,
// protocol version, request ID and any caller-supplied metadata (for
// example W3C trace context). The response stream carries zero or more log
// batches followed by either the result batch (a single "result" column) or
// an EXCEPTION-level error batch.
//
// # Servers
//
// Register methods on a [Server] with [Unary] or [UnaryVoid]; parameters are
// Go structs annotated with `vgirpc` struct tags:
//
//	`vgirpc:"wire_name[,option[,option...]]"`
//
// Supported options:
//
//   - int32  : use Arrow Int32 instead of the default Int64
//   - float32: use Arrow Float32 instead of the default Float64
//   - binary : use Arrow Binary
//
// Slices become Arrow list columns; pointer fields become nullable columns.
// Every tagged parameter must be present in the request; a null list is
// read as an empty slice.
//
// A Server can be driven over any byte stream ([Server.Serve]), over stdio
// ([Server.RunStdio]), over a [net.Listener] with one goroutine per
// connection ([Server.ServeListener]) or over HTTP ([HttpServer]).
//
// # Clients
//
// [Conn] speaks the client side of the protocol over a single byte stream.
// A Conn carries one call at a time; [Call] is the typed entry point.
//
// # Reference implementation
//
// The Python reference implementation lives at
// https://github.com/Query-farm/vgi-rpc.
package vgirpc
