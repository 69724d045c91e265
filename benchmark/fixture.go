// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package benchmark measures vgi_rpc round-trip cost for the vector methods
// against a noop baseline.
package benchmark

import (
	"context"
	"net"

	"github.com/Query-farm/vgi-vector/internal/vectorsvc"
	"github.com/Query-farm/vgi-vector/vgirpc"
)

// NoopParams is the empty request of the baseline method.
type NoopParams struct{}

// RegisterMethods registers the vector methods plus "noop" on server.
func RegisterMethods(server *vgirpc.Server) {
	vgirpc.UnaryVoid(server, "noop", noop)
	vectorsvc.Register(server)
}

func noop(_ context.Context, _ *vgirpc.CallContext, _ NoopParams) error {
	return nil
}

// Pipe serves a fixture server on an in-memory pipe and returns the client
// end. stop tears both ends down.
func Pipe() (conn *vgirpc.Conn, stop func()) {
	server := vgirpc.NewServer()
	server.SetServerID("bench")
	RegisterMethods(server)

	clientEnd, serverEnd := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.ServeConn(context.Background(), serverEnd)
	}()
	return vgirpc.NewConn(clientEnd), func() {
		clientEnd.Close()
		<-done
	}
}

// Vector returns a vector of n ones.
func Vector(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = 1
	}
	return v
}
