// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vectorsvc

import "context"

// Observer watches both ends of every call. md is the request metadata:
// client-side implementations may add entries (trace context) before the
// request is written; server-side implementations read them. Observers must
// not change results or errors and must be safe for concurrent use.
type Observer interface {
	StartClient(ctx context.Context, op string, md map[string]string, lengths ...int) (context.Context, Call)
	StartServer(ctx context.Context, op string, md map[string]string, lengths ...int) (context.Context, Call)
}

// Call is one observed invocation.
type Call interface {
	Finish(result float32, err error)
}

// NopObserver observes nothing.
type NopObserver struct{}

func (NopObserver) StartClient(ctx context.Context, _ string, _ map[string]string, _ ...int) (context.Context, Call) {
	return ctx, nopCall{}
}

func (NopObserver) StartServer(ctx context.Context, _ string, _ map[string]string, _ ...int) (context.Context, Call) {
	return ctx, nopCall{}
}

type nopCall struct{}

func (nopCall) Finish(float32, error) {}
