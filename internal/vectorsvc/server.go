// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vectorsvc

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Query-farm/vgi-vector/internal/vecmath"
	"github.com/Query-farm/vgi-vector/vgirpc"
)

// Handlers implements the server side of the service. It holds no mutable
// state; one value serves every connection.
type Handlers struct {
	observer Observer
	logger   *slog.Logger
}

// ServerOption customises Handlers.
type ServerOption func(*Handlers)

// WithServerObserver sets the server-side observer.
func WithServerObserver(o Observer) ServerOption {
	return func(h *Handlers) {
		if o != nil {
			h.observer = o
		}
	}
}

// WithServerLogger sets the handler logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(h *Handlers) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandlers builds the handlers without registering them.
func NewHandlers(opts ...ServerOption) *Handlers {
	h := &Handlers{observer: NopObserver{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register installs dot_product and vector_norm on server.
func Register(server *vgirpc.Server, opts ...ServerOption) *Handlers {
	h := NewHandlers(opts...)
	vgirpc.Unary(server, MethodDotProduct, h.DotProduct,
		vgirpc.WithDoc("Dot product of two equal-length float32 vectors."))
	vgirpc.Unary(server, MethodVectorNorm, h.VectorNorm,
		vgirpc.WithDoc("Euclidean norm of a float32 vector."))
	return h
}

// DotProduct handles dot_product.
func (h *Handlers) DotProduct(ctx context.Context, cc *vgirpc.CallContext, req DotProductRequest) (float32, error) {
	ctx, call := h.observer.StartServer(ctx, MethodDotProduct, cc.Metadata, len(req.Vector1), len(req.Vector2))
	h.logger.DebugContext(ctx, "request received",
		"method", MethodDotProduct, "request_id", cc.RequestID,
		"vec1len", len(req.Vector1), "vec2len", len(req.Vector2))

	result, err := vecmath.DotProduct(req.Vector1, req.Vector2)
	call.Finish(result, err)
	if err != nil {
		return 0, h.reject(ctx, cc, err)
	}

	h.logger.InfoContext(ctx, "dot product computed",
		"request_id", cc.RequestID, "vector1", req.Vector1, "vector2", req.Vector2, "result", result)
	return result, nil
}

// VectorNorm handles vector_norm.
func (h *Handlers) VectorNorm(ctx context.Context, cc *vgirpc.CallContext, req VectorNormRequest) (float32, error) {
	ctx, call := h.observer.StartServer(ctx, MethodVectorNorm, cc.Metadata, len(req.Vector))
	h.logger.DebugContext(ctx, "request received",
		"method", MethodVectorNorm, "request_id", cc.RequestID, "veclen", len(req.Vector))

	result, err := vecmath.VectorNorm(req.Vector)
	call.Finish(result, err)
	if err != nil {
		return 0, h.reject(ctx, cc, err)
	}

	h.logger.InfoContext(ctx, "vector norm computed",
		"request_id", cc.RequestID, "vector", req.Vector, "result", result)
	return result, nil
}

// reject turns a math error into the InvalidArgument status callers see.
func (h *Handlers) reject(ctx context.Context, cc *vgirpc.CallContext, err error) error {
	var verr *vecmath.Error
	if !errors.As(err, &verr) {
		h.logger.ErrorContext(ctx, "computation failed", "method", cc.Method, "request_id", cc.RequestID, "err", err)
		return err
	}
	h.logger.InfoContext(ctx, "request rejected",
		"method", cc.Method, "request_id", cc.RequestID, "code", verr.Code, "err", verr)
	cc.ClientLog(vgirpc.LogWarn, "request rejected", vgirpc.KV{Key: "method", Value: cc.Method})
	return vgirpc.InvalidArgument(verr.Error())
}
