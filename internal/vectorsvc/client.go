// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vectorsvc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Query-farm/vgi-vector/vgirpc"
)

// DefaultConnectTimeout bounds connection establishment.
const DefaultConnectTimeout = time.Second

// Client calls the vector service over one shared connection. The connection
// is opened on first use (or by Connect) and carries one call at a time;
// concurrent callers queue on a mutex. A transport failure drops the
// connection and the next call dials again.
type Client struct {
	addr           string
	connectTimeout time.Duration
	retry          RetryPolicy
	observer       Observer
	logger         *slog.Logger

	mu   sync.Mutex
	conn *vgirpc.Conn
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithRetry sets the transport retry policy.
func WithRetry(p RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = p }
}

// WithClientObserver sets the client-side observer.
func WithClientObserver(o Observer) ClientOption {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithClientLogger sets the client logger. Server log batches are routed here.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient returns a client for the server at addr. No connection is made.
func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{
		addr:           addr,
		connectTimeout: DefaultConnectTimeout,
		retry:          NoRetry,
		observer:       NopObserver{},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the server address.
func (c *Client) Addr() string { return c.addr }

// Connect opens the shared connection now instead of on the first call.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.connLocked(ctx)
	return err
}

// Close drops the shared connection. The client stays usable.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) connLocked(ctx context.Context) (*vgirpc.Conn, error) {
	if c.conn != nil && !c.conn.Broken() {
		return c.conn, nil
	}
	conn, err := vgirpc.Dial(ctx, c.addr, c.connectTimeout, vgirpc.WithConnLogger(c.logger))
	if err != nil {
		return nil, err
	}
	c.logger.Debug("connected", "address", c.addr)
	c.conn = conn
	return conn, nil
}

// DotProduct calls dot_product.
func (c *Client) DotProduct(ctx context.Context, v1, v2 []float32) (float32, error) {
	return invoke(ctx, c, MethodDotProduct, DotProductRequest{Vector1: v1, Vector2: v2}, len(v1), len(v2))
}

// VectorNorm calls vector_norm.
func (c *Client) VectorNorm(ctx context.Context, v []float32) (float32, error) {
	return invoke(ctx, c, MethodVectorNorm, VectorNormRequest{Vector: v}, len(v))
}

func invoke[P any](ctx context.Context, c *Client, op string, params P, lengths ...int) (float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	md := make(map[string]string)
	ctx, call := c.observer.StartClient(ctx, op, md, lengths...)

	var result float32
	err := c.retry.run(ctx, func() error {
		conn, err := c.connLocked(ctx)
		if err != nil {
			return err
		}
		r, err := vgirpc.Call[P, float32](ctx, conn, op, params, md)
		if err != nil {
			if errors.Is(err, vgirpc.ErrTransport) {
				c.logger.Warn("dropping connection", "address", c.addr, "err", err)
				c.conn = nil
			}
			return err
		}
		result = r
		return nil
	})
	call.Finish(result, err)
	if err != nil {
		return 0, err
	}
	return result, nil
}

// Describe lists the methods the server exposes.
func (c *Client) Describe(ctx context.Context) ([]vgirpc.MethodDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connLocked(ctx)
	if err != nil {
		return nil, err
	}
	methods, err := conn.Describe(ctx)
	if errors.Is(err, vgirpc.ErrTransport) {
		c.conn = nil
	}
	return methods, err
}
