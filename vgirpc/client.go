// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"reflect"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"
)

// Conn is the client end of a vgi_rpc byte stream. A Conn carries one call
// at a time and is not safe for concurrent use; callers serialise access.
// After any error wrapping ErrTransport the Conn is broken and every later
// call fails fast.
type Conn struct {
	r      *bufio.Reader
	w      io.Writer
	closer io.Closer
	conn   net.Conn // nil for non-network streams
	logger *slog.Logger
	level  LogLevel
	broken error
}

// ConnOption customises a Conn.
type ConnOption func(*Conn)

// WithConnLogger routes server log batches to logger.
func WithConnLogger(logger *slog.Logger) ConnOption {
	return func(c *Conn) { c.logger = logger }
}

// WithClientLogLevel asks the server to only send log messages at or above level.
func WithClientLogLevel(level LogLevel) ConnOption {
	return func(c *Conn) { c.level = level }
}

// Dial opens a TCP connection to addr. timeout bounds connection
// establishment only.
func Dial(ctx context.Context, addr string, timeout time.Duration, opts ...ConnOption) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, addr, err)
	}
	c := NewConn(nc, opts...)
	c.conn = nc
	return c, nil
}

// NewConn wraps an established byte stream. If rw implements io.Closer,
// Close closes it.
func NewConn(rw io.ReadWriter, opts ...ConnOption) *Conn {
	c := &Conn{
		r:      bufio.NewReader(rw),
		w:      rw,
		logger: slog.Default(),
	}
	if cl, ok := rw.(io.Closer); ok {
		c.closer = cl
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RemoteAddr returns the peer address for network connections.
func (c *Conn) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// Broken reports whether a transport failure has made the Conn unusable.
func (c *Conn) Broken() bool {
	return c.broken != nil
}

// Close releases the underlying stream.
func (c *Conn) Close() error {
	if c.broken == nil {
		c.broken = net.ErrClosed
	}
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

func (c *Conn) fail(err error) error {
	c.broken = err
	if c.closer != nil {
		c.closer.Close()
	}
	return err
}

// Invoke performs one round trip with a prepared parameter batch. md is
// attached to the request batch as custom metadata. The caller must Release
// the returned Response.
func (c *Conn) Invoke(ctx context.Context, method string, params arrow.RecordBatch, md map[string]string) (*Response, error) {
	if c.broken != nil {
		return nil, fmt.Errorf("%w: connection unusable: %w", ErrTransport, c.broken)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	if err := WriteRequest(c.w, method, requestID, c.level, params, md); err != nil {
		return nil, c.fail(fmt.Errorf("%w: %s: %w", ErrTransport, method, err))
	}

	resp, err := ReadResponse(c.r)
	if resp != nil {
		for _, l := range resp.Logs {
			c.logger.Log(ctx, l.Level.SlogLevel(), l.Message,
				"method", method, "request_id", requestID, "server_id", resp.ServerID)
		}
	}
	if err != nil {
		if errors.Is(err, ErrTransport) {
			return nil, c.fail(err)
		}
		var rpcErr *RpcError
		if errors.As(err, &rpcErr) && rpcErr.RequestID == "" {
			rpcErr.RequestID = requestID
		}
		return nil, err
	}
	return resp, nil
}

// Call invokes method with typed parameters and decodes the "result" column
// into R. P must be a struct with `vgirpc` tags.
func Call[P any, R any](ctx context.Context, c *Conn, method string, params P, md map[string]string) (R, error) {
	var zero R
	schema, err := structToSchema(reflect.TypeFor[P]())
	if err != nil {
		return zero, fmt.Errorf("%s: params type: %w", method, err)
	}
	batch, err := serializeParams(schema, params)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", method, err)
	}
	defer batch.Release()

	resp, err := c.Invoke(ctx, method, batch, md)
	if err != nil {
		return zero, err
	}
	defer resp.Release()

	v, err := decodeResult(resp.Batch, reflect.TypeFor[R]())
	if err != nil {
		return zero, fmt.Errorf("%s: %w", method, err)
	}
	return v.Interface().(R), nil
}

// Describe asks the server for its method table.
func (c *Conn) Describe(ctx context.Context) ([]MethodDescription, error) {
	params := emptyBatch(arrow.NewSchema(nil, nil))
	defer params.Release()

	resp, err := c.Invoke(ctx, describeMethod, params, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Release()
	return parseDescribeBatch(resp.Batch)
}
