// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"reflect"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/apache/arrow-go/v18/arrow"
	"golang.org/x/sync/errgroup"
)

// MethodType identifies how a registered method should be dispatched.
type MethodType int

const (
	// MethodUnary identifies a request-response method with a single result.
	MethodUnary MethodType = iota
)

// methodInfo stores the registration details for one RPC method.
type methodInfo struct {
	Name         string
	Type         MethodType
	Doc          string
	ParamsType   reflect.Type  // Go struct type for parameters
	ResultType   reflect.Type  // Go type for result (nil for void)
	ParamsSchema *arrow.Schema // Arrow schema for parameter deserialization
	ResultSchema *arrow.Schema // Arrow schema for result serialization

	invoke func(ctx context.Context, callCtx *CallContext, params reflect.Value) (any, error)
}

// MethodOption customises a method at registration time.
type MethodOption func(*methodInfo)

// WithDoc attaches a docstring reported by __describe__.
func WithDoc(doc string) MethodOption {
	return func(m *methodInfo) { m.Doc = doc }
}

// Server is the RPC server that dispatches incoming requests to registered methods.
// Methods must be registered before the server starts serving.
type Server struct {
	methods      map[string]*methodInfo
	serverID     string
	serviceName  string
	dispatchHook DispatchHook
	debugErrors  bool
	logger       *slog.Logger
}

// NewServer creates a new RPC server.
func NewServer() *Server {
	return &Server{
		methods: make(map[string]*methodInfo),
		logger:  slog.Default(),
	}
}

// SetServerID sets a server identifier included in response metadata.
func (s *Server) SetServerID(id string) {
	s.serverID = id
}

// ServerID returns the identifier set with SetServerID.
func (s *Server) ServerID() string {
	return s.serverID
}

// SetServiceName sets a logical service name used by observability hooks.
func (s *Server) SetServiceName(name string) {
	s.serviceName = name
}

// ServiceName returns the logical service name, or empty string if not set.
func (s *Server) ServiceName() string {
	return s.serviceName
}

// SetDispatchHook registers a hook that is called around each RPC dispatch.
func (s *Server) SetDispatchHook(hook DispatchHook) {
	s.dispatchHook = hook
}

// SetDebugErrors controls whether error responses include full stack traces
// with file paths and function names. When false (the default), error responses
// contain only the error type and message.
func (s *Server) SetDebugErrors(enabled bool) {
	s.debugErrors = enabled
}

// SetLogger replaces the logger used for serve-loop diagnostics.
func (s *Server) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Server) register(name string, paramsType, resultType reflect.Type, opts []MethodOption,
	invoke func(context.Context, *CallContext, reflect.Value) (any, error)) {

	paramsSchema, err := structToSchema(paramsType)
	if err != nil {
		panic(fmt.Sprintf("vgirpc: registering %q: invalid params type %v: %v", name, paramsType, err))
	}
	resultSchema, err := resultSchema(resultType)
	if err != nil {
		panic(fmt.Sprintf("vgirpc: registering %q: invalid result type %v: %v", name, resultType, err))
	}

	info := &methodInfo{
		Name:         name,
		Type:         MethodUnary,
		ParamsType:   paramsType,
		ResultType:   resultType,
		ParamsSchema: paramsSchema,
		ResultSchema: resultSchema,
		invoke:       invoke,
	}
	for _, opt := range opts {
		opt(info)
	}
	s.methods[name] = info
}

// Unary registers a unary RPC method with typed parameters and return value.
// P must be a struct with `vgirpc` tags. R is the return type.
func Unary[P any, R any](s *Server, name string, handler func(context.Context, *CallContext, P) (R, error), opts ...MethodOption) {
	var r R
	s.register(name, reflect.TypeFor[P](), reflect.TypeOf(r), opts,
		func(ctx context.Context, callCtx *CallContext, params reflect.Value) (any, error) {
			return handler(ctx, callCtx, params.Interface().(P))
		})
}

// UnaryVoid registers a unary RPC method that returns no value.
func UnaryVoid[P any](s *Server, name string, handler func(context.Context, *CallContext, P) error, opts ...MethodOption) {
	s.register(name, reflect.TypeFor[P](), nil, opts,
		func(ctx context.Context, callCtx *CallContext, params reflect.Value) (any, error) {
			return nil, handler(ctx, callCtx, params.Interface().(P))
		})
}

// RunStdio runs the server loop on stdin/stdout until stdin reaches EOF.
func (s *Server) RunStdio() {
	// Writes to closed pipes must surface as errors rather than kill the process.
	signal.Ignore(syscall.SIGPIPE)

	if isTerminal(os.Stdin) || isTerminal(os.Stdout) {
		fmt.Fprintln(os.Stderr,
			"WARNING: This process communicates via Arrow IPC on stdin/stdout "+
				"and is not intended to be run interactively.")
	}
	s.Serve(os.Stdin, os.Stdout)
}

// isTerminal reports whether f is connected to a terminal.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// Serve runs the server loop on the given reader/writer pair.
func (s *Server) Serve(r io.Reader, w io.Writer) {
	s.ServeWithContext(context.Background(), r, w)
}

// ServeWithContext runs the server loop on the given reader/writer pair with a context.
func (s *Server) ServeWithContext(ctx context.Context, r io.Reader, w io.Writer) {
	s.serveStream(ctx, r, w, "")
}

func (s *Server) serveStream(ctx context.Context, r io.Reader, w io.Writer, peer string) {
	for {
		err := s.serveOne(ctx, r, w, peer)
		if err == nil {
			continue
		}
		if !isTransportClosed(err) {
			s.logger.Error("serve loop error", "err", err, "peer", peer)
		}
		return
	}
}

// ServeConn serves requests arriving on conn until the peer disconnects or
// ctx is cancelled, then closes conn.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	s.logger.Debug("connection accepted", "peer", peer)
	s.serveStream(ctx, conn, conn, peer)
	s.logger.Debug("connection closed", "peer", peer)
}

// ServeListener accepts connections from ln and serves each on its own
// goroutine. It returns nil once ctx is cancelled and every connection has
// been torn down, or the first accept error otherwise. ln is closed on return.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)

	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			mu.Lock()
			if gctx.Err() != nil {
				mu.Unlock()
				conn.Close()
				return nil
			}
			conns[conn] = struct{}{}
			mu.Unlock()

			g.Go(func() error {
				s.ServeConn(gctx, conn)
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
				return nil
			})
		}
	})

	return g.Wait()
}

// ListenAndServe listens on the TCP address addr and calls ServeListener.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.logger.Info("listening", "address", ln.Addr().String(), "server_id", s.serverID)
	return s.ServeListener(ctx, ln)
}

// serveOne handles one complete RPC request-response cycle.
func (s *Server) serveOne(ctx context.Context, r io.Reader, w io.Writer, peer string) error {
	req, err := ReadRequest(r)
	if err != nil {
		var rpcErr *RpcError
		if errors.As(err, &rpcErr) {
			// ReadRequest drained the offending stream; answer and keep serving.
			return WriteErrorResponse(w, arrow.NewSchema(nil, nil), nil, rpcErr, s.serverID, "", s.debugErrors)
		}
		return err
	}
	defer req.Batch.Release()

	_, transportErr := s.dispatch(ctx, w, req, peer)
	return transportErr
}

// dispatch runs one decoded request and writes its response stream to w.
// handlerErr is the error reported to the caller (nil on success) and
// transportErr is a failure writing the response.
func (s *Server) dispatch(ctx context.Context, w io.Writer, req *Request, peer string) (handlerErr, transportErr error) {
	if req.Method == describeMethod {
		return nil, s.serveDescribe(w)
	}

	info, ok := s.methods[req.Method]
	if !ok {
		handlerErr = &RpcError{
			Type:    TypeAttributeError,
			Message: fmt.Sprintf("Unknown method: '%s'. Available methods: %v", req.Method, s.availableMethods()),
		}
		return handlerErr, WriteErrorResponse(w, arrow.NewSchema(nil, nil), nil, handlerErr,
			s.serverID, req.RequestID, s.debugErrors)
	}

	dispatchInfo := DispatchInfo{
		Method:            req.Method,
		MethodType:        DispatchMethodUnary,
		ServerID:          s.serverID,
		RequestID:         req.RequestID,
		RemoteAddr:        peer,
		TransportMetadata: req.Metadata,
	}

	var hookToken HookToken
	var hookActive bool
	stats := &CallStatistics{}

	if s.dispatchHook != nil {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					s.logger.Error("dispatch hook start panic", "err", rv)
				}
			}()
			hookCtx, token := s.dispatchHook.OnDispatchStart(ctx, dispatchInfo)
			if hookCtx != nil {
				ctx = hookCtx
			}
			hookToken = token
			hookActive = true
		}()
	}

	handlerErr, transportErr = s.serveUnary(ctx, w, req, info, stats)

	if hookActive {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					s.logger.Error("dispatch hook end panic", "err", rv)
				}
			}()
			s.dispatchHook.OnDispatchEnd(ctx, hookToken, dispatchInfo, stats, handlerErr)
		}()
	}

	return handlerErr, transportErr
}

// serveUnary decodes parameters, calls the handler and writes the response.
func (s *Server) serveUnary(ctx context.Context, w io.Writer, req *Request, info *methodInfo, stats *CallStatistics) (handlerErr, transportErr error) {
	params, err := deserializeParams(req.Batch, info.ParamsType)
	if err != nil {
		return err, WriteErrorResponse(w, info.ResultSchema, nil, err, s.serverID, req.RequestID, s.debugErrors)
	}

	stats.RecordInput(req.Batch.NumRows(), batchBufferSize(req.Batch))

	callCtx := &CallContext{
		Ctx:       ctx,
		RequestID: req.RequestID,
		ServerID:  s.serverID,
		Method:    req.Method,
		Metadata:  req.Metadata,
		LogLevel:  LogLevel(req.LogLevel),
	}
	if callCtx.LogLevel == "" {
		callCtx.LogLevel = LogTrace // default: allow all, client filters
	}

	result, callErr := s.invoke(ctx, callCtx, info, params)
	logs := callCtx.drainLogs()

	if callErr != nil {
		return callErr, WriteErrorResponse(w, info.ResultSchema, logs, callErr, s.serverID, req.RequestID, s.debugErrors)
	}

	if info.ResultType == nil {
		return nil, WriteVoidResponse(w, logs, s.serverID, req.RequestID)
	}

	resultBatch, err := serializeResult(info.ResultSchema, result)
	if err != nil {
		handlerErr = &RpcError{Type: "SerializationError", Message: fmt.Sprintf("result serialization: %v", err)}
		return handlerErr, WriteErrorResponse(w, info.ResultSchema, logs, handlerErr, s.serverID, req.RequestID, s.debugErrors)
	}
	defer resultBatch.Release()

	stats.RecordOutput(resultBatch.NumRows(), batchBufferSize(resultBatch))

	return nil, WriteUnaryResponse(w, info.ResultSchema, logs, resultBatch, s.serverID, req.RequestID)
}

// invoke calls the handler, turning a panic into a RuntimeError so that one
// bad request cannot take the connection down.
func (s *Server) invoke(ctx context.Context, callCtx *CallContext, info *methodInfo, params reflect.Value) (result any, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			s.logger.Error("handler panic", "method", info.Name, "err", rv)
			err = &RpcError{Type: TypeRuntimeError, Message: fmt.Sprintf("handler panic: %v", rv)}
		}
	}()
	return info.invoke(ctx, callCtx, params)
}

// isTransportClosed returns true for errors that indicate the transport was closed normally.
func isTransportClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}

func (s *Server) availableMethods() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
