package vgirpc

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/klauspost/compress/zstd"
)

const (
	arrowContentType = "application/vnd.apache.arrow.stream"
	zstdEncoding     = "zstd"
	maxRequestBytes  = 64 << 20
)

// HttpServer serves unary RPC requests over HTTP. Each request body and each
// response body is one Arrow IPC stream, optionally zstd-compressed.
type HttpServer struct {
	server  *Server
	prefix  string
	mux     *http.ServeMux
	encoder *zstd.Encoder // nil when response compression is off
	decoder *zstd.Decoder
}

// NewHttpServer creates a new HTTP server wrapping an RPC server. Methods are
// served at POST /vgi/{method}.
func NewHttpServer(server *Server) *HttpServer {
	// A nil reader is valid for DecodeAll-only use.
	dec, _ := zstd.NewReader(nil)
	h := &HttpServer{
		server:  server,
		prefix:  "/vgi",
		decoder: dec,
	}
	h.mux = http.NewServeMux()
	h.mux.HandleFunc(fmt.Sprintf("POST %s/{method}", h.prefix), h.handleUnary)
	return h
}

// SetCompressionLevel enables zstd response compression at the given zstd
// level for clients that send Accept-Encoding: zstd. Zero disables it.
func (h *HttpServer) SetCompressionLevel(level int) error {
	if level <= 0 {
		h.encoder = nil
		return nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return fmt.Errorf("zstd encoder: %w", err)
	}
	h.encoder = enc
	return nil
}

// ServeHTTP implements http.Handler.
func (h *HttpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleUnary dispatches a unary RPC call.
func (h *HttpServer) handleUnary(w http.ResponseWriter, r *http.Request) {
	method := r.PathValue("method")

	if ct := r.Header.Get("Content-Type"); ct != arrowContentType {
		h.writeHttpError(w, r, http.StatusUnsupportedMediaType,
			&RpcError{Type: TypeProtocolError, Message: fmt.Sprintf("unsupported content type: %s", ct)})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		h.writeHttpError(w, r, http.StatusBadRequest, err)
		return
	}
	if strings.EqualFold(r.Header.Get("Content-Encoding"), zstdEncoding) {
		body, err = h.decoder.DecodeAll(body, nil)
		if err != nil {
			h.writeHttpError(w, r, http.StatusBadRequest,
				&RpcError{Type: TypeProtocolError, Message: fmt.Sprintf("zstd request body: %v", err)})
			return
		}
	}

	req, err := ReadRequest(bytes.NewReader(body))
	if err != nil {
		h.writeHttpError(w, r, http.StatusBadRequest, err)
		return
	}
	defer req.Batch.Release()

	if req.Method != method {
		h.writeHttpError(w, r, http.StatusBadRequest, &RpcError{
			Type:    TypeProtocolError,
			Message: fmt.Sprintf("request batch names method %q but URL names %q", req.Method, method),
		})
		return
	}

	var buf bytes.Buffer
	handlerErr, _ := h.server.dispatch(r.Context(), &buf, req, r.RemoteAddr)
	h.writeArrow(w, r, statusFor(handlerErr), buf.Bytes())
}

// statusFor maps a dispatch outcome to an HTTP status code.
func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	rpcType, _ := errorTypeAndMessage(err)
	switch rpcType {
	case TypeInvalidArgument, TypeTypeError, "ValueError", TypeProtocolError, TypeVersionError:
		return http.StatusBadRequest
	case TypeAttributeError:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *HttpServer) writeHttpError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	var buf bytes.Buffer
	_ = WriteErrorResponse(&buf, arrow.NewSchema(nil, nil), nil, err, h.server.serverID, "", h.server.debugErrors)
	h.writeArrow(w, r, statusCode, buf.Bytes())
}

func (h *HttpServer) writeArrow(w http.ResponseWriter, r *http.Request, statusCode int, data []byte) {
	w.Header().Set("Content-Type", arrowContentType)
	if h.encoder != nil && acceptsZstd(r.Header.Get("Accept-Encoding")) {
		data = h.encoder.EncodeAll(data, nil)
		w.Header().Set("Content-Encoding", zstdEncoding)
	}
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}

func acceptsZstd(header string) bool {
	for _, part := range strings.Split(header, ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(name, zstdEncoding) {
			return true
		}
	}
	return false
}
