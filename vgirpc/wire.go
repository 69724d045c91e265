// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// BatchKind classifies a received batch based on its metadata.
type BatchKind int

const (
	BatchData  BatchKind = iota // regular data batch
	BatchLog                    // client-directed log batch
	BatchError                  // error/exception batch
)

// Request represents a parsed RPC request from the wire.
type Request struct {
	Method    string
	Version   string
	RequestID string
	LogLevel  string
	Batch     arrow.RecordBatch
	Metadata  map[string]string
}

// Response is a decoded unary response stream.
type Response struct {
	// Batch is the result batch. For void methods it has an empty schema.
	Batch arrow.RecordBatch
	// Logs holds the client-directed log messages that preceded the result.
	Logs []LogMessage
	// ServerID is taken from the first batch that carried one.
	ServerID string
}

// Release frees the result batch.
func (r *Response) Release() {
	if r != nil && r.Batch != nil {
		r.Batch.Release()
		r.Batch = nil
	}
}

func batchMetadata(batch arrow.RecordBatch) arrow.Metadata {
	if rb, ok := batch.(arrow.RecordBatchWithMetadata); ok {
		return rb.Metadata()
	}
	return arrow.Metadata{}
}

// classifyBatch tells log, error and data batches apart.
func classifyBatch(meta arrow.Metadata) BatchKind {
	level, ok := meta.GetValue(MetaLogLevel)
	if !ok {
		return BatchData
	}
	if LogLevel(level) == LogException {
		return BatchError
	}
	return BatchLog
}

// ReadRequest reads one complete IPC stream from the reader and extracts
// the method name, version, and parameter values from the first batch.
func ReadRequest(r io.Reader) (*Request, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading request IPC stream: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, fmt.Errorf("reading request batch: %w", err)
		}
		return nil, io.EOF
	}

	batch := reader.RecordBatch()
	batch.Retain() // keep batch alive after reader is released

	// Drain to EOS before validating so a rejected request still leaves the
	// next one starting on a message boundary.
	for reader.Next() {
	}

	meta := batchMetadata(batch)

	method, ok := meta.GetValue(MetaMethod)
	if !ok {
		batch.Release()
		return nil, &RpcError{
			Type:    TypeProtocolError,
			Message: "Missing 'vgi_rpc.method' in request batch custom_metadata",
		}
	}

	version, ok := meta.GetValue(MetaRequestVersion)
	if !ok {
		batch.Release()
		return nil, &RpcError{
			Type:    TypeVersionError,
			Message: "Missing 'vgi_rpc.request_version' in request batch custom_metadata",
		}
	}
	if version != ProtocolVersion {
		batch.Release()
		return nil, &RpcError{
			Type:    TypeVersionError,
			Message: fmt.Sprintf("Unsupported request version %q, expected %q", version, ProtocolVersion),
		}
	}

	if batch.Schema().NumFields() > 0 && batch.NumRows() != 1 {
		batch.Release()
		return nil, &RpcError{
			Type:    TypeProtocolError,
			Message: fmt.Sprintf("Expected 1 row in request batch, got %d", batch.NumRows()),
		}
	}

	requestID, _ := meta.GetValue(MetaRequestID)
	logLevel, _ := meta.GetValue(MetaLogLevel)

	metaMap := make(map[string]string, meta.Len())
	for i := range meta.Len() {
		metaMap[meta.Keys()[i]] = meta.Values()[i]
	}

	return &Request{
		Method:    method,
		Version:   version,
		RequestID: requestID,
		LogLevel:  logLevel,
		Batch:     batch,
		Metadata:  metaMap,
	}, nil
}

// WriteRequest writes one complete request IPC stream: the schema of params,
// params itself tagged with the call metadata, and EOS. Keys in md that use
// the reserved vgi_rpc. prefix are ignored.
func WriteRequest(w io.Writer, method, requestID string, logLevel LogLevel, params arrow.RecordBatch, md map[string]string) error {
	keys := []string{MetaMethod, MetaRequestVersion}
	vals := []string{method, ProtocolVersion}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}
	if logLevel != "" {
		keys = append(keys, MetaLogLevel)
		vals = append(vals, string(logLevel))
	}

	extra := make([]string, 0, len(md))
	for k := range md {
		if !isReservedKey(k) {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		keys = append(keys, k)
		vals = append(vals, md[k])
	}

	schema := params.Schema()
	batch := array.NewRecordBatchWithMetadata(schema, params.Columns(), params.NumRows(), arrow.NewMetadata(keys, vals))
	defer batch.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	if err := writer.Write(batch); err != nil {
		writer.Close()
		return fmt.Errorf("writing request batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing request stream: %w", err)
	}
	return nil
}

// ReadResponse reads one complete response IPC stream. Log batches are
// collected, an EXCEPTION batch is returned as an *RpcError and the first
// data batch becomes the result. Stream-level failures wrap ErrTransport.
func ReadResponse(r io.Reader) (*Response, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response IPC stream: %w", ErrTransport, err)
	}
	defer reader.Release()

	resp := &Response{}
	var rpcErr *RpcError
	for reader.Next() {
		batch := reader.RecordBatch()
		meta := batchMetadata(batch)
		if resp.ServerID == "" {
			resp.ServerID, _ = meta.GetValue(MetaServerID)
		}

		switch classifyBatch(meta) {
		case BatchError:
			msg, _ := meta.GetValue(MetaLogMessage)
			extra, _ := meta.GetValue(MetaLogExtra)
			reqID, _ := meta.GetValue(MetaRequestID)
			rpcErr = parseErrorExtra(msg, extra, reqID)
		case BatchLog:
			level, _ := meta.GetValue(MetaLogLevel)
			msg, _ := meta.GetValue(MetaLogMessage)
			logMsg := LogMessage{Level: LogLevel(level), Message: msg}
			if extra, ok := meta.GetValue(MetaLogExtra); ok {
				_ = json.Unmarshal([]byte(extra), &logMsg.Extras)
			}
			resp.Logs = append(resp.Logs, logMsg)
		default:
			if resp.Batch == nil {
				batch.Retain()
				resp.Batch = batch
			}
		}
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		resp.Release()
		return nil, fmt.Errorf("%w: reading response batch: %w", ErrTransport, err)
	}
	if rpcErr != nil {
		resp.Release()
		return resp, rpcErr
	}
	if resp.Batch == nil {
		return nil, fmt.Errorf("%w: response stream carried no result batch", ErrTransport)
	}
	return resp, nil
}

// emptyBatch creates a zero-row batch with the given schema.
func emptyBatch(schema *arrow.Schema) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, schema.NumFields())
	for i, f := range schema.Fields() {
		builder := array.NewBuilder(mem, f.Type)
		cols[i] = builder.NewArray()
		builder.Release()
	}
	batch := array.NewRecordBatch(schema, cols, 0)
	for _, c := range cols {
		c.Release()
	}
	return batch
}

// writeMetaBatch writes a zero-row batch carrying only metadata.
func writeMetaBatch(w *ipc.Writer, schema *arrow.Schema, keys, vals []string, serverID, requestID string) error {
	if serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, serverID)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}

	batch := emptyBatch(schema)
	defer batch.Release()

	withMeta := array.NewRecordBatchWithMetadata(schema, batch.Columns(), 0, arrow.NewMetadata(keys, vals))
	defer withMeta.Release()

	return w.Write(withMeta)
}

// writeLogBatch writes a zero-row batch with log metadata.
func writeLogBatch(w *ipc.Writer, schema *arrow.Schema, msg LogMessage, serverID, requestID string) error {
	keys := []string{MetaLogLevel, MetaLogMessage}
	vals := []string{string(msg.Level), msg.Message}

	if len(msg.Extras) > 0 {
		extraJSON, err := json.Marshal(msg.Extras)
		if err != nil {
			extraJSON = []byte(`{}`)
		}
		keys = append(keys, MetaLogExtra)
		vals = append(vals, string(extraJSON))
	}
	return writeMetaBatch(w, schema, keys, vals, serverID, requestID)
}

// writeErrorBatch writes a zero-row batch with EXCEPTION-level metadata.
func writeErrorBatch(w *ipc.Writer, schema *arrow.Schema, err error, serverID, requestID string, debug bool) error {
	_, msg := errorTypeAndMessage(err)
	keys := []string{MetaLogLevel, MetaLogMessage, MetaLogExtra}
	vals := []string{string(LogException), msg, buildErrorExtra(err, debug)}
	return writeMetaBatch(w, schema, keys, vals, serverID, requestID)
}

// WriteUnaryResponse writes a complete IPC stream containing log batches followed
// by a result batch. The stream is: schema + log batches + result batch + EOS.
func WriteUnaryResponse(w io.Writer, schema *arrow.Schema, logs []LogMessage,
	result arrow.RecordBatch, serverID, requestID string) error {

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	for _, logMsg := range logs {
		if err := writeLogBatch(writer, schema, logMsg, serverID, requestID); err != nil {
			writer.Close()
			return fmt.Errorf("writing log batch: %w", err)
		}
	}
	tagged := withResponseMetadata(result, serverID, requestID)
	defer tagged.Release()
	if err := writer.Write(tagged); err != nil {
		writer.Close()
		return fmt.Errorf("writing result batch: %w", err)
	}
	return writer.Close()
}

// withResponseMetadata returns result carrying the server and request IDs in
// addition to any metadata it already has.
func withResponseMetadata(result arrow.RecordBatch, serverID, requestID string) arrow.RecordBatch {
	meta := batchMetadata(result)
	keys := append([]string(nil), meta.Keys()...)
	vals := append([]string(nil), meta.Values()...)
	if serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, serverID)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}
	return array.NewRecordBatchWithMetadata(result.Schema(), result.Columns(), result.NumRows(), arrow.NewMetadata(keys, vals))
}

// WriteErrorResponse writes a complete IPC stream containing the logs
// gathered so far and an error batch.
func WriteErrorResponse(w io.Writer, schema *arrow.Schema, logs []LogMessage, err error,
	serverID, requestID string, debug bool) error {

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	for _, logMsg := range logs {
		if werr := writeLogBatch(writer, schema, logMsg, serverID, requestID); werr != nil {
			writer.Close()
			return fmt.Errorf("writing log batch: %w", werr)
		}
	}
	if werr := writeErrorBatch(writer, schema, err, serverID, requestID, debug); werr != nil {
		writer.Close()
		return fmt.Errorf("writing error batch: %w", werr)
	}
	return writer.Close()
}

// WriteVoidResponse writes a complete IPC stream with logs and a zero-row empty-schema response.
func WriteVoidResponse(w io.Writer, logs []LogMessage, serverID, requestID string) error {
	schema := arrow.NewSchema(nil, nil)
	batch := emptyBatch(schema)
	defer batch.Release()

	return WriteUnaryResponse(w, schema, logs, batch, serverID, requestID)
}
