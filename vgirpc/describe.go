// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const describeMethod = "__describe__"

var describeSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "method_type", Type: arrow.BinaryTypes.String},
	{Name: "doc", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "has_return", Type: &arrow.BooleanType{}},
	{Name: "params_schema_ipc", Type: arrow.BinaryTypes.Binary},
	{Name: "result_schema_ipc", Type: arrow.BinaryTypes.Binary},
	{Name: "param_types_json", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "param_defaults_json", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// Describe metadata keys.
const (
	MetaProtocolName    = "vgi_rpc.protocol_name"
	MetaDescribeVersion = "vgi_rpc.describe_version"
	DescribeVersion     = "2"
)

// MethodDescription is one row of a __describe__ response.
type MethodDescription struct {
	Name       string
	MethodType string
	Doc        string
	HasReturn  bool
	ParamTypes map[string]string
}

// serializeSchema serializes an Arrow schema to IPC format bytes.
func serializeSchema(schema *arrow.Schema) []byte {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	w.Close()
	return buf.Bytes()
}

// serveDescribe answers the __describe__ introspection request.
func (s *Server) serveDescribe(w io.Writer) error {
	batch := s.buildDescribeBatch()
	defer batch.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(describeSchema))
	if err := writer.Write(batch); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

// buildDescribeBatch builds the __describe__ response batch with its metadata.
func (s *Server) buildDescribeBatch() arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	names := s.availableMethods()

	nameB := array.NewStringBuilder(mem)
	typeB := array.NewStringBuilder(mem)
	docB := array.NewStringBuilder(mem)
	retB := array.NewBooleanBuilder(mem)
	paramsB := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	resultB := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	typesB := array.NewStringBuilder(mem)
	defaultsB := array.NewStringBuilder(mem)
	builders := []array.Builder{nameB, typeB, docB, retB, paramsB, resultB, typesB, defaultsB}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	for _, name := range names {
		info := s.methods[name]

		nameB.Append(name)
		typeB.Append(DispatchMethodUnary)
		if info.Doc != "" {
			docB.Append(info.Doc)
		} else {
			docB.AppendNull()
		}
		retB.Append(info.ResultType != nil)
		paramsB.Append(serializeSchema(info.ParamsSchema))
		resultB.Append(serializeSchema(info.ResultSchema))

		if info.ParamsSchema.NumFields() > 0 {
			paramTypes := make(map[string]string, info.ParamsSchema.NumFields())
			for _, f := range info.ParamsSchema.Fields() {
				paramTypes[f.Name] = arrowTypeToString(f.Type)
			}
			ptJSON, _ := json.Marshal(paramTypes)
			typesB.Append(string(ptJSON))
		} else {
			typesB.AppendNull()
		}
		// Every parameter is required, so there are no defaults to report.
		defaultsB.AppendNull()
	}

	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	keys := []string{MetaProtocolName, MetaRequestVersion, MetaDescribeVersion}
	vals := []string{"GoRpcServer", ProtocolVersion, DescribeVersion}
	if s.serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, s.serverID)
	}
	return array.NewRecordBatchWithMetadata(describeSchema, cols, int64(len(names)), arrow.NewMetadata(keys, vals))
}

// parseDescribeBatch decodes a __describe__ response batch.
func parseDescribeBatch(batch arrow.RecordBatch) ([]MethodDescription, error) {
	col := func(name string) (arrow.Array, error) {
		idx := columnIndex(batch, name)
		if idx == -1 {
			return nil, fmt.Errorf("describe response has no %q column", name)
		}
		return batch.Column(idx), nil
	}
	var cols [5]arrow.Array
	for i, name := range []string{"name", "method_type", "doc", "has_return", "param_types_json"} {
		c, err := col(name)
		if err != nil {
			return nil, err
		}
		cols[i] = c
	}
	nameCol, ok1 := cols[0].(*array.String)
	typeCol, ok2 := cols[1].(*array.String)
	docCol, ok3 := cols[2].(*array.String)
	retCol, ok4 := cols[3].(*array.Boolean)
	ptCol, ok5 := cols[4].(*array.String)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return nil, fmt.Errorf("describe response has unexpected column types")
	}
	out := make([]MethodDescription, 0, batch.NumRows())
	for i := range int(batch.NumRows()) {
		d := MethodDescription{
			Name:       nameCol.Value(i),
			MethodType: typeCol.Value(i),
			HasReturn:  retCol.Value(i),
		}
		if !docCol.IsNull(i) {
			d.Doc = docCol.Value(i)
		}
		if !ptCol.IsNull(i) {
			if err := json.Unmarshal([]byte(ptCol.Value(i)), &d.ParamTypes); err != nil {
				return nil, fmt.Errorf("method %s: param_types_json: %w", d.Name, err)
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// arrowTypeToString returns a human-readable type name for an Arrow type.
func arrowTypeToString(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.STRING:
		return "string"
	case arrow.INT64:
		return "int"
	case arrow.INT32:
		return "int32"
	case arrow.FLOAT64:
		return "float"
	case arrow.FLOAT32:
		return "float32"
	case arrow.BOOL:
		return "bool"
	case arrow.BINARY:
		return "bytes"
	case arrow.LIST:
		return "list[" + arrowTypeToString(dt.(*arrow.ListType).Elem()) + "]"
	default:
		return dt.String()
	}
}
