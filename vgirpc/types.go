// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgirpc

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// tagInfo holds parsed information from a `vgirpc` struct tag.
type tagInfo struct {
	Name      string
	ArrowType string // explicit type override: "int32", "float32", "binary"
}

// parseTag parses a vgirpc struct tag like "name" or "name,int32".
func parseTag(tag string) tagInfo {
	name, arrowType, _ := strings.Cut(tag, ",")
	return tagInfo{Name: name, ArrowType: arrowType}
}

// goTypeToArrowType maps a Go reflect.Type to an Arrow DataType.
// The tag provides additional type hints (e.g., "int32", "binary").
func goTypeToArrowType(t reflect.Type, tag tagInfo) (arrow.DataType, bool, error) {
	nullable := false
	if t.Kind() == reflect.Ptr {
		nullable = true
		t = t.Elem()
	}

	switch tag.ArrowType {
	case "int32":
		return arrow.PrimitiveTypes.Int32, nullable, nil
	case "float32":
		return arrow.PrimitiveTypes.Float32, nullable, nil
	case "binary":
		return arrow.BinaryTypes.Binary, nullable, nil
	}

	switch t.Kind() {
	case reflect.String:
		return arrow.BinaryTypes.String, nullable, nil
	case reflect.Int64, reflect.Int:
		return arrow.PrimitiveTypes.Int64, nullable, nil
	case reflect.Int32:
		return arrow.PrimitiveTypes.Int32, nullable, nil
	case reflect.Float64:
		return arrow.PrimitiveTypes.Float64, nullable, nil
	case reflect.Float32:
		return arrow.PrimitiveTypes.Float32, nullable, nil
	case reflect.Bool:
		return &arrow.BooleanType{}, nullable, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return arrow.BinaryTypes.Binary, nullable, nil
		}
		elemType, _, err := goTypeToArrowType(t.Elem(), tagInfo{})
		if err != nil {
			return nil, false, fmt.Errorf("list element: %w", err)
		}
		return arrow.ListOf(elemType), nullable, nil
	default:
		return nil, false, fmt.Errorf("unsupported Go type: %v (kind: %v)", t, t.Kind())
	}
}

// taggedFields visits every struct field carrying a vgirpc tag.
func taggedFields(t reflect.Type, fn func(idx int, f reflect.StructField, info tagInfo) error) error {
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get("vgirpc")
		if tag == "" || tag == "-" {
			continue
		}
		if err := fn(i, f, parseTag(tag)); err != nil {
			return err
		}
	}
	return nil
}

// structToSchema builds an Arrow schema from a Go struct type using vgirpc tags.
func structToSchema(t reflect.Type) (*arrow.Schema, error) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected struct type, got %v", t.Kind())
	}
	var fields []arrow.Field
	err := taggedFields(t, func(_ int, f reflect.StructField, info tagInfo) error {
		arrowType, nullable, err := goTypeToArrowType(f.Type, info)
		if err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
		fields = append(fields, arrow.Field{Name: info.Name, Type: arrowType, Nullable: nullable})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return arrow.NewSchema(fields, nil), nil
}

// resultSchema builds an Arrow schema for a return type.
func resultSchema(t reflect.Type) (*arrow.Schema, error) {
	if t == nil {
		return arrow.NewSchema(nil, nil), nil
	}
	arrowType, nullable, err := goTypeToArrowType(t, tagInfo{})
	if err != nil {
		return nil, fmt.Errorf("result type: %w", err)
	}
	return arrow.NewSchema([]arrow.Field{
		{Name: "result", Type: arrowType, Nullable: nullable},
	}, nil), nil
}

func columnIndex(batch arrow.RecordBatch, name string) int {
	for ci := range batch.NumCols() {
		if batch.ColumnName(int(ci)) == name {
			return int(ci)
		}
	}
	return -1
}

// deserializeParams reads row 0 from a record batch into a Go struct. Every
// tagged field must have a column. A null list decodes as an empty slice and
// a null value is only accepted for pointer fields.
func deserializeParams(batch arrow.RecordBatch, target reflect.Type) (reflect.Value, error) {
	if target.Kind() == reflect.Ptr {
		target = target.Elem()
	}
	result := reflect.New(target).Elem()

	err := taggedFields(target, func(i int, f reflect.StructField, info tagInfo) error {
		colIdx := columnIndex(batch, info.Name)
		if colIdx == -1 {
			return &RpcError{Type: TypeTypeError, Message: fmt.Sprintf("missing parameter %s", info.Name)}
		}
		if batch.Column(colIdx).IsNull(0) {
			switch f.Type.Kind() {
			case reflect.Ptr:
				// stays nil
			case reflect.Slice:
				result.Field(i).Set(reflect.MakeSlice(f.Type, 0, 0))
			default:
				return &RpcError{Type: TypeTypeError, Message: fmt.Sprintf("parameter %s: null value", info.Name)}
			}
			return nil
		}
		if err := setFieldFromArrow(result.Field(i), f.Type, batch.Column(colIdx), 0); err != nil {
			return &RpcError{Type: TypeTypeError, Message: fmt.Sprintf("parameter %s: %v", info.Name, err)}
		}
		return nil
	})
	if err != nil {
		return reflect.Value{}, err
	}
	return result, nil
}

// decodeResult reads the "result" column of row 0 into a value of type t.
func decodeResult(batch arrow.RecordBatch, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	colIdx := columnIndex(batch, "result")
	if colIdx == -1 {
		return reflect.Value{}, fmt.Errorf("response batch has no result column")
	}
	if batch.NumRows() != 1 {
		return reflect.Value{}, fmt.Errorf("expected 1 row in result batch, got %d", batch.NumRows())
	}
	col := batch.Column(colIdx)
	if col.IsNull(0) {
		return out, nil
	}
	if err := setFieldFromArrow(out, t, col, 0); err != nil {
		return reflect.Value{}, fmt.Errorf("result: %w", err)
	}
	return out, nil
}

// setFieldFromArrow sets a value from an Arrow array at index idx.
func setFieldFromArrow(field reflect.Value, fieldType reflect.Type, col arrow.Array, idx int) error {
	target := field
	if fieldType.Kind() == reflect.Ptr {
		ptr := reflect.New(fieldType.Elem())
		field.Set(ptr)
		target = ptr.Elem()
		fieldType = fieldType.Elem()
	}

	switch c := col.(type) {
	case *array.String:
		if fieldType.Kind() != reflect.String {
			return fmt.Errorf("cannot store string in %v", fieldType)
		}
		target.SetString(c.Value(idx))
	case *array.Int64:
		return setInt(target, c.Value(idx))
	case *array.Int32:
		return setInt(target, int64(c.Value(idx)))
	case *array.Float64:
		return setFloat(target, c.Value(idx))
	case *array.Float32:
		return setFloat(target, float64(c.Value(idx)))
	case *array.Boolean:
		if fieldType.Kind() != reflect.Bool {
			return fmt.Errorf("cannot store bool in %v", fieldType)
		}
		target.SetBool(c.Value(idx))
	case *array.Binary:
		if fieldType.Kind() != reflect.Slice || fieldType.Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("cannot store binary in %v", fieldType)
		}
		target.SetBytes(append([]byte(nil), c.Value(idx)...))
	case *array.List:
		return setListField(target, fieldType, c, idx)
	default:
		return fmt.Errorf("unsupported Arrow array type: %T", col)
	}
	return nil
}

func setInt(v reflect.Value, x int64) error {
	switch v.Kind() {
	case reflect.Int, reflect.Int64, reflect.Int32:
		v.SetInt(x)
	case reflect.Float32, reflect.Float64:
		v.SetFloat(float64(x))
	default:
		return fmt.Errorf("cannot store integer in %v", v.Type())
	}
	return nil
}

func setFloat(v reflect.Value, x float64) error {
	if v.Kind() != reflect.Float32 && v.Kind() != reflect.Float64 {
		return fmt.Errorf("cannot store float in %v", v.Type())
	}
	v.SetFloat(x)
	return nil
}

func setListField(field reflect.Value, fieldType reflect.Type, listArr *array.List, idx int) error {
	if fieldType.Kind() != reflect.Slice {
		return fmt.Errorf("cannot store list in %v", fieldType)
	}
	start, end := listArr.ValueOffsets(idx)
	values := listArr.ListValues()
	length := int(end - start)

	slice := reflect.MakeSlice(fieldType, length, length)
	for j := range length {
		if values.IsNull(int(start) + j) {
			continue
		}
		if err := setFieldFromArrow(slice.Index(j), fieldType.Elem(), values, int(start)+j); err != nil {
			return fmt.Errorf("list element [%d]: %w", j, err)
		}
	}
	field.Set(slice)
	return nil
}

// serializeParams builds the 1-row parameter batch for a request struct.
func serializeParams(schema *arrow.Schema, params any) (arrow.RecordBatch, error) {
	rv := reflect.ValueOf(params)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if schema.NumFields() == 0 {
		return array.NewRecordBatch(schema, nil, 0), nil
	}

	mem := memory.NewGoAllocator()
	byName := make(map[string]any, schema.NumFields())
	_ = taggedFields(rv.Type(), func(i int, _ reflect.StructField, info tagInfo) error {
		byName[info.Name] = rv.Field(i).Interface()
		return nil
	})

	cols := make([]arrow.Array, 0, schema.NumFields())
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	for _, f := range schema.Fields() {
		arr, err := buildArray(mem, f.Type, byName[f.Name])
		if err != nil {
			return nil, fmt.Errorf("serialize parameter %s: %w", f.Name, err)
		}
		cols = append(cols, arr)
	}
	return array.NewRecordBatch(schema, cols, 1), nil
}

// serializeResult builds a 1-row record batch with a single "result" column.
func serializeResult(schema *arrow.Schema, value any) (arrow.RecordBatch, error) {
	if schema.NumFields() == 0 {
		return array.NewRecordBatch(schema, nil, 0), nil
	}

	arr, err := buildArray(memory.NewGoAllocator(), schema.Field(0).Type, value)
	if err != nil {
		return nil, fmt.Errorf("serialize result: %w", err)
	}
	defer arr.Release()

	return array.NewRecordBatch(schema, []arrow.Array{arr}, 1), nil
}

// buildArray creates a 1-element Arrow array from a Go value.
func buildArray(mem memory.Allocator, dt arrow.DataType, value any) (arrow.Array, error) {
	b := array.NewBuilder(mem, dt)
	defer b.Release()
	if err := appendToBuilder(b, dt, value); err != nil {
		return nil, err
	}
	return b.NewArray(), nil
}

// appendToBuilder appends a single value to an Arrow array builder.
func appendToBuilder(b array.Builder, dt arrow.DataType, value any) error {
	if value == nil {
		b.AppendNull()
		return nil
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			b.AppendNull()
			return nil
		}
		rv = rv.Elem()
		value = rv.Interface()
	}

	switch dt.ID() {
	case arrow.STRING:
		b.(*array.StringBuilder).Append(fmt.Sprintf("%v", value))
	case arrow.INT64:
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		b.(*array.Int64Builder).Append(v)
	case arrow.INT32:
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		b.(*array.Int32Builder).Append(int32(v))
	case arrow.FLOAT64:
		v, err := toFloat64(value)
		if err != nil {
			return err
		}
		b.(*array.Float64Builder).Append(v)
	case arrow.FLOAT32:
		v, err := toFloat64(value)
		if err != nil {
			return err
		}
		b.(*array.Float32Builder).Append(float32(v))
	case arrow.BOOL:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("cannot convert %T to bool", value)
		}
		b.(*array.BooleanBuilder).Append(v)
	case arrow.BINARY:
		v, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("cannot convert %T to binary", value)
		}
		b.(*array.BinaryBuilder).Append(v)
	case arrow.LIST:
		if rv.Kind() != reflect.Slice {
			return fmt.Errorf("cannot convert %T to list", value)
		}
		lb := b.(*array.ListBuilder)
		lb.Append(true)
		vb := lb.ValueBuilder()
		elem := dt.(*arrow.ListType).Elem()
		for i := range rv.Len() {
			if err := appendToBuilder(vb, elem, rv.Index(i).Interface()); err != nil {
				return fmt.Errorf("list element [%d]: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unsupported type in appendToBuilder: %v", dt)
	}
	return nil
}

// Numeric conversion helpers

func toInt64(v any) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}
