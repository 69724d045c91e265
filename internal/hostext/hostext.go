// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package hostext embeds the vector service in a SQLite process as the
// scalar functions vector_dot_product(a, b) and vector_norm(v). Vectors are
// little-endian float32 BLOBs or JSON arrays of numbers. Each call blocks the
// SQL statement on the shared runtime while the RPC runs.
package hostext

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	sqlite "modernc.org/sqlite"

	"github.com/Query-farm/vgi-vector/internal/runtime"
)

// SQL function names.
const (
	FuncDotProduct = "vector_dot_product"
	FuncVectorNorm = "vector_norm"
)

// Caller is the RPC surface the functions call through. *vectorsvc.Client
// satisfies it.
type Caller interface {
	DotProduct(ctx context.Context, v1, v2 []float32) (float32, error)
	VectorNorm(ctx context.Context, v []float32) (float32, error)
}

// Extension binds a Caller to the runtime that blocks on it.
type Extension struct {
	caller Caller
	rt     *runtime.Runtime
	logger *slog.Logger
}

// New builds an extension. It is not visible to SQL until Install.
func New(caller Caller, rt *runtime.Runtime, logger *slog.Logger) *Extension {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extension{caller: caller, rt: rt, logger: logger}
}

// DotProduct is the synchronous form of Caller.DotProduct.
func (e *Extension) DotProduct(v1, v2 []float32) (float32, error) {
	return runtime.BlockOn(e.rt, context.Background(), func(ctx context.Context) (float32, error) {
		return e.caller.DotProduct(ctx, v1, v2)
	})
}

// VectorNorm is the synchronous form of Caller.VectorNorm.
func (e *Extension) VectorNorm(v []float32) (float32, error) {
	return runtime.BlockOn(e.rt, context.Background(), func(ctx context.Context) (float32, error) {
		return e.caller.VectorNorm(ctx, v)
	})
}

var (
	active       atomic.Pointer[Extension]
	registerOnce sync.Once
	registerErr  error
)

// ErrNotInstalled is returned by the SQL functions before Install.
var ErrNotInstalled = errors.New("hostext: extension not installed")

// Install makes ext the extension behind the SQL functions. The functions are
// registered with the driver on the first call and are visible to
// connections opened afterwards; later calls only swap the extension.
func Install(ext *Extension) error {
	active.Store(ext)
	registerOnce.Do(func() {
		registerErr = errors.Join(
			sqlite.RegisterDeterministicScalarFunction(FuncDotProduct, 2, dotProductFunc),
			sqlite.RegisterDeterministicScalarFunction(FuncVectorNorm, 1, vectorNormFunc),
		)
	})
	return registerErr
}

// Uninstall detaches the current extension. Registered functions then fail
// with ErrNotInstalled.
func Uninstall() {
	active.Store(nil)
}

// Open opens a SQLite database with the functions available.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	return db, nil
}

func dotProductFunc(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	ext := active.Load()
	if ext == nil {
		return nil, ErrNotInstalled
	}
	a, err := asVector(args[0])
	if err != nil {
		return nil, fmt.Errorf("%s: first argument: %w", FuncDotProduct, err)
	}
	b, err := asVector(args[1])
	if err != nil {
		return nil, fmt.Errorf("%s: second argument: %w", FuncDotProduct, err)
	}
	if a == nil || b == nil {
		return nil, nil
	}
	r, err := ext.DotProduct(a, b)
	if err != nil {
		ext.logger.Debug("sql call failed", "function", FuncDotProduct, "err", err)
		return nil, fmt.Errorf("%s: %w", FuncDotProduct, err)
	}
	return float64(r), nil
}

func vectorNormFunc(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	ext := active.Load()
	if ext == nil {
		return nil, ErrNotInstalled
	}
	v, err := asVector(args[0])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", FuncVectorNorm, err)
	}
	if v == nil {
		return nil, nil
	}
	r, err := ext.VectorNorm(v)
	if err != nil {
		ext.logger.Debug("sql call failed", "function", FuncVectorNorm, "err", err)
		return nil, fmt.Errorf("%s: %w", FuncVectorNorm, err)
	}
	return float64(r), nil
}

// asVector decodes a SQL argument. NULL yields a nil slice; an empty BLOB or
// "[]" yields an empty, non-nil one.
func asVector(arg driver.Value) ([]float32, error) {
	switch v := arg.(type) {
	case nil:
		return nil, nil
	case []byte:
		return DecodeVector(v)
	case string:
		out := []float32{}
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return nil, fmt.Errorf("vector text must be a JSON array of numbers: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported argument type %T; want BLOB or JSON text", arg)
	}
}

// EncodeVector packs v as little-endian float32 values.
func EncodeVector(v []float32) []byte {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

// DecodeVector unpacks little-endian float32 values.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid vector blob length %d", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
