// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"database/sql"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Query-farm/vgi-vector/internal/hostext"
	"github.com/Query-farm/vgi-vector/internal/runtime"
)

// parseVector reads a comma-separated list of numbers. An empty string is
// the empty vector.
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []float32{}, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

func newDotCommand(a *app) *cobra.Command {
	var v1, v2 string
	cmd := &cobra.Command{
		Use:   "dot",
		Short: "Dot product of two vectors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a1, err := parseVector(v1)
			if err != nil {
				return fmt.Errorf("--v1: %w", err)
			}
			a2, err := parseVector(v2)
			if err != nil {
				return fmt.Errorf("--v2: %w", err)
			}
			r, err := a.client.DotProduct(cmd.Context(), a1, a2)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), r)
			return nil
		},
	}
	cmd.Flags().StringVar(&v1, "v1", "", "first vector, e.g. 1,2,3")
	cmd.Flags().StringVar(&v2, "v2", "", "second vector, e.g. 4,5,6")
	return cmd
}

func newNormCommand(a *app) *cobra.Command {
	var v string
	cmd := &cobra.Command{
		Use:   "norm",
		Short: "Euclidean norm of a vector",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			vec, err := parseVector(v)
			if err != nil {
				return fmt.Errorf("--v: %w", err)
			}
			r, err := a.client.VectorNorm(cmd.Context(), vec)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), r)
			return nil
		},
	}
	cmd.Flags().StringVar(&v, "v", "", "vector, e.g. 3,4")
	return cmd
}

func newDescribeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "describe",
		Short: "List the methods the server exposes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			methods, err := a.client.Describe(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, m := range methods {
				names := make([]string, 0, len(m.ParamTypes))
				for name := range m.ParamTypes {
					names = append(names, name)
				}
				sort.Strings(names)
				params := make([]string, len(names))
				for i, name := range names {
					params[i] = name + " " + m.ParamTypes[name]
				}
				fmt.Fprintf(tw, "%s(%s)\t%s\n", m.Name, strings.Join(params, ", "), m.Doc)
			}
			return tw.Flush()
		},
	}
}

func newSQLCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sql QUERY",
		Short: "Run a query against in-memory SQLite with vector_dot_product and vector_norm",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := runtime.New(a.cfg.Runtime.Workers, a.logger)
			defer rt.Close()

			if err := hostext.Install(hostext.New(a.client, rt, a.logger)); err != nil {
				return err
			}
			defer hostext.Uninstall()

			db, err := hostext.Open(":memory:")
			if err != nil {
				return err
			}
			defer db.Close()

			rows, err := db.QueryContext(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer rows.Close()
			return printRows(cmd.OutOrStdout(), rows)
		},
	}
}

func printRows(w io.Writer, rows *sql.Rows) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(cols, "\t"))

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		cells := make([]string, len(vals))
		for i, v := range vals {
			switch x := v.(type) {
			case nil:
				cells[i] = "NULL"
			case []byte:
				cells[i] = fmt.Sprintf("x'%x'", x)
			default:
				cells[i] = fmt.Sprint(x)
			}
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return tw.Flush()
}
