package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Cell holds the value of a single column within a row. The interpretation
// of the value fields depends on the column's type; exactly one of them is
// meaningful for a given column.
type Cell struct {
	Null  bool
	Int64 int64
	Str   string
}

// Format renders the cell for the given column type
func (c Cell) Format(t ColumnType) string {
	if c.Null {
		return "NULL"
	}
	switch t {
	case TypeInt64:
		return strconv.FormatInt(c.Int64, 10)
	case TypeString:
		return strconv.Quote(c.Str)
	default:
		return "?"
	}
}

// Row is one materialized row laid out according to a Schema. Base rows held
// by rowsets are never modified in place; updates are layered on top as
// mutations and applied to copies.
type Row struct {
	schema *Schema
	cells  []Cell
}

// NewRow creates a row with all cells set to the zero value of their column
// type. Nullable cells start out null.
func NewRow(schema *Schema) *Row {
	cells := make([]Cell, schema.NumColumns())
	for i := range cells {
		if schema.Column(i).Nullable {
			cells[i].Null = true
		}
	}
	return &Row{schema: schema, cells: cells}
}

// Schema returns the schema this row is laid out against
func (r *Row) Schema() *Schema {
	return r.schema
}

// Cell returns the cell at the given column index
func (r *Row) Cell(idx int) Cell {
	return r.cells[idx]
}

// SetInt64 sets an int64 column value
func (r *Row) SetInt64(idx int, v int64) error {
	if idx < 0 || idx >= len(r.cells) {
		return ErrColumnOutOfRange
	}
	if r.schema.Column(idx).Type != TypeInt64 {
		return fmt.Errorf("column %q: %w", r.schema.Column(idx).Name, ErrTypeMismatch)
	}
	r.cells[idx] = Cell{Int64: v}
	return nil
}

// SetString sets a string column value
func (r *Row) SetString(idx int, v string) error {
	if idx < 0 || idx >= len(r.cells) {
		return ErrColumnOutOfRange
	}
	if r.schema.Column(idx).Type != TypeString {
		return fmt.Errorf("column %q: %w", r.schema.Column(idx).Name, ErrTypeMismatch)
	}
	r.cells[idx] = Cell{Str: v}
	return nil
}

// SetNull sets a nullable column to null
func (r *Row) SetNull(idx int) error {
	if idx < 0 || idx >= len(r.cells) {
		return ErrColumnOutOfRange
	}
	if !r.schema.Column(idx).Nullable {
		return fmt.Errorf("column %q is not nullable: %w", r.schema.Column(idx).Name, ErrTypeMismatch)
	}
	r.cells[idx] = Cell{Null: true}
	return nil
}

// SetCell sets the cell at the given column index without type checking.
// Used when replaying already-validated mutation payloads.
func (r *Row) SetCell(idx int, c Cell) error {
	if idx < 0 || idx >= len(r.cells) {
		return ErrColumnOutOfRange
	}
	r.cells[idx] = c
	return nil
}

// Clone returns an independent copy of the row
func (r *Row) Clone() *Row {
	cells := make([]Cell, len(r.cells))
	copy(cells, r.cells)
	return &Row{schema: r.schema, cells: cells}
}

// Equals returns true if the other row has identical cell values. Both rows
// must share an equal schema for the comparison to be meaningful.
func (r *Row) Equals(other *Row) bool {
	if other == nil || len(r.cells) != len(other.cells) {
		return false
	}
	for i := range r.cells {
		if r.cells[i] != other.cells[i] {
			return false
		}
	}
	return true
}

// String renders the row as "(k1=5, v1="x")"
func (r *Row) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, cell := range r.cells {
		if i > 0 {
			sb.WriteString(", ")
		}
		col := r.schema.Column(i)
		sb.WriteString(col.Name)
		sb.WriteByte('=')
		sb.WriteString(cell.Format(col.Type))
	}
	sb.WriteByte(')')
	return sb.String()
}
