package model

import (
	"errors"
	"fmt"
	"strings"
)

// Schema errors
var (
	ErrNoColumns         = errors.New("schema must have at least one column")
	ErrNoKeyColumns      = errors.New("schema must have at least one key column")
	ErrDuplicateColumn   = errors.New("schema contains a duplicate column name")
	ErrNullableKeyColumn = errors.New("key columns cannot be nullable")
	ErrNonContiguousKey  = errors.New("key columns must be contiguous and come first")
	ErrColumnOutOfRange  = errors.New("column index out of range")
	ErrTypeMismatch      = errors.New("value type does not match column type")
	ErrUnknownColumnType = errors.New("unknown column type")
)

// ColumnType identifies the data type of a column
type ColumnType uint8

const (
	// TypeInt64 is a signed 64-bit integer column
	TypeInt64 ColumnType = iota + 1

	// TypeString is a variable-length string column
	TypeString
)

// String returns the name of the column type
func (t ColumnType) String() string {
	switch t {
	case TypeInt64:
		return "int64"
	case TypeString:
		return "string"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ColumnSchema describes a single typed, named column
type ColumnSchema struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// String renders the column as "name[type]" or "name[type NULLABLE]"
func (c ColumnSchema) String() string {
	if c.Nullable {
		return fmt.Sprintf("%s[%s NULLABLE]", c.Name, c.Type)
	}
	return fmt.Sprintf("%s[%s]", c.Name, c.Type)
}

// Schema is an ordered list of typed, named columns with a designated
// key-column prefix. The first NumKeyColumns columns form the primary key;
// they are always contiguous and come first. A Schema is immutable once
// constructed.
type Schema struct {
	columns       []ColumnSchema
	numKeyColumns int
}

// NewSchema creates a Schema from the given columns, the first numKeyColumns
// of which form the primary key. Column names must be unique and key columns
// may not be nullable.
func NewSchema(columns []ColumnSchema, numKeyColumns int) (*Schema, error) {
	if len(columns) == 0 {
		return nil, ErrNoColumns
	}
	if numKeyColumns < 1 || numKeyColumns > len(columns) {
		return nil, ErrNoKeyColumns
	}

	seen := make(map[string]bool, len(columns))
	for i, col := range columns {
		if col.Type != TypeInt64 && col.Type != TypeString {
			return nil, fmt.Errorf("column %q: %w", col.Name, ErrUnknownColumnType)
		}
		if seen[col.Name] {
			return nil, fmt.Errorf("column %q: %w", col.Name, ErrDuplicateColumn)
		}
		seen[col.Name] = true

		if i < numKeyColumns && col.Nullable {
			return nil, fmt.Errorf("column %q: %w", col.Name, ErrNullableKeyColumn)
		}
	}

	s := &Schema{
		columns:       make([]ColumnSchema, len(columns)),
		numKeyColumns: numKeyColumns,
	}
	copy(s.columns, columns)
	return s, nil
}

// NumColumns returns the total number of columns
func (s *Schema) NumColumns() int {
	return len(s.columns)
}

// NumKeyColumns returns the number of key columns
func (s *Schema) NumKeyColumns() int {
	return s.numKeyColumns
}

// Column returns the schema of the column at the given index
func (s *Schema) Column(idx int) ColumnSchema {
	return s.columns[idx]
}

// ColumnIndex returns the index of the column with the given name, or -1
// if no such column exists
func (s *Schema) ColumnIndex(name string) int {
	for i, col := range s.columns {
		if col.Name == name {
			return i
		}
	}
	return -1
}

// IsKeyColumn returns true if the column at idx is part of the primary key
func (s *Schema) IsKeyColumn(idx int) bool {
	return idx >= 0 && idx < s.numKeyColumns
}

// Equals returns true if the two schemas have identical columns and the same
// key prefix
func (s *Schema) Equals(other *Schema) bool {
	if s == other {
		return true
	}
	if other == nil {
		return false
	}
	if s.numKeyColumns != other.numKeyColumns || len(s.columns) != len(other.columns) {
		return false
	}
	for i := range s.columns {
		if s.columns[i] != other.columns[i] {
			return false
		}
	}
	return true
}

// String renders the schema as "(k1[int64], v1[string]) PRIMARY KEY (k1)"
func (s *Schema) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, col := range s.columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(col.String())
	}
	sb.WriteString(") PRIMARY KEY (")
	for i := 0; i < s.numKeyColumns; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(s.columns[i].Name)
	}
	sb.WriteByte(')')
	return sb.String()
}
