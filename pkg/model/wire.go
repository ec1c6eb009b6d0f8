package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Wire-format errors
var (
	ErrTruncatedSchema = errors.New("truncated schema encoding")
	ErrTruncatedRow    = errors.New("truncated row encoding")
)

const (
	colFlagNullable = 1 << 0
	colFlagKey      = 1 << 1
)

// EncodeSchema serializes the schema to a self-describing binary form. Key
// membership is carried as a per-column flag so a decoder can verify that
// key columns form a contiguous prefix.
func EncodeSchema(dst []byte, s *Schema) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(s.columns)))
	for i, col := range s.columns {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(col.Name)))
		dst = append(dst, col.Name...)
		dst = append(dst, byte(col.Type))

		var flags byte
		if col.Nullable {
			flags |= colFlagNullable
		}
		if i < s.numKeyColumns {
			flags |= colFlagKey
		}
		dst = append(dst, flags)
	}
	return dst
}

// DecodeSchema deserializes a schema produced by EncodeSchema and returns
// the number of bytes consumed. A schema whose key columns are not a
// contiguous prefix is rejected.
func DecodeSchema(data []byte) (*Schema, int, error) {
	if len(data) < 2 {
		return nil, 0, ErrTruncatedSchema
	}
	colCount := int(binary.LittleEndian.Uint16(data))
	pos := 2

	columns := make([]ColumnSchema, 0, colCount)
	numKey := 0
	sawNonKey := false

	for i := 0; i < colCount; i++ {
		if pos+2 > len(data) {
			return nil, 0, ErrTruncatedSchema
		}
		nameLen := int(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2

		if pos+nameLen+2 > len(data) {
			return nil, 0, ErrTruncatedSchema
		}
		name := string(data[pos : pos+nameLen])
		pos += nameLen

		colType := ColumnType(data[pos])
		flags := data[pos+1]
		pos += 2

		isKey := flags&colFlagKey != 0
		if isKey {
			if sawNonKey {
				return nil, 0, fmt.Errorf("column %q: %w", name, ErrNonContiguousKey)
			}
			numKey++
		} else {
			sawNonKey = true
		}

		columns = append(columns, ColumnSchema{
			Name:     name,
			Type:     colType,
			Nullable: flags&colFlagNullable != 0,
		})
	}

	schema, err := NewSchema(columns, numKey)
	if err != nil {
		return nil, 0, err
	}
	return schema, pos, nil
}

// EncodeRow serializes a row's cells: a null bitmap followed by the values
// of all non-null cells in column order. The encoding is only decodable
// against the row's schema.
func EncodeRow(dst []byte, row *Row) []byte {
	n := row.Schema().NumColumns()

	bitmapOff := len(dst)
	dst = append(dst, make([]byte, (n+7)/8)...)

	for i := 0; i < n; i++ {
		cell := row.Cell(i)
		if cell.Null {
			dst[bitmapOff+i/8] |= 1 << (i % 8)
			continue
		}
		switch row.Schema().Column(i).Type {
		case TypeInt64:
			dst = binary.LittleEndian.AppendUint64(dst, uint64(cell.Int64))
		case TypeString:
			dst = binary.AppendUvarint(dst, uint64(len(cell.Str)))
			dst = append(dst, cell.Str...)
		}
	}
	return dst
}

// DecodeRow deserializes one row from data and returns the row and the
// number of bytes consumed
func DecodeRow(schema *Schema, data []byte) (*Row, int, error) {
	n := schema.NumColumns()
	bitmapLen := (n + 7) / 8
	if len(data) < bitmapLen {
		return nil, 0, ErrTruncatedRow
	}
	bitmap := data[:bitmapLen]
	pos := bitmapLen

	row := NewRow(schema)
	for i := 0; i < n; i++ {
		if bitmap[i/8]&(1<<(i%8)) != 0 {
			if !schema.Column(i).Nullable {
				return nil, 0, fmt.Errorf("column %q: %w", schema.Column(i).Name, ErrTypeMismatch)
			}
			row.cells[i] = Cell{Null: true}
			continue
		}
		switch schema.Column(i).Type {
		case TypeInt64:
			if pos+8 > len(data) {
				return nil, 0, ErrTruncatedRow
			}
			row.cells[i] = Cell{Int64: int64(binary.LittleEndian.Uint64(data[pos:]))}
			pos += 8
		case TypeString:
			strLen, consumed := binary.Uvarint(data[pos:])
			if consumed <= 0 || strLen > math.MaxInt32 {
				return nil, 0, ErrTruncatedRow
			}
			pos += consumed
			if pos+int(strLen) > len(data) {
				return nil, 0, ErrTruncatedRow
			}
			row.cells[i] = Cell{Str: string(data[pos : pos+int(strLen)])}
			pos += int(strLen)
		}
	}
	return row, pos, nil
}
