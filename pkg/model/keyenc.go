package model

import (
	"errors"
	"fmt"
)

// ErrNullKeyCell is returned when a key column of a row is null
var ErrNullKeyCell = errors.New("key columns cannot hold null values")

// EncodeRowKey encodes the key columns of a row into a byte string whose
// lexicographic order matches the logical order of the key tuple. Encoded
// keys from the same schema can be compared directly with bytes.Compare.
//
// Int64 cells are encoded big-endian with the sign bit flipped. String cells
// are encoded with 0x00 bytes escaped as 0x00 0x01 and terminated with
// 0x00 0x00, so that prefixes sort before their extensions.
func (s *Schema) EncodeRowKey(row *Row) ([]byte, error) {
	return s.AppendRowKey(nil, row)
}

// AppendRowKey appends the encoded key of the row to dst and returns the
// extended slice
func (s *Schema) AppendRowKey(dst []byte, row *Row) ([]byte, error) {
	for i := 0; i < s.numKeyColumns; i++ {
		cell := row.Cell(i)
		if cell.Null {
			return nil, fmt.Errorf("column %q: %w", s.columns[i].Name, ErrNullKeyCell)
		}
		switch s.columns[i].Type {
		case TypeInt64:
			dst = appendInt64Key(dst, cell.Int64)
		case TypeString:
			dst = appendStringKey(dst, cell.Str)
		default:
			return nil, fmt.Errorf("column %q: %w", s.columns[i].Name, ErrUnknownColumnType)
		}
	}
	return dst, nil
}

func appendInt64Key(dst []byte, v int64) []byte {
	// Flipping the sign bit makes the big-endian byte order match the
	// signed integer order.
	u := uint64(v) ^ (1 << 63)
	return append(dst,
		byte(u>>56), byte(u>>48), byte(u>>40), byte(u>>32),
		byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
}

func appendStringKey(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			dst = append(dst, 0x00, 0x01)
		} else {
			dst = append(dst, s[i])
		}
	}
	return append(dst, 0x00, 0x00)
}
