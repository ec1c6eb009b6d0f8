package tablet

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/ventfang/kudu/pkg/model"
	"github.com/ventfang/kudu/pkg/mvcc"
)

// Mutation is one pending change layered on top of a base row, tagged with
// the transaction that produced it. Mutations for one row form an ordered
// chain; chain order is insertion order, not commit order. A chain handed
// to a compaction input is a read-only view.
type Mutation struct {
	TxID   mvcc.TxID
	Change *RowChange
}

// String renders the mutation against the given schema, e.g.
// `@tx10(SET val="a")`
func (m *Mutation) String(schema *model.Schema) string {
	return fmt.Sprintf("@tx%d(%s)", m.TxID, m.Change.String(schema))
}

// ColumnUpdate sets one column of a row to a new value
type ColumnUpdate struct {
	ColIdx int
	Value  model.Cell
}

// RowChange is the delta payload of a mutation: either a row deletion or a
// set of column updates. The payload is opaque to the merge machinery; only
// the flush driver interprets it.
type RowChange struct {
	deleted bool
	updates []ColumnUpdate
}

// NewDeleteChange creates a change which deletes the row
func NewDeleteChange() *RowChange {
	return &RowChange{deleted: true}
}

// NewUpdateChange creates a change which sets the given columns
func NewUpdateChange(updates ...ColumnUpdate) *RowChange {
	return &RowChange{updates: updates}
}

// IsDelete returns true if this change deletes the row
func (c *RowChange) IsDelete() bool {
	return c.deleted
}

// ApplyTo applies the change's column updates to the row in place. Calling
// ApplyTo on a delete change is a programming error.
func (c *RowChange) ApplyTo(row *model.Row) error {
	if c.deleted {
		panic("tablet: ApplyTo called on a DELETE row change")
	}
	schema := row.Schema()
	for _, u := range c.updates {
		if u.ColIdx < 0 || u.ColIdx >= schema.NumColumns() {
			return errors.Wrapf(model.ErrColumnOutOfRange, "update to column %d", u.ColIdx)
		}
		if u.Value.Null && !schema.Column(u.ColIdx).Nullable {
			return errors.Wrapf(model.ErrTypeMismatch,
				"update sets non-nullable column %q to null", schema.Column(u.ColIdx).Name)
		}
		if err := row.SetCell(u.ColIdx, u.Value); err != nil {
			return err
		}
	}
	return nil
}

// String renders the change against the given schema
func (c *RowChange) String(schema *model.Schema) string {
	if c.deleted {
		return "DELETE"
	}
	var sb strings.Builder
	sb.WriteString("SET ")
	for i, u := range c.updates {
		if i > 0 {
			sb.WriteString(", ")
		}
		col := schema.Column(u.ColIdx)
		sb.WriteString(col.Name)
		sb.WriteByte('=')
		sb.WriteString(u.Value.Format(col.Type))
	}
	return sb.String()
}

const (
	changeTypeDelete byte = 1
	changeTypeUpdate byte = 2
)

// encodeRowChange serializes a row change for the durable delta log
func encodeRowChange(dst []byte, schema *model.Schema, c *RowChange) []byte {
	if c.deleted {
		return append(dst, changeTypeDelete)
	}
	dst = append(dst, changeTypeUpdate)
	dst = binary.AppendUvarint(dst, uint64(len(c.updates)))
	for _, u := range c.updates {
		dst = binary.AppendUvarint(dst, uint64(u.ColIdx))
		if u.Value.Null {
			dst = append(dst, 1)
			continue
		}
		dst = append(dst, 0)
		switch schema.Column(u.ColIdx).Type {
		case model.TypeInt64:
			dst = binary.LittleEndian.AppendUint64(dst, uint64(u.Value.Int64))
		case model.TypeString:
			dst = binary.AppendUvarint(dst, uint64(len(u.Value.Str)))
			dst = append(dst, u.Value.Str...)
		}
	}
	return dst
}

// decodeRowChange deserializes a row change produced by encodeRowChange
func decodeRowChange(schema *model.Schema, data []byte) (*RowChange, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(ErrRowSetCorrupted, "empty row change")
	}
	switch data[0] {
	case changeTypeDelete:
		return NewDeleteChange(), nil
	case changeTypeUpdate:
	default:
		return nil, errors.Wrapf(ErrRowSetCorrupted, "unknown row change type %d", data[0])
	}

	pos := 1
	count, n := binary.Uvarint(data[pos:])
	if n <= 0 {
		return nil, errors.Wrap(ErrRowSetCorrupted, "truncated row change")
	}
	pos += n

	updates := make([]ColumnUpdate, 0, count)
	for i := uint64(0); i < count; i++ {
		colIdx, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return nil, errors.Wrap(ErrRowSetCorrupted, "truncated row change")
		}
		pos += n
		if colIdx >= uint64(schema.NumColumns()) {
			return nil, errors.Wrapf(ErrRowSetCorrupted, "row change column %d out of range", colIdx)
		}
		if pos >= len(data) {
			return nil, errors.Wrap(ErrRowSetCorrupted, "truncated row change")
		}

		isNull := data[pos] == 1
		pos++
		if isNull {
			updates = append(updates, ColumnUpdate{ColIdx: int(colIdx), Value: model.Cell{Null: true}})
			continue
		}

		var cell model.Cell
		switch schema.Column(int(colIdx)).Type {
		case model.TypeInt64:
			if pos+8 > len(data) {
				return nil, errors.Wrap(ErrRowSetCorrupted, "truncated row change")
			}
			cell.Int64 = int64(binary.LittleEndian.Uint64(data[pos:]))
			pos += 8
		case model.TypeString:
			strLen, n := binary.Uvarint(data[pos:])
			if n <= 0 {
				return nil, errors.Wrap(ErrRowSetCorrupted, "truncated row change")
			}
			pos += n
			if pos+int(strLen) > len(data) {
				return nil, errors.Wrap(ErrRowSetCorrupted, "truncated row change")
			}
			cell.Str = string(data[pos : pos+int(strLen)])
			pos += int(strLen)
		}
		updates = append(updates, ColumnUpdate{ColIdx: int(colIdx), Value: cell})
	}
	return NewUpdateChange(updates...), nil
}
