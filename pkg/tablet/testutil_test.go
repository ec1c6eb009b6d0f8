package tablet

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/ventfang/kudu/pkg/model"
	"github.com/ventfang/kudu/pkg/mvcc"
)

// testSchema returns the schema used throughout these tests: an int64 key
// plus a string value and a nullable string note
func testSchema(t *testing.T) *model.Schema {
	t.Helper()
	schema, err := model.NewSchema([]model.ColumnSchema{
		{Name: "id", Type: model.TypeInt64},
		{Name: "val", Type: model.TypeString},
		{Name: "note", Type: model.TypeString, Nullable: true},
	}, 1)
	if err != nil {
		t.Fatalf("failed to create test schema: %v", err)
	}
	return schema
}

func testRow(t *testing.T, schema *model.Schema, id int64, val string) *model.Row {
	t.Helper()
	row := model.NewRow(schema)
	if err := row.SetInt64(0, id); err != nil {
		t.Fatalf("failed to set id: %v", err)
	}
	if err := row.SetString(1, val); err != nil {
		t.Fatalf("failed to set val: %v", err)
	}
	return row
}

func keyForID(t *testing.T, schema *model.Schema, id int64) []byte {
	t.Helper()
	key, err := schema.EncodeRowKey(testRow(t, schema, id, ""))
	if err != nil {
		t.Fatalf("failed to encode key for id %d: %v", id, err)
	}
	return key
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestMemRowSet(t *testing.T, schema *model.Schema) *MemRowSet {
	t.Helper()
	mrs, err := NewMemRowSet(MemRowSetConfig{Schema: schema, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("failed to create MemRowSet: %v", err)
	}
	return mrs
}

// drainInput inits and fully consumes a compaction input, returning deep
// enough copies of every yielded row for later assertions
func drainInput(t *testing.T, input CompactionInput) []CompactionInputRow {
	t.Helper()
	if err := input.Init(); err != nil {
		t.Fatalf("failed to init compaction input: %v", err)
	}

	var out []CompactionInputRow
	var block []CompactionInputRow
	for input.HasMoreBlocks() {
		if err := input.PrepareBlock(&block); err != nil {
			t.Fatalf("failed to prepare block: %v", err)
		}
		for i := range block {
			copied := CompactionInputRow{
				Key:       append([]byte(nil), block[i].Key...),
				Row:       block[i].Row.Clone(),
				Mutations: append([]*Mutation(nil), block[i].Mutations...),
			}
			out = append(out, copied)
		}
		if err := input.FinishBlock(); err != nil {
			t.Fatalf("failed to finish block: %v", err)
		}
	}
	return out
}

// mustInsert inserts a (id, val) row produced by the given transaction
func mustInsert(t *testing.T, mrs *MemRowSet, tx mvcc.TxID, id int64, val string) {
	t.Helper()
	if err := mrs.Insert(tx, testRow(t, mrs.Schema(), id, val)); err != nil {
		t.Fatalf("failed to insert row %d: %v", id, err)
	}
}

// setValChange builds a RowChange setting the val column
func setValChange(val string) *RowChange {
	return NewUpdateChange(ColumnUpdate{ColIdx: 1, Value: model.Cell{Str: val}})
}
