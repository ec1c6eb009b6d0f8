package tablet

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/ventfang/kudu/pkg/model"
	"github.com/ventfang/kudu/pkg/mvcc"
)

// writeTestRowSet flushes the given (id, val) pairs, already sorted by id,
// into a new disk rowset and opens it
func writeTestRowSet(t *testing.T, config DiskRowSetConfig, ids []int64, vals []string) *DiskRowSet {
	t.Helper()
	schema := testSchema(t)
	config.Logger = quietLogger()

	w, err := NewDiskRowSetWriter(config, schema)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	for i := range ids {
		if err := w.Append(testRow(t, schema, ids[i], vals[i])); err != nil {
			t.Fatalf("failed to append row %d: %v", ids[i], err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("failed to finish writer: %v", err)
	}

	rs, err := OpenDiskRowSet(config)
	if err != nil {
		t.Fatalf("failed to open rowset: %v", err)
	}
	return rs
}

func TestDiskRowSetRoundTrip(t *testing.T) {
	config := DiskRowSetConfig{ID: 1, Dir: t.TempDir()}
	rs := writeTestRowSet(t, config,
		[]int64{1, 2, 3}, []string{"x", "y", "z"})
	defer rs.Close()

	if rs.RowCount() != 3 {
		t.Errorf("expected 3 rows, got %d", rs.RowCount())
	}

	input, err := rs.NewCompactionInput(mvcc.NewSnapshotIncludingAll())
	if err != nil {
		t.Fatalf("failed to create compaction input: %v", err)
	}
	rows := drainInput(t, input)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows from input, got %d", len(rows))
	}
	for i, want := range []string{"x", "y", "z"} {
		if got := rows[i].Row.Cell(1).Str; got != want {
			t.Errorf("row %d: expected val %q, got %q", i, want, got)
		}
	}
}

func TestDiskRowSetSpansBlocks(t *testing.T) {
	const n = 5*writerBlockRows + 11

	ids := make([]int64, n)
	vals := make([]string, n)
	for i := range ids {
		ids[i] = int64(i)
		vals[i] = "v"
	}

	config := DiskRowSetConfig{ID: 2, Dir: t.TempDir()}
	rs := writeTestRowSet(t, config, ids, vals)
	defer rs.Close()

	input, err := rs.NewCompactionInput(mvcc.NewSnapshotIncludingAll())
	if err != nil {
		t.Fatalf("failed to create compaction input: %v", err)
	}
	rows := drainInput(t, input)
	if len(rows) != n {
		t.Fatalf("expected %d rows, got %d", n, len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if bytes.Compare(rows[i-1].Key, rows[i].Key) >= 0 {
			t.Fatalf("keys out of order at row %d", i)
		}
	}
}

func TestDiskRowSetWriterRejectsOutOfOrder(t *testing.T) {
	schema := testSchema(t)
	config := DiskRowSetConfig{ID: 3, Dir: t.TempDir(), Logger: quietLogger()}

	w, err := NewDiskRowSetWriter(config, schema)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	if err := w.Append(testRow(t, schema, 5, "a")); err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	if err := w.Append(testRow(t, schema, 5, "b")); !errors.Is(err, ErrRowOutOfOrder) {
		t.Errorf("expected ErrRowOutOfOrder for duplicate key, got %v", err)
	}
	if err := w.Append(testRow(t, schema, 3, "c")); !errors.Is(err, ErrRowOutOfOrder) {
		t.Errorf("expected ErrRowOutOfOrder for smaller key, got %v", err)
	}
}

func TestDiskRowSetDetectsCorruption(t *testing.T) {
	config := DiskRowSetConfig{ID: 4, Dir: t.TempDir()}
	rs := writeTestRowSet(t, config,
		[]int64{1, 2, 3}, []string{"x", "y", "z"})
	rs.Close()

	// Flip one byte inside the first block's payload. The header is 10
	// bytes plus the encoded schema, then the block's row count and payload
	// length, then the payload itself.
	data, err := os.ReadFile(config.dataPath())
	if err != nil {
		t.Fatalf("failed to read data file: %v", err)
	}
	payloadStart := 10 + len(model.EncodeSchema(nil, rs.Schema())) + 8
	data[payloadStart] ^= 0xff
	if err := os.WriteFile(config.dataPath(), data, 0o644); err != nil {
		t.Fatalf("failed to rewrite data file: %v", err)
	}

	rs, err = OpenDiskRowSet(config)
	if err != nil {
		t.Fatalf("failed to reopen rowset: %v", err)
	}
	defer rs.Close()

	input, err := rs.NewCompactionInput(mvcc.NewSnapshotIncludingAll())
	if err != nil {
		t.Fatalf("failed to create compaction input: %v", err)
	}
	if err := input.Init(); err != nil {
		t.Fatalf("failed to init compaction input: %v", err)
	}

	var sawErr error
	var block []CompactionInputRow
	for input.HasMoreBlocks() {
		if err := input.PrepareBlock(&block); err != nil {
			sawErr = err
			break
		}
		if err := input.FinishBlock(); err != nil {
			t.Fatalf("failed to finish block: %v", err)
		}
	}
	if !errors.Is(sawErr, ErrRowSetCorrupted) {
		t.Errorf("expected ErrRowSetCorrupted reading blocks, got %v", sawErr)
	}
}

func TestDiskRowSetBadMagic(t *testing.T) {
	config := DiskRowSetConfig{ID: 5, Dir: t.TempDir()}
	rs := writeTestRowSet(t, config, []int64{1}, []string{"x"})
	rs.Close()

	data, err := os.ReadFile(config.dataPath())
	if err != nil {
		t.Fatalf("failed to read data file: %v", err)
	}
	data[0] ^= 0xff
	if err := os.WriteFile(config.dataPath(), data, 0o644); err != nil {
		t.Fatalf("failed to rewrite data file: %v", err)
	}

	if _, err := OpenDiskRowSet(config); !errors.Is(err, ErrRowSetCorrupted) {
		t.Errorf("expected ErrRowSetCorrupted, got %v", err)
	}
}

func TestDiskRowSetMayContainKey(t *testing.T) {
	config := DiskRowSetConfig{ID: 6, Dir: t.TempDir()}
	rs := writeTestRowSet(t, config,
		[]int64{10, 20, 30}, []string{"a", "b", "c"})
	defer rs.Close()

	schema := rs.Schema()
	if !rs.MayContainKey(keyForID(t, schema, 20)) {
		t.Errorf("filter reported false negative for present key")
	}
	if rs.MayContainKey(keyForID(t, schema, 5)) {
		t.Errorf("key below the rowset's range should be rejected")
	}
	if rs.MayContainKey(keyForID(t, schema, 500)) {
		t.Errorf("key above the rowset's range should be rejected")
	}
}

func TestDiskRowSetMutationsSurfaceInInput(t *testing.T) {
	config := DiskRowSetConfig{ID: 7, Dir: t.TempDir()}
	rs := writeTestRowSet(t, config,
		[]int64{1, 2}, []string{"x", "y"})
	defer rs.Close()

	schema := rs.Schema()
	if err := rs.MutateRow(10, keyForID(t, schema, 2), setValChange("y2")); err != nil {
		t.Fatalf("failed to mutate row: %v", err)
	}

	if err := rs.MutateRow(11, keyForID(t, schema, 999), setValChange("zz")); !errors.Is(err, ErrRowNotFound) {
		t.Errorf("expected ErrRowNotFound for absent key, got %v", err)
	}

	input, err := rs.NewCompactionInput(mvcc.NewSnapshotIncludingAll())
	if err != nil {
		t.Fatalf("failed to create compaction input: %v", err)
	}
	rows := drainInput(t, input)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if len(rows[0].Mutations) != 0 {
		t.Errorf("row 1 should have no mutations")
	}
	if len(rows[1].Mutations) != 1 || rows[1].Mutations[0].TxID != 10 {
		t.Errorf("row 2 should carry the tx 10 mutation")
	}
}
