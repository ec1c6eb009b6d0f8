package tablet

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ventfang/kudu/pkg/mvcc"
)

func TestDeltaMemStoreChains(t *testing.T) {
	schema := testSchema(t)
	dms := NewDeltaMemStore()

	key1 := keyForID(t, schema, 1)
	key2 := keyForID(t, schema, 2)

	if err := dms.Add(key1, &Mutation{TxID: 10, Change: setValChange("a")}); err != nil {
		t.Fatalf("failed to add delta: %v", err)
	}
	if err := dms.Add(key1, &Mutation{TxID: 11, Change: NewDeleteChange()}); err != nil {
		t.Fatalf("failed to add delta: %v", err)
	}
	if err := dms.Add(key2, &Mutation{TxID: 10, Change: setValChange("b")}); err != nil {
		t.Fatalf("failed to add delta: %v", err)
	}

	if dms.Count() != 3 {
		t.Errorf("expected 3 deltas, got %d", dms.Count())
	}

	chain := dms.ChainForKey(key1)
	if len(chain) != 2 || chain[0].TxID != 10 || chain[1].TxID != 11 {
		t.Errorf("unexpected chain for key 1: %v", chain)
	}
	if chain := dms.ChainForKey(keyForID(t, schema, 99)); chain != nil {
		t.Errorf("expected nil chain for absent key, got %v", chain)
	}
}

func TestDeltaMemStoreDedupe(t *testing.T) {
	schema := testSchema(t)
	dms := NewDeltaMemStore()
	key := keyForID(t, schema, 1)

	if err := dms.Add(key, &Mutation{TxID: 10, Change: setValChange("a")}); err != nil {
		t.Fatalf("failed to add delta: %v", err)
	}
	err := dms.Add(key, &Mutation{TxID: 10, Change: setValChange("b")})
	if !errors.Is(err, ErrDuplicateDelta) {
		t.Errorf("expected ErrDuplicateDelta, got %v", err)
	}
	if dms.Count() != 1 {
		t.Errorf("duplicate changed the count: %d", dms.Count())
	}

	// Same key under a different transaction is fine, as is the same
	// transaction on a different key.
	if err := dms.Add(key, &Mutation{TxID: 11, Change: setValChange("c")}); err != nil {
		t.Errorf("different transaction rejected: %v", err)
	}
	if err := dms.Add(keyForID(t, schema, 2), &Mutation{TxID: 10, Change: setValChange("d")}); err != nil {
		t.Errorf("different key rejected: %v", err)
	}
}

func TestDeltaLogReplay(t *testing.T) {
	schema := testSchema(t)
	dir := t.TempDir()

	log, err := OpenDeltaLog(dir, schema, quietLogger())
	if err != nil {
		t.Fatalf("failed to open delta log: %v", err)
	}

	key1 := keyForID(t, schema, 1)
	key2 := keyForID(t, schema, 2)
	if err := log.Add(key2, &Mutation{TxID: 20, Change: NewDeleteChange()}); err != nil {
		t.Fatalf("failed to add: %v", err)
	}
	if err := log.Add(key1, &Mutation{TxID: 10, Change: setValChange("a")}); err != nil {
		t.Fatalf("failed to add: %v", err)
	}
	if err := log.Add(key1, &Mutation{TxID: 10, Change: setValChange("b")}); !errors.Is(err, ErrDuplicateDelta) {
		t.Fatalf("expected ErrDuplicateDelta, got %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("failed to close delta log: %v", err)
	}

	// Reopen and replay; entries come back in row-key order regardless of
	// insertion order.
	log, err = OpenDeltaLog(dir, schema, quietLogger())
	if err != nil {
		t.Fatalf("failed to reopen delta log: %v", err)
	}
	defer log.Close()

	type entry struct {
		key []byte
		tx  mvcc.TxID
		del bool
	}
	var replayed []entry
	err = log.Replay(func(key []byte, mut *Mutation) error {
		replayed = append(replayed, entry{key: key, tx: mut.TxID, del: mut.Change.IsDelete()})
		return nil
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if len(replayed) != 2 {
		t.Fatalf("expected 2 replayed entries, got %d", len(replayed))
	}
	if !bytes.Equal(replayed[0].key, key1) || replayed[0].tx != 10 || replayed[0].del {
		t.Errorf("unexpected first entry: %+v", replayed[0])
	}
	if !bytes.Equal(replayed[1].key, key2) || replayed[1].tx != 20 || !replayed[1].del {
		t.Errorf("unexpected second entry: %+v", replayed[1])
	}
}

func TestDiskRowSetDeltaLogSurvivesReopen(t *testing.T) {
	config := DiskRowSetConfig{
		ID:          1,
		Dir:         t.TempDir(),
		DeltaLogDir: t.TempDir(),
	}
	rs := writeTestRowSet(t, config, []int64{1, 2}, []string{"x", "y"})

	schema := rs.Schema()
	if err := rs.MutateRow(10, keyForID(t, schema, 1), setValChange("x2")); err != nil {
		t.Fatalf("failed to mutate: %v", err)
	}
	if err := rs.Close(); err != nil {
		t.Fatalf("failed to close rowset: %v", err)
	}

	rs, err := OpenDiskRowSet(config)
	if err != nil {
		t.Fatalf("failed to reopen rowset: %v", err)
	}
	defer rs.Close()

	chain := rs.DeltaTracker().ChainForKey(keyForID(t, schema, 1))
	if len(chain) != 1 || chain[0].TxID != 10 {
		t.Fatalf("mutation not recovered from delta log: %v", chain)
	}
}
