package tablet

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"github.com/ventfang/kudu/pkg/model"
	"github.com/ventfang/kudu/pkg/mvcc"
)

// memRowSetDegree is the branching factor of the MemRowSet's btree
const memRowSetDegree = 16

// memRow is one entry in the MemRowSet: an immutable base row plus its
// pending mutation chain. The key, row and inserting transaction never
// change after insertion; the chain grows under the rowset's lock.
type memRow struct {
	key      []byte
	row      *model.Row
	insertTx mvcc.TxID
	muts     []*Mutation
}

// MemRowSetConfig holds configuration options for a MemRowSet
type MemRowSetConfig struct {
	// Schema all inserted rows must match. Required.
	Schema *model.Schema

	// Logger for rowset operations. Defaults to a standard logrus logger.
	Logger logrus.FieldLogger
}

// MemRowSet is the mutable, memory-resident rowset. Rows are kept sorted by
// encoded key in a copy-on-write btree, which is what lets a compaction
// input take a stable point-in-time view (a Clone of the tree) while
// concurrent inserts continue.
//
// Base rows are immutable once inserted; updates and deletes are layered on
// as mutations. Freezing the rowset rejects further inserts but still
// accepts mutations to existing rows; that is exactly the state a rowset
// is in while it is being flushed, and those late mutations are what the
// missed-delta reconciliation pass exists for.
type MemRowSet struct {
	schema *model.Schema
	logger logrus.FieldLogger

	mu         sync.RWMutex
	tree       *btree.BTreeG[*memRow]
	frozen     bool
	approxSize uint64

	compactionMu sync.Mutex
}

// NewMemRowSet creates an empty MemRowSet for the given schema
func NewMemRowSet(config MemRowSetConfig) (*MemRowSet, error) {
	if config.Schema == nil {
		return nil, fmt.Errorf("MemRowSet requires a schema")
	}
	if config.Logger == nil {
		config.Logger = defaultLogger()
	}

	less := func(a, b *memRow) bool {
		return bytes.Compare(a.key, b.key) < 0
	}
	return &MemRowSet{
		schema: config.Schema,
		logger: config.Logger,
		tree:   btree.NewG(memRowSetDegree, less),
	}, nil
}

// Schema returns the rowset's schema
func (m *MemRowSet) Schema() *model.Schema {
	return m.schema
}

// Insert adds a new base row produced by the given transaction. The row is
// copied; the caller may reuse it. Inserting a key that is already present
// fails with ErrRowAlreadyPresent, and a frozen rowset fails with
// ErrRowSetFrozen.
func (m *MemRowSet) Insert(tx mvcc.TxID, row *model.Row) error {
	if !row.Schema().Equals(m.schema) {
		return ErrSchemaMismatch
	}
	key, err := m.schema.EncodeRowKey(row)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return ErrRowSetFrozen
	}
	if _, found := m.tree.Get(&memRow{key: key}); found {
		return ErrRowAlreadyPresent
	}

	m.tree.ReplaceOrInsert(&memRow{
		key:      key,
		row:      row.Clone(),
		insertTx: tx,
	})
	m.approxSize += uint64(len(key)) + uint64(len(model.EncodeRow(nil, row)))

	m.logger.WithField("tx", tx).Debugf("inserted row with %d-byte key", len(key))
	return nil
}

// Mutate appends a mutation to the chain of the row with the given encoded
// key. Mutations are accepted even on a frozen rowset; they target rows
// that already exist.
func (m *MemRowSet) Mutate(tx mvcc.TxID, key []byte, change *RowChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, found := m.tree.Get(&memRow{key: key})
	if !found {
		return ErrRowNotFound
	}
	entry.muts = append(entry.muts, &Mutation{TxID: tx, Change: change})
	return nil
}

// Delete appends a delete mutation to the row with the given encoded key
func (m *MemRowSet) Delete(tx mvcc.TxID, key []byte) error {
	return m.Mutate(tx, key, NewDeleteChange())
}

// Freeze marks the rowset as no longer accepting inserts. Mutations to
// existing rows continue to be accepted.
func (m *MemRowSet) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true
	m.logger.Infof("MemRowSet frozen with %d rows, ~%d bytes", m.tree.Len(), m.approxSize)
}

// IsFrozen returns true if the rowset no longer accepts inserts
func (m *MemRowSet) IsFrozen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frozen
}

// EntryCount returns the number of base rows in the rowset
func (m *MemRowSet) EntryCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// ApproxSize returns the approximate in-memory size of the rowset in bytes
func (m *MemRowSet) ApproxSize() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.approxSize
}

// DebugString returns a short description of the rowset
func (m *MemRowSet) DebugString() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("MemRowSet(%d rows, ~%d bytes)", m.tree.Len(), m.approxSize)
}

func (m *MemRowSet) compactionMutex() *sync.Mutex {
	return &m.compactionMu
}

// NewCompactionInput creates an input over a point-in-time view of the
// rowset. The view's row membership is fixed by cloning the btree; mutation
// chains are read live (copied per block under the rowset lock), so chains
// that grow during the compaction are visible to a later input over the
// same rowset.
func (m *MemRowSet) NewCompactionInput(snap *mvcc.Snapshot) (CompactionInput, error) {
	m.mu.Lock()
	clone := m.tree.Clone()
	m.mu.Unlock()

	return &memRowSetCompactionInput{
		mrs:  m,
		tree: clone,
		snap: snap,
	}, nil
}

// memRowSetCompactionInput is the memory-source compaction input variant
type memRowSetCompactionInput struct {
	state inputState
	mrs   *MemRowSet
	tree  *btree.BTreeG[*memRow]
	snap  *mvcc.Snapshot

	// lastKey is the key of the last row visited by the previous block;
	// the next block resumes strictly after it.
	lastKey []byte
	done    bool
}

func (in *memRowSetCompactionInput) Init() error {
	in.state.checkInit()
	in.done = in.tree.Len() == 0
	return nil
}

func (in *memRowSetCompactionInput) HasMoreBlocks() bool {
	return !in.done
}

func (in *memRowSetCompactionInput) PrepareBlock(block *[]CompactionInputRow) error {
	in.state.checkPrepare()
	*block = (*block)[:0]

	// Chains grow under the rowset lock; copy them per block so the block
	// is a stable view.
	in.mrs.mu.RLock()
	defer in.mrs.mu.RUnlock()

	stopped := false
	visit := func(entry *memRow) bool {
		in.lastKey = entry.key
		if in.snap.IsCommitted(entry.insertTx) {
			var muts []*Mutation
			if len(entry.muts) > 0 {
				muts = make([]*Mutation, len(entry.muts))
				copy(muts, entry.muts)
			}
			*block = append(*block, CompactionInputRow{
				Key:       entry.key,
				Row:       entry.row,
				Mutations: muts,
			})
		}
		if len(*block) >= compactionBlockSize {
			stopped = true
			return false
		}
		return true
	}

	if in.lastKey == nil {
		in.tree.Ascend(visit)
	} else {
		resumeAfter := in.lastKey
		in.tree.AscendGreaterOrEqual(&memRow{key: resumeAfter}, func(entry *memRow) bool {
			if bytes.Equal(entry.key, resumeAfter) {
				return true
			}
			return visit(entry)
		})
	}

	if !stopped {
		in.done = true
		return nil
	}

	// Stopped on a full block; check whether anything follows the last
	// visited key so HasMoreBlocks stays accurate.
	more := false
	in.tree.AscendGreaterOrEqual(&memRow{key: in.lastKey}, func(entry *memRow) bool {
		if bytes.Equal(entry.key, in.lastKey) {
			return true
		}
		more = true
		return false
	})
	in.done = !more
	return nil
}

func (in *memRowSetCompactionInput) FinishBlock() error {
	in.state.checkFinish()
	return nil
}

func (in *memRowSetCompactionInput) Schema() *model.Schema {
	return in.mrs.schema
}
