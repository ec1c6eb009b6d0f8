package tablet

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/ventfang/kudu/pkg/mvcc"
)

// deltaChain accumulates the pending mutations for one row key, in arrival
// order
type deltaChain struct {
	key  []byte
	muts []*Mutation
}

// DeltaMemStore is the in-memory delta store layered on a DiskRowSet. It
// accumulates mutations that arrive after the rowset's base data was
// written, keyed by encoded row key, and serves them back as mutation
// chains to the rowset's compaction input.
//
// Duplicate (key, transaction) pairs are rejected with ErrDuplicateDelta,
// which is what makes a repeated missed-delta reconciliation run a no-op.
type DeltaMemStore struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*deltaChain]
	seen map[string]struct{}
	n    int
}

// NewDeltaMemStore creates an empty delta store
func NewDeltaMemStore() *DeltaMemStore {
	less := func(a, b *deltaChain) bool {
		return bytes.Compare(a.key, b.key) < 0
	}
	return &DeltaMemStore{
		tree: btree.NewG(memRowSetDegree, less),
		seen: make(map[string]struct{}),
	}
}

// Add appends a mutation to the chain for the given encoded row key.
// A (key, transaction) pair that was already recorded fails with
// ErrDuplicateDelta.
func (d *DeltaMemStore) Add(key []byte, mut *Mutation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dedupeKey := deltaDedupeKey(key, mut.TxID)
	if _, dup := d.seen[dedupeKey]; dup {
		return errors.Wrapf(ErrDuplicateDelta, "tx %d", mut.TxID)
	}
	d.seen[dedupeKey] = struct{}{}

	chain, found := d.tree.Get(&deltaChain{key: key})
	if !found {
		chain = &deltaChain{key: append([]byte(nil), key...)}
		d.tree.ReplaceOrInsert(chain)
	}
	chain.muts = append(chain.muts, mut)
	d.n++
	return nil
}

// ChainForKey returns a copy of the mutation chain recorded for the given
// key, or nil if none
func (d *DeltaMemStore) ChainForKey(key []byte) []*Mutation {
	d.mu.RLock()
	defer d.mu.RUnlock()

	chain, found := d.tree.Get(&deltaChain{key: key})
	if !found || len(chain.muts) == 0 {
		return nil
	}
	muts := make([]*Mutation, len(chain.muts))
	copy(muts, chain.muts)
	return muts
}

// Count returns the total number of recorded mutations
func (d *DeltaMemStore) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.n
}

func deltaDedupeKey(key []byte, tx mvcc.TxID) string {
	buf := make([]byte, 0, len(key)+8)
	buf = append(buf, key...)
	buf = append(buf,
		byte(tx>>56), byte(tx>>48), byte(tx>>40), byte(tx>>32),
		byte(tx>>24), byte(tx>>16), byte(tx>>8), byte(tx))
	return string(buf)
}
