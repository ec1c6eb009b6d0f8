// Package tablet implements the compaction engine of a tablet-oriented
// storage layer: sorted row containers (in-memory and on-disk), MVCC
// snapshot-filtered compaction inputs over them, the k-way merge across
// inputs, the flush driver that drains an input into a new on-disk rowset,
// and the missed-delta reconciliation pass that closes the race between a
// flush's snapshot and the installation of its output.
package tablet

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ventfang/kudu/pkg/model"
	"github.com/ventfang/kudu/pkg/mvcc"
)

// RowSet and compaction errors
var (
	ErrRowSetCorrupted   = errors.New("rowset data is corrupted")
	ErrRowAlreadyPresent = errors.New("row with the same key already present")
	ErrRowNotFound       = errors.New("row not found in rowset")
	ErrRowSetFrozen      = errors.New("rowset is frozen and no longer accepts inserts")
	ErrRowOutOfOrder     = errors.New("rows must be appended in ascending key order")
	ErrSchemaMismatch    = errors.New("all compaction inputs must share an equal schema")
	ErrDuplicateDelta    = errors.New("delta for this (key, transaction) pair already recorded")
)

// RowSet is a sorted, keyed collection of rows, either memory-resident
// (MemRowSet) or disk-resident (DiskRowSet). A rowset is never mutated by
// the compaction engine directly; it is only read through a compaction
// input scoped to an MVCC snapshot.
type RowSet interface {
	// Schema returns the schema the rowset's rows are laid out against.
	Schema() *model.Schema

	// NewCompactionInput creates an input reading the rowset's rows and
	// pending mutation chains under the given snapshot. Base rows inserted
	// after the snapshot's horizon are excluded; mutations are not filtered
	// for commit status (consumers test each mutation against the snapshot).
	NewCompactionInput(snap *mvcc.Snapshot) (CompactionInput, error)

	// DebugString returns a short human-readable description of the rowset.
	DebugString() string

	// compactionMutex returns the rowset's exclusive compaction lock.
	// Acquire it through TryLockRowSet, never directly.
	compactionMutex() *sync.Mutex
}

// RowSetLock is a guard for a rowset's exclusive compaction lock. Its sole
// job is to guarantee release: Unlock is idempotent and must eventually be
// called (RowSetsInCompaction.Close does this for enrolled rowsets).
type RowSetLock struct {
	mu   *sync.Mutex
	held bool
}

// TryLockRowSet attempts to acquire the rowset's compaction lock without
// blocking. Returns the guard and true on success. A rowset already locked
// by another in-flight compaction returns false immediately; it signals
// "busy", and retry policy belongs to the caller.
func TryLockRowSet(rs RowSet) (*RowSetLock, bool) {
	mu := rs.compactionMutex()
	if !mu.TryLock() {
		return nil, false
	}
	return &RowSetLock{mu: mu, held: true}, true
}

// Held returns true if the guard currently holds the lock
func (l *RowSetLock) Held() bool {
	return l != nil && l.held
}

// Unlock releases the lock. Safe to call more than once.
func (l *RowSetLock) Unlock() {
	if l == nil || !l.held {
		return
	}
	l.held = false
	l.mu.Unlock()
}

// defaultLogger returns the logger used when a config does not supply one
func defaultLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return l
}
