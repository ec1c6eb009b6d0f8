package tablet

import (
	"github.com/sirupsen/logrus"

	"github.com/ventfang/kudu/pkg/model"
	"github.com/ventfang/kudu/pkg/mvcc"
)

// RowSetsInCompaction is the set of rowsets taking part in one compaction,
// each enrolled together with its held exclusive compaction lock. The set
// owns the locks for its whole lifetime: building the input, flushing, and
// reconciling missed deltas all happen under them. Close releases them all,
// which is the sole mechanism by which a later compaction may enroll the
// same rowsets.
type RowSetsInCompaction struct {
	rowsets []RowSet
	locks   []*RowSetLock
}

// AddRowSet enrolls a rowset with its already-acquired compaction lock.
// The lock must be held and the rowset must not already be enrolled;
// violating either is a programming error and panics rather than risking a
// compaction over an unlocked rowset.
func (rsc *RowSetsInCompaction) AddRowSet(rs RowSet, lock *RowSetLock) {
	if !lock.Held() {
		panic("tablet: AddRowSet with a lock that is not held")
	}
	for _, existing := range rsc.rowsets {
		if existing == rs {
			panic("tablet: rowset enrolled twice in one compaction")
		}
	}
	rsc.rowsets = append(rsc.rowsets, rs)
	rsc.locks = append(rsc.locks, lock)
}

// NumRowSets returns the number of enrolled rowsets
func (rsc *RowSetsInCompaction) NumRowSets() int {
	return len(rsc.rowsets)
}

// RowSets returns the enrolled rowsets
func (rsc *RowSetsInCompaction) RowSets() []RowSet {
	return rsc.rowsets
}

// CreateCompactionInput creates the input for this compaction: the single
// rowset's own input if only one is enrolled (a minor compaction or flush
// needs no merge), otherwise a merge over all of them. Every enrolled
// rowset's schema must equal the given schema.
func (rsc *RowSetsInCompaction) CreateCompactionInput(snap *mvcc.Snapshot, schema *model.Schema) (CompactionInput, error) {
	if len(rsc.rowsets) == 0 {
		panic("tablet: CreateCompactionInput with no enrolled rowsets")
	}

	if len(rsc.rowsets) == 1 {
		if !rsc.rowsets[0].Schema().Equals(schema) {
			return nil, ErrSchemaMismatch
		}
		return rsc.rowsets[0].NewCompactionInput(snap)
	}

	inputs := make([]CompactionInput, 0, len(rsc.rowsets))
	for _, rs := range rsc.rowsets {
		input, err := rs.NewCompactionInput(snap)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, input)
	}
	return NewMergeCompactionInput(inputs, schema)
}

// DumpToLog logs the enrolled rowsets for diagnostics
func (rsc *RowSetsInCompaction) DumpToLog(logger logrus.FieldLogger) {
	if logger == nil {
		logger = defaultLogger()
	}
	logger.Infof("selected %d rowsets to compact:", len(rsc.rowsets))
	for _, rs := range rsc.rowsets {
		logger.Infof("  %s", rs.DebugString())
	}
}

// Close releases every held lock. Idempotent; safe to defer immediately
// after building the set so locks never leak on an error path.
func (rsc *RowSetsInCompaction) Close() {
	for _, lock := range rsc.locks {
		lock.Unlock()
	}
}
