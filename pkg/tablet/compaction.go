package tablet

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ventfang/kudu/pkg/model"
	"github.com/ventfang/kudu/pkg/mvcc"
)

// compactionBlockSize is the number of rows an input yields per prepared
// block. Inputs backed by disk blocks may yield their natural block size
// instead; the contract is ordering, not block geometry.
const compactionBlockSize = 128

// CompactionInputRow is the unit yielded by a compaction input: one base
// row together with its pending mutation chain (possibly empty), and the
// row's encoded key. The row and chain are only valid until the next block
// is prepared; consumers needing them longer must copy.
type CompactionInputRow struct {
	// Key is the row's encoded primary key. Keys from inputs sharing a
	// schema compare with bytes.Compare.
	Key []byte

	// Row is the base row. Never modified by the engine; the flush driver
	// applies mutations to a clone.
	Row *model.Row

	// Mutations is the row's pending mutation chain in insertion order.
	// Not filtered for commit status; callers must test each mutation's
	// transaction against their snapshot.
	Mutations []*Mutation
}

// CompactionInput produces a lazy, blockwise sequence of rows with their
// mutation chains, in ascending key order, filtered by an MVCC snapshot for
// base-row visibility.
//
// Call protocol: Init exactly once before anything else; then alternate
// HasMoreBlocks / PrepareBlock / FinishBlock. Only one block may be open at
// a time. Protocol violations are programming errors and panic.
//
// Mutations are deliberately not pre-filtered for commit status inside
// PrepareBlock: commit filtering has to interleave with flush-time
// decisions that only the consumer can make cheaply, so inputs filter base
// rows early and leave mutation visibility to the caller.
type CompactionInput interface {
	Init() error
	HasMoreBlocks() bool
	PrepareBlock(block *[]CompactionInputRow) error
	FinishBlock() error
	Schema() *model.Schema
}

// inputState tracks the call protocol of a compaction input
type inputState struct {
	initialized bool
	blockOpen   bool
}

func (s *inputState) checkInit() {
	if s.initialized {
		panic("tablet: compaction input initialized twice")
	}
	s.initialized = true
}

func (s *inputState) checkPrepare() {
	if !s.initialized {
		panic("tablet: PrepareBlock called before Init")
	}
	if s.blockOpen {
		panic("tablet: PrepareBlock called with a block still open")
	}
	s.blockOpen = true
}

func (s *inputState) checkFinish() {
	if !s.blockOpen {
		panic("tablet: FinishBlock called without an open block")
	}
	s.blockOpen = false
}

// RowSetWriter accepts rows in ascending key order and persists them as a
// new rowset. DiskRowSetWriter is the canonical implementation.
type RowSetWriter interface {
	Append(row *model.Row) error
	Finish() error
}

// DeltaTracker is the append-only delta store layered on a rowset. The
// missed-delta reconciler forwards late-committing mutations into it so no
// committed update is lost across the compaction window. Implementations
// must reject or dedupe duplicate (key, transaction) pairs so that a
// repeated reconciliation run is a no-op.
type DeltaTracker interface {
	Add(key []byte, mut *Mutation) error
}

// FlushCompactionInput drains the input, resolving each row's mutations
// against snap, and writes the surviving rows to out in key order. The
// snapshot must match the one the input was created with.
//
// Mutations committed in snap are baked into the written row (a committed
// delete drops the row entirely); uncommitted mutations are not written at
// all. They either remain in the delta-tracking path once the new rowset is
// live, or are caught by ReupdateMissedDeltas.
//
// The input is fully consumed on return and must not be reused. The writer
// is not finished; the caller owns its lifecycle. The first error from a
// read or write aborts the flush; partial output is the caller's to
// discard.
func FlushCompactionInput(input CompactionInput, snap *mvcc.Snapshot, out RowSetWriter) error {
	if err := input.Init(); err != nil {
		return err
	}

	var block []CompactionInputRow
	for input.HasMoreBlocks() {
		if err := input.PrepareBlock(&block); err != nil {
			return err
		}
		for i := range block {
			row, deleted, err := resolveRow(&block[i], snap)
			if err != nil {
				return err
			}
			if deleted {
				continue
			}
			if err := out.Append(row); err != nil {
				return errors.Wrap(err, "appending compacted row")
			}
		}
		if err := input.FinishBlock(); err != nil {
			return err
		}
	}
	return nil
}

// resolveRow applies the committed mutations of an input row, in chain
// order, to a copy of its base row. Returns the resolved row, or
// deleted=true if a committed delete removes it.
func resolveRow(inputRow *CompactionInputRow, snap *mvcc.Snapshot) (*model.Row, bool, error) {
	row := inputRow.Row.Clone()
	deleted := false
	for _, mut := range inputRow.Mutations {
		if !snap.IsCommitted(mut.TxID) {
			continue
		}
		if mut.Change.IsDelete() {
			deleted = true
			continue
		}
		if deleted {
			// Without re-insert support a committed update can never
			// follow a committed delete in one chain.
			return nil, false, errors.Wrapf(ErrRowSetCorrupted,
				"committed mutation %s follows a committed delete", mut.String(inputRow.Row.Schema()))
		}
		if err := mut.Change.ApplyTo(row); err != nil {
			return nil, false, err
		}
	}
	return row, deleted, nil
}

// ReupdateMissedDeltas drains the input and forwards every mutation whose
// transaction is committed in snapInclude but not in snapExclude to the
// delta tracker. This closes the race where a transaction commits after the
// flush's snapshot was captured but before the new rowset is installed:
// without this pass the update would vanish with the discarded old rowsets.
//
// Mutations committed in both snapshots or in neither are skipped. The
// input is fully consumed on return.
func ReupdateMissedDeltas(input CompactionInput, snapExclude, snapInclude *mvcc.Snapshot, tracker DeltaTracker) error {
	if err := input.Init(); err != nil {
		return err
	}

	var block []CompactionInputRow
	for input.HasMoreBlocks() {
		if err := input.PrepareBlock(&block); err != nil {
			return err
		}
		for i := range block {
			for _, mut := range block[i].Mutations {
				if !mvcc.CommittedOnlyInSecond(mut.TxID, snapExclude, snapInclude) {
					continue
				}
				err := tracker.Add(block[i].Key, mut)
				if errors.Is(err, ErrDuplicateDelta) {
					// Already forwarded by an earlier run; re-running the
					// reconciliation is a no-op.
					continue
				}
				if err != nil {
					return errors.Wrapf(err, "re-applying missed delta for tx %d", mut.TxID)
				}
			}
		}
		if err := input.FinishBlock(); err != nil {
			return err
		}
	}
	return nil
}

// DebugDumpCompactionInput drains the input, rendering each row and its
// mutation chain as one line of text. Lines are appended to lines if it is
// non-nil, otherwise written to the logger (or a default logger if that is
// nil too). Diagnostic only; the input is fully consumed.
func DebugDumpCompactionInput(input CompactionInput, lines *[]string, logger logrus.FieldLogger) error {
	if err := input.Init(); err != nil {
		return err
	}
	if lines == nil && logger == nil {
		logger = defaultLogger()
	}

	schema := input.Schema()
	var block []CompactionInputRow
	for input.HasMoreBlocks() {
		if err := input.PrepareBlock(&block); err != nil {
			return err
		}
		for i := range block {
			line := dumpRow(schema, &block[i])
			if lines != nil {
				*lines = append(*lines, line)
			} else {
				logger.Info(line)
			}
		}
		if err := input.FinishBlock(); err != nil {
			return err
		}
	}
	return nil
}

func dumpRow(schema *model.Schema, inputRow *CompactionInputRow) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "row=%s mutations=[", inputRow.Row.String())
	for i, mut := range inputRow.Mutations {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(mut.String(schema))
	}
	sb.WriteByte(']')
	return sb.String()
}
