package tablet

import (
	"bytes"

	"github.com/ventfang/kudu/pkg/model"
)

// mergeCursor tracks one underlying input's position within the merge: its
// current block and the index of the next unconsumed row
type mergeCursor struct {
	input CompactionInput
	block []CompactionInputRow
	idx   int
	open  bool
	done  bool
}

// current returns the cursor's current row; only valid when !done and the
// block is non-empty at idx
func (c *mergeCursor) current() *CompactionInputRow {
	return &c.block[c.idx]
}

// ensureRow pulls blocks from the underlying input until the cursor points
// at a row or the input is exhausted
func (c *mergeCursor) ensureRow() error {
	for !c.done && c.idx >= len(c.block) {
		if c.open {
			if err := c.input.FinishBlock(); err != nil {
				return err
			}
			c.open = false
		}
		if !c.input.HasMoreBlocks() {
			c.done = true
			return nil
		}
		if err := c.input.PrepareBlock(&c.block); err != nil {
			return err
		}
		c.open = true
		c.idx = 0
	}
	return nil
}

// mergeCompactionInput performs a k-way merge of several compaction inputs
// by key, preserving global sort order. Every input must share an equal
// schema, checked once at construction. Ties (which disjoint key ranges
// make impossible in practice) are broken by input index ascending to keep
// the merge deterministic.
//
// A linear scan over the cursors selects each winner; with the small input
// counts a compaction sees, this beats maintaining a heap.
type mergeCompactionInput struct {
	state   inputState
	schema  *model.Schema
	cursors []*mergeCursor
}

// NewMergeCompactionInput creates an input merging the given inputs in key
// order according to schema. An input whose schema differs from schema is
// an unrecoverable construction error.
func NewMergeCompactionInput(inputs []CompactionInput, schema *model.Schema) (CompactionInput, error) {
	cursors := make([]*mergeCursor, 0, len(inputs))
	for _, input := range inputs {
		if !input.Schema().Equals(schema) {
			return nil, ErrSchemaMismatch
		}
		cursors = append(cursors, &mergeCursor{input: input})
	}
	return &mergeCompactionInput{schema: schema, cursors: cursors}, nil
}

func (m *mergeCompactionInput) Init() error {
	m.state.checkInit()
	for _, c := range m.cursors {
		if err := c.input.Init(); err != nil {
			return err
		}
		if err := c.ensureRow(); err != nil {
			return err
		}
	}
	return nil
}

func (m *mergeCompactionInput) HasMoreBlocks() bool {
	for _, c := range m.cursors {
		if !c.done {
			return true
		}
	}
	return false
}

func (m *mergeCompactionInput) PrepareBlock(block *[]CompactionInputRow) error {
	m.state.checkPrepare()
	*block = (*block)[:0]

	for len(*block) < compactionBlockSize {
		var winner *mergeCursor
		for _, c := range m.cursors {
			if c.done {
				continue
			}
			// Earlier cursors win ties, so only a strictly smaller key
			// displaces the current winner.
			if winner == nil || bytes.Compare(c.current().Key, winner.current().Key) < 0 {
				winner = c
			}
		}
		if winner == nil {
			break
		}

		*block = append(*block, *winner.current())
		winner.idx++
		if err := winner.ensureRow(); err != nil {
			return err
		}
	}
	return nil
}

func (m *mergeCompactionInput) FinishBlock() error {
	m.state.checkFinish()
	return nil
}

func (m *mergeCompactionInput) Schema() *model.Schema {
	return m.schema
}
