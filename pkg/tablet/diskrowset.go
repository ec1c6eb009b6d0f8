package tablet

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ventfang/kudu/pkg/model"
	"github.com/ventfang/kudu/pkg/mvcc"
)

// DiskRowSetMagic identifies a disk rowset data file
const DiskRowSetMagic uint32 = 0x44525357 // "DRSW"

// diskRowSetFooterMagic terminates a complete data file
const diskRowSetFooterMagic uint32 = 0x44525346 // "DRSF"

// DiskRowSetVersion is the current version of the on-disk format
const DiskRowSetVersion uint16 = 1

const (
	// writerBlockRows is the number of rows buffered into one on-disk block
	writerBlockRows = 64

	// keyFilterFPRate is the false positive rate the key filter is sized for
	keyFilterFPRate = 0.01
)

// DiskRowSetConfig holds configuration options for creating or opening a
// DiskRowSet
type DiskRowSetConfig struct {
	// ID is the rowset's unique identifier within its tablet.
	ID uint64

	// Dir is the directory holding the rowset's data file.
	Dir string

	// Logger for rowset operations. Defaults to a standard logrus logger.
	Logger logrus.FieldLogger

	// DeltaLogDir, if non-empty, enables a durable badger-backed delta log
	// in that directory. Accepted mutations are written through to it and
	// replayed into the in-memory delta store on open.
	DeltaLogDir string
}

func (c DiskRowSetConfig) dataPath() string {
	return filepath.Join(c.Dir, fmt.Sprintf("%d.drs", c.ID))
}

// DiskRowSet is the immutable, disk-resident rowset. Its data file holds a
// self-describing schema followed by sorted, checksummed row blocks and a
// footer with row count, key bounds and a key filter. Post-write mutations
// accumulate in an attached delta store and are surfaced as mutation chains
// by the rowset's compaction input.
type DiskRowSet struct {
	id     uint64
	path   string
	schema *model.Schema
	logger logrus.FieldLogger

	rowCount   uint64
	minKey     []byte
	maxKey     []byte
	filter     *KeyFilter
	dataOffset int64

	dms      *DeltaMemStore
	deltaLog *DeltaLog

	compactionMu sync.Mutex
}

// OpenDiskRowSet opens an existing rowset, validating its header and
// footer. A configured delta log is replayed into the in-memory delta
// store.
func OpenDiskRowSet(config DiskRowSetConfig) (*DiskRowSet, error) {
	if config.Logger == nil {
		config.Logger = defaultLogger()
	}

	d := &DiskRowSet{
		id:     config.ID,
		path:   config.dataPath(),
		logger: config.Logger,
		dms:    NewDeltaMemStore(),
	}

	f, err := os.Open(d.path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening rowset %d", config.ID)
	}
	defer f.Close()

	if err := d.readHeader(f); err != nil {
		return nil, err
	}
	if err := d.readFooter(f); err != nil {
		return nil, err
	}

	if config.DeltaLogDir != "" {
		log, err := OpenDeltaLog(config.DeltaLogDir, d.schema, config.Logger)
		if err != nil {
			return nil, err
		}
		err = log.Replay(func(key []byte, mut *Mutation) error {
			return d.dms.Add(key, mut)
		})
		if err != nil {
			log.Close()
			return nil, errors.Wrapf(err, "replaying delta log for rowset %d", config.ID)
		}
		d.deltaLog = log
	}

	d.logger.Debugf("opened DiskRowSet %d: %d rows, %d pending deltas",
		d.id, d.rowCount, d.dms.Count())
	return d, nil
}

func (d *DiskRowSet) readHeader(f *os.File) error {
	var fixed [10]byte
	if _, err := io.ReadFull(f, fixed[:]); err != nil {
		return errors.Wrap(ErrRowSetCorrupted, "short rowset header")
	}
	if binary.LittleEndian.Uint32(fixed[0:]) != DiskRowSetMagic {
		return errors.Wrap(ErrRowSetCorrupted, "bad rowset magic")
	}
	if binary.LittleEndian.Uint16(fixed[4:]) != DiskRowSetVersion {
		return errors.Wrapf(ErrRowSetCorrupted, "unsupported rowset version %d",
			binary.LittleEndian.Uint16(fixed[4:]))
	}

	schemaLen := binary.LittleEndian.Uint32(fixed[6:])
	schemaBuf := make([]byte, schemaLen)
	if _, err := io.ReadFull(f, schemaBuf); err != nil {
		return errors.Wrap(ErrRowSetCorrupted, "short rowset schema")
	}
	schema, _, err := model.DecodeSchema(schemaBuf)
	if err != nil {
		return errors.Wrap(err, "decoding rowset schema")
	}

	d.schema = schema
	d.dataOffset = int64(10 + schemaLen)
	return nil
}

func (d *DiskRowSet) readFooter(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "stat rowset data file")
	}
	if info.Size() < 8 {
		return errors.Wrap(ErrRowSetCorrupted, "rowset data file too short")
	}

	var trailer [8]byte
	if _, err := f.ReadAt(trailer[:], info.Size()-8); err != nil {
		return errors.Wrap(err, "reading rowset trailer")
	}
	if binary.LittleEndian.Uint32(trailer[4:]) != diskRowSetFooterMagic {
		return errors.Wrap(ErrRowSetCorrupted, "bad rowset footer magic")
	}

	footerLen := int64(binary.LittleEndian.Uint32(trailer[0:]))
	if footerLen <= 0 || footerLen > info.Size()-8 {
		return errors.Wrap(ErrRowSetCorrupted, "bad rowset footer length")
	}
	footer := make([]byte, footerLen)
	if _, err := f.ReadAt(footer, info.Size()-8-footerLen); err != nil {
		return errors.Wrap(err, "reading rowset footer")
	}

	if len(footer) < 12 {
		return errors.Wrap(ErrRowSetCorrupted, "truncated rowset footer")
	}
	d.rowCount = binary.LittleEndian.Uint64(footer)
	pos := 8

	minKeyLen := int(binary.LittleEndian.Uint16(footer[pos:]))
	pos += 2
	if pos+minKeyLen+2 > len(footer) {
		return errors.Wrap(ErrRowSetCorrupted, "truncated rowset footer")
	}
	d.minKey = append([]byte(nil), footer[pos:pos+minKeyLen]...)
	pos += minKeyLen

	maxKeyLen := int(binary.LittleEndian.Uint16(footer[pos:]))
	pos += 2
	if pos+maxKeyLen > len(footer) {
		return errors.Wrap(ErrRowSetCorrupted, "truncated rowset footer")
	}
	d.maxKey = append([]byte(nil), footer[pos:pos+maxKeyLen]...)
	pos += maxKeyLen

	if d.rowCount > 0 {
		filter, _, err := decodeKeyFilter(footer[pos:])
		if err != nil {
			return err
		}
		d.filter = filter
	}
	return nil
}

// ID returns the rowset's identifier
func (d *DiskRowSet) ID() uint64 {
	return d.id
}

// Schema returns the rowset's schema
func (d *DiskRowSet) Schema() *model.Schema {
	return d.schema
}

// RowCount returns the number of base rows in the rowset
func (d *DiskRowSet) RowCount() uint64 {
	return d.rowCount
}

// MinKey returns a copy of the smallest encoded key, or nil if empty
func (d *DiskRowSet) MinKey() []byte {
	if d.minKey == nil {
		return nil
	}
	return append([]byte(nil), d.minKey...)
}

// MaxKey returns a copy of the largest encoded key, or nil if empty
func (d *DiskRowSet) MaxKey() []byte {
	if d.maxKey == nil {
		return nil
	}
	return append([]byte(nil), d.maxKey...)
}

// MayContainKey returns true if the rowset might contain the given encoded
// key. False positives are possible (the check is a key-range test plus a
// bloom filter probe), false negatives are not.
func (d *DiskRowSet) MayContainKey(key []byte) bool {
	if d.rowCount == 0 {
		return false
	}
	if bytes.Compare(key, d.minKey) < 0 || bytes.Compare(key, d.maxKey) > 0 {
		return false
	}
	return d.filter.MayContain(key)
}

// MutateRow records a mutation against the row with the given encoded key.
// Keys the rowset definitely does not contain fail with ErrRowNotFound; a
// filter false positive can let a mutation for an absent key through, which
// is harmless (it is never joined to a base row).
func (d *DiskRowSet) MutateRow(tx mvcc.TxID, key []byte, change *RowChange) error {
	if !d.MayContainKey(key) {
		return ErrRowNotFound
	}
	mut := &Mutation{TxID: tx, Change: change}
	if d.deltaLog != nil {
		if err := d.deltaLog.Add(key, mut); err != nil {
			return err
		}
	}
	return d.dms.Add(key, mut)
}

// DeltaTracker returns the rowset's in-memory delta store
func (d *DiskRowSet) DeltaTracker() *DeltaMemStore {
	return d.dms
}

// DebugString returns a short description of the rowset
func (d *DiskRowSet) DebugString() string {
	return fmt.Sprintf("DiskRowSet(id=%d, %d rows, %d pending deltas)",
		d.id, d.rowCount, d.dms.Count())
}

// Close releases the rowset's resources (currently only the delta log)
func (d *DiskRowSet) Close() error {
	if d.deltaLog != nil {
		return d.deltaLog.Close()
	}
	return nil
}

func (d *DiskRowSet) compactionMutex() *sync.Mutex {
	return &d.compactionMu
}

// NewCompactionInput creates an input over the rowset's base rows joined
// with their pending delta chains. Disk-resident base rows always predate
// any compaction snapshot, so the base-row visibility filter is vacuous
// here; mutation commit filtering is, as always, left to the consumer.
func (d *DiskRowSet) NewCompactionInput(snap *mvcc.Snapshot) (CompactionInput, error) {
	return &diskRowSetCompactionInput{drs: d, snap: snap}, nil
}

// diskRowSetCompactionInput is the disk-source compaction input variant.
// It streams the data file block by block, verifying checksums, and yields
// each block's rows with chains looked up in the rowset's delta store.
type diskRowSetCompactionInput struct {
	state inputState
	drs   *DiskRowSet
	snap  *mvcc.Snapshot

	f         *os.File
	r         *bufio.Reader
	nextCount uint32
	done      bool
}

func (in *diskRowSetCompactionInput) Init() error {
	in.state.checkInit()

	f, err := os.Open(in.drs.path)
	if err != nil {
		return errors.Wrapf(err, "opening rowset %d for compaction", in.drs.id)
	}
	if _, err := f.Seek(in.drs.dataOffset, io.SeekStart); err != nil {
		f.Close()
		return errors.Wrap(err, "seeking to rowset data")
	}
	in.f = f
	in.r = bufio.NewReader(f)
	return in.readBlockCount()
}

// readBlockCount reads the next block's row count; a zero count is the
// end-of-blocks sentinel
func (in *diskRowSetCompactionInput) readBlockCount() error {
	var buf [4]byte
	if _, err := io.ReadFull(in.r, buf[:]); err != nil {
		in.close()
		return errors.Wrap(ErrRowSetCorrupted, "truncated rowset block header")
	}
	in.nextCount = binary.LittleEndian.Uint32(buf[:])
	if in.nextCount == 0 {
		in.done = true
		in.close()
	}
	return nil
}

func (in *diskRowSetCompactionInput) close() {
	if in.f != nil {
		in.f.Close()
		in.f = nil
		in.r = nil
	}
}

func (in *diskRowSetCompactionInput) HasMoreBlocks() bool {
	return !in.done
}

func (in *diskRowSetCompactionInput) PrepareBlock(block *[]CompactionInputRow) error {
	in.state.checkPrepare()
	*block = (*block)[:0]

	var lenBuf [4]byte
	if _, err := io.ReadFull(in.r, lenBuf[:]); err != nil {
		in.close()
		return errors.Wrap(ErrRowSetCorrupted, "truncated rowset block")
	}
	payloadLen := binary.LittleEndian.Uint32(lenBuf[:])

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(in.r, payload); err != nil {
		in.close()
		return errors.Wrap(ErrRowSetCorrupted, "truncated rowset block payload")
	}

	var sumBuf [8]byte
	if _, err := io.ReadFull(in.r, sumBuf[:]); err != nil {
		in.close()
		return errors.Wrap(ErrRowSetCorrupted, "truncated rowset block checksum")
	}
	if binary.LittleEndian.Uint64(sumBuf[:]) != xxhash.Sum64(payload) {
		in.close()
		return errors.Wrapf(ErrRowSetCorrupted, "rowset %d block checksum mismatch", in.drs.id)
	}

	pos := 0
	for i := uint32(0); i < in.nextCount; i++ {
		row, consumed, err := model.DecodeRow(in.drs.schema, payload[pos:])
		if err != nil {
			in.close()
			return errors.Wrapf(err, "decoding row in rowset %d", in.drs.id)
		}
		pos += consumed

		key, err := in.drs.schema.EncodeRowKey(row)
		if err != nil {
			in.close()
			return err
		}
		*block = append(*block, CompactionInputRow{
			Key:       key,
			Row:       row,
			Mutations: in.drs.dms.ChainForKey(key),
		})
	}
	if pos != len(payload) {
		in.close()
		return errors.Wrapf(ErrRowSetCorrupted, "rowset %d block has %d trailing bytes",
			in.drs.id, len(payload)-pos)
	}

	return in.readBlockCount()
}

func (in *diskRowSetCompactionInput) FinishBlock() error {
	in.state.checkFinish()
	return nil
}

func (in *diskRowSetCompactionInput) Schema() *model.Schema {
	return in.drs.schema
}
