package tablet

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ventfang/kudu/pkg/model"
)

// DiskRowSetWriter writes a new disk rowset. Rows must be appended in
// strictly ascending key order; Finish seals the file with its footer. The
// output is a pure function of the appended rows, so flushing the same
// input twice produces byte-identical files.
type DiskRowSetWriter struct {
	schema *model.Schema
	logger logrus.FieldLogger
	path   string

	f *os.File
	w *bufio.Writer

	lastKey  []byte
	minKey   []byte
	maxKey   []byte
	keys     [][]byte
	rowCount uint64

	blockBuf  []byte
	blockRows uint32

	finished bool
}

// NewDiskRowSetWriter creates the rowset's data file and writes its header
func NewDiskRowSetWriter(config DiskRowSetConfig, schema *model.Schema) (*DiskRowSetWriter, error) {
	if config.Logger == nil {
		config.Logger = defaultLogger()
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating rowset directory")
	}

	path := config.dataPath()
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "creating rowset data file %s", path)
	}

	w := bufio.NewWriter(f)
	schemaBuf := model.EncodeSchema(nil, schema)

	var header [10]byte
	binary.LittleEndian.PutUint32(header[0:], DiskRowSetMagic)
	binary.LittleEndian.PutUint16(header[4:], DiskRowSetVersion)
	binary.LittleEndian.PutUint32(header[6:], uint32(len(schemaBuf)))
	if _, err := w.Write(header[:]); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "writing rowset header")
	}
	if _, err := w.Write(schemaBuf); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "writing rowset schema")
	}

	return &DiskRowSetWriter{
		schema: schema,
		logger: config.Logger,
		path:   path,
		f:      f,
		w:      w,
	}, nil
}

// Path returns the path of the data file being written
func (w *DiskRowSetWriter) Path() string {
	return w.path
}

// Append writes one row. Rows must arrive in strictly ascending key order.
func (w *DiskRowSetWriter) Append(row *model.Row) error {
	if w.finished {
		panic("tablet: Append on a finished DiskRowSetWriter")
	}
	if !row.Schema().Equals(w.schema) {
		return ErrSchemaMismatch
	}

	key, err := w.schema.EncodeRowKey(row)
	if err != nil {
		return err
	}
	if w.lastKey != nil && bytes.Compare(key, w.lastKey) <= 0 {
		return errors.Wrapf(ErrRowOutOfOrder, "key does not follow previous key")
	}

	w.blockBuf = model.EncodeRow(w.blockBuf, row)
	w.blockRows++

	w.lastKey = key
	w.keys = append(w.keys, key)
	if w.minKey == nil {
		w.minKey = key
	}
	w.maxKey = key
	w.rowCount++

	if w.blockRows >= writerBlockRows {
		return w.flushBlock()
	}
	return nil
}

func (w *DiskRowSetWriter) flushBlock() error {
	if w.blockRows == 0 {
		return nil
	}

	var fixed [8]byte
	binary.LittleEndian.PutUint32(fixed[0:], w.blockRows)
	binary.LittleEndian.PutUint32(fixed[4:], uint32(len(w.blockBuf)))
	if _, err := w.w.Write(fixed[:]); err != nil {
		return errors.Wrap(err, "writing rowset block header")
	}
	if _, err := w.w.Write(w.blockBuf); err != nil {
		return errors.Wrap(err, "writing rowset block payload")
	}

	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], xxhash.Sum64(w.blockBuf))
	if _, err := w.w.Write(sum[:]); err != nil {
		return errors.Wrap(err, "writing rowset block checksum")
	}

	w.blockBuf = w.blockBuf[:0]
	w.blockRows = 0
	return nil
}

// Finish flushes the final block and seals the file with the end-of-blocks
// sentinel, footer and trailer. The writer cannot be used afterwards.
func (w *DiskRowSetWriter) Finish() error {
	if w.finished {
		panic("tablet: Finish on a finished DiskRowSetWriter")
	}
	w.finished = true

	if err := w.flushBlock(); err != nil {
		w.f.Close()
		return err
	}

	// End-of-blocks sentinel.
	var sentinel [4]byte
	if _, err := w.w.Write(sentinel[:]); err != nil {
		w.f.Close()
		return errors.Wrap(err, "writing rowset sentinel")
	}

	footer := binary.LittleEndian.AppendUint64(nil, w.rowCount)
	footer = binary.LittleEndian.AppendUint16(footer, uint16(len(w.minKey)))
	footer = append(footer, w.minKey...)
	footer = binary.LittleEndian.AppendUint16(footer, uint16(len(w.maxKey)))
	footer = append(footer, w.maxKey...)

	if w.rowCount > 0 {
		filter := NewKeyFilter(keyFilterFPRate, uint64(len(w.keys)))
		for _, key := range w.keys {
			filter.Add(key)
		}
		footer = filter.encode(footer)
	}

	if _, err := w.w.Write(footer); err != nil {
		w.f.Close()
		return errors.Wrap(err, "writing rowset footer")
	}

	var trailer [8]byte
	binary.LittleEndian.PutUint32(trailer[0:], uint32(len(footer)))
	binary.LittleEndian.PutUint32(trailer[4:], diskRowSetFooterMagic)
	if _, err := w.w.Write(trailer[:]); err != nil {
		w.f.Close()
		return errors.Wrap(err, "writing rowset trailer")
	}

	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return errors.Wrap(err, "flushing rowset data file")
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return errors.Wrap(err, "syncing rowset data file")
	}
	if err := w.f.Close(); err != nil {
		return errors.Wrap(err, "closing rowset data file")
	}

	w.logger.Infof("wrote DiskRowSet data file %s: %d rows", w.path, w.rowCount)
	return nil
}
