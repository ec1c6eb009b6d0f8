package tablet

import (
	"encoding/binary"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ventfang/kudu/pkg/model"
	"github.com/ventfang/kudu/pkg/mvcc"
)

// DeltaLog is a durable, append-only record of post-base-write mutations,
// backed by an embedded badger store. A DiskRowSet configured with a delta
// log writes every accepted mutation through to it, and replays it back
// into the in-memory delta store on open, so pending mutations survive a
// restart.
//
// Entries are keyed by (row key, transaction id); writing the same pair
// twice fails with ErrDuplicateDelta, matching DeltaMemStore's dedupe
// contract.
type DeltaLog struct {
	db     *badger.DB
	schema *model.Schema
	logger logrus.FieldLogger
}

// OpenDeltaLog opens (or creates) a delta log in the given directory.
// Mutations are decoded against the given schema on replay.
func OpenDeltaLog(dir string, schema *model.Schema, logger logrus.FieldLogger) (*DeltaLog, error) {
	if logger == nil {
		logger = defaultLogger()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening delta log at %s", dir)
	}
	return &DeltaLog{db: db, schema: schema, logger: logger}, nil
}

// Add durably records one mutation for the given encoded row key
func (l *DeltaLog) Add(key []byte, mut *Mutation) error {
	entryKey := deltaLogKey(key, mut.TxID)
	value := encodeRowChange(nil, l.schema, mut.Change)

	err := l.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(entryKey); err == nil {
			return errors.Wrapf(ErrDuplicateDelta, "tx %d", mut.TxID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(entryKey, value)
	})
	return err
}

// Replay invokes fn for every recorded mutation, in row-key order. Used to
// rebuild a DiskRowSet's in-memory delta store on open.
func (l *DeltaLog) Replay(fn func(key []byte, mut *Mutation) error) error {
	return l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			rowKey, tx, err := splitDeltaLogKey(item.Key())
			if err != nil {
				return err
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return errors.Wrap(err, "reading delta log entry")
			}
			change, err := decodeRowChange(l.schema, value)
			if err != nil {
				return err
			}
			if err := fn(rowKey, &Mutation{TxID: tx, Change: change}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying store
func (l *DeltaLog) Close() error {
	return l.db.Close()
}

// deltaLogKey builds the badger key for one (row key, transaction) pair:
// a 2-byte key length prefix, the row key, then the big-endian transaction
// id. The length prefix makes the key splittable on replay.
func deltaLogKey(key []byte, tx mvcc.TxID) []byte {
	buf := make([]byte, 0, 2+len(key)+8)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(key)))
	buf = append(buf, key...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(tx))
	return buf
}

func splitDeltaLogKey(entryKey []byte) ([]byte, mvcc.TxID, error) {
	if len(entryKey) < 2 {
		return nil, 0, errors.Wrap(ErrRowSetCorrupted, "short delta log key")
	}
	keyLen := int(binary.BigEndian.Uint16(entryKey))
	if len(entryKey) != 2+keyLen+8 {
		return nil, 0, errors.Wrap(ErrRowSetCorrupted, "malformed delta log key")
	}
	rowKey := append([]byte(nil), entryKey[2:2+keyLen]...)
	tx := mvcc.TxID(binary.BigEndian.Uint64(entryKey[2+keyLen:]))
	return rowKey, tx, nil
}
