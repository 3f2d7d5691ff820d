package zarr

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/dgraph-io/badger/v3"
)

const BadgerStoreType = "BadgerStore"

// BadgerStore keeps keys in an embedded badger key-value database.
type BadgerStore struct {
	path string
	db   *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// OpenBadgerStore opens (or creates) a badger database at path. An empty path
// keeps everything in memory.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger @ %q: %w", path, err)
	}
	return &BadgerStore{path: path, db: db}, nil
}

func (s *BadgerStore) Type() string { return BadgerStoreType }

func (s *BadgerStore) Get(key string) (io.ReadCloser, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotfound, key)
	}
	if err != nil {
		return nil, err
	}
	return ioutil.NopCloser(bytes.NewReader(value)), nil
}

func (s *BadgerStore) Put(key string, val io.Reader) error {
	d, err := ioutil.ReadAll(val)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), d)
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
