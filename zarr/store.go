package zarr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	MemoryStoreType   = "MemoryStore"
	LocalStoreType    = "LocalStore"
	dirPermissionBits = 0755
)

var (
	ErrNotfound         = errors.New("not found")
	ErrExists           = errors.New("already exists")
	ErrReadOnly         = errors.New("array opened read-only")
	ErrInvalidMeta      = errors.New("invalid metadata")
	ErrUnsupportedCodec = errors.New("unsupported codec")
	ErrUnsupportedDtype = errors.New("unsupported dtype")
	ErrOutOfBounds      = errors.New("selection out of bounds")
)

type Store interface {
	Get(key string) (io.ReadCloser, error)
	Put(key string, val io.Reader) error
	Type() string
}

// Exists reports whether a key is present in the store.
func Exists(s Store, key string) (bool, error) {
	rc, err := s.Get(key)
	if errors.Is(err, ErrNotfound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rc.Close()
	return true, nil
}

// CloseStore releases resources held by stores that keep open handles.
func CloseStore(s Store) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// OpenStore picks a store implementation from a location:
//   memory://          a fresh MemoryStore
//   badger://<dir>     a BadgerStore at dir (in-memory when dir is empty)
//   file://, mem://, gs://, s3://   a BlobStore
//   anything else      a LocalStore rooted at the path
func OpenStore(ctx context.Context, location string) (Store, error) {
	switch {
	case location == "memory://":
		return NewMemoryStore(), nil
	case strings.HasPrefix(location, "badger://"):
		return OpenBadgerStore(strings.TrimPrefix(location, "badger://"))
	case strings.HasPrefix(location, "file://"),
		strings.HasPrefix(location, "mem://"),
		strings.HasPrefix(location, "gs://"),
		strings.HasPrefix(location, "s3://"):
		return OpenBlobStore(ctx, location)
	case strings.Contains(location, "://"):
		return nil, fmt.Errorf("unsupported store location %q", location)
	}
	return NewLocalStore(location)
}

type MemoryStore struct {
	lk   sync.Mutex
	data map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: map[string][]byte{},
	}
}

func (s *MemoryStore) Type() string { return MemoryStoreType }

func (s *MemoryStore) Get(key string) (io.ReadCloser, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	d, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotfound, key)
	}
	return ioutil.NopCloser(bytes.NewBuffer(d)), nil
}

func (s *MemoryStore) Put(key string, val io.Reader) error {
	d, err := ioutil.ReadAll(val)
	if err != nil {
		return err
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	s.data[key] = d

	return nil
}

// Keys lists stored keys with the given prefix.
func (s *MemoryStore) Keys(prefix string) []string {
	s.lk.Lock()
	defer s.lk.Unlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

type LocalStore struct {
	base string
}

var _ Store = (*LocalStore)(nil)

func NewLocalStore(base string) (*LocalStore, error) {
	base, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(base, dirPermissionBits); err != nil {
		return nil, err
	}

	return &LocalStore{
		base: base,
	}, nil
}

func (s *LocalStore) Type() string { return LocalStoreType }

// Base is the absolute directory the store is rooted at.
func (s *LocalStore) Base() string { return s.base }

func (s *LocalStore) Get(key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.base, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotfound, key)
	}
	return f, err
}

func (s *LocalStore) Put(key string, val io.Reader) error {
	path := filepath.Join(s.base, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), dirPermissionBits); err != nil {
		return err
	}
	// write to a sibling file and rename so readers never see a partial value
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, val); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotfound)
}
