package zarr

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/coocood/freecache"
)

// CachedStore keeps recently read values of another store in a fixed-size
// freecache. Values written through the cache replace cached copies.
type CachedStore struct {
	Store
	cache *freecache.Cache
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore wraps s with a cache of the given size in bytes.
// Values larger than 1/1024 of the cache size are never cached.
func NewCachedStore(s Store, sizeBytes int) *CachedStore {
	return &CachedStore{Store: s, cache: freecache.NewCache(sizeBytes)}
}

func (s *CachedStore) Type() string { return fmt.Sprintf("Cached%s", s.Store.Type()) }

func (s *CachedStore) Get(key string) (io.ReadCloser, error) {
	if v, err := s.cache.Get([]byte(key)); err == nil {
		return ioutil.NopCloser(bytes.NewReader(v)), nil
	}
	rc, err := s.Store.Get(key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	v, err := ioutil.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	s.cache.Set([]byte(key), v, 0)
	return ioutil.NopCloser(bytes.NewReader(v)), nil
}

func (s *CachedStore) Put(key string, val io.Reader) error {
	v, err := ioutil.ReadAll(val)
	if err != nil {
		return err
	}
	if err := s.Store.Put(key, bytes.NewReader(v)); err != nil {
		s.cache.Del([]byte(key))
		return err
	}
	s.cache.Set([]byte(key), v, 0)
	return nil
}

// HitRate is the fraction of Get calls served from the cache.
func (s *CachedStore) HitRate() float64 {
	return s.cache.HitRate()
}

func (s *CachedStore) Close() error {
	s.cache.Clear()
	return CloseStore(s.Store)
}
