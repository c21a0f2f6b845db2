package holdfast

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lverrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrNotFound      = errors.New("holdfast: not found")
	ErrQuotaExceeded = errors.New("holdfast: storage quota exceeded")
)

// Key layout of the cache database:
//
//	n:<generation>              generation marker (gob generationMeta)
//	e:<generation>\x00<url>     cached entry (gob CachedEntry)
//	a:active                    name of the generation in control
const (
	prefixGeneration = "n:"
	prefixEntry      = "e:"
	keyActive        = "a:active"
)

func openDB(path string) (*leveldb.DB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if lverrors.IsCorrupted(err) {
		log.Printf("leveldb at %s is corrupted, recovering: %v", path, err)
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

type generationMeta struct {
	CreatedAt int64
}

// cacheStore persists named asset cache generations.
type cacheStore struct {
	maxBytes int64

	db *leveldb.DB

	mu        sync.Mutex
	sizes     map[string]int64 // entry key -> encoded size
	totalSize int64
	reserved  int64 // bytes of puts that passed the quota check but are not written yet
}

func newCacheStore(path string, maxBytes int64) (*cacheStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	c := &cacheStore{maxBytes: maxBytes, db: db, sizes: map[string]int64{}}
	if err := c.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *cacheStore) close() error {
	return c.db.Close()
}

func (c *cacheStore) loadIndex() error {
	it := c.db.NewIterator(util.BytesPrefix([]byte(prefixEntry)), nil)
	defer it.Release()

	var total int64
	sizes := map[string]int64{}
	for it.Next() {
		sz := int64(len(it.Value()))
		sizes[string(it.Key())] = sz
		total += sz
	}
	if err := it.Error(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sizes = sizes
	c.totalSize = total
	c.mu.Unlock()
	return nil
}

func entryKey(gen, url string) string {
	return prefixEntry + gen + "\x00" + url
}

func (c *cacheStore) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize
}

func (c *cacheStore) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sizes)
}

func (c *cacheStore) Get(gen, url string) (CachedEntry, error) {
	b, err := c.db.Get([]byte(entryKey(gen, url)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CachedEntry{}, ErrNotFound
	}
	if err != nil {
		return CachedEntry{}, err
	}
	var ent CachedEntry
	if err := decodeGob(b, &ent); err != nil {
		return CachedEntry{}, fmt.Errorf("decode %s: %w", url, err)
	}
	return ent, nil
}

// Put stores ent and registers gen in the same batch.
func (c *cacheStore) Put(gen, url string, ent CachedEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	key := entryKey(gen, url)
	size := int64(len(b))

	c.mu.Lock()
	old := c.sizes[key]
	if c.maxBytes > 0 && c.totalSize+c.reserved-old+size > c.maxBytes {
		c.mu.Unlock()
		return ErrQuotaExceeded
	}
	c.reserved += size
	c.mu.Unlock()

	err = c.write(gen, key, b)

	c.mu.Lock()
	c.reserved -= size
	if err == nil {
		c.totalSize += size - c.sizes[key]
		c.sizes[key] = size
	}
	c.mu.Unlock()
	return err
}

func (c *cacheStore) write(gen, key string, b []byte) error {
	batch := new(leveldb.Batch)
	batch.Put([]byte(key), b)
	marker := []byte(prefixGeneration + gen)
	ok, err := c.db.Has(marker, nil)
	if err != nil {
		return err
	}
	if !ok {
		mb, err := encodeGob(generationMeta{CreatedAt: time.Now().Unix()})
		if err != nil {
			return err
		}
		batch.Put(marker, mb)
	}
	return c.db.Write(batch, nil)
}

func (c *cacheStore) Delete(gen, url string) error {
	key := entryKey(gen, url)
	if err := c.db.Delete([]byte(key), nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.totalSize -= c.sizes[key]
	delete(c.sizes, key)
	c.mu.Unlock()
	return nil
}

// Names lists every generation that has a marker or at least one entry.
func (c *cacheStore) Names() ([]string, error) {
	seen := map[string]struct{}{}

	it := c.db.NewIterator(util.BytesPrefix([]byte(prefixGeneration)), nil)
	for it.Next() {
		seen[string(bytes.TrimPrefix(it.Key(), []byte(prefixGeneration)))] = struct{}{}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	for k := range c.sizes {
		rest := strings.TrimPrefix(k, prefixEntry)
		if i := strings.IndexByte(rest, 0); i >= 0 {
			seen[rest[:i]] = struct{}{}
		}
	}
	c.mu.Unlock()

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// DeleteGeneration removes gen and all of its entries.
func (c *cacheStore) DeleteGeneration(gen string) (int, error) {
	prefix := []byte(prefixEntry + gen + "\x00")
	batch := new(leveldb.Batch)
	var keys []string

	it := c.db.NewIterator(util.BytesPrefix(prefix), nil)
	for it.Next() {
		k := append([]byte(nil), it.Key()...)
		batch.Delete(k)
		keys = append(keys, string(k))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, err
	}
	batch.Delete([]byte(prefixGeneration + gen))
	if err := c.db.Write(batch, nil); err != nil {
		return 0, err
	}

	c.mu.Lock()
	for _, k := range keys {
		c.totalSize -= c.sizes[k]
		delete(c.sizes, k)
	}
	c.mu.Unlock()
	return len(keys), nil
}

// Active returns the generation in control, if any was ever activated.
func (c *cacheStore) Active() (string, bool, error) {
	b, err := c.db.Get([]byte(keyActive), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

func (c *cacheStore) SetActive(gen string) error {
	return c.db.Put([]byte(keyActive), []byte(gen), &opt.WriteOptions{Sync: true})
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
