package holdfast

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout of the queue database:
//
//	q:<key>    pending mutation (gob QueuedMutation)
//	r:<key>    replay bookkeeping (gob replayRecord)
//	d:<key>    dead letter (gob DeadLetter)
//
// Keys are "<19-digit unix nanos>-<8 hex>", so byte order is enqueue order.
const (
	prefixQueued = "q:"
	prefixReplay = "r:"
	prefixDead   = "d:"
)

// Queue writes are synced: an acknowledged mutation must survive a crash.
var syncWrite = &opt.WriteOptions{Sync: true}

type mutationQueue struct {
	db *leveldb.DB

	mu        sync.Mutex
	lastNanos int64

	now func() time.Time
}

func openQueue(path string) (*mutationQueue, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	q := &mutationQueue{db: db, now: time.Now}
	if err := q.loadLastKey(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *mutationQueue) close() error {
	return q.db.Close()
}

// loadLastKey seeds the key clock so that keys stay increasing across
// restarts even if the wall clock moved backwards.
func (q *mutationQueue) loadLastKey() error {
	var last int64
	for _, prefix := range []string{prefixQueued, prefixDead} {
		it := q.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
		if it.Last() {
			if n, ok := keyNanos(strings.TrimPrefix(string(it.Key()), prefix)); ok && n > last {
				last = n
			}
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
	}
	q.mu.Lock()
	q.lastNanos = last
	q.mu.Unlock()
	return nil
}

func keyNanos(key string) (int64, bool) {
	i := strings.IndexByte(key, '-')
	if i <= 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(key[:i], 10, 64)
	return n, err == nil
}

// nextKey returns a strictly increasing enqueue time and a key derived from
// it plus random bits, so concurrent enqueues never collide.
func (q *mutationQueue) nextKey() (string, int64, error) {
	var rnd [4]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return "", 0, err
	}
	q.mu.Lock()
	n := q.now().UnixNano()
	if n <= q.lastNanos {
		n = q.lastNanos + 1
	}
	q.lastNanos = n
	q.mu.Unlock()
	return fmt.Sprintf("%019d-%s", n, hex.EncodeToString(rnd[:])), n, nil
}

// captureMutation snapshots a write. Headers are flattened to one value per
// name; hop-by-hop headers are not replayable and are dropped.
func captureMutation(method, uri string, h http.Header, body []byte, hasBody bool) QueuedMutation {
	flat := make(map[string]string, len(h))
	for k, vs := range h {
		if isHopByHop(k) || len(vs) == 0 {
			continue
		}
		flat[k] = strings.Join(vs, ", ")
	}
	m := QueuedMutation{
		Method:  method,
		URL:     uri,
		Header:  flat,
		HasBody: hasBody,
	}
	if hasBody {
		m.Body = append([]byte(nil), body...)
	}
	return m
}

// Enqueue assigns the key and enqueue time and persists m.
func (q *mutationQueue) Enqueue(m QueuedMutation) (QueuedMutation, error) {
	if isRead(m.Method) {
		return QueuedMutation{}, fmt.Errorf("refusing to queue %s %s", m.Method, m.URL)
	}
	key, at, err := q.nextKey()
	if err != nil {
		return QueuedMutation{}, err
	}
	m.Key = key
	m.EnqueuedAt = at

	b, err := encodeGob(m)
	if err != nil {
		return QueuedMutation{}, err
	}
	if err := q.db.Put([]byte(prefixQueued+key), b, syncWrite); err != nil {
		return QueuedMutation{}, fmt.Errorf("enqueue %s %s: %w", m.Method, m.URL, err)
	}
	return m, nil
}

func (q *mutationQueue) Get(key string) (QueuedMutation, error) {
	b, err := q.db.Get([]byte(prefixQueued+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return QueuedMutation{}, ErrNotFound
	}
	if err != nil {
		return QueuedMutation{}, err
	}
	var m QueuedMutation
	if err := decodeGob(b, &m); err != nil {
		return QueuedMutation{}, err
	}
	return m, nil
}

// Remove deletes an entry and its bookkeeping. Only call it after the
// mutation was confirmed by the backend.
func (q *mutationQueue) Remove(key string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixQueued + key))
	batch.Delete([]byte(prefixReplay + key))
	return q.db.Write(batch, syncWrite)
}

// Len counts pending entries.
func (q *mutationQueue) Len() int {
	it := q.db.NewIterator(util.BytesPrefix([]byte(prefixQueued)), &opt.ReadOptions{DontFillCache: true})
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}

// Pending iterates entries in enqueue order over a consistent snapshot.
// Entries enqueued after the call are not visited.
func (q *mutationQueue) Pending() *pendingIter {
	return &pendingIter{it: q.db.NewIterator(util.BytesPrefix([]byte(prefixQueued)), nil)}
}

// List returns up to limit pending entries (all when limit <= 0).
func (q *mutationQueue) List(limit int) ([]QueuedMutation, error) {
	it := q.Pending()
	defer it.Release()
	var out []QueuedMutation
	for it.Next() {
		out = append(out, it.Mutation())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, it.Error()
}

type pendingIter struct {
	it  iterator.Iterator
	cur QueuedMutation
}

func (p *pendingIter) Next() bool {
	for p.it.Next() {
		var m QueuedMutation
		if err := decodeGob(p.it.Value(), &m); err != nil {
			log.Printf("queue: skipping undecodable entry %q: %v", bytes.TrimPrefix(p.it.Key(), []byte(prefixQueued)), err)
			continue
		}
		p.cur = m
		return true
	}
	return false
}

func (p *pendingIter) Mutation() QueuedMutation { return p.cur }

func (p *pendingIter) Error() error { return p.it.Error() }

func (p *pendingIter) Release() { p.it.Release() }

// RecordAttempt notes a failed replay without touching the entry itself.
func (q *mutationQueue) RecordAttempt(key, reason string) (replayRecord, error) {
	rec, err := q.Attempts(key)
	if err != nil {
		return replayRecord{}, err
	}
	rec.Attempts++
	rec.LastError = reason
	rec.LastAt = q.now().UnixNano()
	b, err := encodeGob(rec)
	if err != nil {
		return replayRecord{}, err
	}
	if err := q.db.Put([]byte(prefixReplay+key), b, nil); err != nil {
		return replayRecord{}, err
	}
	return rec, nil
}

func (q *mutationQueue) Attempts(key string) (replayRecord, error) {
	b, err := q.db.Get([]byte(prefixReplay+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return replayRecord{}, nil
	}
	if err != nil {
		return replayRecord{}, err
	}
	var rec replayRecord
	if err := decodeGob(b, &rec); err != nil {
		return replayRecord{}, err
	}
	return rec, nil
}

// DeadLetter moves a pending entry out of the replay path, atomically.
func (q *mutationQueue) DeadLetter(m QueuedMutation, reason string) error {
	rec, err := q.Attempts(m.Key)
	if err != nil {
		return err
	}
	dl := DeadLetter{
		QueuedMutation: m,
		Reason:         reason,
		Attempts:       rec.Attempts,
		DeadAt:         q.now().UnixNano(),
	}
	b, err := encodeGob(dl)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixDead+m.Key), b)
	batch.Delete([]byte(prefixQueued + m.Key))
	batch.Delete([]byte(prefixReplay + m.Key))
	return q.db.Write(batch, syncWrite)
}

func (q *mutationQueue) DeadLetters() ([]DeadLetter, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(prefixDead)), nil)
	defer it.Release()
	var out []DeadLetter
	for it.Next() {
		var dl DeadLetter
		if err := decodeGob(it.Value(), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, it.Error()
}
