package pokeworker

import (
	"bytes"
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	lstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrEntryNotFound is returned when no stored entry exists for a request.
	ErrEntryNotFound = errors.New("cache entry not found")
	// ErrQuotaExceeded is returned when a write would grow the store past its quota.
	ErrQuotaExceeded = errors.New("cache storage quota exceeded")
)

// Key layout:
//
//	g:<generation>              generation marker (gob generationMeta)
//	e:<generation>\x00<request> stored entry (gob Entry)
//	w:record:<generation>       lifecycle record of that generation's worker
//	w:active                    generation of the active worker
const (
	generationPrefix = "g:"
	entryPrefix      = "e:"
	workerPrefix     = "w:"
	recordPrefix     = "w:record:"
	activeKey        = "w:active"
)

// Storage enumerates, opens and drops cache generations.
type Storage interface {
	Open(name string) (*Cache, error)
	Delete(name string) (bool, error)
	Keys() ([]string, error)
}

// Fetcher issues network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

type generationMeta struct {
	CreatedAt int64
}

// LevelStorage is the goleveldb backed Storage. It is shared by every
// generation and every event the worker handles.
type LevelStorage struct {
	db       *leveldb.DB
	maxBytes int64

	mu        sync.Mutex
	sizes     map[string]int64
	totalSize int64
}

// OpenStorage opens (or creates) the store at path. maxBytes <= 0 disables the quota.
func OpenStorage(path string, maxBytes int64) (*LevelStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open cache storage %s", path)
	}
	return newLevelStorage(db, maxBytes)
}

// NewMemStorage returns a store that lives in memory only.
func NewMemStorage(maxBytes int64) (*LevelStorage, error) {
	db, err := leveldb.Open(lstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "open memory storage")
	}
	return newLevelStorage(db, maxBytes)
}

func newLevelStorage(db *leveldb.DB, maxBytes int64) (*LevelStorage, error) {
	s := &LevelStorage{
		db:       db,
		maxBytes: maxBytes,
		sizes:    map[string]int64{},
	}
	if err := s.loadSizes(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelStorage) loadSizes() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()

	var total int64
	sizes := map[string]int64{}
	for it.Next() {
		n := int64(len(it.Value()))
		sizes[string(it.Key())] = n
		total += n
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "scan cache entries")
	}
	s.mu.Lock()
	s.sizes = sizes
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

// Close releases the underlying database.
func (s *LevelStorage) Close() error {
	return s.db.Close()
}

// TotalSize reports the encoded size of all stored entries.
func (s *LevelStorage) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

// Open returns the named generation, creating it when absent.
func (s *LevelStorage) Open(name string) (*Cache, error) {
	if name == "" {
		return nil, errors.New("empty generation name")
	}
	key := []byte(generationPrefix + name)
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "lookup generation %s", name)
	}
	if !ok {
		b, err := encodeGob(generationMeta{CreatedAt: time.Now().UnixNano()})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put(key, b, nil); err != nil {
			return nil, errors.Wrapf(err, "create generation %s", name)
		}
	}
	return &Cache{name: name, st: s}, nil
}

// Delete drops the generation and every entry in it. It reports whether the
// generation existed.
func (s *LevelStorage) Delete(name string) (bool, error) {
	marker := []byte(generationPrefix + name)
	existed, err := s.db.Has(marker, nil)
	if err != nil {
		return false, errors.Wrapf(err, "lookup generation %s", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete(marker)
	batch.Delete(recordKey(name))
	var dropped []string
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		k := string(it.Key())
		batch.Delete([]byte(k))
		dropped = append(dropped, k)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, errors.Wrapf(err, "scan generation %s", name)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, errors.Wrapf(err, "delete generation %s", name)
	}
	for _, k := range dropped {
		s.totalSize -= s.sizes[k]
		delete(s.sizes, k)
	}
	return existed || len(dropped) > 0, nil
}

// Keys lists the generation names present in the store.
func (s *LevelStorage) Keys() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(generationPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(generationPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, "list generations")
	}
	sort.Strings(out)
	return out, nil
}

func entryKeyPrefix(generation string) []byte {
	return []byte(entryPrefix + generation + "\x00")
}

func entryKey(generation, request string) []byte {
	return append(entryKeyPrefix(generation), request...)
}

// writeEntries stores all entries in a single batch: either every entry is
// written or none is. Concurrent writes to the same key are last-write-wins.
func (s *LevelStorage) writeEntries(generation string, entries map[string]Entry) error {
	encoded := make(map[string][]byte, len(entries))
	for req, ent := range entries {
		b, err := encodeGob(ent)
		if err != nil {
			return errors.Wrapf(err, "encode entry %s", req)
		}
		encoded[string(entryKey(generation, req))] = b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.totalSize
	for k, b := range encoded {
		total += int64(len(b)) - s.sizes[k]
	}
	if s.maxBytes > 0 && total > s.maxBytes {
		return errors.Wrapf(ErrQuotaExceeded, "need %s, quota %s", formatBytes(uint64(total)), formatBytes(uint64(s.maxBytes)))
	}

	batch := new(leveldb.Batch)
	for k, b := range encoded {
		batch.Put([]byte(k), b)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return errors.Wrap(err, "write entries")
	}
	for k, b := range encoded {
		s.sizes[k] = int64(len(b))
	}
	s.totalSize = total
	return nil
}

func (s *LevelStorage) readEntry(generation, request string) (Entry, bool, error) {
	b, err := s.db.Get(entryKey(generation, request), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrap(err, "read entry")
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, errors.Wrap(err, "decode entry")
	}
	return ent, true, nil
}

func recordKey(generation string) []byte {
	return []byte(recordPrefix + generation)
}

// Record returns the persisted lifecycle record of generation's worker, if any.
func (s *LevelStorage) Record(generation string) (WorkerRecord, bool, error) {
	b, err := s.db.Get(recordKey(generation), nil)
	if err == leveldb.ErrNotFound {
		return WorkerRecord{}, false, nil
	}
	if err != nil {
		return WorkerRecord{}, false, errors.Wrapf(err, "read worker record %s", generation)
	}
	var rec WorkerRecord
	if err := decodeGob(b, &rec); err != nil {
		return WorkerRecord{}, false, errors.Wrapf(err, "decode worker record %s", generation)
	}
	return rec, true, nil
}

// SaveRecord persists rec under its generation. Saving an active record also
// makes its generation the active one, in the same write. No other record is
// touched.
func (s *LevelStorage) SaveRecord(rec WorkerRecord) error {
	if rec.Generation == "" {
		return errors.New("worker record without generation")
	}
	rec.UpdatedAt = time.Now().UnixNano()
	b, err := encodeGob(rec)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(recordKey(rec.Generation), b)
	if rec.State == StateActive {
		batch.Put([]byte(activeKey), []byte(rec.Generation))
	}
	return errors.Wrap(s.db.Write(batch, nil), "save worker record")
}

// ActiveGeneration returns the generation of the active worker, if any.
func (s *LevelStorage) ActiveGeneration() (string, bool, error) {
	b, err := s.db.Get([]byte(activeKey), nil)
	if err == leveldb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "read active generation")
	}
	return string(b), true, nil
}

// ClearRecords removes every worker record and the active pointer.
func (s *LevelStorage) ClearRecords() error {
	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix([]byte(workerPrefix)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "scan worker records")
	}
	return errors.Wrap(s.db.Write(batch, nil), "clear worker records")
}

// Cache is a handle on one named generation.
type Cache struct {
	name string
	st   *LevelStorage
}

// Name returns the generation name.
func (c *Cache) Name() string {
	return c.name
}

// Match looks the request identity up. It never touches the network.
func (c *Cache) Match(request string) (Entry, bool, error) {
	return c.st.readEntry(c.name, request)
}

// Put stores ent under the request identity, replacing any previous entry.
func (c *Cache) Put(request string, ent Entry) error {
	return c.st.writeEntries(c.name, map[string]Entry{request: ent})
}

// Keys lists the request identities stored in the generation.
func (c *Cache) Keys() ([]string, error) {
	prefix := entryKeyPrefix(c.name)
	it := c.st.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrapf(err, "list entries of %s", c.name)
	}
	return out, nil
}

// AddAll fetches every URL and stores the responses. If any fetch fails or
// answers with a non-2xx status nothing is written.
func (c *Cache) AddAll(ctx context.Context, f Fetcher, urls []string) error {
	entries := make([]Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u, nil)
			if err != nil {
				return errors.Wrapf(err, "build request %s", u)
			}
			resp, err := f.Do(req)
			if err != nil {
				return errors.Wrapf(err, "fetch %s", u)
			}
			ent, err := readEntry(resp)
			if err != nil {
				return errors.Wrapf(err, "fetch %s", u)
			}
			if !ent.ok() {
				return errors.Errorf("fetch %s: unexpected status %d", u, ent.Status)
			}
			entries[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	byKey := make(map[string]Entry, len(urls))
	for i, u := range urls {
		byKey[RequestKey(http.MethodGet, u)] = entries[i]
	}
	if err := c.st.writeEntries(c.name, byKey); err != nil {
		return err
	}
	log.WithFields(log.Fields{"generation": c.name, "entries": len(byKey)}).Debug("stored precache entries")
	return nil
}

func isQuotaError(err error) bool {
	return errors.Cause(err) == ErrQuotaExceeded
}
