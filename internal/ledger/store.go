package ledger

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// WritePolicy decides what happens when a collection write fails
type WritePolicy int

const (
	// WriteLenient logs the failure and reports success to the caller.
	WriteLenient WritePolicy = iota

	// WriteStrict surfaces the failure as ErrPersist.
	WriteStrict
)

// ParseWritePolicy maps a strict flag to a policy
func ParseWritePolicy(strict bool) WritePolicy {
	if strict {
		return WriteStrict
	}
	return WriteLenient
}

// dateFields are consulted in order for a record's sort key
var dateFields = []string{"date", "timestamp", "created_at", "createdAt", "time"}

// Options configures a Store
type Options struct {
	// Name labels the collection in logs (e.g. "income")
	Name string

	// Logger receives warnings; nil discards them
	Logger *log.Logger

	// Now supplies the clock used for new ids; nil uses time.Now
	Now func() time.Time

	// WritePolicy selects lenient or strict write failure handling
	WritePolicy WritePolicy
}

// Store is a named collection of records backed by one JSON document.
//
// Store holds no in-memory copy. Concurrent callers are serialized by the
// caller (the HTTP layer holds a mutex per store); the document is replaced
// atomically so readers never observe a partial write.
type Store struct {
	name   string
	path   string
	logger *log.Logger
	now    func() time.Time
	policy WritePolicy
}

// NewStore creates a store for the document at path
func NewStore(path string, opts Options) *Store {
	if opts.Name == "" {
		opts.Name = filepath.Base(path)
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		name:   opts.Name,
		path:   path,
		logger: opts.Logger,
		now:    opts.Now,
		policy: opts.WritePolicy,
	}
}

// Name returns the collection name
func (s *Store) Name() string { return s.name }

// Path returns the collection document path
func (s *Store) Path() string { return s.path }

// Dir returns the directory holding the collection document
func (s *Store) Dir() string { return filepath.Dir(s.path) }

// Init creates the collection directory and an empty document if none exists
func (s *Store) Init() error {
	if err := os.MkdirAll(s.Dir(), 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", s.Dir(), err)
	}
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", s.path, err)
	}
	if err := WriteDocument(s.path, nil); err != nil {
		return err
	}
	s.logger.Printf("Created empty %s collection at %s", s.name, s.path)
	return nil
}

// ReadRaw returns the collection in storage order
func (s *Store) ReadRaw() []Record {
	records, err := LoadDocument(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Printf("Warning: treating %s collection as empty: %v", s.name, err)
		}
		return []Record{}
	}
	return records
}

// ListSorted returns the collection ordered newest first.
// Records without a recognizable date sort last, in storage order.
func (s *Store) ListSorted() []Record {
	return SortNewestFirst(s.ReadRaw())
}

// Upsert inserts payload as a new record, or replaces the record whose id
// matches the payload's id. A missing or zero id always inserts, with an
// id taken from the clock in milliseconds. The stored record is returned.
//
// Ids generated within the same millisecond collide; nothing guards
// against that.
func (s *Store) Upsert(payload Record) (Record, error) {
	if len(payload) == 0 {
		return nil, ErrInvalidPayload
	}

	records := s.ReadRaw()
	rec := payload.Clone()

	if id, ok := payload.ID(); ok && id != 0 {
		rec[IDField] = id
		replaced := false
		for i, existing := range records {
			if eid, ok := existing.ID(); ok && eid == id {
				records[i] = rec
				replaced = true
			}
		}
		if replaced {
			return rec, s.persist(records)
		}
	}

	rec[IDField] = s.now().UnixMilli()
	records = append(records, rec)
	return rec, s.persist(records)
}

// Delete removes every record whose id matches id
func (s *Store) Delete(id int64) error {
	records := s.ReadRaw()
	kept := make([]Record, 0, len(records))
	for _, r := range records {
		if rid, ok := r.ID(); ok && rid == id {
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == len(records) {
		return ErrNotFound
	}
	return s.persist(kept)
}

func (s *Store) persist(records []Record) error {
	err := WriteDocument(s.path, records)
	if err == nil {
		return nil
	}
	if s.policy == WriteStrict {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	s.logger.Printf("Warning: failed to write %s collection: %v", s.name, err)
	return nil
}

// SortKey returns the point in time a record is ordered by: the first
// recognizable date field, else its id read as a timestamp.
func SortKey(r Record) (time.Time, bool) {
	for _, field := range dateFields {
		v, ok := r[field]
		if !ok {
			continue
		}
		if t, ok := CoerceTime(v); ok {
			return t, true
		}
	}
	if id, ok := r.ID(); ok {
		return CoerceTime(id)
	}
	return time.Time{}, false
}

// SortNewestFirst returns records ordered by SortKey, newest first.
// The sort is stable and records without a key go last.
func SortNewestFirst(records []Record) []Record {
	type keyed struct {
		rec Record
		at  time.Time
		ok  bool
	}
	ks := make([]keyed, len(records))
	for i, r := range records {
		at, ok := SortKey(r)
		ks[i] = keyed{rec: r, at: at, ok: ok}
	}

	sort.SliceStable(ks, func(i, j int) bool {
		a, b := ks[i], ks[j]
		if a.ok != b.ok {
			return a.ok
		}
		return a.ok && a.at.After(b.at)
	})

	out := make([]Record, len(ks))
	for i, k := range ks {
		out[i] = k.rec
	}
	return out
}
