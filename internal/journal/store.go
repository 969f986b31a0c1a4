// Package journal keeps a history of treecrypt runs in a badger database.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/absfs/treecrypt"
	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const runPrefix = "run:"

// ErrNotFound is returned by Get for an unknown run id
var ErrNotFound = errors.New("run not found")

// Store is a treecrypt.Journal backed by badger.
type Store struct {
	db  *badger.DB
	log *logrus.Logger
}

var _ treecrypt.Journal = (*Store)(nil)

// Open opens or creates the journal in dir. A nil logger discards
// badger's own output.
func Open(dir string, log *logrus.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("journal directory cannot be empty")
	}
	return open(badger.DefaultOptions(dir), log)
}

// OpenInMemory opens a journal that is lost on Close.
func OpenInMemory(log *logrus.Logger) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), log)
}

func open(opts badger.Options, log *logrus.Logger) (*Store, error) {
	opts.Logger = nil
	if log != nil {
		opts.Logger = log.WithField("component", "journal")
	}
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close flushes and closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin records the start of a run
func (s *Store) Begin(rec treecrypt.RunRecord) error {
	return s.put(rec)
}

// Finish overwrites the run with its final counts and status
func (s *Store) Finish(rec treecrypt.RunRecord) error {
	return s.put(rec)
}

func (s *Store) put(rec treecrypt.RunRecord) error {
	if rec.RunID == "" {
		return errors.New("run record has no id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode run record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(runPrefix+rec.RunID), data)
	})
}

// Get returns a single run
func (s *Store) Get(runID string) (treecrypt.RunRecord, error) {
	var rec treecrypt.RunRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(runPrefix + runID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

// List returns every recorded run, newest first. Undecodable rows are
// skipped.
func (s *Store) List() ([]treecrypt.RunRecord, error) {
	var out []treecrypt.RunRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(runPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var rec treecrypt.RunRecord
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				if s.log != nil {
					s.log.WithField("key", string(item.Key())).WithError(err).Warn("skipping unreadable run record")
				}
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Started.After(out[j].Started)
	})
	return out, nil
}
