// Package settings implements the persistent key-value store for the small
// set of named scalar device settings (radio frequency, modulation scheme).
// Values survive restarts; the mesh engines never touch this store.
package settings

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	log "github.com/sirupsen/logrus"
)

const keyPrefix = "s/"

// record is the stored shape of one setting. Exactly one of the value fields
// is meaningful, selected by Kind.
type record struct {
	Kind   uint8   `cbor:"1,keyasint"`
	Float  float64 `cbor:"2,keyasint,omitempty"`
	String string  `cbor:"3,keyasint,omitempty"`
}

const (
	kindFloat  = 1
	kindString = 2
)

type Store struct {
	path string
	mu   sync.Mutex
	db   *leveldb.DB
}

// Open opens or creates the settings database at path, recovering from a
// corrupted store rather than failing.
func Open(path string) (*Store, error) {
	opts := &opt.Options{
		Compression: opt.NoCompression,
	}

	db, err := leveldb.OpenFile(path, opts)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("settings: open %s: %w", path, err)
	}

	log.Infof("Opened settings store at %s", path)

	return &Store{path: path, db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) get(key string) (*record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.db.Get([]byte(keyPrefix+key), nil)
	if err != nil {
		if err != leveldb.ErrNotFound {
			log.Errorf("settings: get %q: %v", key, err)
		}
		return nil, false
	}

	var rec record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		log.Errorf("settings: decode %q: %v", key, err)
		return nil, false
	}
	return &rec, true
}

func (s *Store) put(key string, rec *record) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("settings: encode %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Put([]byte(keyPrefix+key), data, nil); err != nil {
		return fmt.Errorf("settings: put %q: %w", key, err)
	}
	return nil
}

// GetFloat returns the stored value for key, or def when absent or of a
// different kind.
func (s *Store) GetFloat(key string, def float64) float64 {
	rec, ok := s.get(key)
	if !ok || rec.Kind != kindFloat {
		return def
	}
	return rec.Float
}

func (s *Store) PutFloat(key string, value float64) error {
	return s.put(key, &record{Kind: kindFloat, Float: value})
}

// GetString returns the stored value for key, or def when absent or of a
// different kind.
func (s *Store) GetString(key string, def string) string {
	rec, ok := s.get(key)
	if !ok || rec.Kind != kindString {
		return def
	}
	return rec.String
}

func (s *Store) PutString(key string, value string) error {
	return s.put(key, &record{Kind: kindString, String: value})
}

// Keys lists the stored setting names.
func (s *Store) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		k := iter.Key()
		if len(k) > len(keyPrefix) && string(k[:len(keyPrefix)]) == keyPrefix {
			keys = append(keys, string(k[len(keyPrefix):]))
		}
	}
	return keys, iter.Error()
}
