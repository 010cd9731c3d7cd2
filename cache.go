package main

import (
	"bytes"
	"encoding/gob"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
)

var (
	entityBucket    = []byte("entities")
	submittedBucket = []byte("submitted")
)

// mappingRecord is the persisted value for an entity mapping.
type mappingRecord struct {
	RemoteID  string
	CreatedAt time.Time
}

// submissionRecord is the persisted value for a submitted natural key.
type submissionRecord struct {
	RemoteID    string
	SubmittedAt time.Time
}

// cache is the durable key/value store surviving restarts: entity mappings
// plus the set of already-submitted transaction natural keys. Bolt commits
// synchronously, so anything written before a crash is visible to the next
// run's first read. Writes are serialized behind mu; bolt views may run
// concurrently.
type cache struct {
	db *bolt.DB
	mu sync.Mutex
}

func openCache(path string) (*cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open boltdb at %v", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{entityBucket, submittedBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create buckets")
	}
	return &cache{db: db}, nil
}

func (c *cache) Close() error { return c.db.Close() }

func entityKey(kind EntityKind, name string) []byte {
	return []byte(kind.String() + "|" + name)
}

// EntityID returns the cached remote id for (kind, name), if any.
func (c *cache) EntityID(kind EntityKind, name string) (string, bool) {
	var rec mappingRecord
	found := false
	c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(entityBucket).Get(entityKey(kind, name))
		if v == nil {
			return nil
		}
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
			return err
		}
		found = true
		return nil
	})
	if !found {
		return "", false
	}
	return rec.RemoteID, true
}

// PutEntity persists a mapping. The write is committed before return, so a
// crash immediately after cannot lose it.
func (c *cache) PutEntity(kind EntityKind, name, remoteID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.put(entityBucket, entityKey(kind, name),
		mappingRecord{RemoteID: remoteID, CreatedAt: time.Now().UTC()})
}

// HasSubmitted reports whether a transaction natural key was committed by
// this or any previous run.
func (c *cache) HasSubmitted(key string) bool {
	var found bool
	c.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(submittedBucket).Get([]byte(key)) != nil
		return nil
	})
	return found
}

// MarkSubmitted records a natural key against the remote transaction that
// carries it.
func (c *cache) MarkSubmitted(key, remoteID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.put(submittedBucket, []byte(key),
		submissionRecord{RemoteID: remoteID, SubmittedAt: time.Now().UTC()})
}

func (c *cache) SubmittedCount() int {
	var n int
	c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(submittedBucket).Stats().KeyN
		return nil
	})
	return n
}

func (c *cache) put(bucket, key []byte, val interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(val); err != nil {
		return errors.Wrap(err, "encode cache value")
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, buf.Bytes())
	})
}
