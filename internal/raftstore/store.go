// Package raftstore persists Raft's term/vote pair and log entries to a
// bbolt file per node, grounded on cuemby-warren/pkg/storage/boltdb.go's
// bucket-per-concern layout. Unlike the teacher's node.go (which
// protobuf-marshals term and rewrites a flat log file on every write), this
// store keeps one bbolt key per log entry; ReplaceLog still rewrites every
// entry in a single transaction.
package raftstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/panaschristou/raft2pc-bank/internal/raft"
)

var (
	bucketMeta = []byte("meta")
	bucketLog  = []byte("log")

	keyTerm     = []byte("term")
	keyVotedFor = []byte("votedFor")
)

// BoltStore implements raft.Storage on top of a single bbolt database file.
type BoltStore struct {
	db *bolt.DB
}

// Open creates or reopens the node's durability file at <dataDir>/<nodeID>_raft.db.
func Open(dataDir, nodeID string) (*BoltStore, error) {
	path := filepath.Join(dataDir, nodeID+"_raft.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening raft store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketLog)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing raft store buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close implements raft.Storage.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveTermVote implements raft.Storage.
func (s *BoltStore) SaveTermVote(term int64, votedFor string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(term))
		if err := b.Put(keyTerm, buf); err != nil {
			return err
		}
		return b.Put(keyVotedFor, []byte(votedFor))
	})
}

// LoadTermVote implements raft.Storage.
func (s *BoltStore) LoadTermVote() (int64, string, error) {
	var term int64
	var votedFor string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if raw := b.Get(keyTerm); raw != nil {
			term = int64(binary.BigEndian.Uint64(raw))
		}
		if raw := b.Get(keyVotedFor); raw != nil {
			votedFor = string(raw)
		}
		return nil
	})
	return term, votedFor, err
}

func logKey(index int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(index))
	return buf
}

// ReplaceLog implements raft.Storage. It overwrites the bucket with exactly
// the given entries, keyed by index, so a truncate-and-append reconciliation
// (raft.reconcileLog) is reflected faithfully on disk.
func (s *BoltStore) ReplaceLog(entries []raft.LogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketLog); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketLog)
		if err != nil {
			return err
		}
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(logKey(e.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadLog implements raft.Storage, returning entries in index order.
func (s *BoltStore) LoadLog() ([]raft.LogEntry, error) {
	var entries []raft.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e raft.LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding log entry at key %x: %w", k, err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

var _ raft.Storage = (*BoltStore)(nil)
