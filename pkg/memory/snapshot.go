package memory

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// snapshotKeyPrefix mirrors the teacher's versioned-prefix convention
// (routing/emb/v1/...) so a storage-layout change never collides with an
// older one.
const snapshotKeyPrefix = "memory/affairs/v1/"

// snapshotDefaultTTL bounds how long a warm-restart snapshot survives
// without being refreshed. Affairs are service-infrastructure facts about
// an in-progress conversation, not durable user data — the KB remains the
// durable system of record; this store is purely a restart-latency assist.
const snapshotDefaultTTL = 24 * time.Hour

// BadgerSnapshotStore persists per-client affair snapshots across process
// restarts, grounded on the teacher's BadgerRouterCacheStore: an embedded,
// no-network-dependency KV store with native TTL, avoiding a cold KB query
// for every client on every restart.
type BadgerSnapshotStore struct {
	db  *badger.DB
	ttl time.Duration
}

// NewBadgerSnapshotStore wraps an already-opened Badger DB. The caller owns
// the DB's lifecycle (open at startup, close at shutdown).
func NewBadgerSnapshotStore(db *badger.DB, ttl time.Duration) *BadgerSnapshotStore {
	if ttl <= 0 {
		ttl = snapshotDefaultTTL
	}
	return &BadgerSnapshotStore{db: db, ttl: ttl}
}

// Save gob-encodes affairs and writes them under the client's key with TTL.
func (s *BadgerSnapshotStore) Save(clientID string, affairs []Affair) error {
	if len(affairs) == 0 {
		return nil
	}
	raw, err := gobEncodeAffairs(affairs)
	if err != nil {
		return fmt.Errorf("encoding affair snapshot for client %s: %w", clientID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(snapshotKey(clientID), raw).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
}

// Load returns the client's last snapshot, or (nil, nil) on a cache miss
// (key absent or TTL expired).
func (s *BadgerSnapshotStore) Load(clientID string) ([]Affair, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(clientID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errSnapshotMiss
		}
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, errSnapshotMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading affair snapshot for client %s: %w", clientID, err)
	}
	affairs, err := gobDecodeAffairs(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding affair snapshot for client %s: %w", clientID, err)
	}
	return affairs, nil
}

var errSnapshotMiss = errors.New("affair snapshot cache miss")

func snapshotKey(clientID string) []byte {
	return []byte(snapshotKeyPrefix + clientID)
}

func gobEncodeAffairs(affairs []Affair) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(affairs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecodeAffairs(data []byte) ([]Affair, error) {
	var affairs []Affair
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&affairs); err != nil {
		return nil, err
	}
	return affairs, nil
}
