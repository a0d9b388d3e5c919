// Package boltstore keeps the durable state of a member in a single bbolt
// file: the consensus hard state and log, and the applier's ledger, lock
// token and id allocations.
package boltstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"coredb/pkg/applier"
	"coredb/pkg/consensus"
	"coredb/pkg/ledger"
	"coredb/pkg/raft"
	"coredb/pkg/session"
	"coredb/pkg/types"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const fileName = "member.db"

var (
	metaBucket    = []byte("meta")
	logBucket     = []byte("log")
	ledgerBucket  = []byte("ledger")
	idAllocBucket = []byte("idalloc")

	hardStateKey = []byte("hardstate")
	applierKey   = []byte("applier")
)

var errCorrupt = errors.New("boltstore: corrupt record")

type Store struct {
	path   string
	db     *bolt.DB
	logger *slog.Logger
}

var (
	_ raft.Storage       = (*Store)(nil)
	_ applier.StateStore = (*Store)(nil)
	_ ledger.Source      = (*Store)(nil)
)

// Open opens or creates the member database in dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dir, fileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s (is another member running?): %w", path, err)
	}

	s := &Store{path: path, db: db, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("member database opened", "path", path)
	return s, nil
}

func (s *Store) initialize() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{metaBucket, logBucket, ledgerBucket, idAllocBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	return s.db.Close()
}

// InitialState implements raft.Storage.
func (s *Store) InitialState() (raft.HardState, []consensus.Entry, error) {
	var (
		hs      raft.HardState
		entries []consensus.Entry
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(hardStateKey); v != nil {
			if err := json.Unmarshal(v, &hs); err != nil {
				return fmt.Errorf("decode hard state: %w", err)
			}
		}

		return tx.Bucket(logBucket).ForEach(func(k, v []byte) error {
			e, err := decodeEntry(k, v)
			if err != nil {
				return err
			}
			if want := types.LogIndex(len(entries) + 1); e.Index != want {
				return fmt.Errorf("%w: log entry %d found where %d expected", errCorrupt, e.Index, want)
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return raft.HardState{}, nil, err
	}
	return hs, entries, nil
}

func (s *Store) SetHardState(hs raft.HardState) error {
	v, err := json.Marshal(hs)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(hardStateKey, v)
	})
}

// Append replaces the log from entries[0].Index onwards.
func (s *Store) Append(entries []consensus.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		first := entries[0].Index

		var last types.LogIndex
		if k, _ := b.Cursor().Last(); k != nil {
			last = types.LogIndex(binary.BigEndian.Uint64(k))
		}
		if first == 0 || first > last+1 {
			return fmt.Errorf("append at %d leaves a gap after %d", first, last)
		}

		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(indexKey(first)); k != nil; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		if len(stale) > 0 {
			s.logger.Debug("log suffix replaced", "from", first, "dropped", len(stale))
		}

		for i, e := range entries {
			if e.Index != first+types.LogIndex(i) {
				return fmt.Errorf("append: entry %d is not contiguous", e.Index)
			}
			if err := b.Put(indexKey(e.Index), encodeEntry(e)); err != nil {
				return err
			}
		}
		return nil
	})
}

type applierMeta struct {
	LastApplied types.LogIndex    `json:"lastApplied"`
	LockToken   applier.LockToken `json:"lockToken"`
}

// LoadState implements applier.StateStore.
func (s *Store) LoadState() (applier.State, error) {
	st := applier.State{NextIDs: make(map[uint32]uint64)}
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(applierKey); v != nil {
			var meta applierMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("decode applier state: %w", err)
			}
			st.LastApplied, st.LockToken = meta.LastApplied, meta.LockToken
		}

		return tx.Bucket(idAllocBucket).ForEach(func(k, v []byte) error {
			if len(k) != 4 || len(v) != 8 {
				return fmt.Errorf("%w: id allocation", errCorrupt)
			}
			st.NextIDs[binary.BigEndian.Uint32(k)] = binary.BigEndian.Uint64(v)
			return nil
		})
	})
	return st, err
}

// LoadLedger implements ledger.Source.
func (s *Store) LoadLedger(fn func(session.GlobalSession, ledger.Record) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).ForEach(func(k, v []byte) error {
			sess, err := decodeSession(k)
			if err != nil {
				return err
			}
			var rec ledger.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode ledger record of %s: %w", sess, err)
			}
			return fn(sess, rec)
		})
	})
}

// SaveState persists one applied batch in a single transaction.
func (s *Store) SaveState(c applier.Change) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)

		var cur applierMeta
		if v := meta.Get(applierKey); v != nil {
			if err := json.Unmarshal(v, &cur); err != nil {
				return fmt.Errorf("decode applier state: %w", err)
			}
		}
		cur.LastApplied = c.LastApplied
		if c.LockToken != nil {
			cur.LockToken = *c.LockToken
		}
		v, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		if err := meta.Put(applierKey, v); err != nil {
			return err
		}

		lb := tx.Bucket(ledgerBucket)
		for sess, rec := range c.Ledger {
			v, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := lb.Put(encodeSession(sess), v); err != nil {
				return err
			}
		}

		ib := tx.Bucket(idAllocBucket)
		for idType, next := range c.NextIDs {
			k := binary.BigEndian.AppendUint32(nil, idType)
			if err := ib.Put(k, binary.BigEndian.AppendUint64(nil, next)); err != nil {
				return err
			}
		}
		return nil
	})
}

func indexKey(i types.LogIndex) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), uint64(i))
}

// encodeEntry lays out an entry value as term (8 bytes) followed by data.
func encodeEntry(e consensus.Entry) []byte {
	buf := make([]byte, 8, 8+len(e.Data))
	binary.BigEndian.PutUint64(buf, uint64(e.Term))
	return append(buf, e.Data...)
}

func decodeEntry(k, v []byte) (consensus.Entry, error) {
	if len(k) != 8 || len(v) < 8 {
		return consensus.Entry{}, fmt.Errorf("%w: log entry", errCorrupt)
	}
	e := consensus.Entry{
		Index: types.LogIndex(binary.BigEndian.Uint64(k)),
		Term:  types.Term(binary.BigEndian.Uint64(v)),
	}
	if len(v) > 8 {
		// bbolt values are only valid inside the transaction
		e.Data = append([]byte(nil), v[8:]...)
	}
	return e, nil
}

// encodeSession lays out a session key as the uuid followed by the owner.
func encodeSession(s session.GlobalSession) []byte {
	k := make([]byte, 0, 24)
	k = append(k, s.ID[:]...)
	return binary.BigEndian.AppendUint64(k, uint64(s.Owner))
}

func decodeSession(k []byte) (session.GlobalSession, error) {
	if len(k) != 24 {
		return session.GlobalSession{}, fmt.Errorf("%w: session key of %d bytes", errCorrupt, len(k))
	}
	id, err := uuid.FromBytes(k[:16])
	if err != nil {
		return session.GlobalSession{}, err
	}
	return session.GlobalSession{ID: id, Owner: types.MemberID(binary.BigEndian.Uint64(k[16:]))}, nil
}
