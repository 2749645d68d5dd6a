// Package storage wraps a bbolt database behind the transactional contract
// the sync pipeline and the encryption engine are written against: callers
// open a read-only or read-write transaction scoped to the named stores
// they intend to touch, and either Complete or Abort it. Holding the
// transaction object across phases is what lets the sync pipeline read,
// decrypt and write in separate steps without re-reading state.
package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	weberr "github.com/weftchat/weft/internal/errors"
	bolt "go.etcd.io/bbolt"
)

const (
	// dbDirPerm is the permission mode for the database directory.
	dbDirPerm = fs.FileMode(0o700)

	// dbFilePerm is the permission mode for the database file. It holds
	// session key material, so it must not be group or world readable.
	dbFilePerm = fs.FileMode(0o600)

	// dbOpenTimeout is the maximum time to wait for the bolt file lock.
	dbOpenTimeout = 5 * time.Second
)

// StoreName identifies one of the named stores in the database.
type StoreName string

// The named stores. Each maps to one bbolt bucket, except timeline-events
// which also maintains an event-id index bucket.
const (
	StoreInboundGroupSessions StoreName = "inbound_group_sessions"
	StoreOperations           StoreName = "operations"
	StoreRoomState            StoreName = "room_state"
	StoreRoomMembers          StoreName = "room_members"
	StoreRoomSummary          StoreName = "room_summary"
	StoreArchivedRoomSummary  StoreName = "archived_room_summary"
	StoreTimelineEvents       StoreName = "timeline_events"
)

// timelineIndexBucket maps roomID|eventID to the timeline entry key.
// Managed internally by the timeline store; never declared by callers.
var timelineIndexBucket = []byte("timeline_event_ids")

var allStores = []StoreName{
	StoreInboundGroupSessions,
	StoreOperations,
	StoreRoomState,
	StoreRoomMembers,
	StoreRoomSummary,
	StoreArchivedRoomSummary,
	StoreTimelineEvents,
}

// Storage owns the bbolt database holding all persisted client state.
type Storage struct {
	db *bolt.DB
}

// Open opens (or creates) the database at the given path. All store
// buckets are created on open so transactions never need to.
func Open(path string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), dbDirPerm); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(path, dbFilePerm, &bolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allStores {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		_, err := tx.CreateBucketIfNotExists(timelineIndexBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// ReadTxn opens a read-only transaction scoped to the given stores.
func (s *Storage) ReadTxn(stores ...StoreName) (*Transaction, error) {
	return s.begin(false, stores)
}

// ReadWriteTxn opens a read-write transaction scoped to the given stores.
func (s *Storage) ReadWriteTxn(stores ...StoreName) (*Transaction, error) {
	return s.begin(true, stores)
}

func (s *Storage) begin(writable bool, stores []StoreName) (*Transaction, error) {
	tx, err := s.db.Begin(writable)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	declared := make(map[StoreName]bool, len(stores))
	for _, name := range stores {
		declared[name] = true
	}

	return &Transaction{tx: tx, writable: writable, declared: declared}, nil
}

// Transaction is a scoped view over the stores declared when it was
// opened. A write failure inside a transaction must be followed by Abort;
// partial commits are never possible with bbolt, but the contract still
// requires the caller to propagate the error rather than Complete.
type Transaction struct {
	tx       *bolt.Tx
	writable bool
	declared map[StoreName]bool
	done     bool
}

// Writable reports whether this is a read-write transaction.
func (t *Transaction) Writable() bool {
	return t.writable
}

// Complete commits a read-write transaction, or releases a read-only one.
func (t *Transaction) Complete() error {
	if t.done {
		return nil
	}
	t.done = true

	if t.writable {
		if err := t.tx.Commit(); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}

		return nil
	}

	return t.tx.Rollback()
}

// Abort discards the transaction. Safe to call after Complete; it is a
// no-op then, which allows `defer txn.Abort()` on every path.
func (t *Transaction) Abort() error {
	if t.done {
		return nil
	}
	t.done = true

	return t.tx.Rollback()
}

// bucket returns the bucket for a declared store, or ErrStoreNotDeclared.
func (t *Transaction) bucket(name StoreName) (*bolt.Bucket, error) {
	if !t.declared[name] {
		return nil, fmt.Errorf("%w: %s", weberr.ErrStoreNotDeclared, name)
	}

	return t.tx.Bucket([]byte(name)), nil
}

// writeBucket is bucket plus a writability check.
func (t *Transaction) writeBucket(name StoreName) (*bolt.Bucket, error) {
	if !t.writable {
		return nil, fmt.Errorf("%w: %s", weberr.ErrTxnReadOnly, name)
	}

	return t.bucket(name)
}

// InboundGroupSessions returns the inbound-group-sessions store view.
func (t *Transaction) InboundGroupSessions() InboundSessionStore {
	return InboundSessionStore{t: t}
}

// Operations returns the operations store view.
func (t *Transaction) Operations() OperationStore {
	return OperationStore{t: t}
}

// RoomState returns the room-state store view.
func (t *Transaction) RoomState() RoomStateStore {
	return RoomStateStore{t: t}
}

// RoomMembers returns the room-members store view.
func (t *Transaction) RoomMembers() RoomMemberStore {
	return RoomMemberStore{t: t}
}

// RoomSummaries returns the room-summary store view.
func (t *Transaction) RoomSummaries() SummaryStore {
	return SummaryStore{t: t, name: StoreRoomSummary}
}

// ArchivedRoomSummaries returns the archived-room-summary store view.
func (t *Transaction) ArchivedRoomSummaries() SummaryStore {
	return SummaryStore{t: t, name: StoreArchivedRoomSummary}
}

// TimelineEvents returns the timeline-events store view.
func (t *Transaction) TimelineEvents() TimelineStore {
	return TimelineStore{t: t}
}
