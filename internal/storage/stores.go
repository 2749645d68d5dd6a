package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"strings"

	"github.com/weftchat/weft/internal/types"
	bolt "go.etcd.io/bbolt"
)

// keySep separates the components of composite bucket keys. Room ids,
// user ids and curve25519 keys never contain a NUL byte.
const keySep = "\x00"

func compositeKey(parts ...string) []byte {
	return []byte(strings.Join(parts, keySep))
}

// roomPrefix is the scan prefix for all keys belonging to one room.
func roomPrefix(roomID string) []byte {
	return []byte(roomID + keySep)
}

// deleteByPrefix removes every key in the bucket starting with prefix.
func deleteByPrefix(b *bolt.Bucket, prefix []byte) error {
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
	}

	return nil
}

// InboundSessionRecord is the persisted row for one inbound group session
// identity (room, sender key, session id). It either holds key material
// (SessionData plus FirstKnownIndex) or, before a key is known, the
// backlog of event ids waiting for that key.
type InboundSessionRecord struct {
	RoomID          string   `json:"room_id"`
	SenderKey       string   `json:"sender_key"`
	SessionID       string   `json:"session_id"`
	FirstKnownIndex uint32   `json:"first_known_index"`
	SessionData     []byte   `json:"session_data,omitempty"`
	EventIDs        []string `json:"event_ids,omitempty"`
}

// HasSession reports whether the record carries actual key material, as
// opposed to only a missing-key event backlog.
func (r *InboundSessionRecord) HasSession() bool {
	return r != nil && len(r.SessionData) > 0
}

// InboundSessionStore is the per-transaction view over inbound group
// session records.
type InboundSessionStore struct {
	t *Transaction
}

func sessionKey(roomID, senderKey, sessionID string) []byte {
	return compositeKey(roomID, senderKey, sessionID)
}

// Get returns the record for the given session identity, or nil.
func (s InboundSessionStore) Get(roomID, senderKey, sessionID string) (*InboundSessionRecord, error) {
	b, err := s.t.bucket(StoreInboundGroupSessions)
	if err != nil {
		return nil, err
	}

	v := b.Get(sessionKey(roomID, senderKey, sessionID))
	if v == nil {
		return nil, nil
	}

	rec := &InboundSessionRecord{}
	if err := json.Unmarshal(v, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// Set writes the record, replacing any previous one for the same identity.
func (s InboundSessionStore) Set(rec *InboundSessionRecord) error {
	b, err := s.t.writeBucket(StoreInboundGroupSessions)
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return b.Put(sessionKey(rec.RoomID, rec.SenderKey, rec.SessionID), data)
}

// Operation is the persisted pending-operation record. RoomKeyMessage is
// kept as raw JSON so the storage layer stays agnostic of its shape.
type Operation struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Scope          string          `json:"scope"`
	UserIDs        []string        `json:"userIds,omitempty"`
	RoomKeyMessage json.RawMessage `json:"roomKeyMessage,omitempty"`
}

// OperationStore is the per-transaction view over pending operations.
type OperationStore struct {
	t *Transaction
}

// Add persists an operation keyed by its id.
func (s OperationStore) Add(op *Operation) error {
	b, err := s.t.writeBucket(StoreOperations)
	if err != nil {
		return err
	}

	data, err := json.Marshal(op)
	if err != nil {
		return err
	}

	return b.Put([]byte(op.ID), data)
}

// Remove deletes an operation by id. Removing an absent id is a no-op,
// which makes flush retries idempotent.
func (s OperationStore) Remove(id string) error {
	b, err := s.t.writeBucket(StoreOperations)
	if err != nil {
		return err
	}

	return b.Delete([]byte(id))
}

// AllByTypeAndScope returns every operation matching the given type and
// scope, in id order.
func (s OperationStore) AllByTypeAndScope(opType, scope string) ([]*Operation, error) {
	b, err := s.t.bucket(StoreOperations)
	if err != nil {
		return nil, err
	}

	var ops []*Operation

	err = b.ForEach(func(_, v []byte) error {
		op := &Operation{}
		if err := json.Unmarshal(v, op); err != nil {
			return err
		}

		if op.Type == opType && op.Scope == scope {
			ops = append(ops, op)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return ops, nil
}

// AllByType returns every operation of the given type across all
// scopes, in id order.
func (s OperationStore) AllByType(opType string) ([]*Operation, error) {
	b, err := s.t.bucket(StoreOperations)
	if err != nil {
		return nil, err
	}

	var ops []*Operation

	err = b.ForEach(func(_, v []byte) error {
		op := &Operation{}
		if err := json.Unmarshal(v, op); err != nil {
			return err
		}

		if op.Type == opType {
			ops = append(ops, op)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return ops, nil
}

// RoomStateStore is the per-transaction view over room state events,
// keyed by (room, event type, state key).
type RoomStateStore struct {
	t *Transaction
}

// Set writes a state event for a room. Non-state events are rejected by
// the caller, not here; the state key defaults to empty.
func (s RoomStateStore) Set(roomID string, ev *types.Event) error {
	b, err := s.t.writeBucket(StoreRoomState)
	if err != nil {
		return err
	}

	stateKey := ""
	if ev.StateKey != nil {
		stateKey = *ev.StateKey
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	return b.Put(compositeKey(roomID, ev.Type, stateKey), data)
}

// Get returns a state event, or nil if absent.
func (s RoomStateStore) Get(roomID, eventType, stateKey string) (*types.Event, error) {
	b, err := s.t.bucket(StoreRoomState)
	if err != nil {
		return nil, err
	}

	v := b.Get(compositeKey(roomID, eventType, stateKey))
	if v == nil {
		return nil, nil
	}

	ev := &types.Event{}
	if err := json.Unmarshal(v, ev); err != nil {
		return nil, err
	}

	return ev, nil
}

// RemoveAllForRoom deletes every state row for a room. Used when a room
// is rejoined so no stale state survives.
func (s RoomStateStore) RemoveAllForRoom(roomID string) error {
	b, err := s.t.writeBucket(StoreRoomState)
	if err != nil {
		return err
	}

	return deleteByPrefix(b, roomPrefix(roomID))
}

// RoomMemberStore is the per-transaction view over room membership rows.
type RoomMemberStore struct {
	t *Transaction
}

// Set writes a membership row.
func (s RoomMemberStore) Set(member *types.RoomMember) error {
	b, err := s.t.writeBucket(StoreRoomMembers)
	if err != nil {
		return err
	}

	data, err := json.Marshal(member)
	if err != nil {
		return err
	}

	return b.Put(compositeKey(member.RoomID, member.UserID), data)
}

// Get returns a membership row, or nil.
func (s RoomMemberStore) Get(roomID, userID string) (*types.RoomMember, error) {
	b, err := s.t.bucket(StoreRoomMembers)
	if err != nil {
		return nil, err
	}

	v := b.Get(compositeKey(roomID, userID))
	if v == nil {
		return nil, nil
	}

	m := &types.RoomMember{}
	if err := json.Unmarshal(v, m); err != nil {
		return nil, err
	}

	return m, nil
}

// AllForRoom returns all membership rows for a room, keyed by user id.
func (s RoomMemberStore) AllForRoom(roomID string) (map[string]types.RoomMember, error) {
	b, err := s.t.bucket(StoreRoomMembers)
	if err != nil {
		return nil, err
	}

	result := make(map[string]types.RoomMember)
	prefix := roomPrefix(roomID)

	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var m types.RoomMember
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, err
		}

		result[m.UserID] = m
	}

	return result, nil
}

// RemoveAllForRoom deletes every membership row for a room.
func (s RoomMemberStore) RemoveAllForRoom(roomID string) error {
	b, err := s.t.writeBucket(StoreRoomMembers)
	if err != nil {
		return err
	}

	return deleteByPrefix(b, roomPrefix(roomID))
}

// SummaryStore is the per-transaction view over live or archived room
// summaries. The summary shape belongs to the room package; it is stored
// as JSON here.
type SummaryStore struct {
	t    *Transaction
	name StoreName
}

// Set marshals and writes the summary for a room.
func (s SummaryStore) Set(roomID string, summary any) error {
	b, err := s.t.writeBucket(s.name)
	if err != nil {
		return err
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}

	return b.Put([]byte(roomID), data)
}

// GetInto unmarshals the summary for a room into out. Returns false if
// no summary is stored.
func (s SummaryStore) GetInto(roomID string, out any) (bool, error) {
	b, err := s.t.bucket(s.name)
	if err != nil {
		return false, err
	}

	v := b.Get([]byte(roomID))
	if v == nil {
		return false, nil
	}

	return true, json.Unmarshal(v, out)
}

// Remove deletes the summary for a room.
func (s SummaryStore) Remove(roomID string) error {
	b, err := s.t.writeBucket(s.name)
	if err != nil {
		return err
	}

	return b.Delete([]byte(roomID))
}

// AllRoomIDs returns the ids of every room with a stored summary.
func (s SummaryStore) AllRoomIDs() ([]string, error) {
	b, err := s.t.bucket(s.name)
	if err != nil {
		return nil, err
	}

	var roomIDs []string

	err = b.ForEach(func(k, _ []byte) error {
		roomIDs = append(roomIDs, string(k))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return roomIDs, nil
}

// TimelineStore is the per-transaction view over persisted timeline
// entries, ordered by a monotone per-room key assigned by the sync
// writer. An internal index maps event ids back to entry keys so that
// missing-key retries can load their source events.
type TimelineStore struct {
	t *Transaction
}

func timelineKey(roomID string, key uint64) []byte {
	k := make([]byte, 0, len(roomID)+1+8)
	k = append(k, roomID...)
	k = append(k, keySep...)
	k = binary.BigEndian.AppendUint64(k, key)

	return k
}

// Put inserts or updates an entry at its key and maintains the event-id
// index.
func (s TimelineStore) Put(entry *types.TimelineEntry) error {
	b, err := s.t.writeBucket(StoreTimelineEvents)
	if err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := b.Put(timelineKey(entry.RoomID, entry.Key), data); err != nil {
		return err
	}

	idx := s.t.tx.Bucket(timelineIndexBucket)
	keyBytes := binary.BigEndian.AppendUint64(nil, entry.Key)

	return idx.Put(compositeKey(entry.RoomID, entry.Event.EventID), keyBytes)
}

// Get returns the entry at the given key, or nil.
func (s TimelineStore) Get(roomID string, key uint64) (*types.TimelineEntry, error) {
	b, err := s.t.bucket(StoreTimelineEvents)
	if err != nil {
		return nil, err
	}

	v := b.Get(timelineKey(roomID, key))
	if v == nil {
		return nil, nil
	}

	entry := &types.TimelineEntry{}
	if err := json.Unmarshal(v, entry); err != nil {
		return nil, err
	}

	return entry, nil
}

// GetByEventID returns the entry for an event id, or nil.
func (s TimelineStore) GetByEventID(roomID, eventID string) (*types.TimelineEntry, error) {
	if _, err := s.t.bucket(StoreTimelineEvents); err != nil {
		return nil, err
	}

	idx := s.t.tx.Bucket(timelineIndexBucket)

	keyBytes := idx.Get(compositeKey(roomID, eventID))
	if keyBytes == nil {
		return nil, nil
	}

	return s.Get(roomID, binary.BigEndian.Uint64(keyBytes))
}


// MaxKeyForRoom returns the highest entry key for a room and whether any
// entry exists. The sync writer uses it to restore its cursor on load.
func (s TimelineStore) MaxKeyForRoom(roomID string) (uint64, bool, error) {
	b, err := s.t.bucket(StoreTimelineEvents)
	if err != nil {
		return 0, false, err
	}

	prefix := roomPrefix(roomID)
	c := b.Cursor()

	var (
		maxKey uint64
		found  bool
	)

	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		maxKey = binary.BigEndian.Uint64(k[len(prefix):])
		found = true
	}

	return maxKey, found, nil
}
