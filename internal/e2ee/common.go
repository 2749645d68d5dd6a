// Package e2ee implements the room encryption engine: outbound group
// session lifecycle, inbound decryption orchestration, crash-safe key
// sharing and missing-key recovery through the session backup.
//
// The ratchet math itself lives behind the GroupEncryption, GroupDecryption
// and OlmEncryption interfaces; this package owns everything around it.
package e2ee

import (
	"context"
	"encoding/json"

	"github.com/weftchat/weft/internal/storage"
	"github.com/weftchat/weft/internal/types"
)

// DecryptionSource says which path a batch of encrypted events came from.
// It determines which session cache is consulted and how missing-key
// follow-up behaves.
type DecryptionSource int

const (
	// SourceSync marks events from the live sync stream.
	SourceSync DecryptionSource = iota + 1

	// SourceTimeline marks events from backfill (gap fill).
	SourceTimeline

	// SourceRetry marks events being retried after a key arrived.
	SourceRetry
)

func (s DecryptionSource) String() string {
	switch s {
	case SourceSync:
		return "sync"
	case SourceTimeline:
		return "timeline"
	case SourceRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// EncryptionParams is the content of the room's m.room.encryption state
// event, passed through to the outbound session machinery.
type EncryptionParams struct {
	Algorithm          string `json:"algorithm"`
	RotationPeriodMS   int64  `json:"rotation_period_ms,omitempty"`
	RotationPeriodMsgs int64  `json:"rotation_period_msgs,omitempty"`
}

// RoomKeyMessage is a group-ratchet seed as sent over to-device messaging.
// It is transient: consumed immediately into a dispatch payload or a
// persisted operation, never stored in plaintext anywhere else.
type RoomKeyMessage struct {
	Algorithm  string `json:"algorithm"`
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
	SenderKey  string `json:"sender_key,omitempty"`
}

// RoomKey is inbound key material for one session identity, carrying the
// first ratchet index it can decrypt from. Candidate keys for the same
// identity may arrive from sync and from backup; best-key-wins keeps the
// one with the lowest first-known index.
type RoomKey struct {
	RoomID          string
	SenderKey       string
	SessionID       string
	FirstKnownIndex uint32
	SessionData     []byte
}

// Session is a loaded inbound group session handle. It wraps a native
// resource: Dispose must be called exactly once, and no method may be
// used afterwards. The session caches own disposal for cached handles.
type Session interface {
	SenderKey() string
	SessionID() string
	FirstKnownIndex() uint32
	Dispose()
}

// DecryptionResult is one successfully decrypted event.
type DecryptionResult struct {
	EventID             string
	Type                string
	Content             json.RawMessage
	SenderCurve25519Key string
	ClaimedEd25519Key   string

	// Device is attached by sender verification. When the room is not
	// tracking membership yet, absence of a device is recorded via
	// RoomNotTrackedYet instead of being treated as a failure.
	Device            *types.DeviceIdentity
	RoomNotTrackedYet bool
}

// EncryptedContent is the result of encrypting an outgoing event.
type EncryptedContent struct {
	Type    string
	Content json.RawMessage
}

// EncryptResult is what the group-ratchet encrypt primitive returns.
// RoomKeyMessage is non-nil when the call created a new outbound session
// that still needs to be distributed.
type EncryptResult struct {
	Content        json.RawMessage
	RoomKeyMessage *RoomKeyMessage
}

// GroupEncryption is the outbound side of the group ratchet.
type GroupEncryption interface {
	// EnsureOutboundSession returns a non-nil RoomKeyMessage when it had
	// to create a new outbound session for the room.
	EnsureOutboundSession(roomID string, params EncryptionParams) (*RoomKeyMessage, error)

	// Encrypt encrypts an event payload with the current outbound
	// session, creating one if needed.
	Encrypt(roomID, eventType string, content json.RawMessage, params EncryptionParams) (*EncryptResult, error)

	// CreateRoomKeyMessage exports the current outbound session as a
	// shareable key message, or nil when no session exists.
	CreateRoomKeyMessage(roomID string, txn *storage.Transaction) (*RoomKeyMessage, error)

	// DiscardOutboundSession drops the current outbound session so the
	// next encrypt creates a fresh one. Called when any member leaves.
	DiscardOutboundSession(roomID string, txn *storage.Transaction) error
}

// GroupDecryption is the inbound side of the group ratchet.
type GroupDecryption interface {
	// LoadSession loads a session handle from storage, or nil when the
	// stored record has no key material.
	LoadSession(roomID, senderKey, sessionID string, txn *storage.Transaction) (Session, error)

	// SessionFromKey creates a session handle from key material that has
	// not been persisted yet, or nil when the key cannot be imported.
	SessionFromKey(key *RoomKey) (Session, error)

	// Decrypt unwraps one event with a loaded session. Pure CPU work;
	// must not touch storage.
	Decrypt(session Session, event *types.Event) (*DecryptionResult, error)

	// RoomKeyFromBackup turns a decrypted backup claim into a RoomKey,
	// or nil when the claim cannot be imported.
	RoomKeyFromBackup(roomID, sessionID string, claim *BackupSessionClaim) (*RoomKey, error)
}

// OlmEncryption wraps a payload for each target device using one-to-one
// encryption. Used to carry room keys over to-device messaging.
type OlmEncryption interface {
	Encrypt(ctx context.Context, eventType string, payload *RoomKeyMessage, devices []types.DeviceIdentity) ([]EncryptedToDeviceMessage, error)
}

// EncryptedToDeviceMessage is one device-addressed ciphertext.
type EncryptedToDeviceMessage struct {
	Device  types.DeviceIdentity
	Content json.RawMessage
}

// DeviceTracker resolves and maintains the device sets of room members.
type DeviceTracker interface {
	TrackRoom(ctx context.Context, roomID string) error
	DevicesForTrackedRoom(ctx context.Context, roomID string) ([]types.DeviceIdentity, error)
	DevicesForRoomMembers(ctx context.Context, roomID string, userIDs []string) ([]types.DeviceIdentity, error)
	DeviceByCurve25519Key(curve25519Key string, txn *storage.Transaction) (*types.DeviceIdentity, error)
	WriteMemberChanges(roomID string, changes map[string]types.MemberChange, txn *storage.Transaction) error
}

// ToDeviceSender delivers device-addressed messages. Messages are keyed
// by user id, then device id.
type ToDeviceSender interface {
	SendToDevice(ctx context.Context, eventType string, messages map[string]map[string]json.RawMessage, txnID string) error
}

// SessionBackup fetches session keys from the server-held key backup.
// GetSession returns errors.ErrNotFound (wrapped) for a normal miss.
type SessionBackup interface {
	GetSession(ctx context.Context, roomID, sessionID string) (*BackupSessionClaim, error)
}

// BackupSessionClaim is a decrypted backup payload for one session.
type BackupSessionClaim struct {
	Algorithm       string `json:"algorithm"`
	SenderKey       string `json:"sender_key"`
	SessionKey      string `json:"session_key"`
	FirstKnownIndex uint32 `json:"first_known_index"`
}

// Room is the subset of room behavior the engine calls back into.
type Room interface {
	ID() string
	IsTrackingMembers() bool

	// NotifyRoomKey tells the room a usable key arrived so outstanding
	// undecryptable events can be retried.
	NotifyRoomKey(ctx context.Context, key *RoomKey) error
}

// sessionIdentity groups events sharing one (sender key, session id).
type sessionIdentity struct {
	senderKey string
	sessionID string
}

// groupEventsBySession buckets events by the session they were encrypted
// with, preserving event order within each bucket.
func groupEventsBySession(events []types.Event) map[sessionIdentity][]types.Event {
	groups := make(map[sessionIdentity][]types.Event)
	for _, ev := range events {
		id := sessionIdentity{senderKey: ev.SenderKey(), sessionID: ev.SessionID()}
		if id.senderKey == "" || id.sessionID == "" {
			continue
		}

		groups[id] = append(groups[id], ev)
	}

	return groups
}
