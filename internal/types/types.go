// Package types holds the wire and persistence records shared between the
// sync pipeline, the encryption engine and storage. Event content is kept
// as raw JSON; loosely-typed fields inside it are read with gjson so that
// unknown or malformed content degrades to an empty value instead of a
// decode error.
package types

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// EventTypeEncrypted is the event type carrying megolm-encrypted payloads.
const EventTypeEncrypted = "m.room.encrypted"

// EventTypeMember is the state event type for room membership.
const EventTypeMember = "m.room.member"

// EventTypeEncryption is the state event type that enables encryption
// for a room. Its content becomes the room's EncryptionParams.
const EventTypeEncryption = "m.room.encryption"

// EventTypeRoomKey is the to-device event type carrying a room key.
const EventTypeRoomKey = "m.room_key"

// MegolmAlgorithm is the only group-encryption algorithm this engine
// supports for room messages.
const MegolmAlgorithm = "m.megolm.v1.aes-sha2"

// Membership values as they appear in m.room.member content.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
)

// Event is a single timeline or state event as received from sync.
type Event struct {
	EventID         string          `json:"event_id"`
	Type            string          `json:"type"`
	Sender          string          `json:"sender"`
	StateKey        *string         `json:"state_key,omitempty"`
	OriginServerTS  int64           `json:"origin_server_ts"`
	Content         json.RawMessage `json:"content,omitempty"`
	Unsigned        json.RawMessage `json:"unsigned,omitempty"`
	RedactedBecause json.RawMessage `json:"redacted_because,omitempty"`
}

// IsState reports whether the event is a state event.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// IsRedacted reports whether the event has been redacted, either directly
// or through its unsigned metadata.
func (e *Event) IsRedacted() bool {
	if len(e.RedactedBecause) > 0 {
		return true
	}

	return gjson.GetBytes(e.Unsigned, "redacted_because").Exists()
}

// Algorithm returns the encryption algorithm named in the event content,
// or empty string.
func (e *Event) Algorithm() string {
	return gjson.GetBytes(e.Content, "algorithm").String()
}

// SenderKey returns the curve25519 sender key named in the event content.
func (e *Event) SenderKey() string {
	return gjson.GetBytes(e.Content, "sender_key").String()
}

// SessionID returns the megolm session id named in the event content.
func (e *Event) SessionID() string {
	return gjson.GetBytes(e.Content, "session_id").String()
}

// Timeline is the timeline section of a room sync delta.
type Timeline struct {
	Events    []Event `json:"events"`
	Limited   bool    `json:"limited"`
	PrevBatch string  `json:"prev_batch,omitempty"`
}

// StateSection is the state section of a room sync delta.
type StateSection struct {
	Events []Event `json:"events"`
}

// DeltaSummary is the server-computed room summary hints in a sync delta.
type DeltaSummary struct {
	Heroes       []string `json:"m.heroes,omitempty"`
	JoinedCount  *int     `json:"m.joined_member_count,omitempty"`
	InvitedCount *int     `json:"m.invited_member_count,omitempty"`
}

// UnreadNotifications carries the server's unread counters for a room.
type UnreadNotifications struct {
	NotificationCount int `json:"notification_count"`
	HighlightCount    int `json:"highlight_count"`
}

// SyncDelta is the incremental update for one room from one sync cycle.
type SyncDelta struct {
	Timeline            *Timeline            `json:"timeline,omitempty"`
	State               *StateSection        `json:"state,omitempty"`
	Summary             *DeltaSummary        `json:"summary,omitempty"`
	UnreadNotifications *UnreadNotifications `json:"unread_notifications,omitempty"`
}

// TimelineEvents returns the delta's timeline events, or nil.
func (d *SyncDelta) TimelineEvents() []Event {
	if d == nil || d.Timeline == nil {
		return nil
	}

	return d.Timeline.Events
}

// InviteDetails carries the information extracted from an invite that is
// still relevant once the room is joined (who invited, direct-message hint).
type InviteDetails struct {
	Inviter         string `json:"inviter,omitempty"`
	IsDirectMessage bool   `json:"is_direct_message,omitempty"`
	Name            string `json:"name,omitempty"`
}

// RoomMember is the persisted membership row for one user in one room.
type RoomMember struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	Membership  string `json:"membership"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// MemberChange describes one user's membership transition within a sync
// delta. It drives both device-tracking updates and key-sharing and
// key-invalidation decisions.
type MemberChange struct {
	UserID             string
	Member             RoomMember
	PreviousMembership string
}

// HasJoined reports whether this change is a transition into membership
// "join" from any other state.
func (c *MemberChange) HasJoined() bool {
	return c.PreviousMembership != MembershipJoin && c.Member.Membership == MembershipJoin
}

// HasLeft reports whether this change is a transition out of "join".
func (c *MemberChange) HasLeft() bool {
	return c.PreviousMembership == MembershipJoin && c.Member.Membership != MembershipJoin
}

// DeviceIdentity describes one device of one user, as resolved by the
// device tracker.
type DeviceIdentity struct {
	UserID        string `json:"user_id"`
	DeviceID      string `json:"device_id"`
	Ed25519Key    string `json:"ed25519_key"`
	Curve25519Key string `json:"curve25519_key"`
	DisplayName   string `json:"display_name,omitempty"`
}

// TimelineEntry is a persisted timeline event plus its storage key and,
// once decryption has run, its decrypted payload or error.
type TimelineEntry struct {
	RoomID string `json:"room_id"`
	Key    uint64 `json:"key"`
	Event  Event  `json:"event"`

	// Decryption outcome. Not persisted as part of the event row; set
	// in-memory when a BatchDecryptionResult is applied, and the payload
	// is written to the row by DecryptionChanges.Write.
	DecryptedType    string          `json:"decrypted_type,omitempty"`
	DecryptedContent json.RawMessage `json:"decrypted_content,omitempty"`
	DecryptionError  string          `json:"decryption_error,omitempty"`
}
