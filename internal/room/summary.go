// Package room implements the per-room sync reconciliation pipeline:
// a sync delta flows through prepare (network-adjacent reads), decrypt
// (CPU-bound, no transaction), write (one storage transaction) and emit
// (in-memory only), with an optional deferred key-share flush phase
// after the whole sync batch.
package room

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/weftchat/weft/internal/e2ee"
	"github.com/weftchat/weft/internal/storage"
	"github.com/weftchat/weft/internal/types"
)

// SummaryData is the persisted summary of one room. It is treated as a
// value: sync phases work on modified copies (SummaryChanges) and the
// live copy is only replaced in the emit phase.
type SummaryData struct {
	RoomID               string                 `json:"room_id"`
	Name                 string                 `json:"name,omitempty"`
	Heroes               []string               `json:"heroes,omitempty"`
	Encryption           *e2ee.EncryptionParams `json:"encryption,omitempty"`
	Membership           string                 `json:"membership,omitempty"`
	Inviter              string                 `json:"inviter,omitempty"`
	IsDirectMessage      bool                   `json:"is_direct_message,omitempty"`
	JoinCount            int                    `json:"join_count"`
	InviteCount          int                    `json:"invite_count"`
	NotificationCount    int                    `json:"notification_count"`
	HighlightCount       int                    `json:"highlight_count"`
	LastMessageTimestamp int64                  `json:"last_message_timestamp"`
	IsUnread             bool                   `json:"is_unread"`
	IsTrackingMembers    bool                   `json:"is_tracking_members"`
}

// NeedsHeroes reports whether the room needs hero members to compute a
// display name.
func (d *SummaryData) NeedsHeroes() bool {
	return d.Name == "" && len(d.Heroes) > 0
}

// SummaryChanges is a modified copy of SummaryData plus a dirty flag.
// A zero dirty flag means writing it is a no-op.
type SummaryChanges struct {
	Data    SummaryData
	changed bool
}

// Changed reports whether anything differs from the data it was
// derived from.
func (c *SummaryChanges) Changed() bool {
	return c.changed
}

// IsNewJoin reports whether this delta rejoins a previously left room.
// Stale state from the earlier membership must not survive a rejoin.
func (c *SummaryChanges) IsNewJoin(old SummaryData) bool {
	return c.Data.Membership == types.MembershipJoin &&
		old.Membership != "" && old.Membership != types.MembershipJoin
}

// NeedsHeroes reports whether the changed summary needs hero members.
func (c *SummaryChanges) NeedsHeroes() bool {
	return c.Data.NeedsHeroes()
}

// ApplyInvite folds invite details into the changes; used when a room
// transitions from invited to joined within one sync.
func (c SummaryChanges) ApplyInvite(invite *types.InviteDetails) SummaryChanges {
	if invite == nil {
		return c
	}

	if invite.Inviter != "" && invite.Inviter != c.Data.Inviter {
		c.Data.Inviter = invite.Inviter
		c.changed = true
	}

	if invite.IsDirectMessage != c.Data.IsDirectMessage {
		c.Data.IsDirectMessage = invite.IsDirectMessage
		c.changed = true
	}

	if c.Data.Name == "" && invite.Name != "" {
		c.Data.Name = invite.Name
		c.changed = true
	}

	return c
}

// ApplyTimelineEntries folds (decrypted) timeline entries into the
// changes: last-message timestamp and the unread marker. Unread is only
// raised for other people's messages, and never while doing the initial
// sync or while the user is looking at an open timeline.
func (c SummaryChanges) ApplyTimelineEntries(entries []*types.TimelineEntry, isInitialSync, canMarkUnread bool, ownUserID string) SummaryChanges {
	for _, entry := range entries {
		if entry.Event.IsState() {
			continue
		}

		if ts := entry.Event.OriginServerTS; ts > c.Data.LastMessageTimestamp {
			c.Data.LastMessageTimestamp = ts
			c.changed = true
		}

		if !isInitialSync && canMarkUnread && !c.Data.IsUnread && entry.Event.Sender != ownUserID {
			c.Data.IsUnread = true
			c.changed = true
		}
	}

	return c
}

// applySyncResponse derives summary changes from a sync delta. Pure:
// the receiver data is copied, never mutated.
func applySyncResponse(data SummaryData, delta *types.SyncDelta, membership string) SummaryChanges {
	c := SummaryChanges{Data: data}

	if membership != "" && membership != c.Data.Membership {
		c.Data.Membership = membership
		c.changed = true
	}

	if delta == nil {
		return c
	}

	if delta.State != nil {
		for i := range delta.State.Events {
			c = applyStateEvent(c, &delta.State.Events[i])
		}
	}

	if delta.Timeline != nil {
		for i := range delta.Timeline.Events {
			if delta.Timeline.Events[i].IsState() {
				c = applyStateEvent(c, &delta.Timeline.Events[i])
			}
		}
	}

	if s := delta.Summary; s != nil {
		if len(s.Heroes) > 0 {
			c.Data.Heroes = s.Heroes
			c.changed = true
		}

		if s.JoinedCount != nil && *s.JoinedCount != c.Data.JoinCount {
			c.Data.JoinCount = *s.JoinedCount
			c.changed = true
		}

		if s.InvitedCount != nil && *s.InvitedCount != c.Data.InviteCount {
			c.Data.InviteCount = *s.InvitedCount
			c.changed = true
		}
	}

	if u := delta.UnreadNotifications; u != nil {
		if u.NotificationCount != c.Data.NotificationCount {
			c.Data.NotificationCount = u.NotificationCount
			c.changed = true
		}

		if u.HighlightCount != c.Data.HighlightCount {
			c.Data.HighlightCount = u.HighlightCount
			c.changed = true
		}
	}

	return c
}

func applyStateEvent(c SummaryChanges, ev *types.Event) SummaryChanges {
	switch ev.Type {
	case types.EventTypeEncryption:
		// Encryption can only ever be enabled, never reconfigured.
		if c.Data.Encryption == nil {
			params := &e2ee.EncryptionParams{}
			if err := json.Unmarshal(ev.Content, params); err == nil && params.Algorithm != "" {
				c.Data.Encryption = params
				c.changed = true
			}
		}
	case "m.room.name":
		if name := gjson.GetBytes(ev.Content, "name").String(); name != c.Data.Name {
			c.Data.Name = name
			c.changed = true
		}
	}

	return c
}

// RoomSummary owns the live in-memory summary and its persistence.
type RoomSummary struct {
	data SummaryData
}

// NewRoomSummary creates an empty summary for a room.
func NewRoomSummary(roomID string) *RoomSummary {
	return &RoomSummary{data: SummaryData{RoomID: roomID}}
}

// Load reads the persisted summary, if any.
func (s *RoomSummary) Load(txn *storage.Transaction) error {
	_, err := txn.RoomSummaries().GetInto(s.data.RoomID, &s.data)
	return err
}

// Data returns the current in-memory summary.
func (s *RoomSummary) Data() SummaryData {
	return s.data
}

// ApplySyncResponse derives changes from a sync delta without touching
// the live data.
func (s *RoomSummary) ApplySyncResponse(delta *types.SyncDelta, membership string) SummaryChanges {
	return applySyncResponse(s.data, delta, membership)
}

// WriteData persists the changes, returning nil when nothing changed.
func (s *RoomSummary) WriteData(changes SummaryChanges, txn *storage.Transaction) (*SummaryChanges, error) {
	if !changes.changed {
		return nil, nil
	}

	if err := txn.RoomSummaries().Set(changes.Data.RoomID, changes.Data); err != nil {
		return nil, err
	}

	return &changes, nil
}

// WriteArchivedData persists the changes into the archived summary
// store. Used when leaving a previously joined room.
func (s *RoomSummary) WriteArchivedData(changes SummaryChanges, txn *storage.Transaction) (*SummaryChanges, error) {
	if err := txn.ArchivedRoomSummaries().Set(changes.Data.RoomID, changes.Data); err != nil {
		return nil, err
	}

	return &changes, nil
}

// WriteClearUnread persists an unread reset and returns the changes to
// apply in memory after the transaction commits.
func (s *RoomSummary) WriteClearUnread(txn *storage.Transaction) (*SummaryChanges, error) {
	changes := SummaryChanges{Data: s.data, changed: true}
	changes.Data.IsUnread = false
	changes.Data.NotificationCount = 0
	changes.Data.HighlightCount = 0

	if err := txn.RoomSummaries().Set(changes.Data.RoomID, changes.Data); err != nil {
		return nil, err
	}

	return &changes, nil
}

// WriteIsTrackingMembers persists the membership-tracking marker.
func (s *RoomSummary) WriteIsTrackingMembers(value bool, txn *storage.Transaction) (*SummaryChanges, error) {
	changes := SummaryChanges{Data: s.data, changed: true}
	changes.Data.IsTrackingMembers = value

	if err := txn.RoomSummaries().Set(changes.Data.RoomID, changes.Data); err != nil {
		return nil, err
	}

	return &changes, nil
}

// ApplyChanges replaces the live summary. Emit phase only.
func (s *RoomSummary) ApplyChanges(changes *SummaryChanges) {
	s.data = changes.Data
}
