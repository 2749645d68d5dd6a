package room

import (
	"encoding/json"
	"fmt"

	"github.com/weftchat/weft/internal/storage"
	"github.com/weftchat/weft/internal/types"
)

// SyncWriter persists the timeline and state sections of a sync delta.
// It owns the timeline key cursor: keys are allocated monotonically per
// room so timeline order survives restarts. The in-memory cursor only
// advances in AfterSync, once the transaction has committed.
type SyncWriter struct {
	roomID  string
	lastKey uint64
}

// NewSyncWriter creates a sync writer for a room.
func NewSyncWriter(roomID string) *SyncWriter {
	return &SyncWriter{roomID: roomID}
}

// Load positions the key cursor after the last persisted entry.
func (w *SyncWriter) Load(txn *storage.Transaction) error {
	maxKey, ok, err := txn.TimelineEvents().MaxKeyForRoom(w.roomID)
	if err != nil {
		return fmt.Errorf("loading timeline cursor: %w", err)
	}

	if ok {
		w.lastKey = maxKey
	}

	return nil
}

// SyncWriterResult is what one sync delta wrote: the new timeline
// entries in order, the key the cursor should advance to, and the
// membership transitions found in the delta's state events.
type SyncWriterResult struct {
	Entries       []*types.TimelineEntry
	NewLiveKey    uint64
	MemberChanges map[string]types.MemberChange
}

// WriteSync persists a sync delta: state events update the room-state
// and member stores, timeline events become new timeline entries. The
// writer's own cursor is left untouched; the caller applies NewLiveKey
// in AfterSync.
func (w *SyncWriter) WriteSync(delta *types.SyncDelta, txn *storage.Transaction) (*SyncWriterResult, error) {
	result := &SyncWriterResult{
		NewLiveKey:    w.lastKey,
		MemberChanges: map[string]types.MemberChange{},
	}

	if delta == nil {
		return result, nil
	}

	if delta.State != nil {
		for i := range delta.State.Events {
			if err := w.writeStateEvent(&delta.State.Events[i], result.MemberChanges, txn); err != nil {
				return nil, err
			}
		}
	}

	if delta.Timeline == nil {
		return result, nil
	}

	key := w.lastKey
	for i := range delta.Timeline.Events {
		ev := &delta.Timeline.Events[i]

		// State events in the timeline section update state too.
		if ev.IsState() {
			if err := w.writeStateEvent(ev, result.MemberChanges, txn); err != nil {
				return nil, err
			}
		}

		key++
		entry := &types.TimelineEntry{RoomID: w.roomID, Key: key, Event: *ev}

		if err := txn.TimelineEvents().Put(entry); err != nil {
			return nil, fmt.Errorf("writing timeline entry %q: %w", ev.EventID, err)
		}

		result.Entries = append(result.Entries, entry)
	}

	result.NewLiveKey = key

	return result, nil
}

// AfterSync advances the in-memory key cursor. Emit phase only.
func (w *SyncWriter) AfterSync(newLiveKey uint64) {
	w.lastKey = newLiveKey
}

func (w *SyncWriter) writeStateEvent(ev *types.Event, memberChanges map[string]types.MemberChange, txn *storage.Transaction) error {
	if ev.Type == types.EventTypeMember {
		return w.writeMemberEvent(ev, memberChanges, txn)
	}

	if err := txn.RoomState().Set(w.roomID, ev); err != nil {
		return fmt.Errorf("writing state event %q: %w", ev.Type, err)
	}

	return nil
}

func (w *SyncWriter) writeMemberEvent(ev *types.Event, memberChanges map[string]types.MemberChange, txn *storage.Transaction) error {
	if ev.StateKey == nil || *ev.StateKey == "" {
		return nil
	}

	userID := *ev.StateKey

	var content struct {
		Membership  string `json:"membership"`
		DisplayName string `json:"displayname"`
		AvatarURL   string `json:"avatar_url"`
	}
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return fmt.Errorf("decoding member event for %q: %w", userID, err)
	}

	if content.Membership == "" {
		return nil
	}

	previousMembership := ""
	if change, ok := memberChanges[userID]; ok {
		// Several member events for the same user in one delta: the
		// change records the transition from before the delta.
		previousMembership = change.PreviousMembership
	} else {
		previous, err := txn.RoomMembers().Get(w.roomID, userID)
		if err != nil {
			return fmt.Errorf("reading previous membership for %q: %w", userID, err)
		}
		if previous != nil {
			previousMembership = previous.Membership
		}
	}

	member := types.RoomMember{
		RoomID:      w.roomID,
		UserID:      userID,
		Membership:  content.Membership,
		DisplayName: content.DisplayName,
		AvatarURL:   content.AvatarURL,
	}

	if err := txn.RoomMembers().Set(&member); err != nil {
		return fmt.Errorf("writing member %q: %w", userID, err)
	}

	memberChanges[userID] = types.MemberChange{
		UserID:             userID,
		Member:             member,
		PreviousMembership: previousMembership,
	}

	return nil
}
