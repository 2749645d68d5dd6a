package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weftchat/weft/internal/storage"
	"github.com/weftchat/weft/internal/types"
)

func intPtr(n int) *int { return &n }

func TestApplySyncResponse_MembershipAndCounts(t *testing.T) {
	delta := &types.SyncDelta{
		Summary: &types.DeltaSummary{
			Heroes:       []string{"@bob:hs"},
			JoinedCount:  intPtr(2),
			InvitedCount: intPtr(1),
		},
		UnreadNotifications: &types.UnreadNotifications{
			NotificationCount: 3,
			HighlightCount:    1,
		},
	}

	c := applySyncResponse(SummaryData{RoomID: "!r"}, delta, types.MembershipJoin)

	assert.True(t, c.Changed())
	assert.Equal(t, types.MembershipJoin, c.Data.Membership)
	assert.Equal(t, []string{"@bob:hs"}, c.Data.Heroes)
	assert.Equal(t, 2, c.Data.JoinCount)
	assert.Equal(t, 1, c.Data.InviteCount)
	assert.Equal(t, 3, c.Data.NotificationCount)
	assert.Equal(t, 1, c.Data.HighlightCount)
}

func TestApplySyncResponse_NoChangeIsClean(t *testing.T) {
	data := SummaryData{RoomID: "!r", Membership: types.MembershipJoin}

	c := applySyncResponse(data, &types.SyncDelta{}, types.MembershipJoin)

	assert.False(t, c.Changed())
}

func TestApplySyncResponse_NameFromStateEvent(t *testing.T) {
	delta := &types.SyncDelta{
		State: &types.StateSection{
			Events: []types.Event{
				stateEvent("$1", "m.room.name", "", map[string]any{"name": "weft dev"}),
			},
		},
	}

	c := applySyncResponse(SummaryData{RoomID: "!r"}, delta, "")

	assert.True(t, c.Changed())
	assert.Equal(t, "weft dev", c.Data.Name)
}

func TestApplySyncResponse_EncryptionEnabledOnce(t *testing.T) {
	enable := &types.SyncDelta{
		Timeline: &types.Timeline{
			Events: []types.Event{
				stateEvent("$1", types.EventTypeEncryption, "", map[string]any{
					"algorithm": types.MegolmAlgorithm,
				}),
			},
		},
	}

	c := applySyncResponse(SummaryData{RoomID: "!r"}, enable, "")
	require.NotNil(t, c.Data.Encryption)
	assert.Equal(t, types.MegolmAlgorithm, c.Data.Encryption.Algorithm)

	// A second encryption event cannot reconfigure the room.
	reconfigure := &types.SyncDelta{
		State: &types.StateSection{
			Events: []types.Event{
				stateEvent("$2", types.EventTypeEncryption, "", map[string]any{
					"algorithm": "m.bogus.v2",
				}),
			},
		},
	}

	c2 := applySyncResponse(c.Data, reconfigure, "")
	assert.False(t, c2.Changed())
	assert.Equal(t, types.MegolmAlgorithm, c2.Data.Encryption.Algorithm)
}

func TestApplyTimelineEntries_UnreadRules(t *testing.T) {
	entries := []*types.TimelineEntry{
		{Event: messageEvent("$own", "@me:hs", 100)},
		{Event: messageEvent("$other", "@alice:hs", 200)},
	}

	t.Run("initial sync never marks unread", func(t *testing.T) {
		c := SummaryChanges{Data: SummaryData{RoomID: "!r"}}
		c = c.ApplyTimelineEntries(entries, true, true, "@me:hs")

		assert.False(t, c.Data.IsUnread)
		assert.Equal(t, int64(200), c.Data.LastMessageTimestamp)
	})

	t.Run("open timeline never marks unread", func(t *testing.T) {
		c := SummaryChanges{Data: SummaryData{RoomID: "!r"}}
		c = c.ApplyTimelineEntries(entries, false, false, "@me:hs")

		assert.False(t, c.Data.IsUnread)
	})

	t.Run("own messages never mark unread", func(t *testing.T) {
		c := SummaryChanges{Data: SummaryData{RoomID: "!r"}}
		c = c.ApplyTimelineEntries(entries[:1], false, true, "@me:hs")

		assert.False(t, c.Data.IsUnread)
	})

	t.Run("other senders mark unread", func(t *testing.T) {
		c := SummaryChanges{Data: SummaryData{RoomID: "!r"}}
		c = c.ApplyTimelineEntries(entries, false, true, "@me:hs")

		assert.True(t, c.Data.IsUnread)
	})
}

func TestSummaryChanges_IsNewJoin(t *testing.T) {
	c := SummaryChanges{Data: SummaryData{Membership: types.MembershipJoin}}

	assert.True(t, c.IsNewJoin(SummaryData{Membership: types.MembershipLeave}))
	assert.False(t, c.IsNewJoin(SummaryData{Membership: types.MembershipJoin}))
	// First ever join is not a rejoin.
	assert.False(t, c.IsNewJoin(SummaryData{}))
}

func TestSummaryChanges_ApplyInvite(t *testing.T) {
	c := SummaryChanges{Data: SummaryData{RoomID: "!r"}}
	c = c.ApplyInvite(&types.InviteDetails{
		Inviter:         "@alice:hs",
		IsDirectMessage: true,
		Name:            "alice",
	})

	assert.True(t, c.Changed())
	assert.Equal(t, "@alice:hs", c.Data.Inviter)
	assert.True(t, c.Data.IsDirectMessage)
	assert.Equal(t, "alice", c.Data.Name)
}

func TestRoomSummary_WriteClearUnread(t *testing.T) {
	s := testStorage(t)
	summary := NewRoomSummary("!r")
	summary.data = SummaryData{
		RoomID:            "!r",
		IsUnread:          true,
		NotificationCount: 4,
		HighlightCount:    2,
	}

	txn, err := s.ReadWriteTxn(storage.StoreRoomSummary)
	require.NoError(t, err)

	changes, err := summary.WriteClearUnread(txn)
	require.NoError(t, err)
	require.NoError(t, txn.Complete())

	// Nothing changed in memory until the changes are applied.
	assert.True(t, summary.Data().IsUnread)

	summary.ApplyChanges(changes)
	assert.False(t, summary.Data().IsUnread)
	assert.Zero(t, summary.Data().NotificationCount)
	assert.Zero(t, summary.Data().HighlightCount)
}
