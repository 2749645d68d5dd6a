package room

import (
	"fmt"
	"strings"

	"github.com/weftchat/weft/internal/storage"
	"github.com/weftchat/weft/internal/types"
)

// Heroes resolves the display names of a room's hero members, used to
// name rooms without an explicit name. Resolution happens in the write
// phase (it needs the member store); application is emit-phase only.
type Heroes struct {
	roomID  string
	userIDs []string
	names   map[string]string
}

// NewHeroes creates an empty hero set for a room.
func NewHeroes(roomID string) *Heroes {
	return &Heroes{roomID: roomID, names: map[string]string{}}
}

// HeroChanges is a resolved hero set waiting to be applied in memory.
type HeroChanges struct {
	userIDs []string
	names   map[string]string
}

// CalculateChanges resolves display names for the given hero user ids,
// preferring membership rows updated within this same delta over the
// persisted ones.
func (h *Heroes) CalculateChanges(heroUserIDs []string, memberChanges map[string]types.MemberChange, txn *storage.Transaction) (*HeroChanges, error) {
	changes := &HeroChanges{
		userIDs: heroUserIDs,
		names:   make(map[string]string, len(heroUserIDs)),
	}

	for _, userID := range heroUserIDs {
		if change, ok := memberChanges[userID]; ok && change.Member.DisplayName != "" {
			changes.names[userID] = change.Member.DisplayName
			continue
		}

		member, err := txn.RoomMembers().Get(h.roomID, userID)
		if err != nil {
			return nil, fmt.Errorf("resolving hero %q: %w", userID, err)
		}

		if member != nil && member.DisplayName != "" {
			changes.names[userID] = member.DisplayName
		} else {
			changes.names[userID] = userID
		}
	}

	return changes, nil
}

// ApplyChanges replaces the hero set. Emit phase only.
func (h *Heroes) ApplyChanges(changes *HeroChanges) {
	h.userIDs = changes.userIDs
	h.names = changes.names
}

// Name returns a room name derived from the hero display names.
func (h *Heroes) Name() string {
	names := make([]string, 0, len(h.userIDs))
	for _, userID := range h.userIDs {
		names = append(names, h.names[userID])
	}

	return strings.Join(names, ", ")
}
