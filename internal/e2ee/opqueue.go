package e2ee

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/weftchat/weft/internal/storage"
)

// OpTypeShareRoomKey is the only operation type this engine persists.
const OpTypeShareRoomKey = "share_room_key"

// ShareOperation is a persisted intent to share a room key with a set of
// users. It is written before any network call so that a crash mid-share
// can be resumed, and removed only after all target devices were sent
// the key. Re-delivering to a device that already has the key is safe:
// duplicate delivery, not duplicate state.
type ShareOperation struct {
	ID             string
	UserIDs        []string
	RoomKeyMessage *RoomKeyMessage
}

// OperationLog persists share-room-key operations for one room. It owns
// id generation so tests can seed it deterministically.
type OperationLog struct {
	roomID string
	newID  func() string
}

// NewOperationLog creates an operation log scoped to a room.
func NewOperationLog(roomID string) *OperationLog {
	return &OperationLog{roomID: roomID, newID: uuid.NewString}
}

// WriteShare persists a share operation inside the given transaction and
// returns its id. The caller must abort the transaction on error.
func (l *OperationLog) WriteShare(msg *RoomKeyMessage, userIDs []string, txn *storage.Transaction) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encoding room key message: %w", err)
	}

	id := l.newID()
	op := &storage.Operation{
		ID:             id,
		Type:           OpTypeShareRoomKey,
		Scope:          l.roomID,
		UserIDs:        userIDs,
		RoomKeyMessage: raw,
	}

	if err := txn.Operations().Add(op); err != nil {
		return "", fmt.Errorf("writing share operation: %w", err)
	}

	return id, nil
}

// Remove deletes a share operation by id.
func (l *OperationLog) Remove(id string, txn *storage.Transaction) error {
	return txn.Operations().Remove(id)
}

// PendingShares returns all persisted share operations for the room.
func (l *OperationLog) PendingShares(txn *storage.Transaction) ([]*ShareOperation, error) {
	ops, err := txn.Operations().AllByTypeAndScope(OpTypeShareRoomKey, l.roomID)
	if err != nil {
		return nil, err
	}

	shares := make([]*ShareOperation, 0, len(ops))

	for _, op := range ops {
		msg := &RoomKeyMessage{}
		if err := json.Unmarshal(op.RoomKeyMessage, msg); err != nil {
			return nil, fmt.Errorf("decoding operation %s: %w", op.ID, err)
		}

		shares = append(shares, &ShareOperation{ID: op.ID, UserIDs: op.UserIDs, RoomKeyMessage: msg})
	}

	return shares, nil
}
