package e2ee

import (
	"slices"

	"github.com/weftchat/weft/internal/storage"
)

// WriteRoomKey applies the best-key-wins policy: the key with the lowest
// first-known ratchet index for a session identity is kept, and writing
// a key with a higher or equal index than the stored one is a no-op.
// The missing-key event backlog on the record survives the write so that
// retry resolution can still find its events.
//
// Returns true when the key strictly improved on what was stored.
func WriteRoomKey(key *RoomKey, txn *storage.Transaction) (bool, error) {
	sessions := txn.InboundGroupSessions()

	rec, err := sessions.Get(key.RoomID, key.SenderKey, key.SessionID)
	if err != nil {
		return false, err
	}

	if rec.HasSession() && rec.FirstKnownIndex <= key.FirstKnownIndex {
		return false, nil
	}

	newRec := &storage.InboundSessionRecord{
		RoomID:          key.RoomID,
		SenderKey:       key.SenderKey,
		SessionID:       key.SessionID,
		FirstKnownIndex: key.FirstKnownIndex,
		SessionData:     key.SessionData,
	}
	if rec != nil {
		newRec.EventIDs = rec.EventIDs
	}

	if err := sessions.Set(newRec); err != nil {
		return false, err
	}

	return true, nil
}

// hasSessionKey reports whether key material is stored for the identity.
func hasSessionKey(roomID, senderKey, sessionID string, txn *storage.Transaction) (bool, error) {
	rec, err := txn.InboundGroupSessions().Get(roomID, senderKey, sessionID)
	if err != nil {
		return false, err
	}

	return rec.HasSession(), nil
}

// addMissingKeyEventIDs records event ids waiting for a session key, so
// that a key arriving later can trigger retry for exactly those events.
// If the key arrived in the meantime, there is nothing to record.
func addMissingKeyEventIDs(roomID, senderKey, sessionID string, eventIDs []string, txn *storage.Transaction) error {
	sessions := txn.InboundGroupSessions()

	rec, err := sessions.Get(roomID, senderKey, sessionID)
	if err != nil {
		return err
	}

	if rec.HasSession() {
		return nil
	}

	if rec == nil {
		rec = &storage.InboundSessionRecord{
			RoomID:    roomID,
			SenderKey: senderKey,
			SessionID: sessionID,
		}
	}

	for _, id := range eventIDs {
		if !slices.Contains(rec.EventIDs, id) {
			rec.EventIDs = append(rec.EventIDs, id)
		}
	}

	return sessions.Set(rec)
}

// eventIDsForMissingKey returns the backlog recorded for a session
// identity, or nil.
func eventIDsForMissingKey(roomID, senderKey, sessionID string, txn *storage.Transaction) ([]string, error) {
	rec, err := txn.InboundGroupSessions().Get(roomID, senderKey, sessionID)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return nil, nil
	}

	return rec.EventIDs, nil
}
