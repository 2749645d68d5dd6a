package e2ee

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weftchat/weft/internal/storage"
)

func writeKey(t *testing.T, s *storage.Storage, key *RoomKey) bool {
	t.Helper()

	txn, err := s.ReadWriteTxn(storage.StoreInboundGroupSessions)
	require.NoError(t, err)

	best, err := WriteRoomKey(key, txn)
	require.NoError(t, err)
	require.NoError(t, txn.Complete())

	return best
}

func storedIndex(t *testing.T, s *storage.Storage, key *RoomKey) uint32 {
	t.Helper()

	txn, err := s.ReadTxn(storage.StoreInboundGroupSessions)
	require.NoError(t, err)
	defer txn.Abort()

	rec, err := txn.InboundGroupSessions().Get(key.RoomID, key.SenderKey, key.SessionID)
	require.NoError(t, err)
	require.NotNil(t, rec)

	return rec.FirstKnownIndex
}

func TestWriteRoomKey_FirstKeyWins(t *testing.T) {
	s := testStorage(t)
	key := &RoomKey{RoomID: "!r", SenderKey: "k", SessionID: "s", FirstKnownIndex: 5, SessionData: []byte("d")}

	assert.True(t, writeKey(t, s, key))
	assert.Equal(t, uint32(5), storedIndex(t, s, key))
}

func TestWriteRoomKey_LowerIndexReplaces(t *testing.T) {
	s := testStorage(t)
	writeKey(t, s, &RoomKey{RoomID: "!r", SenderKey: "k", SessionID: "s", FirstKnownIndex: 5, SessionData: []byte("late")})

	better := &RoomKey{RoomID: "!r", SenderKey: "k", SessionID: "s", FirstKnownIndex: 2, SessionData: []byte("early")}
	assert.True(t, writeKey(t, s, better))
	assert.Equal(t, uint32(2), storedIndex(t, s, better))
}

func TestWriteRoomKey_HigherOrEqualIndexIsNoOp(t *testing.T) {
	s := testStorage(t)
	first := &RoomKey{RoomID: "!r", SenderKey: "k", SessionID: "s", FirstKnownIndex: 2, SessionData: []byte("early")}
	writeKey(t, s, first)

	assert.False(t, writeKey(t, s, &RoomKey{RoomID: "!r", SenderKey: "k", SessionID: "s", FirstKnownIndex: 7, SessionData: []byte("late")}))
	assert.False(t, writeKey(t, s, &RoomKey{RoomID: "!r", SenderKey: "k", SessionID: "s", FirstKnownIndex: 2, SessionData: []byte("same")}))
	assert.Equal(t, uint32(2), storedIndex(t, s, first))
}

func TestWriteRoomKey_PreservesEventBacklog(t *testing.T) {
	s := testStorage(t)

	txn, err := s.ReadWriteTxn(storage.StoreInboundGroupSessions)
	require.NoError(t, err)
	require.NoError(t, addMissingKeyEventIDs("!r", "k", "s", []string{"$1", "$2"}, txn))
	require.NoError(t, txn.Complete())

	writeKey(t, s, &RoomKey{RoomID: "!r", SenderKey: "k", SessionID: "s", FirstKnownIndex: 0, SessionData: []byte("d")})

	read, err := s.ReadTxn(storage.StoreInboundGroupSessions)
	require.NoError(t, err)
	defer read.Abort()

	ids, err := eventIDsForMissingKey("!r", "k", "s", read)
	require.NoError(t, err)
	assert.Equal(t, []string{"$1", "$2"}, ids)
}

func TestAddMissingKeyEventIDs_MergesUnique(t *testing.T) {
	s := testStorage(t)

	txn, err := s.ReadWriteTxn(storage.StoreInboundGroupSessions)
	require.NoError(t, err)
	require.NoError(t, addMissingKeyEventIDs("!r", "k", "s", []string{"$1", "$2"}, txn))
	require.NoError(t, addMissingKeyEventIDs("!r", "k", "s", []string{"$2", "$3"}, txn))

	ids, err := eventIDsForMissingKey("!r", "k", "s", txn)
	require.NoError(t, err)
	assert.Equal(t, []string{"$1", "$2", "$3"}, ids)

	require.NoError(t, txn.Complete())
}

func TestAddMissingKeyEventIDs_NoOpOnceKeyArrived(t *testing.T) {
	s := testStorage(t)
	writeKey(t, s, &RoomKey{RoomID: "!r", SenderKey: "k", SessionID: "s", FirstKnownIndex: 0, SessionData: []byte("d")})

	txn, err := s.ReadWriteTxn(storage.StoreInboundGroupSessions)
	require.NoError(t, err)
	require.NoError(t, addMissingKeyEventIDs("!r", "k", "s", []string{"$1"}, txn))

	ids, err := eventIDsForMissingKey("!r", "k", "s", txn)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, txn.Complete())
}
