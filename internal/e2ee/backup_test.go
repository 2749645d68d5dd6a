package e2ee

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	weberr "github.com/weftchat/weft/internal/errors"
	"github.com/weftchat/weft/internal/types"
)

func TestRecoveryKeyFromPassphrase_Deterministic(t *testing.T) {
	a, err := RecoveryKeyFromPassphrase("correct horse", "salt")
	require.NoError(t, err)
	b, err := RecoveryKeyFromPassphrase("correct horse", "salt")
	require.NoError(t, err)

	assert.Equal(t, a.PublicKey(), b.PublicKey())

	// A different salt yields a different key.
	c, err := RecoveryKeyFromPassphrase("correct horse", "pepper")
	require.NoError(t, err)
	assert.NotEqual(t, a.PublicKey(), c.PublicKey())
}

func TestRecoveryKeyFromPassphrase_NormalizesPassphrase(t *testing.T) {
	// NFKC folds the ligature form to the same passphrase.
	a, err := RecoveryKeyFromPassphrase("oﬃce", "salt")
	require.NoError(t, err)
	b, err := RecoveryKeyFromPassphrase("office", "salt")
	require.NoError(t, err)

	assert.Equal(t, a.PublicKey(), b.PublicKey())
}

func TestRecoveryKeyFromPrivate_ZeroesInput(t *testing.T) {
	private := make([]byte, 32)
	_, err := rand.Read(private)
	require.NoError(t, err)

	key, err := RecoveryKeyFromPrivate(private)
	require.NoError(t, err)
	require.NotNil(t, key)

	assert.Equal(t, make([]byte, 32), private)
}

// fetcherFunc adapts a func to BackupFetcher.
type fetcherFunc func(ctx context.Context, roomID, sessionID string) (json.RawMessage, error)

func (f fetcherFunc) GetSessionBackup(ctx context.Context, roomID, sessionID string) (json.RawMessage, error) {
	return f(ctx, roomID, sessionID)
}

func TestBackup_SealThenGetSession(t *testing.T) {
	key, err := RecoveryKeyFromPassphrase("correct horse", "salt")
	require.NoError(t, err)

	claim := &BackupSessionClaim{
		Algorithm:       types.MegolmAlgorithm,
		SenderKey:       "sender",
		SessionKey:      "exported-ratchet",
		FirstKnownIndex: 7,
	}

	sealed, err := key.Seal(claim)
	require.NoError(t, err)

	backup := NewBackup(fetcherFunc(func(_ context.Context, roomID, sessionID string) (json.RawMessage, error) {
		assert.Equal(t, "!r", roomID)
		assert.Equal(t, "sess", sessionID)
		return sealed, nil
	}), key)

	got, err := backup.GetSession(context.Background(), "!r", "sess")
	require.NoError(t, err)
	assert.Equal(t, claim, got)
}

func TestBackup_WrongKeyFailsToOpen(t *testing.T) {
	key, err := RecoveryKeyFromPassphrase("correct horse", "salt")
	require.NoError(t, err)
	wrong, err := RecoveryKeyFromPassphrase("battery staple", "salt")
	require.NoError(t, err)

	sealed, err := key.Seal(&BackupSessionClaim{SessionKey: "secret"})
	require.NoError(t, err)

	backup := NewBackup(fetcherFunc(func(context.Context, string, string) (json.RawMessage, error) {
		return sealed, nil
	}), wrong)

	_, err = backup.GetSession(context.Background(), "!r", "sess")
	assert.ErrorContains(t, err, "unwrapping session")
}

func TestBackup_FetcherMissPropagates(t *testing.T) {
	key, err := RecoveryKeyFromPassphrase("correct horse", "salt")
	require.NoError(t, err)

	backup := NewBackup(fetcherFunc(func(context.Context, string, string) (json.RawMessage, error) {
		return nil, weberr.ErrNotFound
	}), key)

	_, err = backup.GetSession(context.Background(), "!r", "sess")
	assert.ErrorIs(t, err, weberr.ErrNotFound)
}

func TestBackup_IndexFallsBackToRecord(t *testing.T) {
	key, err := RecoveryKeyFromPassphrase("correct horse", "salt")
	require.NoError(t, err)

	// A claim sealed without an index inherits the record's
	// first_message_index.
	sealed, err := key.Seal(&BackupSessionClaim{
		Algorithm:  types.MegolmAlgorithm,
		SenderKey:  "sender",
		SessionKey: "exported",
	})
	require.NoError(t, err)

	var record map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(sealed, &record))
	record["first_message_index"] = json.RawMessage("9")
	patched, err := json.Marshal(record)
	require.NoError(t, err)

	backup := NewBackup(fetcherFunc(func(context.Context, string, string) (json.RawMessage, error) {
		return patched, nil
	}), key)

	got, err := backup.GetSession(context.Background(), "!r", "sess")
	require.NoError(t, err)
	assert.Equal(t, uint32(9), got.FirstKnownIndex)
}
