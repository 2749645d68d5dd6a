package e2ee

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	weberr "github.com/weftchat/weft/internal/errors"
	"github.com/weftchat/weft/internal/storage"
	"github.com/weftchat/weft/internal/types"
)

// testStorage creates a Storage backed by a temp file, cleaned up with
// the test.
func testStorage(t *testing.T) *storage.Storage {
	t.Helper()

	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

// fakeSession is a Session handle that records disposal.
type fakeSession struct {
	senderKey string
	sessionID string
	index     uint32
	disposed  bool
}

func (s *fakeSession) SenderKey() string       { return s.senderKey }
func (s *fakeSession) SessionID() string       { return s.sessionID }
func (s *fakeSession) FirstKnownIndex() uint32 { return s.index }
func (s *fakeSession) Dispose()                { s.disposed = true }

// fakeRoom implements the Room callback surface and records key
// notifications.
type fakeRoom struct {
	mu       sync.Mutex
	id       string
	tracking bool
	notified []*RoomKey
}

func (r *fakeRoom) ID() string { return r.id }

func (r *fakeRoom) IsTrackingMembers() bool { return r.tracking }

func (r *fakeRoom) NotifyRoomKey(_ context.Context, key *RoomKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, key)

	return nil
}

func (r *fakeRoom) notifiedKeys() []*RoomKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*RoomKey(nil), r.notified...)
}

// fakeTracker resolves a fixed device set.
type fakeTracker struct {
	mu            sync.Mutex
	devices       []types.DeviceIdentity
	byCurve25519  map[string]*types.DeviceIdentity
	trackedRooms  []string
	writtenRounds int
}

func (f *fakeTracker) TrackRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trackedRooms = append(f.trackedRooms, roomID)

	return nil
}

func (f *fakeTracker) DevicesForTrackedRoom(context.Context, string) ([]types.DeviceIdentity, error) {
	return f.devices, nil
}

func (f *fakeTracker) DevicesForRoomMembers(_ context.Context, _ string, userIDs []string) ([]types.DeviceIdentity, error) {
	var matched []types.DeviceIdentity
	for _, d := range f.devices {
		for _, userID := range userIDs {
			if d.UserID == userID {
				matched = append(matched, d)
				break
			}
		}
	}

	return matched, nil
}

func (f *fakeTracker) DeviceByCurve25519Key(key string, _ *storage.Transaction) (*types.DeviceIdentity, error) {
	return f.byCurve25519[key], nil
}

func (f *fakeTracker) WriteMemberChanges(string, map[string]types.MemberChange, *storage.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writtenRounds++

	return nil
}

// fakeGroupEncryption scripts the outbound ratchet.
type fakeGroupEncryption struct {
	mu             sync.Mutex
	keyMessage     *RoomKeyMessage
	newSessionOnce bool
	ensureCalls    int
	discards       int
}

func (f *fakeGroupEncryption) EnsureOutboundSession(string, EncryptionParams) (*RoomKeyMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++

	if f.newSessionOnce {
		f.newSessionOnce = false
		return f.keyMessage, nil
	}

	return nil, nil
}

func (f *fakeGroupEncryption) Encrypt(_, eventType string, content json.RawMessage, _ EncryptionParams) (*EncryptResult, error) {
	result := &EncryptResult{Content: content}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.newSessionOnce {
		f.newSessionOnce = false
		result.RoomKeyMessage = f.keyMessage
	}

	return result, nil
}

func (f *fakeGroupEncryption) CreateRoomKeyMessage(string, *storage.Transaction) (*RoomKeyMessage, error) {
	return f.keyMessage, nil
}

func (f *fakeGroupEncryption) DiscardOutboundSession(string, *storage.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discards++

	return nil
}

// fakeGroupDecryption loads fakeSessions for identities it knows and
// decrypts by echoing a scripted plaintext.
type fakeGroupDecryption struct {
	mu         sync.Mutex
	known      map[string]uint32 // senderKey+"/"+sessionID -> first known index
	plaintexts map[string]json.RawMessage
	loaded     []*fakeSession
}

func (f *fakeGroupDecryption) LoadSession(_, senderKey, sessionID string, _ *storage.Transaction) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	index, ok := f.known[senderKey+"/"+sessionID]
	if !ok {
		return nil, nil
	}

	session := &fakeSession{senderKey: senderKey, sessionID: sessionID, index: index}
	f.loaded = append(f.loaded, session)

	return session, nil
}

func (f *fakeGroupDecryption) Decrypt(session Session, event *types.Event) (*DecryptionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	plaintext, ok := f.plaintexts[event.EventID]
	if !ok {
		return nil, fmt.Errorf("no plaintext scripted for %s", event.EventID)
	}

	return &DecryptionResult{
		EventID:             event.EventID,
		Type:                "m.room.message",
		Content:             plaintext,
		SenderCurve25519Key: session.SenderKey(),
	}, nil
}

func (f *fakeGroupDecryption) SessionFromKey(key *RoomKey) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	session := &fakeSession{senderKey: key.SenderKey, sessionID: key.SessionID, index: key.FirstKnownIndex}
	f.loaded = append(f.loaded, session)

	return session, nil
}

func (f *fakeGroupDecryption) RoomKeyFromBackup(roomID, sessionID string, claim *BackupSessionClaim) (*RoomKey, error) {
	return &RoomKey{
		RoomID:          roomID,
		SenderKey:       claim.SenderKey,
		SessionID:       sessionID,
		FirstKnownIndex: claim.FirstKnownIndex,
		SessionData:     []byte(claim.SessionKey),
	}, nil
}

// fakeOlm wraps payloads with a marker instead of real encryption.
type fakeOlm struct{}

func (fakeOlm) Encrypt(_ context.Context, _ string, payload *RoomKeyMessage, devices []types.DeviceIdentity) ([]EncryptedToDeviceMessage, error) {
	messages := make([]EncryptedToDeviceMessage, 0, len(devices))
	for _, d := range devices {
		content, err := json.Marshal(map[string]string{
			"session_id": payload.SessionID,
			"device_id":  d.DeviceID,
		})
		if err != nil {
			return nil, err
		}

		messages = append(messages, EncryptedToDeviceMessage{Device: d, Content: content})
	}

	return messages, nil
}

// fakeBackup serves scripted claims keyed by session id.
type fakeBackup struct {
	mu       sync.Mutex
	claims   map[string]*BackupSessionClaim
	err      error
	requests []string
}

func (f *fakeBackup) GetSession(_ context.Context, _, sessionID string) (*BackupSessionClaim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, sessionID)

	if f.err != nil {
		return nil, f.err
	}

	claim, ok := f.claims[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, weberr.ErrNotFound)
	}

	return claim, nil
}

func (f *fakeBackup) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.requests...)
}

// encryptedEvent builds a megolm-encrypted event for tests.
func encryptedEvent(eventID, senderKey, sessionID string) types.Event {
	content, _ := json.Marshal(map[string]string{
		"algorithm":  types.MegolmAlgorithm,
		"sender_key": senderKey,
		"session_id": sessionID,
	})

	return types.Event{
		EventID: eventID,
		Type:    types.EventTypeEncrypted,
		Sender:  "@alice:hs",
		Content: content,
	}
}

func testLogger() *slog.Logger {
	return slog.Default()
}
