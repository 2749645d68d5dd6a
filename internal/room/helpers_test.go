package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/weftchat/weft/internal/e2ee"
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

// syncStores is every store the write phase may touch.
var syncStores = []storage.StoreName{
	storage.StoreInboundGroupSessions,
	storage.StoreOperations,
	storage.StoreRoomState,
	storage.StoreRoomMembers,
	storage.StoreRoomSummary,
	storage.StoreArchivedRoomSummary,
	storage.StoreTimelineEvents,
}

// fakeTimeline records the entry batches pushed to it, and the order
// the push methods were called in.
type fakeTimeline struct {
	calls     []string
	replaced  [][]*types.TimelineEntry
	added     [][]*types.TimelineEntry
	ownMember *types.RoomMember
}

func (f *fakeTimeline) ReplaceEntries(entries []*types.TimelineEntry) {
	f.calls = append(f.calls, "replace")
	f.replaced = append(f.replaced, entries)
}

func (f *fakeTimeline) AddEntries(entries []*types.TimelineEntry) {
	f.calls = append(f.calls, "add")
	f.added = append(f.added, entries)
}

func (f *fakeTimeline) UpdateOwnMember(member types.RoomMember) {
	f.ownMember = &member
}

// fakeMemberList records per-sync member changes.
type fakeMemberList struct {
	synced []map[string]types.MemberChange
}

func (f *fakeMemberList) AfterSync(changes map[string]types.MemberChange) {
	f.synced = append(f.synced, changes)
}

// fakeReceipts records receipts and can fail with a scripted error.
type fakeReceipts struct {
	err  error
	sent []string
}

func (f *fakeReceipts) SendReceipt(_ context.Context, _, eventID string) error {
	f.sent = append(f.sent, eventID)
	return f.err
}

// fakeSendQueue records interactions from the pipeline.
type fakeSendQueue struct {
	encryption *e2ee.RoomEncryption
	resumed    bool
	removals   [][]string
}

func (f *fakeSendQueue) EnableEncryption(enc *e2ee.RoomEncryption) { f.encryption = enc }

func (f *fakeSendQueue) RemoveRemoteEchos([]types.Event, *storage.Transaction) ([]string, error) {
	return nil, nil
}

func (f *fakeSendQueue) EmitRemovals(ids []string) { f.removals = append(f.removals, ids) }

func (f *fakeSendQueue) ResumeSending(context.Context) { f.resumed = true }

// testRoom builds a Room over fakes. The encryption factory wires the
// given crypto fakes; rooms that never see m.room.encryption never use
// it.
func testRoom(t *testing.T, s *storage.Storage, crypto *testCrypto) (*Room, *fakeSendQueue, *fakeReceipts) {
	t.Helper()

	queue := &fakeSendQueue{}
	receipts := &fakeReceipts{}

	cfg := Config{
		RoomID:    "!r",
		OwnUserID: "@me:hs",
		Storage:   s,
		Receipts:  receipts,
		SendQueue: queue,
		CreateEncryption: func(room *Room, params e2ee.EncryptionParams) *e2ee.RoomEncryption {
			if crypto == nil {
				t.Fatal("encryption enabled without crypto fakes")
			}

			return e2ee.NewRoomEncryption(e2ee.RoomEncryptionConfig{
				Room:            room,
				Params:          params,
				DeviceTracker:   crypto,
				OlmEncryption:   testOlm{},
				GroupEncryption: crypto,
				GroupDecryption: crypto,
				Storage:         s,
				Sender:          crypto,
			}, slog.Default())
		},
	}

	r := NewRoom(cfg, slog.Default())
	t.Cleanup(r.Dispose)

	return r, queue, receipts
}

// testCrypto is a minimal implementation of every crypto-side interface
// the encryption engine needs.
type testCrypto struct {
	known      map[string]uint32
	plaintexts map[string]json.RawMessage
}

func newTestCrypto() *testCrypto {
	return &testCrypto{
		known:      map[string]uint32{},
		plaintexts: map[string]json.RawMessage{},
	}
}

type testSession struct {
	senderKey string
	sessionID string
	index     uint32
}

func (s *testSession) SenderKey() string       { return s.senderKey }
func (s *testSession) SessionID() string       { return s.sessionID }
func (s *testSession) FirstKnownIndex() uint32 { return s.index }
func (s *testSession) Dispose()                {}

func (c *testCrypto) LoadSession(_, senderKey, sessionID string, _ *storage.Transaction) (e2ee.Session, error) {
	index, ok := c.known[senderKey+"/"+sessionID]
	if !ok {
		return nil, nil
	}

	return &testSession{senderKey: senderKey, sessionID: sessionID, index: index}, nil
}

func (c *testCrypto) Decrypt(session e2ee.Session, event *types.Event) (*e2ee.DecryptionResult, error) {
	plaintext, ok := c.plaintexts[event.EventID]
	if !ok {
		return nil, fmt.Errorf("no plaintext scripted for %s", event.EventID)
	}

	return &e2ee.DecryptionResult{
		EventID:             event.EventID,
		Type:                "m.room.message",
		Content:             plaintext,
		SenderCurve25519Key: session.SenderKey(),
	}, nil
}

func (c *testCrypto) SessionFromKey(key *e2ee.RoomKey) (e2ee.Session, error) {
	return &testSession{senderKey: key.SenderKey, sessionID: key.SessionID, index: key.FirstKnownIndex}, nil
}

func (c *testCrypto) RoomKeyFromBackup(roomID, sessionID string, claim *e2ee.BackupSessionClaim) (*e2ee.RoomKey, error) {
	return &e2ee.RoomKey{
		RoomID:          roomID,
		SenderKey:       claim.SenderKey,
		SessionID:       sessionID,
		FirstKnownIndex: claim.FirstKnownIndex,
		SessionData:     []byte(claim.SessionKey),
	}, nil
}

func (c *testCrypto) EnsureOutboundSession(string, e2ee.EncryptionParams) (*e2ee.RoomKeyMessage, error) {
	return nil, nil
}

func (c *testCrypto) Encrypt(_, _ string, content json.RawMessage, _ e2ee.EncryptionParams) (*e2ee.EncryptResult, error) {
	return &e2ee.EncryptResult{Content: content}, nil
}

func (c *testCrypto) CreateRoomKeyMessage(string, *storage.Transaction) (*e2ee.RoomKeyMessage, error) {
	return nil, nil
}

func (c *testCrypto) DiscardOutboundSession(string, *storage.Transaction) error { return nil }

func (c *testCrypto) TrackRoom(context.Context, string) error { return nil }

func (c *testCrypto) DevicesForTrackedRoom(context.Context, string) ([]types.DeviceIdentity, error) {
	return nil, nil
}

func (c *testCrypto) DevicesForRoomMembers(context.Context, string, []string) ([]types.DeviceIdentity, error) {
	return nil, nil
}

func (c *testCrypto) DeviceByCurve25519Key(string, *storage.Transaction) (*types.DeviceIdentity, error) {
	return nil, nil
}

func (c *testCrypto) WriteMemberChanges(string, map[string]types.MemberChange, *storage.Transaction) error {
	return nil
}

func (c *testCrypto) SendToDevice(context.Context, string, map[string]map[string]json.RawMessage, string) error {
	return nil
}

// testOlm satisfies e2ee.OlmEncryption with empty dispatches.
type testOlm struct{}

func (testOlm) Encrypt(context.Context, string, *e2ee.RoomKeyMessage, []types.DeviceIdentity) ([]e2ee.EncryptedToDeviceMessage, error) {
	return nil, nil
}

// stateEvent builds a state event with the given type and content.
func stateEvent(eventID, eventType, stateKey string, content map[string]any) types.Event {
	raw, _ := json.Marshal(content)

	return types.Event{
		EventID:  eventID,
		Type:     eventType,
		StateKey: &stateKey,
		Content:  raw,
	}
}

// messageEvent builds a plain timeline message event.
func messageEvent(eventID, sender string, ts int64) types.Event {
	return types.Event{
		EventID:        eventID,
		Type:           "m.room.message",
		Sender:         sender,
		OriginServerTS: ts,
		Content:        json.RawMessage(`{"body":"hi"}`),
	}
}

// encryptedEvent builds a megolm-encrypted event.
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

// runSyncPipeline drives one delta through all in-transaction phases.
func runSyncPipeline(t *testing.T, r *Room, s *storage.Storage, delta *types.SyncDelta, membership string, isInitialSync bool) *SyncChanges {
	t.Helper()

	return runSyncPipelineKeys(t, r, s, delta, membership, nil, isInitialSync)
}

// runSyncPipelineKeys is runSyncPipeline with room keys that arrived in
// the same sync cycle.
func runSyncPipelineKeys(t *testing.T, r *Room, s *storage.Storage, delta *types.SyncDelta, membership string, newKeys []*e2ee.RoomKey, isInitialSync bool) *SyncChanges {
	t.Helper()

	prepTxn, err := s.ReadTxn(storage.StoreInboundGroupSessions, storage.StoreTimelineEvents)
	require.NoError(t, err)

	prep, err := r.PrepareSync(delta, membership, nil, newKeys, isInitialSync, prepTxn)
	require.NoError(t, err)
	require.NoError(t, prepTxn.Complete())

	r.AfterPrepareSync(prep)

	writeTxn, err := s.ReadWriteTxn(syncStores...)
	require.NoError(t, err)

	changes, err := r.WriteSync(prep, writeTxn)
	require.NoError(t, err)
	require.NoError(t, writeTxn.Complete())

	r.AfterSync(changes)

	return changes
}
