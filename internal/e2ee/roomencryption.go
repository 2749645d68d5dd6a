package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	weberr "github.com/weftchat/weft/internal/errors"
	"github.com/weftchat/weft/internal/storage"
	"github.com/weftchat/weft/internal/types"
	"golang.org/x/sync/errgroup"
)

const (
	// minPreShareInterval is how often EnsureMessageKeyIsShared will
	// actually check whether a new outbound session is needed. Encrypt
	// can still create a new session at any time.
	minPreShareInterval = 60 * time.Second

	// backupRequestDebounce is how long sync-sourced missing keys wait
	// for the key to arrive over to-device messaging before falling
	// back to the backup.
	backupRequestDebounce = 10 * time.Second

	// syncCacheSize bounds the live-sync session cache. Sync batches
	// overwhelmingly use the latest session per sender, so one slot is
	// enough and keeps backfill from being evicted alongside.
	syncCacheSize = 1
)

type flushState int

const (
	flushIdle flushState = iota
	flushInFlight
)

// RoomEncryptionConfig carries the collaborators of a RoomEncryption.
type RoomEncryptionConfig struct {
	Room            Room
	Params          EncryptionParams
	DeviceTracker   DeviceTracker
	OlmEncryption   OlmEncryption
	GroupEncryption GroupEncryption
	GroupDecryption GroupDecryption
	Storage         *storage.Storage
	Sender          ToDeviceSender

	// Backup is optional; it can also be attached later through
	// EnableSessionBackup.
	Backup SessionBackup

	// NotifyMissingSession is invoked when a session is missing and no
	// backup is configured, so the UI can prompt for backup setup.
	NotifyMissingSession func()

	// Now and the two intervals exist for tests; zero values select
	// time.Now and the production constants.
	Now              func() time.Time
	PreShareInterval time.Duration
	BackupDebounce   time.Duration
}

// RoomEncryption orchestrates all encryption concerns of one room. Its
// detached background work (key-share retries, delayed backup fallback)
// checks the disposed flag at every resumption point and logs its own
// failures; it has no caller to propagate to.
type RoomEncryption struct {
	room     Room
	params   EncryptionParams
	tracker  DeviceTracker
	olm      OlmEncryption
	groupEnc GroupEncryption
	groupDec GroupDecryption
	storage  *storage.Storage
	sender   ToDeviceSender
	logger   *slog.Logger

	notifyMissingSession func()
	now                  func() time.Time
	preShareInterval     time.Duration
	backupDebounce       time.Duration
	ops                  *OperationLog

	mu            sync.Mutex
	backup        SessionBackup
	lastPreShare  time.Time
	flush         flushState
	senderDevices map[string]*types.DeviceIdentity
	backfillCache *SessionCache

	syncCache *SessionCache
	disposed  atomic.Bool
}

// NewRoomEncryption creates the encryption engine for one room.
func NewRoomEncryption(cfg RoomEncryptionConfig, logger *slog.Logger) *RoomEncryption {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	preShare := cfg.PreShareInterval
	if preShare == 0 {
		preShare = minPreShareInterval
	}

	debounce := cfg.BackupDebounce
	if debounce == 0 {
		debounce = backupRequestDebounce
	}

	return &RoomEncryption{
		room:                 cfg.Room,
		params:               cfg.Params,
		tracker:              cfg.DeviceTracker,
		olm:                  cfg.OlmEncryption,
		groupEnc:             cfg.GroupEncryption,
		groupDec:             cfg.GroupDecryption,
		storage:              cfg.Storage,
		sender:               cfg.Sender,
		backup:               cfg.Backup,
		notifyMissingSession: cfg.NotifyMissingSession,
		logger:               logger.With(slog.String("room_id", cfg.Room.ID())),
		now:                  now,
		preShareInterval:     preShare,
		backupDebounce:       debounce,
		ops:                  NewOperationLog(cfg.Room.ID()),
		senderDevices:        make(map[string]*types.DeviceIdentity),
		syncCache:            NewSessionCache(syncCacheSize),
		backfillCache:        NewSessionCache(0),
	}
}

// EnableSessionBackup attaches a key backup after construction. The
// first configured backup wins; later calls are ignored.
func (r *RoomEncryption) EnableSessionBackup(backup SessionBackup) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.backup != nil {
		return
	}

	r.backup = backup
}

// EnsureMessageKeyIsShared guarantees a usable outbound session exists
// and has been distributed before a plaintext send. The underlying check
// is throttled; within the throttle window this is a no-op.
func (r *RoomEncryption) EnsureMessageKeyIsShared(ctx context.Context) error {
	r.mu.Lock()
	if !r.lastPreShare.IsZero() && r.now().Sub(r.lastPreShare) < r.preShareInterval {
		r.mu.Unlock()
		return nil
	}
	r.lastPreShare = r.now()
	r.mu.Unlock()

	msg, err := r.groupEnc.EnsureOutboundSession(r.room.ID(), r.params)
	if err != nil {
		return fmt.Errorf("ensuring outbound session: %w", err)
	}

	if msg == nil {
		return nil
	}

	return r.shareNewRoomKey(ctx, msg)
}

// Encrypt encrypts an outgoing event. When the encrypt call created a
// new outbound session, key distribution runs detached: the recipient
// can recover the key via to-device messaging or backup, so the send is
// not blocked on it.
func (r *RoomEncryption) Encrypt(ctx context.Context, eventType string, content json.RawMessage) (*EncryptedContent, error) {
	result, err := r.groupEnc.Encrypt(r.room.ID(), eventType, content, r.params)
	if err != nil {
		return nil, fmt.Errorf("group encrypt: %w", err)
	}

	if result.RoomKeyMessage != nil {
		msg := result.RoomKeyMessage

		go func() {
			if r.disposed.Load() {
				return
			}

			if err := r.shareNewRoomKey(context.WithoutCancel(ctx), msg); err != nil {
				r.logger.Error("detached key share failed", slog.Any("error", err))
			}
		}()
	}

	return &EncryptedContent{Type: types.EventTypeEncrypted, Content: result.Content}, nil
}

// shareNewRoomKey runs the key-share protocol: resolve the device set,
// persist the share intent, deliver, then remove the intent. A crash
// between persist and remove is recovered by FlushPendingRoomKeyShares.
func (r *RoomEncryption) shareNewRoomKey(ctx context.Context, msg *RoomKeyMessage) error {
	if err := r.tracker.TrackRoom(ctx, r.room.ID()); err != nil {
		return fmt.Errorf("tracking room: %w", err)
	}

	devices, err := r.tracker.DevicesForTrackedRoom(ctx, r.room.ID())
	if err != nil {
		return fmt.Errorf("resolving room devices: %w", err)
	}

	userIDs := userIDSet(devices)

	writeTxn, err := r.storage.ReadWriteTxn(storage.StoreOperations)
	if err != nil {
		return err
	}

	opID, err := r.ops.WriteShare(msg, userIDs, writeTxn)
	if err != nil {
		writeTxn.Abort()
		return err
	}

	if err := writeTxn.Complete(); err != nil {
		return err
	}

	r.logger.Debug("share operation persisted",
		slog.String("operation_id", opID),
		slog.String("session_id", msg.SessionID),
	)

	if err := r.sendRoomKey(ctx, msg, devices); err != nil {
		return err
	}

	removeTxn, err := r.storage.ReadWriteTxn(storage.StoreOperations)
	if err != nil {
		return err
	}

	if err := r.ops.Remove(opID, removeTxn); err != nil {
		removeTxn.Abort()
		return err
	}

	return removeTxn.Complete()
}

// FlushPendingRoomKeyShares re-runs the delivery half of the key-share
// protocol for persisted operations. With nil operations the pending set
// is re-derived from storage. Concurrent invocations (sync completion
// and room start can overlap) collapse into one pass.
func (r *RoomEncryption) FlushPendingRoomKeyShares(ctx context.Context, operations []*ShareOperation) error {
	r.mu.Lock()
	if r.flush == flushInFlight {
		r.mu.Unlock()
		return nil
	}
	r.flush = flushInFlight
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.flush = flushIdle
		r.mu.Unlock()
	}()

	if operations == nil {
		txn, err := r.storage.ReadTxn(storage.StoreOperations)
		if err != nil {
			return err
		}

		operations, err = r.ops.PendingShares(txn)
		txn.Abort()

		if err != nil {
			return err
		}
	}

	for _, op := range operations {
		if err := r.flushShareOperation(ctx, op); err != nil {
			return fmt.Errorf("flushing operation %s: %w", op.ID, err)
		}
	}

	return nil
}

func (r *RoomEncryption) flushShareOperation(ctx context.Context, op *ShareOperation) error {
	devices, err := r.tracker.DevicesForRoomMembers(ctx, r.room.ID(), op.UserIDs)
	if err != nil {
		return fmt.Errorf("resolving member devices: %w", err)
	}

	if err := r.sendRoomKey(ctx, op.RoomKeyMessage, devices); err != nil {
		return err
	}

	txn, err := r.storage.ReadWriteTxn(storage.StoreOperations)
	if err != nil {
		return err
	}

	if err := r.ops.Remove(op.ID, txn); err != nil {
		txn.Abort()
		return err
	}

	return txn.Complete()
}

// sendRoomKey wraps the key message for each device with one-to-one
// encryption and delivers the ciphertexts grouped by recipient user.
func (r *RoomEncryption) sendRoomKey(ctx context.Context, msg *RoomKeyMessage, devices []types.DeviceIdentity) error {
	messages, err := r.olm.Encrypt(ctx, types.EventTypeRoomKey, msg, devices)
	if err != nil {
		return fmt.Errorf("olm encrypt: %w", err)
	}

	payload := make(map[string]map[string]json.RawMessage)
	for _, m := range messages {
		byDevice, ok := payload[m.Device.UserID]
		if !ok {
			byDevice = make(map[string]json.RawMessage)
			payload[m.Device.UserID] = byDevice
		}

		byDevice[m.Device.DeviceID] = m.Content
	}

	if err := r.sender.SendToDevice(ctx, types.EventTypeEncrypted, payload, uuid.NewString()); err != nil {
		return fmt.Errorf("sending room key: %w", err)
	}

	return nil
}

// WriteMemberChanges reacts to membership deltas inside the sync write
// transaction: any leave discards the outbound session (forward secrecy
// against departed members), any join persists a key-share operation for
// the new members. Returns whether a flush pass is needed afterwards.
func (r *RoomEncryption) WriteMemberChanges(changes map[string]types.MemberChange, txn *storage.Transaction) (bool, error) {
	var anyJoined, anyLeft bool

	for _, change := range changes {
		if change.HasJoined() {
			anyJoined = true
		}

		if change.HasLeft() {
			anyLeft = true
		}
	}

	if anyLeft {
		if err := r.groupEnc.DiscardOutboundSession(r.room.ID(), txn); err != nil {
			return false, err
		}
	}

	if anyJoined {
		if err := r.addShareOperationForNewMembers(changes, txn); err != nil {
			return false, err
		}
	}

	if err := r.tracker.WriteMemberChanges(r.room.ID(), changes, txn); err != nil {
		return false, err
	}

	return anyJoined, nil
}

// NeedsToShareKeys reports whether any member change is a join.
func (r *RoomEncryption) NeedsToShareKeys(changes map[string]types.MemberChange) bool {
	for _, change := range changes {
		if change.HasJoined() {
			return true
		}
	}

	return false
}

func (r *RoomEncryption) addShareOperationForNewMembers(changes map[string]types.MemberChange, txn *storage.Transaction) error {
	var userIDs []string

	for _, change := range changes {
		if change.HasJoined() {
			userIDs = append(userIDs, change.UserID)
		}
	}

	msg, err := r.groupEnc.CreateRoomKeyMessage(r.room.ID(), txn)
	if err != nil {
		return err
	}

	if msg == nil {
		// No outbound session yet; the new members will get the key
		// when one is created.
		return nil
	}

	_, err = r.ops.WriteShare(msg, userIDs, txn)

	return err
}

// PrepareDecryptAll starts the three-stage decryption pipeline for a
// batch of encrypted events. Redacted events are skipped; events with an
// unsupported algorithm are recorded as per-event errors and excluded
// from the batch. newKeys carries keys that arrived in the same sync
// cycle and are not persisted yet; they are consulted before storage.
// The returned preparation may prefetch session handles through the
// read transaction but performs no decryption yet.
func (r *RoomEncryption) PrepareDecryptAll(events []types.Event, newKeys []*RoomKey, source DecryptionSource, txn *storage.Transaction) (*DecryptionPreparation, error) {
	if r.disposed.Load() {
		return nil, weberr.ErrDisposed
	}

	preErrors := make(map[string]error)

	var batch []types.Event

	for _, ev := range events {
		if ev.IsRedacted() {
			continue
		}

		if alg := ev.Algorithm(); alg != types.MegolmAlgorithm {
			preErrors[ev.EventID] = fmt.Errorf("%w: %q", weberr.ErrUnsupportedAlgorithm, alg)
			continue
		}

		batch = append(batch, ev)
	}

	var (
		cache     *SessionCache
		ephemeral *SessionCache
	)

	switch source {
	case SourceSync:
		cache = r.syncCache
	case SourceTimeline:
		r.mu.Lock()
		cache = r.backfillCache
		r.mu.Unlock()
	case SourceRetry:
		// Retried events can mix sync-bottom and backfill events, so
		// use a cache scoped to just this operation.
		ephemeral = NewSessionCache(0)
		cache = ephemeral
	default:
		return nil, fmt.Errorf("unknown decryption source: %v", source)
	}

	// The pin keeps handles evicted by later lookups alive until the
	// preparation is disposed; items may still reference them.
	cache.Pin()

	items := make([]decryptItem, 0, len(batch))

	for _, ev := range batch {
		session, err := r.lookupSession(ev, newKeys, cache, txn)
		if err != nil {
			cache.Unpin()
			if ephemeral != nil {
				ephemeral.Dispose()
			}

			return nil, err
		}

		items = append(items, decryptItem{event: ev, session: session})
	}

	return &DecryptionPreparation{
		engine:    r,
		source:    source,
		events:    events,
		items:     items,
		preErrors: preErrors,
		cache:     cache,
		ephemeral: ephemeral,
	}, nil
}

func (r *RoomEncryption) lookupSession(ev types.Event, newKeys []*RoomKey, cache *SessionCache, txn *storage.Transaction) (Session, error) {
	session, err := cache.Get(ev.SenderKey(), ev.SessionID())
	if err != nil {
		return nil, err
	}

	if session != nil {
		return session, nil
	}

	// Keys from this sync cycle are not in storage yet.
	for _, key := range newKeys {
		if key.RoomID != r.room.ID() || key.SenderKey != ev.SenderKey() || key.SessionID != ev.SessionID() {
			continue
		}

		session, err = r.groupDec.SessionFromKey(key)
		if err != nil {
			return nil, err
		}

		break
	}

	if session == nil {
		session, err = r.groupDec.LoadSession(r.room.ID(), ev.SenderKey(), ev.SessionID(), txn)
		if err != nil {
			return nil, err
		}
	}

	if session != nil {
		if err := cache.Add(session); err != nil {
			session.Dispose()
			return nil, err
		}
	}

	return session, nil
}

// processDecryptionResults is the missing-key follow-up, invoked by
// DecryptionChanges.Write inside the write transaction. For sync-sourced
// events the missing event ids are recorded durably first; the backup
// requests themselves run detached.
func (r *RoomEncryption) processDecryptionResults(events []types.Event, decErrors map[string]error, source DecryptionSource, txn *storage.Transaction) error {
	var missingSessionEvents []types.Event

	for _, ev := range events {
		if errors.Is(decErrors[ev.EventID], weberr.ErrNoSession) {
			missingSessionEvents = append(missingSessionEvents, ev)
		}
	}

	if len(missingSessionEvents) == 0 {
		return nil
	}

	groups := groupEventsBySession(missingSessionEvents)

	if source == SourceSync {
		for id, evs := range groups {
			eventIDs := make([]string, 0, len(evs))
			for _, ev := range evs {
				eventIDs = append(eventIDs, ev.EventID)
			}

			if err := addMissingKeyEventIDs(r.room.ID(), id.senderKey, id.sessionID, eventIDs, txn); err != nil {
				return err
			}
		}
	}

	go r.requestMissingSessions(context.Background(), groups, source)

	return nil
}

// requestMissingSessions waits out the debounce window for sync-sourced
// misses, re-checks which sessions are still missing, then requests each
// remaining one from backup concurrently. Each failure is logged
// individually and never aborts sibling requests.
func (r *RoomEncryption) requestMissingSessions(ctx context.Context, groups map[sessionIdentity][]types.Event, source DecryptionSource) {
	if source == SourceSync {
		select {
		case <-time.After(r.backupDebounce):
		case <-ctx.Done():
			return
		}

		if r.disposed.Load() {
			return
		}

		txn, err := r.storage.ReadTxn(storage.StoreInboundGroupSessions)
		if err != nil {
			r.logger.Error("missing-key re-check failed", slog.Any("error", err))
			return
		}

		for id := range groups {
			has, err := hasSessionKey(r.room.ID(), id.senderKey, id.sessionID, txn)
			if err != nil {
				r.logger.Error("missing-key re-check failed", slog.Any("error", err))
				continue
			}

			if has {
				delete(groups, id)
			}
		}

		txn.Abort()
	}

	if r.disposed.Load() {
		return
	}

	var g errgroup.Group

	for id := range groups {
		id := id
		g.Go(func() error {
			if err := r.RequestMissingSessionFromBackup(ctx, id.senderKey, id.sessionID); err != nil {
				r.logger.Error("backup key request failed",
					slog.String("session_id", id.sessionID),
					slog.Any("error", err),
				)
			}

			return nil
		})
	}

	_ = g.Wait()
}

// RequestMissingSessionFromBackup fetches one session from the key
// backup and writes it through best-key-wins. The room is notified only
// when the key strictly improved on stored state, so outstanding events
// get retried exactly once per usable key. A backup miss is a normal
// outcome, not an error.
func (r *RoomEncryption) RequestMissingSessionFromBackup(ctx context.Context, senderKey, sessionID string) error {
	r.mu.Lock()
	backup := r.backup
	r.mu.Unlock()

	if backup == nil {
		if r.notifyMissingSession != nil {
			r.notifyMissingSession()
		}

		return nil
	}

	claim, err := backup.GetSession(ctx, r.room.ID(), sessionID)
	if err != nil {
		if errors.Is(err, weberr.ErrNotFound) {
			return nil
		}

		return fmt.Errorf("fetching session from backup: %w", err)
	}

	if claim.Algorithm != types.MegolmAlgorithm {
		r.logger.Info("backed-up session of unknown algorithm",
			slog.String("algorithm", claim.Algorithm),
		)

		return nil
	}

	if claim.SenderKey != senderKey {
		// Integrity check against a malicious or buggy backup.
		r.logger.Warn("backup returned session with different sender key, discarding",
			slog.String("session_id", sessionID),
		)

		return nil
	}

	roomKey, err := r.groupDec.RoomKeyFromBackup(r.room.ID(), sessionID, claim)
	if err != nil || roomKey == nil {
		return err
	}

	txn, err := r.storage.ReadWriteTxn(storage.StoreInboundGroupSessions)
	if err != nil {
		return err
	}

	best, err := WriteRoomKey(roomKey, txn)
	if err != nil {
		txn.Abort()
		return err
	}

	if err := txn.Complete(); err != nil {
		return err
	}

	if !best {
		return nil
	}

	if r.disposed.Load() {
		return nil
	}

	return r.room.NotifyRoomKey(ctx, roomKey)
}

// RestoreMissingSessionsFromBackup requests backup keys for every
// session referenced by the given events that has no stored key. Used by
// the gap-fill path. Requests run newest-first, as the last sessions
// tend to belong to the entries the user is looking at.
func (r *RoomEncryption) RestoreMissingSessionsFromBackup(ctx context.Context, events []types.Event) error {
	groups := groupEventsBySession(events)

	txn, err := r.storage.ReadTxn(storage.StoreInboundGroupSessions)
	if err != nil {
		return err
	}

	var missing []sessionIdentity

	for id := range groups {
		has, err := hasSessionKey(r.room.ID(), id.senderKey, id.sessionID, txn)
		if err != nil {
			txn.Abort()
			return err
		}

		if !has {
			missing = append(missing, id)
		}
	}

	txn.Abort()

	for i := len(missing) - 1; i >= 0; i-- {
		id := missing[i]
		if err := r.RequestMissingSessionFromBackup(ctx, id.senderKey, id.sessionID); err != nil {
			r.logger.Error("backup key request failed",
				slog.String("session_id", id.sessionID),
				slog.Any("error", err),
			)
		}
	}

	return nil
}

// EventIDsForMissingKey returns the event ids recorded as waiting for
// the given key, so the sync pipeline can retry exactly those events.
func (r *RoomEncryption) EventIDsForMissingKey(key *RoomKey, txn *storage.Transaction) ([]string, error) {
	return eventIDsForMissingKey(r.room.ID(), key.SenderKey, key.SessionID, txn)
}

// FilterEventEntriesForKeys returns the entries whose events were
// encrypted with one of the given keys.
func (r *RoomEncryption) FilterEventEntriesForKeys(entries []*types.TimelineEntry, keys []*RoomKey) []*types.TimelineEntry {
	var matched []*types.TimelineEntry

	for _, entry := range entries {
		senderKey := entry.Event.SenderKey()
		sessionID := entry.Event.SessionID()

		for _, key := range keys {
			if key.SenderKey == senderKey && key.SessionID == sessionID {
				matched = append(matched, entry)
				break
			}
		}
	}

	return matched
}

// verifyDecryptionResult resolves the sending device by its curve25519
// key and attaches it to the result. Device lookups are cached per
// engine; the cache is purged when the timeline closes.
func (r *RoomEncryption) verifyDecryptionResult(result *DecryptionResult, txn *storage.Transaction) error {
	r.mu.Lock()
	device, cached := r.senderDevices[result.SenderCurve25519Key]
	r.mu.Unlock()

	if !cached {
		var err error

		device, err = r.tracker.DeviceByCurve25519Key(result.SenderCurve25519Key, txn)
		if err != nil {
			return err
		}

		r.mu.Lock()
		r.senderDevices[result.SenderCurve25519Key] = device
		r.mu.Unlock()
	}

	if device != nil {
		result.Device = device
	} else if !r.room.IsTrackingMembers() {
		result.RoomNotTrackedYet = true
	}

	return nil
}

// NotifyTimelineClosed drops the backfill session cache and the sender
// device cache; both only pay off while a timeline view is open.
func (r *RoomEncryption) NotifyTimelineClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.backfillCache.Dispose()
	r.backfillCache = NewSessionCache(0)
	r.senderDevices = make(map[string]*types.DeviceIdentity)
}

// Dispose marks the engine disposed and releases the long-lived session
// caches. Detached follow-ups still in flight observe the flag and
// no-op instead of touching disposed caches.
func (r *RoomEncryption) Dispose() {
	r.disposed.Store(true)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.syncCache.Dispose()
	r.backfillCache.Dispose()
}

func userIDSet(devices []types.DeviceIdentity) []string {
	seen := make(map[string]bool, len(devices))

	var userIDs []string

	for _, d := range devices {
		if !seen[d.UserID] {
			seen[d.UserID] = true

			userIDs = append(userIDs, d.UserID)
		}
	}

	return userIDs
}
