package room

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/weftchat/weft/internal/e2ee"
	"github.com/weftchat/weft/internal/storage"
	"github.com/weftchat/weft/internal/transport"
	"github.com/weftchat/weft/internal/types"
)

// SendQueue is the room's outgoing message queue. The room tells it
// about confirmed remote echos during the write phase and resumes its
// sending loop on startup.
type SendQueue interface {
	EnableEncryption(encryption *e2ee.RoomEncryption)
	RemoveRemoteEchos(events []types.Event, txn *storage.Transaction) ([]string, error)
	EmitRemovals(pendingEventIDs []string)
	ResumeSending(ctx context.Context)
}

// Timeline is an open live-timeline view onto the room. All calls
// happen in the emit phase.
type Timeline interface {
	ReplaceEntries(entries []*types.TimelineEntry)
	AddEntries(entries []*types.TimelineEntry)
	UpdateOwnMember(member types.RoomMember)
}

// MemberList is an open member-list view onto the room.
type MemberList interface {
	AfterSync(changes map[string]types.MemberChange)
}

// ReceiptSender posts read receipts to the homeserver.
type ReceiptSender interface {
	SendReceipt(ctx context.Context, roomID, eventID string) error
}

// EncryptionFactory builds the encryption engine for a room once its
// summary carries encryption parameters.
type EncryptionFactory func(room *Room, params e2ee.EncryptionParams) *e2ee.RoomEncryption

// Config carries a room's collaborators.
type Config struct {
	RoomID           string
	OwnUserID        string
	Storage          *storage.Storage
	Receipts         ReceiptSender
	SendQueue        SendQueue
	CreateEncryption EncryptionFactory

	// EmitUpdate is called in the emit phase whenever the observable
	// room state (summary, name) changed. Optional.
	EmitUpdate func()
}

// Room reconciles one room's sync deltas across the pipeline phases and
// owns the room's encryption engine once encryption is enabled.
type Room struct {
	id         string
	ownUserID  string
	storage    *storage.Storage
	logger     *slog.Logger
	receipts   ReceiptSender
	sendQueue  SendQueue
	createEnc  EncryptionFactory
	emitUpdate func()

	summary    *RoomSummary
	syncWriter *SyncWriter
	heroes     *Heroes
	encryption *e2ee.RoomEncryption

	timeline   Timeline
	memberList MemberList
}

// NewRoom creates a room in its unloaded state.
func NewRoom(cfg Config, logger *slog.Logger) *Room {
	return &Room{
		id:         cfg.RoomID,
		ownUserID:  cfg.OwnUserID,
		storage:    cfg.Storage,
		receipts:   cfg.Receipts,
		sendQueue:  cfg.SendQueue,
		createEnc:  cfg.CreateEncryption,
		emitUpdate: cfg.EmitUpdate,
		logger:     logger.With(slog.String("room_id", cfg.RoomID)),
		summary:    NewRoomSummary(cfg.RoomID),
		syncWriter: NewSyncWriter(cfg.RoomID),
	}
}

// ID returns the room id.
func (r *Room) ID() string {
	return r.id
}

// Membership returns the current membership of the own user.
func (r *Room) Membership() string {
	return r.summary.Data().Membership
}

// IsTrackingMembers reports whether the full member list and device
// sets of this room have been fetched and are kept current.
func (r *Room) IsTrackingMembers() bool {
	return r.summary.Data().IsTrackingMembers
}

// IsUnread reports whether the room carries an unread marker.
func (r *Room) IsUnread() bool {
	return r.summary.Data().IsUnread
}

// Name returns the display name: the explicit room name when set,
// otherwise a name derived from hero members.
func (r *Room) Name() string {
	if name := r.summary.Data().Name; name != "" {
		return name
	}

	if r.heroes != nil {
		return r.heroes.Name()
	}

	return ""
}

// Encryption returns the room's encryption engine, or nil while the
// room is unencrypted.
func (r *Room) Encryption() *e2ee.RoomEncryption {
	return r.encryption
}

// Load restores the room from storage. The transaction must declare the
// room-summary and timeline-events stores.
func (r *Room) Load(txn *storage.Transaction) error {
	if err := r.summary.Load(txn); err != nil {
		return fmt.Errorf("loading summary: %w", err)
	}

	if err := r.syncWriter.Load(txn); err != nil {
		return err
	}

	data := r.summary.Data()
	if data.NeedsHeroes() {
		r.heroes = NewHeroes(r.id)
	}

	if data.Encryption != nil {
		r.enableEncryption(*data.Encryption)
	}

	return nil
}

// Start launches the room's deferred startup work: retrying key-share
// operations that were interrupted by a previous shutdown, then
// resuming the send queue.
func (r *Room) Start(ctx context.Context, pendingShares []*e2ee.ShareOperation) {
	if r.encryption != nil && len(pendingShares) > 0 {
		enc := r.encryption
		go func() {
			if err := enc.FlushPendingRoomKeyShares(ctx, pendingShares); err != nil {
				r.logger.Error("flushing pending key shares on startup", slog.Any("error", err))
			}
		}()
	}

	if r.sendQueue != nil {
		r.sendQueue.ResumeSending(ctx)
	}
}

// SyncPreparation is the output of the prepare phase, handed through
// the decrypt phase into the write phase.
type SyncPreparation struct {
	SummaryChanges SummaryChanges
	Encryption     *e2ee.RoomEncryption
	Delta          *types.SyncDelta
	IsInitialSync  bool

	// RetryEntries are previously undecryptable timeline entries whose
	// keys arrived in this sync; their events join the decrypt batch.
	RetryEntries []*types.TimelineEntry

	decryptPrep    *e2ee.DecryptionPreparation
	decryptChanges *e2ee.DecryptionChanges
}

// SyncChanges is the output of the write phase, applied in AfterSync.
type SyncChanges struct {
	SummaryChanges       *SummaryChanges
	HeroChanges          *HeroChanges
	Encryption           *e2ee.RoomEncryption
	NewEntries           []*types.TimelineEntry
	UpdatedEntries       []*types.TimelineEntry
	NewLiveKey           uint64
	MemberChanges        map[string]types.MemberChange
	RemovedPendingEvents []string
	ShouldFlushKeyShares bool
}

// PrepareSync runs the read-only prepare phase: derive summary changes,
// enable encryption when the delta switches it on, collect retryable
// entries for newly arrived keys, and load the sessions needed to
// decrypt this delta's encrypted events. The transaction must declare
// the inbound-group-sessions and timeline-events stores.
func (r *Room) PrepareSync(delta *types.SyncDelta, membership string, invite *types.InviteDetails, newKeys []*e2ee.RoomKey, isInitialSync bool, txn *storage.Transaction) (*SyncPreparation, error) {
	summaryChanges := r.summary.ApplySyncResponse(delta, membership)
	if membership == types.MembershipJoin && invite != nil {
		summaryChanges = summaryChanges.ApplyInvite(invite)
	}

	prep := &SyncPreparation{
		SummaryChanges: summaryChanges,
		Encryption:     r.encryption,
		Delta:          delta,
		IsInitialSync:  isInitialSync,
	}

	if prep.Encryption == nil && summaryChanges.Data.Encryption != nil {
		prep.Encryption = r.createEnc(r, *summaryChanges.Data.Encryption)
	}

	if prep.Encryption == nil {
		return prep, nil
	}

	events := delta.TimelineEvents()

	if len(newKeys) > 0 {
		retryEntries, err := r.retryEntriesForKeys(prep.Encryption, newKeys, txn)
		if err != nil {
			return nil, err
		}

		if len(retryEntries) > 0 {
			prep.RetryEntries = retryEntries
			events = slices.Clone(events)
			for _, entry := range retryEntries {
				events = append(events, entry.Event)
			}
		}
	}

	var toDecrypt []types.Event
	for _, ev := range events {
		if ev.Type == types.EventTypeEncrypted {
			toDecrypt = append(toDecrypt, ev)
		}
	}

	if len(toDecrypt) > 0 {
		decryptPrep, err := prep.Encryption.PrepareDecryptAll(toDecrypt, newKeys, e2ee.SourceSync, txn)
		if err != nil {
			return nil, fmt.Errorf("preparing decryption: %w", err)
		}

		prep.decryptPrep = decryptPrep
	}

	return prep, nil
}

// AfterPrepareSync runs the CPU-bound decrypt phase. No transaction is
// open; this may run concurrently for many rooms.
func (r *Room) AfterPrepareSync(prep *SyncPreparation) {
	if prep.decryptPrep == nil {
		return
	}

	prep.decryptChanges = prep.decryptPrep.Decrypt()
	prep.decryptPrep.Dispose()
	prep.decryptPrep = nil
}

// WriteSync runs the write phase inside the sync's single read-write
// transaction. Nothing in-memory changes here; everything observable is
// deferred to AfterSync via the returned changes.
func (r *Room) WriteSync(prep *SyncPreparation, txn *storage.Transaction) (*SyncChanges, error) {
	if prep.SummaryChanges.IsNewJoin(r.summary.Data()) {
		if err := r.purgeStaleRoomState(txn); err != nil {
			return nil, err
		}
	}

	written, err := r.syncWriter.WriteSync(prep.Delta, txn)
	if err != nil {
		return nil, err
	}

	changes := &SyncChanges{
		Encryption:    prep.Encryption,
		NewEntries:    written.Entries,
		NewLiveKey:    written.NewLiveKey,
		MemberChanges: written.MemberChanges,
	}

	allEntries := written.Entries

	if prep.decryptChanges != nil {
		batch, err := prep.decryptChanges.Write(txn)
		if err != nil {
			return nil, fmt.Errorf("writing decryption results: %w", err)
		}

		if r.timeline != nil {
			if err := batch.VerifySenders(txn); err != nil {
				return nil, err
			}
		}

		batch.ApplyToEntries(written.Entries)
		if err := r.persistDecryptedEntries(written.Entries, txn); err != nil {
			return nil, err
		}

		if len(prep.RetryEntries) > 0 {
			batch.ApplyToEntries(prep.RetryEntries)
			if err := r.persistDecryptedEntries(prep.RetryEntries, txn); err != nil {
				return nil, err
			}

			changes.UpdatedEntries = prep.RetryEntries
			// Retried entries precede the delta's new entries so the
			// summary sees them in timeline order.
			allEntries = append(slices.Clone(prep.RetryEntries), allEntries...)
		}
	}

	if prep.Encryption != nil && r.IsTrackingMembers() && len(written.MemberChanges) > 0 {
		shouldFlush, err := prep.Encryption.WriteMemberChanges(written.MemberChanges, txn)
		if err != nil {
			return nil, fmt.Errorf("writing member changes: %w", err)
		}

		changes.ShouldFlushKeyShares = shouldFlush
	}

	summaryChanges := prep.SummaryChanges.ApplyTimelineEntries(allEntries, prep.IsInitialSync, r.timeline == nil, r.ownUserID)

	if summaryChanges.Data.Membership == types.MembershipLeave && r.Membership() == types.MembershipJoin {
		if err := txn.RoomSummaries().Remove(r.id); err != nil {
			return nil, err
		}

		changes.SummaryChanges, err = r.summary.WriteArchivedData(summaryChanges, txn)
	} else {
		changes.SummaryChanges, err = r.summary.WriteData(summaryChanges, txn)
	}
	if err != nil {
		return nil, err
	}

	if changes.SummaryChanges != nil && changes.SummaryChanges.NeedsHeroes() {
		if r.heroes == nil {
			r.heroes = NewHeroes(r.id)
		}

		changes.HeroChanges, err = r.heroes.CalculateChanges(changes.SummaryChanges.Data.Heroes, written.MemberChanges, txn)
		if err != nil {
			return nil, err
		}
	}

	if events := prep.Delta.TimelineEvents(); len(events) > 0 && r.sendQueue != nil {
		changes.RemovedPendingEvents, err = r.sendQueue.RemoveRemoteEchos(events, txn)
		if err != nil {
			return nil, fmt.Errorf("removing remote echos: %w", err)
		}
	}

	return changes, nil
}

// AfterSync applies the write phase's changes in memory and notifies
// open views. No storage access.
func (r *Room) AfterSync(changes *SyncChanges) {
	r.syncWriter.AfterSync(changes.NewLiveKey)

	if changes.Encryption != nil && r.encryption == nil {
		r.setEncryption(changes.Encryption)
	}

	emit := false

	if changes.SummaryChanges != nil {
		r.summary.ApplyChanges(changes.SummaryChanges)
		if !changes.SummaryChanges.NeedsHeroes() {
			r.heroes = nil
		}

		emit = true
	}

	if r.heroes != nil && changes.HeroChanges != nil {
		before := r.Name()
		r.heroes.ApplyChanges(changes.HeroChanges)
		if r.Name() != before {
			emit = true
		}
	}

	if len(changes.MemberChanges) > 0 {
		if r.memberList != nil {
			r.memberList.AfterSync(changes.MemberChanges)
		}

		if r.timeline != nil {
			if change, ok := changes.MemberChanges[r.ownUserID]; ok {
				r.timeline.UpdateOwnMember(change.Member)
			}
		}
	}

	if r.timeline != nil {
		if len(changes.UpdatedEntries) > 0 {
			r.timeline.ReplaceEntries(changes.UpdatedEntries)
		}

		if len(changes.NewEntries) > 0 {
			r.timeline.AddEntries(changes.NewEntries)
		}
	}

	if len(changes.RemovedPendingEvents) > 0 && r.sendQueue != nil {
		r.sendQueue.EmitRemovals(changes.RemovedPendingEvents)
	}

	if emit && r.emitUpdate != nil {
		r.emitUpdate()
	}
}

// NeedsAfterSyncCompleted reports whether this room has deferred work
// for after the whole sync batch has been processed.
func (r *Room) NeedsAfterSyncCompleted(changes *SyncChanges) bool {
	return changes.ShouldFlushKeyShares
}

// AfterSyncCompleted runs once the entire sync response has been
// reconciled: key shares queued during the write phase go out now, so
// key material never leaves before its queueing transaction committed.
func (r *Room) AfterSyncCompleted(ctx context.Context, changes *SyncChanges) {
	if !changes.ShouldFlushKeyShares || r.encryption == nil {
		return
	}

	if err := r.encryption.FlushPendingRoomKeyShares(ctx, nil); err != nil {
		r.logger.Error("flushing key shares after sync", slog.Any("error", err))
	}
}

// NotifyRoomKey retries decryption of stored undecryptable events when
// a usable key arrives outside a sync (from the key backup). Updated
// entries are persisted and pushed to an open timeline.
func (r *Room) NotifyRoomKey(ctx context.Context, key *e2ee.RoomKey) error {
	if r.encryption == nil {
		return nil
	}

	txn, err := r.storage.ReadTxn(storage.StoreInboundGroupSessions, storage.StoreTimelineEvents)
	if err != nil {
		return err
	}
	defer txn.Abort()

	entries, err := r.retryEntriesForKeys(r.encryption, []*e2ee.RoomKey{key}, txn)
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		return nil
	}

	events := make([]types.Event, 0, len(entries))
	for _, entry := range entries {
		events = append(events, entry.Event)
	}

	prep, err := r.encryption.PrepareDecryptAll(events, []*e2ee.RoomKey{key}, e2ee.SourceRetry, txn)
	if err != nil {
		return fmt.Errorf("preparing retry decryption: %w", err)
	}

	if err := txn.Complete(); err != nil {
		return err
	}

	decryptChanges := prep.Decrypt()
	prep.Dispose()

	writeTxn, err := r.storage.ReadWriteTxn(storage.StoreInboundGroupSessions, storage.StoreTimelineEvents)
	if err != nil {
		return err
	}
	defer writeTxn.Abort()

	batch, err := decryptChanges.Write(writeTxn)
	if err != nil {
		return fmt.Errorf("writing retry decryption results: %w", err)
	}

	batch.ApplyToEntries(entries)
	if err := r.persistDecryptedEntries(entries, writeTxn); err != nil {
		return err
	}

	if err := writeTxn.Complete(); err != nil {
		return err
	}

	if r.timeline != nil {
		r.timeline.ReplaceEntries(entries)
	}

	return nil
}

// ClearUnread resets the unread marker and counters, then confirms the
// last seen event to the server with a read receipt. A transient
// network failure on the receipt is logged and swallowed; the local
// reset has already committed.
func (r *Room) ClearUnread(ctx context.Context) error {
	data := r.summary.Data()
	if !data.IsUnread && data.NotificationCount == 0 && data.HighlightCount == 0 {
		return nil
	}

	txn, err := r.storage.ReadWriteTxn(storage.StoreRoomSummary)
	if err != nil {
		return err
	}
	defer txn.Abort()

	changes, err := r.summary.WriteClearUnread(txn)
	if err != nil {
		return err
	}

	if err := txn.Complete(); err != nil {
		return err
	}

	r.summary.ApplyChanges(changes)
	if r.emitUpdate != nil {
		r.emitUpdate()
	}

	eventID, err := r.lastEventID()
	if err != nil {
		return err
	}

	if eventID == "" || r.receipts == nil {
		return nil
	}

	if err := r.receipts.SendReceipt(ctx, r.id, eventID); err != nil {
		if transport.IsTransient(err) {
			r.logger.Warn("read receipt not sent", slog.Any("error", err))
			return nil
		}

		return fmt.Errorf("sending read receipt: %w", err)
	}

	return nil
}

// OpenTimeline attaches a live timeline view and seeds the encryption
// engine into the send queue so outgoing messages get encrypted.
func (r *Room) OpenTimeline(timeline Timeline) {
	r.timeline = timeline
}

// CloseTimeline detaches the timeline view and lets the encryption
// engine release decryption state only needed while a timeline is open.
func (r *Room) CloseTimeline() {
	r.timeline = nil
	if r.encryption != nil {
		r.encryption.NotifyTimelineClosed()
	}
}

// OpenMemberList attaches a member-list view. The first open marks the
// room as tracking members: the full member list is materialized from
// here on, which is what key-sharing decisions depend on.
func (r *Room) OpenMemberList(list MemberList) error {
	r.memberList = list

	if r.IsTrackingMembers() {
		return nil
	}

	txn, err := r.storage.ReadWriteTxn(storage.StoreRoomSummary)
	if err != nil {
		return err
	}
	defer txn.Abort()

	changes, err := r.summary.WriteIsTrackingMembers(true, txn)
	if err != nil {
		return fmt.Errorf("marking room as tracking members: %w", err)
	}

	if err := txn.Complete(); err != nil {
		return err
	}

	r.summary.ApplyChanges(changes)

	return nil
}

// CloseMemberList detaches the member-list view.
func (r *Room) CloseMemberList() {
	r.memberList = nil
}

// Dispose releases the room's native resources.
func (r *Room) Dispose() {
	if r.encryption != nil {
		r.encryption.Dispose()
		r.encryption = nil
	}
}

func (r *Room) enableEncryption(params e2ee.EncryptionParams) {
	r.setEncryption(r.createEnc(r, params))
}

func (r *Room) setEncryption(encryption *e2ee.RoomEncryption) {
	if encryption == nil || r.encryption != nil {
		return
	}

	r.encryption = encryption
	if r.sendQueue != nil {
		r.sendQueue.EnableEncryption(encryption)
	}
}

// purgeStaleRoomState drops state, members and the archived summary
// left over from an earlier membership when the user rejoins a room.
func (r *Room) purgeStaleRoomState(txn *storage.Transaction) error {
	if err := txn.RoomState().RemoveAllForRoom(r.id); err != nil {
		return fmt.Errorf("purging room state on rejoin: %w", err)
	}

	if err := txn.RoomMembers().RemoveAllForRoom(r.id); err != nil {
		return fmt.Errorf("purging room members on rejoin: %w", err)
	}

	if err := txn.ArchivedRoomSummaries().Remove(r.id); err != nil {
		return fmt.Errorf("purging archived summary on rejoin: %w", err)
	}

	return nil
}

// retryEntriesForKeys resolves the stored timeline entries that were
// waiting for one of the given keys.
func (r *Room) retryEntriesForKeys(encryption *e2ee.RoomEncryption, keys []*e2ee.RoomKey, txn *storage.Transaction) ([]*types.TimelineEntry, error) {
	var entries []*types.TimelineEntry
	for _, key := range keys {
		if key.RoomID != r.id {
			continue
		}

		eventIDs, err := encryption.EventIDsForMissingKey(key, txn)
		if err != nil {
			return nil, err
		}

		for _, eventID := range eventIDs {
			entry, err := txn.TimelineEvents().GetByEventID(r.id, eventID)
			if err != nil {
				return nil, err
			}

			if entry != nil {
				entries = append(entries, entry)
			}
		}
	}

	return entries, nil
}

// persistDecryptedEntries rewrites entries whose decryption outcome
// changed so the payload survives restarts.
func (r *Room) persistDecryptedEntries(entries []*types.TimelineEntry, txn *storage.Transaction) error {
	for _, entry := range entries {
		if entry.DecryptedType == "" && entry.DecryptionError == "" {
			continue
		}

		if err := txn.TimelineEvents().Put(entry); err != nil {
			return fmt.Errorf("persisting decrypted entry %q: %w", entry.Event.EventID, err)
		}
	}

	return nil
}

// lastEventID finds the event id of the newest persisted timeline
// entry.
func (r *Room) lastEventID() (string, error) {
	txn, err := r.storage.ReadTxn(storage.StoreTimelineEvents)
	if err != nil {
		return "", err
	}
	defer txn.Abort()

	maxKey, ok, err := txn.TimelineEvents().MaxKeyForRoom(r.id)
	if err != nil || !ok {
		return "", err
	}

	entry, err := txn.TimelineEvents().Get(r.id, maxKey)
	if err != nil || entry == nil {
		return "", err
	}

	return entry.Event.EventID, nil
}
