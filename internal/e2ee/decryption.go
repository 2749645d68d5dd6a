package e2ee

import (
	"fmt"

	weberr "github.com/weftchat/weft/internal/errors"
	"github.com/weftchat/weft/internal/storage"
	"github.com/weftchat/weft/internal/types"
)

// decryptItem pairs an event with the session handle resolved for it
// during preparation. A nil session means the key is missing.
type decryptItem struct {
	event   types.Event
	session Session
}

// DecryptionPreparation is the first stage of the decryption pipeline:
// produced inside a read transaction, it holds prefetched session
// handles so that Decrypt can run without any transaction open.
//
// Callers must call Dispose on every exit path once the pipeline is
// done; it unpins the session cache (allowing deferred eviction
// disposal) and releases the per-call cache used by the retry source.
type DecryptionPreparation struct {
	engine    *RoomEncryption
	source    DecryptionSource
	events    []types.Event
	items     []decryptItem
	preErrors map[string]error
	cache     *SessionCache
	ephemeral *SessionCache
}

// Decrypt performs the CPU-bound unwrap for every prepared event. It
// must be called outside any storage transaction.
func (p *DecryptionPreparation) Decrypt() *DecryptionChanges {
	results := make(map[string]*DecryptionResult)
	decErrors := make(map[string]error, len(p.preErrors))

	for id, err := range p.preErrors {
		decErrors[id] = err
	}

	for _, item := range p.items {
		if item.session == nil {
			decErrors[item.event.EventID] = weberr.ErrNoSession
			continue
		}

		result, err := p.engine.groupDec.Decrypt(item.session, &item.event)
		if err != nil {
			decErrors[item.event.EventID] = err
			continue
		}

		results[item.event.EventID] = result
	}

	return &DecryptionChanges{
		engine:      p.engine,
		source:      p.source,
		events:      p.events,
		results:     results,
		errors:      decErrors,
		preparation: p,
	}
}

// Dispose releases the resources held by the preparation. No item
// session may be used afterwards.
func (p *DecryptionPreparation) Dispose() {
	if p.cache != nil {
		p.cache.Unpin()
		p.cache = nil
	}

	if p.ephemeral != nil {
		p.ephemeral.Dispose()
		p.ephemeral = nil
	}
}

// DecryptionChanges is the second stage: decrypted plaintext and
// per-event errors, not yet committed.
type DecryptionChanges struct {
	engine      *RoomEncryption
	source      DecryptionSource
	events      []types.Event
	results     map[string]*DecryptionResult
	errors      map[string]error
	preparation *DecryptionPreparation
}

// Write commits the outcome inside the given read-write transaction and
// triggers missing-key follow-up. Sync-sourced missing keys are recorded
// durably in the same transaction; backup requests run detached.
func (c *DecryptionChanges) Write(txn *storage.Transaction) (*BatchDecryptionResult, error) {
	if err := c.engine.processDecryptionResults(c.events, c.errors, c.source, txn); err != nil {
		return nil, fmt.Errorf("processing decryption results: %w", err)
	}

	return &BatchDecryptionResult{
		Results: c.results,
		Errors:  c.errors,
		engine:  c.engine,
	}, nil
}

// BatchDecryptionResult is the committed outcome of one decryption
// batch, keyed by event id.
type BatchDecryptionResult struct {
	Results map[string]*DecryptionResult
	Errors  map[string]error
	engine  *RoomEncryption
}

// ApplyToEntries copies results and errors onto the matching timeline
// entries.
func (b *BatchDecryptionResult) ApplyToEntries(entries []*types.TimelineEntry) {
	for _, entry := range entries {
		if result, ok := b.Results[entry.Event.EventID]; ok {
			entry.DecryptedType = result.Type
			entry.DecryptedContent = result.Content
			entry.DecryptionError = ""

			continue
		}

		if err, ok := b.Errors[entry.Event.EventID]; ok {
			entry.DecryptionError = err.Error()
		}
	}
}

// VerifySenders attaches the originating device to every result. Only
// worth doing when a live timeline view will render the results.
func (b *BatchDecryptionResult) VerifySenders(txn *storage.Transaction) error {
	for _, result := range b.Results {
		if err := b.engine.verifyDecryptionResult(result, txn); err != nil {
			return err
		}
	}

	return nil
}
