// Package dedup implements the Deduplicator (spec.md §4.C): an in-memory
// LRU of recent dedup keys that short-circuits obvious duplicates without
// touching the store, backed by the Event Audit Store's authoritative
// unique-insert for the cases the LRU has evicted or never seen.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/event"
	"github.com/r3e-labs/integration-gateway/internal/app/storage"
)

// DefaultLRUSize matches spec.md §4.C's "~10k recent keys".
const DefaultLRUSize = 10_000

// Deduplicator enforces at-most-once ingestion per (source, sourceId), or
// (orgId, eventKey, bucket) when sourceId is absent.
type Deduplicator struct {
	store storage.EventStore
	cache *lru.Cache[string, string] // dedup key -> eventID
}

// New constructs a Deduplicator with the default LRU size.
func New(store storage.EventStore) *Deduplicator {
	return NewWithSize(store, DefaultLRUSize)
}

// NewWithSize constructs a Deduplicator with a custom LRU capacity, mainly
// for tests that want to exercise eviction.
func NewWithSize(store storage.EventStore, size int) *Deduplicator {
	if size <= 0 {
		size = DefaultLRUSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		// lru.New only errors on size<=0, guarded above.
		panic(fmt.Sprintf("dedup: unexpected lru.New error: %v", err))
	}
	return &Deduplicator{store: store, cache: cache}
}

// EventKey computes the fallback dedup discriminator spec.md §3 defines as
// hash(eventType + payloadIdLikeField + orgId), used when sourceId is
// absent. payloadIDLike is whatever field the caller deems the closest
// thing to an id within the opaque payload (e.g. payload["id"]).
func EventKey(eventType, payloadIDLike, orgID string) string {
	sum := sha256.Sum256([]byte(eventType + "|" + payloadIDLike + "|" + orgID))
	return hex.EncodeToString(sum[:])
}

// TryAccept attempts to durably and uniquely accept e. The LRU is consulted
// first only to short-circuit an obvious duplicate without a store round
// trip; a miss is never treated as authoritative (spec.md §4.B: "absence
// from the LRU is not authoritative"), so every call still reaches the
// store's unique insert.
func (d *Deduplicator) TryAccept(ctx context.Context, e event.Event, eventKey string) (storage.InsertResult, error) {
	key := compositeKey(e, eventKey)
	if existingID, ok := d.cache.Get(key); ok {
		existing, err := d.store.GetEvent(ctx, existingID)
		if err == nil {
			return storage.InsertResult{Inserted: false, Existing: &existing}, nil
		}
		// Fall through to the store if the cached id no longer resolves
		// (e.g. expired/purged) — the store's unique insert is still
		// authoritative.
	}

	result, err := d.store.TryInsertEvent(ctx, e, eventKey)
	if err != nil {
		return storage.InsertResult{}, err
	}
	if result.Inserted {
		d.cache.Add(key, e.EventID)
	} else if result.Existing != nil {
		d.cache.Add(key, result.Existing.EventID)
	}
	return result, nil
}

func compositeKey(e event.Event, eventKey string) string {
	if e.SourceID != "" {
		return "src:" + e.Source + "|" + e.SourceID
	}
	return "fallback:" + e.OrgID + "|" + eventKey + "|" + event.Bucket(e.ReceivedAt).String()
}
