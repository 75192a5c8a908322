/*
store.go - Persistence interfaces for batches and blends

PURPOSE:
  Defines the interface between the engine and the database. Batches and
  blends live behind the same store so that a commit (consume batches +
  write blend) and a reversal (release batches + delete blend) can run in a
  single transaction.

KEY INTERFACES:
  BatchStore: Batch pool persistence (inventory feed writes, state flips)
  BlendStore: Blend ledger persistence
  TxStore:    Atomic multi-table operations

ATOMICITY:
  Commit must check availability and flip state in the same transaction;
  otherwise two concurrent commits could consume the same batch. WithTx
  serialises writers and rolls back everything if fn returns an error.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite with WAL
  - quality/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger/ledger.go: The only caller of WithTx for blends
  - inventory.go: Pool snapshots and holds
*/
package quality

import "context"

// =============================================================================
// BATCH STORE
// =============================================================================

// BatchFilter narrows ListBatches. Zero fields match everything.
type BatchFilter struct {
	Provenance Provenance
	States     []UsageState
	ProducedIn *Period
}

// Matches applies the filter to a single batch.
func (f BatchFilter) Matches(b Batch) bool {
	if f.Provenance != "" && b.Key.Provenance != f.Provenance {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if b.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.ProducedIn != nil && !f.ProducedIn.Contains(b.ProducedAt) {
		return false
	}
	return true
}

type BatchStore interface {
	// SaveBatch inserts or replaces a batch.
	SaveBatch(ctx context.Context, b Batch) error

	// GetBatch returns ErrBatchNotFound if the key does not exist.
	GetBatch(ctx context.Context, key BatchKey) (Batch, error)

	// ListBatches returns matching batches ordered by key.
	ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error)

	// NextBatchNumber returns max(number)+1 within a provenance pool.
	NextBatchNumber(ctx context.Context, p Provenance) (int, error)
}

// =============================================================================
// BLEND STORE
// =============================================================================

type BlendStore interface {
	// SaveBlend inserts a blend. Returns ErrDuplicateLotID on lot clash.
	SaveBlend(ctx context.Context, b Blend) error

	// GetBlend returns ErrBlendNotFound if the id does not exist.
	GetBlend(ctx context.Context, id BlendID) (Blend, error)

	// GetBlendByLot returns ErrBlendNotFound if the lot does not exist.
	GetBlendByLot(ctx context.Context, lotID string) (Blend, error)

	// ListBlends returns matching blends, newest serial first.
	ListBlends(ctx context.Context, filter BlendFilter) ([]Blend, error)

	// DeleteBlend removes the record. Returns ErrBlendNotFound if absent.
	DeleteBlend(ctx context.Context, id BlendID) error

	// MaxSerial returns the highest serial number, 0 when empty.
	MaxSerial(ctx context.Context) (int64, error)
}

// Store is everything the engine persists.
type Store interface {
	BatchStore
	BlendStore
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
