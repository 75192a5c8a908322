// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/blend-engine/quality"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	batches map[quality.BatchKey]quality.Batch
	blends  map[quality.BlendID]quality.Blend
	lots    map[string]quality.BlendID
}

func NewMemory() *Memory {
	return &Memory{
		batches: make(map[quality.BatchKey]quality.Batch),
		blends:  make(map[quality.BlendID]quality.Blend),
		lots:    make(map[string]quality.BlendID),
	}
}

// SaveBatch inserts or replaces a batch.
func (m *Memory) SaveBatch(_ context.Context, b quality.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveBatchLocked(b)
	return nil
}

func (m *Memory) saveBatchLocked(b quality.Batch) {
	m.batches[b.Key] = b.Clone()
}

func (m *Memory) GetBatch(_ context.Context, key quality.BatchKey) (quality.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBatchLocked(key)
}

func (m *Memory) getBatchLocked(key quality.BatchKey) (quality.Batch, error) {
	b, ok := m.batches[key]
	if !ok {
		return quality.Batch{}, quality.ErrBatchNotFound
	}
	return b.Clone(), nil
}

func (m *Memory) ListBatches(_ context.Context, filter quality.BatchFilter) ([]quality.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listBatchesLocked(filter), nil
}

func (m *Memory) listBatchesLocked(filter quality.BatchFilter) []quality.Batch {
	var result []quality.Batch
	for _, b := range m.batches {
		if filter.Matches(b) {
			result = append(result, b.Clone())
		}
	}
	quality.SortBatches(result)
	return result
}

func (m *Memory) NextBatchNumber(_ context.Context, p quality.Provenance) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextBatchNumberLocked(p), nil
}

func (m *Memory) nextBatchNumberLocked(p quality.Provenance) int {
	max := 0
	for k := range m.batches {
		if k.Provenance == p && k.Number > max {
			max = k.Number
		}
	}
	return max + 1
}

// SaveBlend inserts a blend. Lot ids are unique.
func (m *Memory) SaveBlend(_ context.Context, b quality.Blend) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveBlendLocked(b)
}

func (m *Memory) saveBlendLocked(b quality.Blend) error {
	if _, exists := m.lots[b.LotID]; exists {
		return quality.ErrDuplicateLotID
	}
	m.blends[b.ID] = cloneBlend(b)
	m.lots[b.LotID] = b.ID
	return nil
}

func (m *Memory) GetBlend(_ context.Context, id quality.BlendID) (quality.Blend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBlendLocked(id)
}

func (m *Memory) getBlendLocked(id quality.BlendID) (quality.Blend, error) {
	b, ok := m.blends[id]
	if !ok {
		return quality.Blend{}, quality.ErrBlendNotFound
	}
	return cloneBlend(b), nil
}

func (m *Memory) GetBlendByLot(_ context.Context, lotID string) (quality.Blend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.lots[lotID]
	if !ok {
		return quality.Blend{}, quality.ErrBlendNotFound
	}
	return m.getBlendLocked(id)
}

func (m *Memory) ListBlends(_ context.Context, filter quality.BlendFilter) ([]quality.Blend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listBlendsLocked(filter), nil
}

func (m *Memory) listBlendsLocked(filter quality.BlendFilter) []quality.Blend {
	var result []quality.Blend
	for _, b := range m.blends {
		if filter.Matches(b) {
			result = append(result, cloneBlend(b))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Serial > result[j].Serial })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

func (m *Memory) DeleteBlend(_ context.Context, id quality.BlendID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteBlendLocked(id)
}

func (m *Memory) deleteBlendLocked(id quality.BlendID) error {
	b, ok := m.blends[id]
	if !ok {
		return quality.ErrBlendNotFound
	}
	delete(m.blends, id)
	delete(m.lots, b.LotID)
	return nil
}

func (m *Memory) MaxSerial(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxSerialLocked(), nil
}

func (m *Memory) maxSerialLocked() int64 {
	var max int64
	for _, b := range m.blends {
		if b.Serial > max {
			max = b.Serial
		}
	}
	return max
}

func cloneBlend(b quality.Blend) quality.Blend {
	out := b
	out.Items = make([]quality.BlendItem, len(b.Items))
	for i, it := range b.Items {
		it.Snapshot = it.Snapshot.Clone()
		out.Items[i] = it
	}
	if b.Target != nil {
		out.Target = append([]byte(nil), b.Target...)
	}
	return out
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(quality.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = make(map[quality.BatchKey]quality.Batch)
	m.blends = make(map[quality.BlendID]quality.Blend)
	m.lots = make(map[string]quality.BlendID)
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	batches := make(map[quality.BatchKey]quality.Batch, len(tm.batches))
	for k, v := range tm.batches {
		batches[k] = v
	}
	blends := make(map[quality.BlendID]quality.Blend, len(tm.blends))
	for k, v := range tm.blends {
		blends[k] = v
	}
	lots := make(map[string]quality.BlendID, len(tm.lots))
	for k, v := range tm.lots {
		lots[k] = v
	}
	return memorySnapshot{batches: batches, blends: blends, lots: lots}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.batches = s.batches
	tm.blends = s.blends
	tm.lots = s.lots
}

type memorySnapshot struct {
	batches map[quality.BatchKey]quality.Batch
	blends  map[quality.BlendID]quality.Blend
	lots    map[string]quality.BlendID
}

// txMemoryView runs under the parent's write lock, so it calls the
// *Locked helpers directly.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) SaveBatch(_ context.Context, b quality.Batch) error {
	tv.parent.saveBatchLocked(b)
	return nil
}

func (tv *txMemoryView) GetBatch(_ context.Context, key quality.BatchKey) (quality.Batch, error) {
	return tv.parent.getBatchLocked(key)
}

func (tv *txMemoryView) ListBatches(_ context.Context, filter quality.BatchFilter) ([]quality.Batch, error) {
	return tv.parent.listBatchesLocked(filter), nil
}

func (tv *txMemoryView) NextBatchNumber(_ context.Context, p quality.Provenance) (int, error) {
	return tv.parent.nextBatchNumberLocked(p), nil
}

func (tv *txMemoryView) SaveBlend(_ context.Context, b quality.Blend) error {
	return tv.parent.saveBlendLocked(b)
}

func (tv *txMemoryView) GetBlend(_ context.Context, id quality.BlendID) (quality.Blend, error) {
	return tv.parent.getBlendLocked(id)
}

func (tv *txMemoryView) GetBlendByLot(_ context.Context, lotID string) (quality.Blend, error) {
	id, ok := tv.parent.lots[lotID]
	if !ok {
		return quality.Blend{}, quality.ErrBlendNotFound
	}
	return tv.parent.getBlendLocked(id)
}

func (tv *txMemoryView) ListBlends(_ context.Context, filter quality.BlendFilter) ([]quality.Blend, error) {
	return tv.parent.listBlendsLocked(filter), nil
}

func (tv *txMemoryView) DeleteBlend(_ context.Context, id quality.BlendID) error {
	return tv.parent.deleteBlendLocked(id)
}

func (tv *txMemoryView) MaxSerial(_ context.Context) (int64, error) {
	return tv.parent.maxSerialLocked(), nil
}
