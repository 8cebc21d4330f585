// Package cache implements the Cache Store module: an in-memory,
// per-record-TTL store of CachedRecord values with an optional Redis
// mirror, pub/sub change notification, and Postgres audit sink.
package cache

import (
	"sync"
	"time"

	"github.com/woosul/marketfabric/internal/model"
)

// Store is the in-memory Cache Store. It never lets a zero-valued
// incoming record overwrite an existing non-zero one (the no-clobber
// invariant), and UpsertMany applies its batch atomically under a
// single write lock so a TopCoinsSnapshot and its companions are never
// observed half-written.
type Store struct {
	mu         sync.RWMutex
	records    map[string]model.CachedRecord
	maxEntries int64

	mirror Mirror
	notify Notifier
	audit  Auditor
	stats  MetricsSink

	stopCh chan struct{}
	once   sync.Once
}

// MetricsSink receives Cache Store observability events for the
// ambient /metrics surface. A nil sink (the default) disables
// instrumentation entirely; wire one with SetMetrics.
type MetricsSink interface {
	RecordUpsert(kind string)
	RecordNoClobber(kind string)
	SetSize(n int)
}

// Mirror is the optional write-through backing store (Redis) kept in
// sync with the in-memory map. A nil Mirror means in-memory-only mode.
type Mirror interface {
	Set(key string, rec model.CachedRecord) error
	Get(key string) (model.CachedRecord, bool, error)
}

// Notifier publishes change events after a successful upsert so other
// processes can react without polling. A nil Notifier disables publication.
type Notifier interface {
	Publish(rec model.CachedRecord) error
}

// Auditor persists accepted upserts for after-the-fact investigation.
// A nil Auditor means no audit trail is kept.
type Auditor interface {
	Record(rec model.CachedRecord) error
	RecordBatch(recs []model.CachedRecord) error
}

// NewStore builds a Store with an eviction ceiling of maxEntries: past
// it, the record with the oldest UpdatedAt is evicted (0 disables the
// ceiling). mirror, notify, and audit may be nil.
func NewStore(maxEntries int64, mirror Mirror, notify Notifier, audit Auditor) *Store {
	s := &Store{
		records:    make(map[string]model.CachedRecord),
		maxEntries: maxEntries,
		mirror:     mirror,
		notify:     notify,
		audit:      audit,
		stopCh:     make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// SetMetrics wires an observability sink. Safe to call once at
// startup before any concurrent access begins.
func (s *Store) SetMetrics(sink MetricsSink) {
	s.stats = sink
}

// Upsert stores one record, refusing to clobber an existing non-zero
// value with an incoming zero value. Returns true if the record was
// actually written.
func (s *Store) Upsert(rec model.CachedRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(rec, false)
}

func (s *Store) upsertLocked(rec model.CachedRecord, deferAudit bool) bool {
	key := rec.Key()
	existing, found := s.records[key]

	if rec.IsZeroValue() && found && !existing.IsZeroValue() {
		// Never clobber good data with zeros; leave updated_at untouched.
		if s.stats != nil {
			s.stats.RecordNoClobber(string(rec.Kind))
		}
		return false
	}

	if !found && s.maxEntries > 0 && int64(len(s.records)) >= s.maxEntries {
		s.evictOldestLocked()
	}

	s.records[key] = rec

	if s.mirror != nil {
		_ = s.mirror.Set(key, rec)
	}
	if s.notify != nil {
		_ = s.notify.Publish(rec)
	}
	if s.audit != nil && !deferAudit {
		_ = s.audit.Record(rec)
	}
	if s.stats != nil {
		s.stats.RecordUpsert(string(rec.Kind))
		s.stats.SetSize(len(s.records))
	}
	return true
}

// UpsertMany applies a batch of records atomically: the no-clobber
// guard is evaluated against the current state for every record before
// any of them is written, so the batch is all-or-nothing from an
// observer's point of view (no partial TopCoinsSnapshot is ever seen).
// The accepted batch is also audited as a single transaction via
// Auditor.RecordBatch, mirroring the in-memory write's atomicity in
// the audit trail.
func (s *Store) UpsertMany(recs []model.CachedRecord) int {
	s.mu.Lock()

	accepted := make([]model.CachedRecord, 0, len(recs))
	for _, rec := range recs {
		key := rec.Key()
		existing, found := s.records[key]
		if rec.IsZeroValue() && found && !existing.IsZeroValue() {
			continue
		}
		accepted = append(accepted, rec)
	}

	for _, rec := range accepted {
		s.upsertLocked(rec, true)
	}
	s.mu.Unlock()

	if s.audit != nil && len(accepted) > 0 {
		_ = s.audit.RecordBatch(accepted)
	}
	return len(accepted)
}

// Get returns the record for (kind, code, sourceTag), falling back to
// the mirror when the in-memory entry is missing.
func (s *Store) Get(kind model.IndexKind, code, sourceTag string) (model.CachedRecord, bool) {
	key := model.CachedRecord{Kind: kind, Code: code, SourceTag: sourceTag}.Key()

	s.mu.RLock()
	rec, found := s.records[key]
	s.mu.RUnlock()

	if found {
		return rec, true
	}

	if s.mirror != nil {
		if mrec, ok, err := s.mirror.Get(key); err == nil && ok {
			return mrec, true
		}
	}
	return model.CachedRecord{}, false
}

// GetByKind returns every record of a given kind, across all codes and
// source tags.
func (s *Store) GetByKind(kind model.IndexKind) []model.CachedRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CachedRecord
	for _, rec := range s.records {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

// GetByCodeAndSource returns the record of the given kind matching code
// and sourceTag, used by top-coins primary/fallback selection.
func (s *Store) GetByCodeAndSource(kind model.IndexKind, code, sourceTag string) (model.CachedRecord, bool) {
	return s.Get(kind, code, sourceTag)
}

// Snapshot returns every in-memory record, for the `status` CLI
// subcommand's point-in-time dump. It does not consult the Redis
// mirror: a status dump reflects this process's own view of the world.
func (s *Store) Snapshot() []model.CachedRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.CachedRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// evictOldestLocked drops the single oldest record to make room under
// maxEntries. Caller must hold the write lock.
func (s *Store) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	for key, rec := range s.records {
		if oldestKey == "" || rec.UpdatedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = rec.UpdatedAt
		}
	}
	if oldestKey != "" {
		delete(s.records, oldestKey)
	}
}

// SweepExpired removes entries past their advisory TTL. This is an
// optional maintenance operation: a stale record is still served by
// Get until swept, matching the stale-while-revalidate behavior the
// rest of this system relies on.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, rec := range s.records {
		if !rec.IsFresh(now) && rec.TTLSeconds > 0 {
			// Only sweep records whose TTL has been stale for an
			// extended grace period (10x TTL) so a temporarily quiet
			// adapter doesn't lose its last-good value prematurely.
			if now.Sub(rec.UpdatedAt) > 10*time.Duration(rec.TTLSeconds)*time.Second {
				delete(s.records, key)
				removed++
			}
		}
	}
	return removed
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.SweepExpired()
		}
	}
}

// Stop terminates the background sweep goroutine. Safe to call more
// than once.
func (s *Store) Stop() {
	s.once.Do(func() {
		close(s.stopCh)
	})
}
