package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rakshanet/beacon/internal/identity"
	"github.com/rakshanet/beacon/internal/metrics"
	"github.com/rakshanet/beacon/internal/models"
)

// Retry ceilings per category. A life-safety alert gets a much larger
// budget than a routine ping; a recording sits in between because its
// body cannot be reacquired but each attempt is expensive.
const (
	maxRetriesDefault   = 5
	maxRetriesRecording = 8
	maxRetriesPanic     = 25
)

// drainOrder is fixed: a life-safety alert must never be starved behind
// a backlog of routine location pings.
var drainOrder = []models.Category{
	models.CategoryPanic,
	models.CategoryRecording,
	models.CategorySOS,
	models.CategoryLocation,
}

// RecordStore is the subset of the durable store the engine drives.
type RecordStore interface {
	ListPending(ctx context.Context, c models.Category) ([]models.QueuedRecord, error)
	MarkSynced(ctx context.Context, c models.Category, id int64) error
	IncrementRetry(ctx context.Context, c models.Category, id int64) error
	Delete(ctx context.Context, c models.Category, id int64) error
	LoadCurrentIdentity(ctx context.Context) (*identity.Identity, error)
}

// Stats is a snapshot of the engine's delivery counters, surfaced to the
// UI through the tracker's GetStats.
type Stats struct {
	TotalSent    int64     `json:"totalSent"`
	TotalRetried int64     `json:"totalRetried"`
	TotalDropped int64     `json:"totalDropped"`
	LastSyncAt   time.Time `json:"lastSyncAt,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	LastErrorAt  time.Time `json:"lastErrorAt,omitempty"`
}

// Engine drains the category stores to the remote acceptor. One cycle
// runs at a time; triggers arriving mid-cycle are coalesced. Send errors
// never escape the engine; callers observe eventual state via Stats.
type Engine struct {
	store    RecordStore
	acceptor Acceptor
	log      *zap.Logger
	metrics  *metrics.Metrics

	// online reports current connectivity; a cycle is skipped outright
	// when offline.
	online func() bool

	// graceDelay is how long a confirmed record stays marked-synced
	// before its deferred delete, for short-term auditability.
	graceDelay time.Duration

	cycleMu sync.Mutex

	mu       sync.Mutex
	identity *identity.Identity
	stats    Stats

	now func() time.Time
}

// NewEngine builds a sync engine. online may be nil, in which case the
// engine assumes connectivity and lets send failures drive retries.
func NewEngine(store RecordStore, acceptor Acceptor, online func() bool, m *metrics.Metrics, log *zap.Logger) *Engine {
	return &Engine{
		store:      store,
		acceptor:   acceptor,
		online:     online,
		metrics:    m,
		log:        log,
		graceDelay: time.Minute,
		now:        time.Now,
	}
}

// SetGraceDelay overrides the post-confirmation delete delay. A zero
// delay deletes synchronously, which tests rely on.
func (e *Engine) SetGraceDelay(d time.Duration) { e.graceDelay = d }

// SetIdentity replaces the session identity used when a record carries
// no resolvable identity of its own.
func (e *Engine) SetIdentity(id *identity.Identity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identity = id
}

func (e *Engine) sessionIdentity() *identity.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// Stats returns a snapshot of the delivery counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// SyncPending runs one full drain cycle across all categories in
// priority order. If a cycle is already in flight the trigger is
// coalesced and this call returns immediately.
func (e *Engine) SyncPending(ctx context.Context) {
	if !e.cycleMu.TryLock() {
		e.log.Debug("sync already in progress, trigger coalesced")
		return
	}
	defer e.cycleMu.Unlock()

	if e.online != nil && !e.online() {
		e.log.Debug("offline, skipping sync cycle")
		return
	}

	cycle := uuid.NewString()
	if e.metrics != nil {
		e.metrics.SyncCycles.Inc()
	}

	for _, cat := range drainOrder {
		if ctx.Err() != nil {
			return
		}
		if err := e.drainCategory(ctx, cycle, cat); err != nil {
			e.log.Error("drain failed",
				zap.String("cycle", cycle),
				zap.String("category", string(cat)),
				zap.Error(err))
		}
	}

	e.mu.Lock()
	e.stats.LastSyncAt = e.now()
	e.mu.Unlock()
}

func (e *Engine) drainCategory(ctx context.Context, cycle string, cat models.Category) error {
	pending, err := e.store.ListPending(ctx, cat)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	e.log.Info("draining category",
		zap.String("cycle", cycle),
		zap.String("category", string(cat)),
		zap.Int("pending", len(pending)))

	for i := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec := &pending[i]

		if cat == models.CategoryRecording && len(rec.Audio) == 0 {
			// A recording row without a body is unrecoverable; drop it
			// rather than retry forever.
			e.log.Warn("recording missing audio body, deleting", zap.Int64("id", rec.ID))
			e.drop(ctx, rec, "empty_body")
			continue
		}

		var sendErr error
		if cat == models.CategoryRecording {
			sendErr = e.sendRecording(ctx, rec)
		} else {
			sendErr = e.sendJSONRecord(ctx, rec)
		}
		if sendErr == nil {
			e.confirm(ctx, rec)
			continue
		}
		e.handleFailure(ctx, rec, sendErr)
	}
	return nil
}

// resolveIdentity rebuilds the identity to attach at send time: first
// from the record's own stored fields, then the engine's session
// identity, then the persisted current-user snapshot. Identity may have
// been set at a different point of the session than record creation,
// hence the chain.
func (e *Engine) resolveIdentity(ctx context.Context, payload map[string]any) *identity.Identity {
	recID, _ := identity.Normalize(payload)
	if identity.HasAccountFields(recID) {
		return recID
	}

	if session := e.sessionIdentity(); session != nil {
		recID = identity.Merge(recID, session)
		if identity.HasAccountFields(recID) {
			return recID
		}
	}

	snapshot, err := e.store.LoadCurrentIdentity(ctx)
	if err == nil {
		recID = identity.Merge(recID, snapshot)
	}
	return recID
}

func (e *Engine) sendJSONRecord(ctx context.Context, rec *models.QueuedRecord) error {
	payload := map[string]any{}
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	for key, value := range identity.WireFields(e.resolveIdentity(ctx, payload)) {
		payload[key] = value
	}

	return e.acceptor.SendJSON(ctx, rec.Category, payload)
}

func (e *Engine) sendRecording(ctx context.Context, rec *models.QueuedRecord) error {
	payload := map[string]any{}
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	var meta models.RecordingPayload
	if err := json.Unmarshal(rec.Payload, &meta); err != nil {
		return fmt.Errorf("decode recording metadata: %w", err)
	}

	id := e.resolveIdentity(ctx, payload)
	fields := identity.WireFields(id)
	if meta.TriggeredAt != "" {
		fields["triggeredAt"] = meta.TriggeredAt
	}
	if meta.RecordedAt != "" {
		fields["recordedAt"] = meta.RecordedAt
	}

	filename := meta.Filename
	if filename == "" {
		label := "unknown"
		if id != nil {
			if id.PassportID != "" {
				label = id.PassportID
			} else if id.Primary != "" {
				label = id.Primary
			}
		}
		filename = fmt.Sprintf("panic-%s-%d.webm", label, rec.Timestamp.UnixMilli())
	}

	return e.acceptor.UploadRecording(ctx, fields, filename, rec.Audio)
}

// confirm marks the record synced and schedules its physical delete
// after the grace delay.
func (e *Engine) confirm(ctx context.Context, rec *models.QueuedRecord) {
	if err := e.store.MarkSynced(ctx, rec.Category, rec.ID); err != nil {
		e.log.Error("mark synced failed",
			zap.String("category", string(rec.Category)),
			zap.Int64("id", rec.ID), zap.Error(err))
		return
	}

	e.mu.Lock()
	e.stats.TotalSent++
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordsSynced.WithLabelValues(string(rec.Category)).Inc()
	}

	cat, id := rec.Category, rec.ID
	if e.graceDelay <= 0 {
		if err := e.store.Delete(ctx, cat, id); err != nil {
			e.log.Warn("grace delete failed", zap.Int64("id", id), zap.Error(err))
		}
		return
	}
	time.AfterFunc(e.graceDelay, func() {
		if err := e.store.Delete(context.Background(), cat, id); err != nil {
			e.log.Warn("grace delete failed", zap.Int64("id", id), zap.Error(err))
		}
	})
}

func (e *Engine) handleFailure(ctx context.Context, rec *models.QueuedRecord, sendErr error) {
	e.mu.Lock()
	e.stats.LastError = sendErr.Error()
	e.stats.LastErrorAt = e.now()
	e.mu.Unlock()

	if IsIdentityNotFound(sendErr) {
		// Retrying a record whose identity will never resolve wastes
		// the retry budget and blocks lower-priority records.
		e.log.Warn("dropping record with unresolvable identity",
			zap.String("category", string(rec.Category)),
			zap.Int64("id", rec.ID))
		e.drop(ctx, rec, "identity_not_found")
		return
	}

	if rec.RetryCount < maxRetriesFor(rec.Category) {
		if err := e.store.IncrementRetry(ctx, rec.Category, rec.ID); err != nil {
			e.log.Error("increment retry failed", zap.Int64("id", rec.ID), zap.Error(err))
			return
		}
		e.mu.Lock()
		e.stats.TotalRetried++
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.RecordsRetried.WithLabelValues(string(rec.Category)).Inc()
		}
		e.log.Info("send failed, left for next cycle",
			zap.String("category", string(rec.Category)),
			zap.Int64("id", rec.ID),
			zap.Int("retryCount", rec.RetryCount+1),
			zap.Error(sendErr))
		return
	}

	e.log.Warn("record exceeded retry ceiling, dropping",
		zap.String("category", string(rec.Category)),
		zap.Int64("id", rec.ID),
		zap.Int("retryCount", rec.RetryCount),
		zap.Error(sendErr))
	e.drop(ctx, rec, "retry_exhausted")
}

func (e *Engine) drop(ctx context.Context, rec *models.QueuedRecord, reason string) {
	if err := e.store.Delete(ctx, rec.Category, rec.ID); err != nil {
		e.log.Error("drop failed",
			zap.String("category", string(rec.Category)),
			zap.Int64("id", rec.ID), zap.Error(err))
		return
	}
	e.mu.Lock()
	e.stats.TotalDropped++
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordsDropped.WithLabelValues(string(rec.Category), reason).Inc()
	}
}

func maxRetriesFor(c models.Category) int {
	switch c {
	case models.CategoryPanic:
		return maxRetriesPanic
	case models.CategoryRecording:
		return maxRetriesRecording
	default:
		return maxRetriesDefault
	}
}
