// Package tracker is the lifecycle and connectivity manager: it owns the
// session identity, drives raw position fixes through the plausibility
// filter into the durable store, and triggers the sync engine from a
// periodic timer and connectivity transitions.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rakshanet/beacon/internal/geofilter"
	"github.com/rakshanet/beacon/internal/identity"
	"github.com/rakshanet/beacon/internal/metrics"
	"github.com/rakshanet/beacon/internal/models"
	"github.com/rakshanet/beacon/internal/syncer"
)

// DefaultSyncInterval is how often a drain cycle is attempted while
// tracking.
const DefaultSyncInterval = 30 * time.Second

// ErrInvalidIdentity is returned when a caller-supplied identity fragment
// yields no usable field. Tracking never starts without an identity.
var ErrInvalidIdentity = errors.New("tracker: identity did not resolve to any usable field")

// PositionSource produces a lazy, non-restartable stream of raw position
// samples. The stream ends when the context is cancelled or the source
// closes the channel.
type PositionSource interface {
	Watch(ctx context.Context) (<-chan models.PositionSample, error)
}

// Connectivity reports the current online state and emits transitions.
type Connectivity interface {
	Online() bool
	// Changes delivers the new online state on each transition until
	// the context is cancelled.
	Changes(ctx context.Context) <-chan bool
}

// RecordStore is the subset of the durable store the tracker drives.
type RecordStore interface {
	Insert(ctx context.Context, c models.Category, passportID string, payload json.RawMessage, audio []byte) (int64, error)
	Cancel(ctx context.Context, c models.Category, id int64) (bool, error)
	CancelByIdentity(ctx context.Context, c models.Category, passportID string) (int64, error)
	CountPending(ctx context.Context, c models.Category) (int, error)
	Evict(ctx context.Context, c models.Category) error
	SaveCurrentIdentity(ctx context.Context, id *identity.Identity) error
}

// SyncEngine is the subset of the sync engine the tracker drives.
type SyncEngine interface {
	SyncPending(ctx context.Context)
	SetIdentity(id *identity.Identity)
	Stats() syncer.Stats
}

// Stats is the producer-facing status snapshot.
type Stats struct {
	PendingLocations       int          `json:"pendingLocations"`
	PendingSOS             int          `json:"pendingSOS"`
	PendingPanic           int          `json:"pendingPanic"`
	PendingPanicRecordings int          `json:"pendingPanicRecordings"`
	IsOnline               bool         `json:"isOnline"`
	IsTracking             bool         `json:"isTracking"`
	Sync                   syncer.Stats `json:"sync"`
}

// Tracker is the one-per-session coordinator. Construct it once and hand
// it to every producer.
type Tracker struct {
	store   RecordStore
	engine  SyncEngine
	source  PositionSource
	conn    Connectivity
	log     *zap.Logger
	metrics *metrics.Metrics

	syncInterval time.Duration

	mu       sync.Mutex
	tracking bool
	cancel   context.CancelFunc
	identity *identity.Identity

	wg sync.WaitGroup
}

// New builds a Tracker. source and conn may be nil when the deployment
// only produces manual events (panic buttons) through the local API.
func New(store RecordStore, engine SyncEngine, source PositionSource, conn Connectivity, m *metrics.Metrics, log *zap.Logger) *Tracker {
	return &Tracker{
		store:        store,
		engine:       engine,
		source:       source,
		conn:         conn,
		metrics:      m,
		log:          log,
		syncInterval: DefaultSyncInterval,
	}
}

// SetSyncInterval overrides the periodic drain interval.
func (t *Tracker) SetSyncInterval(d time.Duration) { t.syncInterval = d }

// SetIdentity attaches or replaces the session identity without starting
// position watching. Used when events come from manual actions rather
// than continuous tracking.
func (t *Tracker) SetIdentity(input any) error {
	id, ok := identity.Normalize(input)
	if !ok {
		return ErrInvalidIdentity
	}
	t.adoptIdentity(id)
	return nil
}

func (t *Tracker) adoptIdentity(id *identity.Identity) {
	t.mu.Lock()
	t.identity = id
	t.mu.Unlock()

	t.engine.SetIdentity(id)
	if err := t.store.SaveCurrentIdentity(context.Background(), id); err != nil {
		t.log.Warn("failed to persist identity snapshot", zap.Error(err))
	}
	t.log.Info("identity set", zap.String("primary", id.Primary))
}

func (t *Tracker) currentIdentity() *identity.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

// StartTracking resolves the identity, begins continuous position
// watching and arms the periodic sync timer plus the connectivity
// listener. It fails without side effects when the identity does not
// resolve or the position source cannot start.
func (t *Tracker) StartTracking(ctx context.Context, identityInput any, onUpdate func(models.AcceptedPosition)) error {
	t.mu.Lock()
	if t.tracking {
		t.mu.Unlock()
		t.log.Info("already tracking")
		return nil
	}
	// Reserve the session before releasing the lock; a concurrent start
	// arriving while Watch is still in flight must see it taken, or it
	// would overwrite the cancel func and orphan this session's loops.
	t.tracking = true
	t.mu.Unlock()

	release := func() {
		t.mu.Lock()
		t.tracking = false
		t.mu.Unlock()
	}

	id, ok := identity.Normalize(identityInput)
	if !ok {
		release()
		t.log.Warn("cannot start tracking without a valid identity")
		return ErrInvalidIdentity
	}

	watchCtx, cancel := context.WithCancel(ctx)

	var samples <-chan models.PositionSample
	if t.source != nil {
		var err error
		samples, err = t.source.Watch(watchCtx)
		if err != nil {
			cancel()
			release()
			return fmt.Errorf("start position watch: %w", err)
		}
	}

	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	t.adoptIdentity(id)

	t.log.Info("tracking started", zap.String("primary", id.Primary))

	filter := geofilter.New(geofilter.Config{})

	if samples != nil {
		t.wg.Add(1)
		go t.watchLoop(watchCtx, filter, samples, onUpdate)
	}

	t.wg.Add(1)
	go t.timerLoop(watchCtx)

	if t.conn != nil {
		t.wg.Add(1)
		go t.connectivityLoop(watchCtx)
	}
	return nil
}

func (t *Tracker) watchLoop(ctx context.Context, filter *geofilter.Filter, samples <-chan models.PositionSample, onUpdate func(models.AcceptedPosition)) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-samples:
			if !ok {
				return
			}
			accepted, pass := filter.Decide(sample.Latitude, sample.Longitude, sample.Accuracy)
			if !pass {
				continue
			}
			if onUpdate != nil {
				onUpdate(accepted)
			}
			if _, err := t.StoreLocation(ctx, models.LocationPayload{
				Latitude:  accepted.Latitude,
				Longitude: accepted.Longitude,
				Accuracy:  accepted.Accuracy,
				Source:    "gps",
			}, nil); err != nil {
				t.log.Error("failed to store accepted position", zap.Error(err))
			}
		}
	}
}

func (t *Tracker) timerLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.conn == nil || t.conn.Online() {
				// Detached context: an in-flight cycle completes
				// even if tracking stops.
				go t.engine.SyncPending(context.Background())
			}
		}
	}
}

func (t *Tracker) connectivityLoop(ctx context.Context) {
	defer t.wg.Done()
	changes := t.conn.Changes(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-changes:
			if !ok {
				return
			}
			if online {
				t.log.Info("connection restored, syncing")
				go t.engine.SyncPending(context.Background())
			}
		}
	}
}

// StopTracking cancels the position watch, the periodic timer and the
// connectivity listener, and clears the session identity. It is
// idempotent and does not abort a sync cycle already in flight.
func (t *Tracker) StopTracking() {
	t.mu.Lock()
	if !t.tracking {
		t.mu.Unlock()
		return
	}
	t.tracking = false
	cancel := t.cancel
	t.cancel = nil
	t.identity = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	t.engine.SetIdentity(nil)
	t.log.Info("tracking stopped")
}

// buildPayload flattens the typed payload, caller extension fields and
// the current identity aliases into the stored wire object.
func (t *Tracker) buildPayload(typed any, extra map[string]any) (json.RawMessage, string, error) {
	base, err := json.Marshal(typed)
	if err != nil {
		return nil, "", fmt.Errorf("marshal payload: %w", err)
	}
	payload := map[string]any{}
	if err := json.Unmarshal(base, &payload); err != nil {
		return nil, "", fmt.Errorf("flatten payload: %w", err)
	}
	for key, value := range extra {
		payload[key] = value
	}

	id := t.currentIdentity()
	for key, value := range identity.WireFields(id) {
		payload[key] = value
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal record: %w", err)
	}

	passportID := ""
	if id != nil {
		passportID = id.PassportID
	}
	return out, passportID, nil
}

func (t *Tracker) insert(ctx context.Context, c models.Category, typed any, extra map[string]any, audio []byte) (int64, error) {
	payload, passportID, err := t.buildPayload(typed, extra)
	if err != nil {
		return 0, err
	}
	id, err := t.store.Insert(ctx, c, passportID, payload, audio)
	if err != nil {
		// A dropped write here is a safety failure; surface it to the
		// producer rather than swallowing it.
		return 0, fmt.Errorf("store %s: %w", c, err)
	}
	if t.metrics != nil {
		t.metrics.RecordsStored.WithLabelValues(string(c)).Inc()
	}

	// Best-effort sweep; failures only delay eviction until next write.
	go func() {
		if err := t.store.Evict(context.Background(), c); err != nil {
			t.log.Warn("eviction sweep failed", zap.String("category", string(c)), zap.Error(err))
		}
	}()
	return id, nil
}

// StoreLocation appends a location ping to the durable queue and, when
// online, opportunistically triggers a drain.
func (t *Tracker) StoreLocation(ctx context.Context, p models.LocationPayload, extra map[string]any) (int64, error) {
	id, err := t.insert(ctx, models.CategoryLocation, p, extra, nil)
	if err != nil {
		return 0, err
	}
	if t.conn != nil && t.conn.Online() {
		go t.engine.SyncPending(context.Background())
	}
	return id, nil
}

// StoreSOS appends an SOS alert and immediately attempts a drain,
// fire-and-forget.
func (t *Tracker) StoreSOS(ctx context.Context, p models.SOSPayload, extra map[string]any) (int64, error) {
	id, err := t.insert(ctx, models.CategorySOS, p, extra, nil)
	if err != nil {
		return 0, err
	}
	go t.engine.SyncPending(context.Background())
	return id, nil
}

// StorePanicAlert appends a panic alert and immediately attempts a
// drain, fire-and-forget.
func (t *Tracker) StorePanicAlert(ctx context.Context, p models.PanicPayload, extra map[string]any) (int64, error) {
	id, err := t.insert(ctx, models.CategoryPanic, p, extra, nil)
	if err != nil {
		return 0, err
	}
	go t.engine.SyncPending(context.Background())
	return id, nil
}

// StorePanicRecording appends a panic audio recording and immediately
// attempts a drain, fire-and-forget.
func (t *Tracker) StorePanicRecording(ctx context.Context, meta models.RecordingPayload, audio []byte, extra map[string]any) (int64, error) {
	id, err := t.insert(ctx, models.CategoryRecording, meta, extra, audio)
	if err != nil {
		return 0, err
	}
	go t.engine.SyncPending(context.Background())
	return id, nil
}

// CancelPanicAlert removes a queued panic alert before it syncs.
// cancelled=false means the record already left the store and may have
// reached the server; the caller should send an explicit cancellation
// notice rather than assume suppression.
func (t *Tracker) CancelPanicAlert(ctx context.Context, id int64) (bool, error) {
	return t.store.Cancel(ctx, models.CategoryPanic, id)
}

// CancelPanicRecordings removes all queued recordings filed under the
// given identity key.
func (t *Tracker) CancelPanicRecordings(ctx context.Context, identityKey string) (int64, error) {
	return t.store.CancelByIdentity(ctx, models.CategoryRecording, identityKey)
}

// GetStats returns the pending counts per category, the connectivity and
// tracking state, and the engine's delivery counters.
func (t *Tracker) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	counts := []struct {
		c    models.Category
		dest *int
	}{
		{models.CategoryLocation, &stats.PendingLocations},
		{models.CategorySOS, &stats.PendingSOS},
		{models.CategoryPanic, &stats.PendingPanic},
		{models.CategoryRecording, &stats.PendingPanicRecordings},
	}
	for _, c := range counts {
		n, err := t.store.CountPending(ctx, c.c)
		if err != nil {
			return Stats{}, err
		}
		*c.dest = n
		if t.metrics != nil {
			t.metrics.PendingRecords.WithLabelValues(string(c.c)).Set(float64(n))
		}
	}

	stats.IsOnline = t.conn == nil || t.conn.Online()
	t.mu.Lock()
	stats.IsTracking = t.tracking
	t.mu.Unlock()
	stats.Sync = t.engine.Stats()
	return stats, nil
}
