// Package store is the durable local buffer between the UI and the backend:
// offline-queued submissions, a bounded cache of recent push events, the
// outbound message queue, and sync bookkeeping. Everything goes through the
// platform storage interface; no other component touches the raw keys.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/XavierBriggs/betcode/services/code-sync/internal/platform"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/validator"
	"github.com/XavierBriggs/betcode/services/code-sync/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Logical storage keys
const (
	keyPendingSubmissions = "pending_betting_submissions"
	keyEventCache         = "ws_offline_cache"
	keyMessageQueue       = "ws_message_queue"
	keySyncCursor         = "sync_cursor"
	keySyncHistory        = "sync_history"
	keyLastToken          = "last_token"
	keyAuthToken          = "auth_token"
	keyUserCountry        = "user_country"
)

// Limits bound every buffer the store owns
type Limits struct {
	MaxPendingItems int
	MaxCacheItems   int
	MaxQueueItems   int
	MaxCacheAge     time.Duration
	MaxStorageBytes int
	HistorySize     int
}

// DefaultLimits mirrors the production configuration defaults
func DefaultLimits() Limits {
	return Limits{
		MaxPendingItems: 50,
		MaxCacheItems:   50,
		MaxQueueItems:   25,
		MaxCacheAge:     72 * time.Hour,
		MaxStorageBytes: 4 * 1024 * 1024,
		HistorySize:     50,
	}
}

// SubmissionInput is the caller-supplied part of an offline submission
type SubmissionInput struct {
	Bookmaker string          `json:"bookmaker"`
	Code      string          `json:"code"`
	Stake     decimal.Decimal `json:"stake"`
	Odds      decimal.Decimal `json:"odds"`
	Country   models.Country  `json:"country"`
}

// SyncRecord is one entry in the bounded sync-history diagnostic log
type SyncRecord struct {
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Synced    int       `json:"synced"`
	Applied   int       `json:"applied"`
	Failed    int       `json:"failed"`
	Errors    []string  `json:"errors,omitempty"`
}

// Store is the persistent local store. The platform storage only guarantees
// atomicity per operation, so every load-modify-save sequence here holds mu
// to keep concurrent callers (handlers, syncer, connection events) from
// overwriting each other's writes.
type Store struct {
	storage platform.Storage
	limits  Limits
	log     *logrus.Logger
	now     func() time.Time

	mu sync.Mutex
}

// New creates a store over the given platform storage
func New(storage platform.Storage, limits Limits, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.New()
	}
	return &Store{
		storage: storage,
		limits:  limits,
		now:     time.Now,
		log:     log,
	}
}

// loadList reads a JSON-encoded slice, treating missing or corrupt data as
// empty rather than propagating a parse error.
func loadList[T any](ctx context.Context, s *Store, key string) []T {
	raw, err := s.storage.GetItem(ctx, key)
	if err != nil {
		if !errors.Is(err, platform.ErrNotFound) {
			s.log.WithError(err).WithField("key", key).Warn("storage read failed, treating as empty")
		}
		return nil
	}

	var items []T
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("corrupt stored data, treating as empty")
		return nil
	}
	return items
}

func saveList[T any](ctx context.Context, s *Store, key string, items []T) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.storage.SetItem(ctx, key, string(data))
}

// StoreSubmission validates and buffers a submission made while offline.
// It assigns a locally unique offline id, derives potential winnings, and
// enforces the pending-queue capacity (oldest evicted). The only hard failure
// is a missing or invalid required field.
func (s *Store) StoreSubmission(ctx context.Context, in SubmissionInput) (models.PendingSubmission, error) {
	if err := validateInput(in); err != nil {
		return models.PendingSubmission{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if size := s.estimateSize(ctx); size > s.limits.MaxStorageBytes {
		s.log.WithField("bytes", size).Info("storage footprint over budget, compacting")
		s.cleanupLocked(ctx, true)
	}

	now := s.now()
	sub := models.PendingSubmission{
		BettingCode: models.BettingCode{
			ID:                fmt.Sprintf("%s%d_%s", models.OfflineIDPrefix, now.UnixMilli(), uuid.NewString()[:8]),
			Bookmaker:         strings.ToLower(in.Bookmaker),
			Code:              in.Code,
			Stake:             in.Stake,
			Odds:              in.Odds,
			PotentialWinnings: in.Stake.Mul(in.Odds),
			Status:            models.StatusPending,
			Country:           in.Country,
			CreatedAt:         now,
		},
		Timestamp: now,
	}

	pending := loadList[models.PendingSubmission](ctx, s, keyPendingSubmissions)
	pending = append(pending, sub)
	if len(pending) > s.limits.MaxPendingItems {
		pending = pending[len(pending)-s.limits.MaxPendingItems:]
	}

	if err := saveList(ctx, s, keyPendingSubmissions, pending); err != nil {
		// Quota pressure: compact and retry a reduced write before giving up.
		s.log.WithError(err).Warn("pending write failed, compacting and retrying")
		s.cleanupLocked(ctx, true)
		pending = loadList[models.PendingSubmission](ctx, s, keyPendingSubmissions)
		pending = append(pending, sub)
		if err := saveList(ctx, s, keyPendingSubmissions, pending); err != nil {
			return models.PendingSubmission{}, fmt.Errorf("storing submission: %w", err)
		}
	}

	return sub, nil
}

func validateInput(in SubmissionInput) error {
	if strings.TrimSpace(in.Bookmaker) == "" {
		return &validator.ValidationError{Field: "bookmaker", Reason: "bookmaker is required"}
	}
	if strings.TrimSpace(in.Code) == "" {
		return &validator.ValidationError{Field: "code", Reason: "code is required"}
	}
	if in.Stake.LessThanOrEqual(decimal.Zero) {
		return &validator.ValidationError{Field: "stake", Reason: "stake must be greater than zero"}
	}
	if in.Odds.LessThan(decimal.NewFromInt(1)) {
		return &validator.ValidationError{Field: "odds", Reason: "odds must be at least 1"}
	}
	return nil
}

// GetPendingSubmissions returns buffered submissions, oldest first
func (s *Store) GetPendingSubmissions(ctx context.Context) []models.PendingSubmission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked(ctx)
}

func (s *Store) pendingLocked(ctx context.Context) []models.PendingSubmission {
	pending := loadList[models.PendingSubmission](ctx, s, keyPendingSubmissions)
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Timestamp.Before(pending[j].Timestamp)
	})
	return pending
}

// RemovePendingSubmission deletes a buffered submission by id.
// Removing an id that is not present is a no-op.
func (s *Store) RemovePendingSubmission(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := loadList[models.PendingSubmission](ctx, s, keyPendingSubmissions)
	kept := pending[:0]
	for _, sub := range pending {
		if sub.ID != id {
			kept = append(kept, sub)
		}
	}
	if len(kept) == len(pending) {
		return nil
	}
	return saveList(ctx, s, keyPendingSubmissions, kept)
}

// IncrementSubmissionAttempts bumps the failed-sync counter for a buffered
// submission and returns the new count, so the coordinator can give up after
// a bounded number of attempts.
func (s *Store) IncrementSubmissionAttempts(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := loadList[models.PendingSubmission](ctx, s, keyPendingSubmissions)
	attempts := 0
	for i := range pending {
		if pending[i].ID == id {
			pending[i].Attempts++
			attempts = pending[i].Attempts
		}
	}
	if attempts == 0 {
		return 0, nil
	}
	return attempts, saveList(ctx, s, keyPendingSubmissions, pending)
}

// CacheEvent appends a push event to the bounded cache. Exact duplicates
// (same type, timestamp, and payload) are skipped so replays do not grow the
// cache. The payload is part of the comparison because batched server events
// for different codes can share one timestamp.
func (s *Store) CacheEvent(ctx context.Context, ev models.CachedEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.freshEvents(ctx)
	for _, existing := range events {
		if existing.Type == ev.Type && existing.Timestamp.Equal(ev.Timestamp) &&
			bytes.Equal(existing.Payload, ev.Payload) {
			return nil
		}
	}

	events = append(events, ev)
	if len(events) > s.limits.MaxCacheItems {
		events = events[len(events)-s.limits.MaxCacheItems:]
	}
	return saveList(ctx, s, keyEventCache, events)
}

// CachedEvents returns the non-expired cached events, oldest first, and
// persists the purge of anything past the age bound.
func (s *Store) CachedEvents(ctx context.Context) []models.CachedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.freshEvents(ctx)
	if err := saveList(ctx, s, keyEventCache, events); err != nil {
		s.log.WithError(err).Warn("persisting event cache purge failed")
	}
	return events
}

func (s *Store) freshEvents(ctx context.Context) []models.CachedEvent {
	events := loadList[models.CachedEvent](ctx, s, keyEventCache)
	cutoff := s.now().Add(-s.limits.MaxCacheAge)
	fresh := events[:0]
	for _, ev := range events {
		if ev.Timestamp.After(cutoff) {
			fresh = append(fresh, ev)
		}
	}
	return fresh
}

// EnqueueMessage buffers an outbound message for delivery on reconnect
func (s *Store) EnqueueMessage(ctx context.Context, msg models.ClientMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := loadList[models.ClientMessage](ctx, s, keyMessageQueue)
	queue = append(queue, msg)
	if len(queue) > s.limits.MaxQueueItems {
		queue = queue[len(queue)-s.limits.MaxQueueItems:]
	}
	return saveList(ctx, s, keyMessageQueue, queue)
}

// DrainMessages returns and clears the outbound message queue
func (s *Store) DrainMessages(ctx context.Context) []models.ClientMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := loadList[models.ClientMessage](ctx, s, keyMessageQueue)
	if len(queue) == 0 {
		return nil
	}
	if err := s.storage.RemoveItem(ctx, keyMessageQueue); err != nil {
		s.log.WithError(err).Warn("clearing message queue failed")
	}
	return queue
}

// Cleanup compacts the store toward roughly half capacity, dropping cached
// events first and pending submissions last. Used proactively when the
// footprint approaches the storage budget.
func (s *Store) Cleanup(ctx context.Context, force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked(ctx, force)
}

func (s *Store) cleanupLocked(ctx context.Context, force bool) {
	events := s.freshEvents(ctx)
	if keep := s.limits.MaxCacheItems / 2; len(events) > keep {
		events = events[len(events)-keep:]
	}
	if err := saveList(ctx, s, keyEventCache, events); err != nil {
		s.log.WithError(err).Warn("cache compaction failed")
	}

	queue := loadList[models.ClientMessage](ctx, s, keyMessageQueue)
	if keep := s.limits.MaxQueueItems / 2; len(queue) > keep {
		queue = queue[len(queue)-keep:]
	}
	if err := saveList(ctx, s, keyMessageQueue, queue); err != nil {
		s.log.WithError(err).Warn("queue compaction failed")
	}

	if !force {
		return
	}

	// Still over budget: trim pending submissions as the last resort.
	if s.estimateSize(ctx) > s.limits.MaxStorageBytes {
		pending := s.pendingLocked(ctx)
		if keep := s.limits.MaxPendingItems / 2; len(pending) > keep {
			dropped := len(pending) - keep
			pending = pending[dropped:]
			s.log.WithField("dropped", dropped).Warn("storage budget exceeded, evicting oldest pending submissions")
			if err := saveList(ctx, s, keyPendingSubmissions, pending); err != nil {
				s.log.WithError(err).Warn("pending compaction failed")
			}
		}
	}
}

// estimateSize approximates the store's footprint in bytes
func (s *Store) estimateSize(ctx context.Context) int {
	total := 0
	for _, key := range []string{keyPendingSubmissions, keyEventCache, keyMessageQueue, keySyncHistory} {
		raw, err := s.storage.GetItem(ctx, key)
		if err != nil {
			continue
		}
		total += len(raw)
	}
	return total
}

// Cursor returns the current sync cursor, zero-valued when none is stored
func (s *Store) Cursor(ctx context.Context) models.SyncCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursorLocked(ctx)
}

func (s *Store) cursorLocked(ctx context.Context) models.SyncCursor {
	raw, err := s.storage.GetItem(ctx, keySyncCursor)
	if err != nil {
		return models.SyncCursor{}
	}
	var cursor models.SyncCursor
	if err := json.Unmarshal([]byte(raw), &cursor); err != nil {
		s.log.WithError(err).Warn("corrupt sync cursor, resetting")
		return models.SyncCursor{}
	}
	return cursor
}

// CommitCursor stores a new cursor. Timestamp and version are written
// together, and a cursor older than the stored one is ignored so progress is
// monotonically non-decreasing.
func (s *Store) CommitCursor(ctx context.Context, cursor models.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.cursorLocked(ctx)
	if cursor.LastSync.Before(current.LastSync) {
		s.log.WithFields(logrus.Fields{
			"current":  current.LastSync,
			"proposed": cursor.LastSync,
		}).Warn("ignoring cursor older than committed position")
		return nil
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encoding cursor: %w", err)
	}
	return s.storage.SetItem(ctx, keySyncCursor, string(data))
}

// AppendSyncHistory records one sync round in the bounded diagnostic log
func (s *Store) AppendSyncHistory(ctx context.Context, rec SyncRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := loadList[SyncRecord](ctx, s, keySyncHistory)
	history = append(history, rec)
	if len(history) > s.limits.HistorySize {
		history = history[len(history)-s.limits.HistorySize:]
	}
	if err := saveList(ctx, s, keySyncHistory, history); err != nil {
		s.log.WithError(err).Warn("saving sync history failed")
	}
}

// SyncHistory returns the recorded sync rounds, oldest first
func (s *Store) SyncHistory(ctx context.Context) []SyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return loadList[SyncRecord](ctx, s, keySyncHistory)
}

// LastToken returns the token used for the previous connection attempt
func (s *Store) LastToken(ctx context.Context) string {
	token, err := s.storage.GetItem(ctx, keyLastToken)
	if err != nil {
		return ""
	}
	return token
}

// SetLastToken records the token used for a connection attempt
func (s *Store) SetLastToken(ctx context.Context, token string) {
	if err := s.storage.SetItem(ctx, keyLastToken, token); err != nil {
		s.log.WithError(err).Warn("saving last token failed")
	}
}

// Credentials returns the current auth token and country context
func (s *Store) Credentials(ctx context.Context) (token string, country models.Country) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, _ = s.storage.GetItem(ctx, keyAuthToken)
	raw, _ := s.storage.GetItem(ctx, keyUserCountry)
	return token, models.Country(strings.ToLower(raw))
}

// SetCredentials stores the auth token and country context for the session
func (s *Store) SetCredentials(ctx context.Context, token string, country models.Country) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.SetItem(ctx, keyAuthToken, token); err != nil {
		return err
	}
	return s.storage.SetItem(ctx, keyUserCountry, string(country))
}

// ClearCredentials drops the session credentials on logout
func (s *Store) ClearCredentials(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.RemoveItem(ctx, keyAuthToken); err != nil {
		s.log.WithError(err).Warn("clearing auth token failed")
	}
	if err := s.storage.RemoveItem(ctx, keyUserCountry); err != nil {
		s.log.WithError(err).Warn("clearing country failed")
	}
}
