// Package syncer reconciles local state with the backend after connectivity
// gaps. It drains offline-queued submissions, pulls incremental status
// updates behind a cursor, and flushes buffered outbound messages.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/XavierBriggs/betcode/services/code-sync/internal/backend"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/lifecycle"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/notify"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/store"
	"github.com/XavierBriggs/betcode/services/code-sync/pkg/models"
	"github.com/sirupsen/logrus"
)

// SubmitFunc transmits one buffered submission to the backend
type SubmitFunc func(ctx context.Context, sub models.PendingSubmission) (models.BettingCode, error)

// SyncBackend is the incremental-sync surface
type SyncBackend interface {
	Sync(ctx context.Context, cursor models.SyncCursor) (backend.SyncResponse, error)
}

// Sender pushes an outbound message over the live connection. A false return
// means the message was not transmitted and should stay buffered.
type Sender interface {
	Send(msg models.ClientMessage) bool
}

// DrainError records one submission that could not be synced this round
type DrainError struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// DrainResult summarizes one drain round
type DrainResult struct {
	Synced int          `json:"synced"`
	Failed int          `json:"failed"`
	Errors []DrainError `json:"errors,omitempty"`
}

// Syncer coordinates sync rounds. Rounds are serialized: a round that starts
// while another is running is a no-op rather than a queued duplicate.
type Syncer struct {
	local     *store.Store
	lifecycle *lifecycle.Store
	backend   SyncBackend
	sender    Sender
	notifier  notify.Notifier
	log       *logrus.Logger

	mu          sync.Mutex
	maxAttempts int
}

// New creates a syncer
func New(local *store.Store, lc *lifecycle.Store, b SyncBackend, sender Sender, notifier notify.Notifier, maxAttempts int, log *logrus.Logger) *Syncer {
	if log == nil {
		log = logrus.New()
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Syncer{
		local:       local,
		lifecycle:   lc,
		backend:     b,
		sender:      sender,
		notifier:    notifier,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// DrainPendingSubmissions replays offline-queued submissions oldest first.
// Deterministic rejections are removed with a user-visible notice; transient
// failures stay queued with a bumped attempt count until the attempt budget
// runs out. An auth failure aborts the round since every remaining item
// would fail the same way.
func (s *Syncer) DrainPendingSubmissions(ctx context.Context, submit SubmitFunc) DrainResult {
	if !s.mu.TryLock() {
		return DrainResult{}
	}
	defer s.mu.Unlock()
	return s.drainLocked(ctx, submit)
}

func (s *Syncer) drainLocked(ctx context.Context, submit SubmitFunc) DrainResult {
	var result DrainResult

	for _, sub := range s.local.GetPendingSubmissions(ctx) {
		code, err := submit(ctx, sub)
		if err == nil {
			if rmErr := s.local.RemovePendingSubmission(ctx, sub.ID); rmErr != nil {
				s.log.WithError(rmErr).WithField("id", sub.ID).Warn("failed to remove synced submission")
			}
			s.lifecycle.ConfirmPending(sub.ID, code)
			result.Synced++
			continue
		}

		if errors.Is(err, backend.ErrUnauthorized) {
			s.log.Warn("drain aborted: authentication required")
			result.Errors = append(result.Errors, DrainError{ID: sub.ID, Reason: err.Error()})
			result.Failed++
			break
		}

		if backend.IsRejected(err) {
			if rmErr := s.local.RemovePendingSubmission(ctx, sub.ID); rmErr != nil {
				s.log.WithError(rmErr).WithField("id", sub.ID).Warn("failed to remove rejected submission")
			}
			s.notifier.Notify(notify.LevelError,
				fmt.Sprintf("Your %s code %s was rejected: %s", sub.Bookmaker, sub.Code, err.Error()))
			result.Errors = append(result.Errors, DrainError{ID: sub.ID, Reason: err.Error()})
			result.Failed++
			continue
		}

		// Transient: keep it queued unless the attempt budget is exhausted.
		attempts, incErr := s.local.IncrementSubmissionAttempts(ctx, sub.ID)
		if incErr != nil {
			s.log.WithError(incErr).WithField("id", sub.ID).Warn("failed to bump submission attempts")
		}
		if attempts >= s.maxAttempts {
			if rmErr := s.local.RemovePendingSubmission(ctx, sub.ID); rmErr != nil {
				s.log.WithError(rmErr).WithField("id", sub.ID).Warn("failed to remove exhausted submission")
			}
			s.notifier.Notify(notify.LevelError,
				fmt.Sprintf("Could not submit your %s code %s after repeated attempts. Please submit it again.", sub.Bookmaker, sub.Code))
		}
		result.Errors = append(result.Errors, DrainError{ID: sub.ID, Reason: err.Error()})
		result.Failed++
	}

	return result
}

// IncrementalSync pulls status updates issued since the stored cursor and
// applies them to the lifecycle projection. The cursor is committed only when
// every update applied, so a partial failure replays the whole delta next
// round instead of losing the tail.
func (s *Syncer) IncrementalSync(ctx context.Context) error {
	if !s.mu.TryLock() {
		return nil
	}
	defer s.mu.Unlock()
	return s.incrementalLocked(ctx)
}

func (s *Syncer) incrementalLocked(ctx context.Context) error {
	started := time.Now()
	cursor := s.local.Cursor(ctx)

	resp, err := s.backend.Sync(ctx, cursor)
	if err != nil {
		s.local.AppendSyncHistory(ctx, store.SyncRecord{
			StartedAt: started,
			EndedAt:   time.Now(),
			Errors:    []string{err.Error()},
		})
		return err
	}

	applied := 0
	var failures []string
	for _, u := range resp.Updates {
		if err := s.lifecycle.ApplyStatusUpdate(u); err != nil {
			failures = append(failures, err.Error())
			continue
		}
		applied++
	}

	if len(failures) == 0 {
		if err := s.local.CommitCursor(ctx, models.SyncCursor{
			LastSync: started,
			Version:  resp.NewVersion,
		}); err != nil {
			failures = append(failures, err.Error())
		}
	}

	s.local.AppendSyncHistory(ctx, store.SyncRecord{
		StartedAt: started,
		EndedAt:   time.Now(),
		Applied:   applied,
		Failed:    len(failures),
		Errors:    failures,
	})

	if len(failures) > 0 {
		return fmt.Errorf("sync applied %d of %d updates", applied, len(resp.Updates))
	}
	return nil
}

// FlushOutbound transmits buffered outbound messages over the live
// connection. Messages the sender refuses are re-queued in order.
func (s *Syncer) FlushOutbound(ctx context.Context) int {
	if s.sender == nil {
		return 0
	}

	msgs := s.local.DrainMessages(ctx)
	sent := 0
	for i, msg := range msgs {
		if !s.sender.Send(msg) {
			for _, rest := range msgs[i:] {
				if err := s.local.EnqueueMessage(ctx, rest); err != nil {
					s.log.WithError(err).Warn("failed to re-queue outbound message")
				}
			}
			break
		}
		sent++
	}
	return sent
}

// SyncNow runs one full round: drain the offline queue, pull the incremental
// delta, then flush buffered outbound messages. A round already in progress
// makes this a no-op.
func (s *Syncer) SyncNow(ctx context.Context, submit SubmitFunc) error {
	if !s.mu.TryLock() {
		return nil
	}
	defer s.mu.Unlock()

	drained := s.drainLocked(ctx, submit)
	if drained.Synced > 0 {
		s.notifier.Notify(notify.LevelSuccess,
			fmt.Sprintf("%d queued betting code(s) submitted.", drained.Synced))
	}

	err := s.incrementalLocked(ctx)
	s.FlushOutbound(ctx)
	return err
}
