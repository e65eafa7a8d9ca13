// Package lifecycle is the single source of truth for the user's betting
// codes. It merges three input streams into one projection: user-initiated
// submissions, real-time push updates, and REST-fetched history pages.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/XavierBriggs/betcode/services/code-sync/internal/backend"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/notify"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/platform"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/store"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/validator"
	"github.com/XavierBriggs/betcode/services/code-sync/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrMissingCountryContext means a submission was attempted before the
// session's country was resolved
var ErrMissingCountryContext = errors.New("lifecycle: country context not resolved")

// ErrDuplicateSubmission means an identical code was already submitted
// within the dedup window and is still in flight
var ErrDuplicateSubmission = errors.New("lifecycle: duplicate submission already pending")

// Backend is the REST surface the lifecycle store consumes
type Backend interface {
	SubmitCode(ctx context.Context, req backend.SubmitRequest) (models.BettingCode, error)
	ListCodes(ctx context.Context, page, limit int, filters models.Filters) (backend.CodePage, error)
}

// SubmitOutcome distinguishes a server-confirmed submission from one queued
// for later sync, so the UI can show the difference
type SubmitOutcome string

const (
	OutcomeConfirmed SubmitOutcome = "confirmed"
	OutcomeQueued    SubmitOutcome = "queued"
)

// SubmitResult is returned from Submit on success
type SubmitResult struct {
	Outcome SubmitOutcome      `json:"outcome"`
	Code    models.BettingCode `json:"code"`
}

// SubmitInput is a user-initiated submission
type SubmitInput struct {
	Bookmaker string          `json:"bookmaker"`
	Code      string          `json:"code"`
	Stake     decimal.Decimal `json:"stake"`
	Odds      decimal.Decimal `json:"odds"`
}

// Store holds the reducer-driven projection and coordinates its inputs
type Store struct {
	backend  Backend
	local    *store.Store
	network  platform.Network
	notifier notify.Notifier
	log      *logrus.Logger
	now      func() time.Time

	mu    sync.RWMutex
	state State

	// submitMu serializes Submit so the duplicate check and the resulting
	// state/queue write are one atomic step; two identical concurrent
	// submissions must not both pass the check.
	submitMu sync.Mutex
}

// NewStore creates a lifecycle store
func NewStore(b Backend, local *store.Store, network platform.Network, notifier notify.Notifier, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.New()
	}
	return &Store{
		backend:  b,
		local:    local,
		network:  network,
		notifier: notifier,
		log:      log,
		now:      time.Now,
		state:    NewState(),
	}
}

// State returns a snapshot of the projection
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state
	snapshot.BettingCodes = append([]models.BettingCode(nil), s.state.BettingCodes...)
	snapshot.PendingCodes = append([]models.BettingCode(nil), s.state.PendingCodes...)
	return snapshot
}

// Filtered returns the current filtered view
func (s *Store) Filtered() []models.BettingCode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return FilteredCodes(s.state, s.now())
}

func (s *Store) dispatch(a Action) {
	s.mu.Lock()
	s.state = Reduce(s.state, a)
	s.mu.Unlock()
}

// Submit validates and transmits a betting code. When the backend is
// unreachable the submission is buffered offline and reported as queued,
// which the caller must surface differently from confirmed.
func (s *Store) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	_, country := s.local.Credentials(ctx)
	if !country.Valid() {
		return SubmitResult{}, ErrMissingCountryContext
	}

	formatted, err := validator.FormatCode(in.Code, in.Bookmaker, country)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := validator.ValidateStakeOdds(in.Stake, in.Odds, in.Bookmaker, country); err != nil {
		return SubmitResult{}, err
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	bookmaker := strings.ToLower(in.Bookmaker)
	candidate := models.BettingCode{
		Bookmaker: bookmaker,
		Code:      formatted,
		Stake:     in.Stake,
		Odds:      in.Odds,
		CreatedAt: s.now(),
	}
	if s.isDuplicate(ctx, candidate) {
		return SubmitResult{}, ErrDuplicateSubmission
	}

	s.dispatch(SetLoading{Loading: true})
	defer s.dispatch(SetLoading{Loading: false})

	if s.network == nil || s.network.IsOnline() {
		code, err := s.backend.SubmitCode(ctx, backend.SubmitRequest{
			Bookmaker: bookmaker,
			Code:      formatted,
			Stake:     in.Stake,
			Odds:      in.Odds,
			Country:   country,
			ClientRef: uuid.NewString(),
		})
		switch {
		case err == nil:
			if code.UpdatedAt.IsZero() {
				code.UpdatedAt = code.CreatedAt
			}
			s.dispatch(AddCode{Code: code})
			s.notifier.Notify(notify.LevelSuccess, "Betting code submitted successfully.")
			return SubmitResult{Outcome: OutcomeConfirmed, Code: code}, nil
		case backend.IsRejected(err) || errors.Is(err, backend.ErrUnauthorized):
			s.dispatch(SetError{Message: err.Error()})
			return SubmitResult{}, err
		default:
			// Transient: fall through to the offline queue.
			s.log.WithError(err).Info("submission failed transiently, queueing offline")
		}
	}

	sub, err := s.local.StoreSubmission(ctx, store.SubmissionInput{
		Bookmaker: bookmaker,
		Code:      formatted,
		Stake:     in.Stake,
		Odds:      in.Odds,
		Country:   country,
	})
	if err != nil {
		s.dispatch(SetError{Message: err.Error()})
		return SubmitResult{}, err
	}

	s.dispatch(AddCode{Code: sub.BettingCode})
	s.notifier.Notify(notify.LevelWarning,
		"You appear to be offline. Your code was saved and will be submitted automatically.")
	return SubmitResult{Outcome: OutcomeQueued, Code: sub.BettingCode}, nil
}

// isDuplicate checks the in-memory projection and the offline buffer for an
// in-flight submission with the same dedup key
func (s *Store) isDuplicate(ctx context.Context, candidate models.BettingCode) bool {
	key := candidate.DedupKey()

	s.mu.RLock()
	for _, c := range s.state.BettingCodes {
		if !c.Status.Terminal() && c.DedupKey() == key {
			s.mu.RUnlock()
			return true
		}
	}
	s.mu.RUnlock()

	for _, sub := range s.local.GetPendingSubmissions(ctx) {
		if sub.DedupKey() == key {
			return true
		}
	}
	return false
}

// ApplyStatusUpdate merges a push- or sync-derived update. Stale updates for
// terminal codes are silently discarded; an unknown id is stored so a later
// fetch reconciles it rather than dropping the event.
func (s *Store) ApplyStatusUpdate(u models.StatusUpdate) error {
	if u.ID == "" {
		return fmt.Errorf("lifecycle: status update without id")
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = s.now()
	}

	s.mu.Lock()
	var before models.CodeStatus
	for _, c := range s.state.BettingCodes {
		if c.ID == u.ID {
			before = c.Status
			break
		}
	}
	s.state = Reduce(s.state, UpdateStatus{Update: u})
	var after models.CodeStatus
	for _, c := range s.state.BettingCodes {
		if c.ID == u.ID {
			after = c.Status
			break
		}
	}
	s.mu.Unlock()

	if after != before && after == u.Status {
		level, message := notify.StatusMessage(u.Status)
		s.notifier.Notify(level, message)
		if u.AdminNote != "" {
			s.notifier.Notify(notify.LevelInfo, "Admin note: "+u.AdminNote)
		}
	}
	return nil
}

// ConfirmPending replaces an offline-queued entry with its server record
// once the sync coordinator has drained it
func (s *Store) ConfirmPending(offlineID string, code models.BettingCode) {
	if code.UpdatedAt.IsZero() {
		code.UpdatedAt = code.CreatedAt
	}
	s.dispatch(ConfirmPending{OfflineID: offlineID, Code: code})
}

// FetchHistory merges one page of server history into the projection
func (s *Store) FetchHistory(ctx context.Context, page int) error {
	s.mu.RLock()
	filters := s.state.Filters
	perPage := s.state.Pagination.ItemsPerPage
	s.mu.RUnlock()

	s.dispatch(SetLoading{Loading: true})

	result, err := s.backend.ListCodes(ctx, page, perPage, filters)
	if err != nil {
		s.dispatch(SetLoading{Loading: false})
		s.dispatch(SetError{Message: err.Error()})
		return err
	}

	for i := range result.Items {
		if result.Items[i].UpdatedAt.IsZero() {
			result.Items[i].UpdatedAt = result.Items[i].CreatedAt
		}
	}

	s.dispatch(MergePage{
		Items:   result.Items,
		Total:   result.Total,
		Page:    page,
		PerPage: perPage,
	})
	return nil
}

// SetFilters updates the view filters without touching the records
func (s *Store) SetFilters(f models.Filters) {
	s.dispatch(SetFilters{Filters: f})
}

// HandleServerMessage routes one inbound envelope into the projection
func (s *Store) HandleServerMessage(msg models.ServerMessage) error {
	switch msg.Type {
	case models.MessageTypeCodeStatusUpdate:
		var u models.StatusUpdate
		if err := json.Unmarshal(msg.Data, &u); err != nil {
			return fmt.Errorf("lifecycle: decoding status update: %w", err)
		}
		if u.Timestamp.IsZero() {
			u.Timestamp = msg.Timestamp
		}
		return s.ApplyStatusUpdate(u)

	case models.MessageTypeCodeVerified:
		var v models.VerificationData
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			return fmt.Errorf("lifecycle: decoding verification: %w", err)
		}
		if v.RewardAmount != "" {
			s.notifier.Notify(notify.LevelSuccess, "Reward: "+v.RewardAmount.String())
		}
		return s.ApplyStatusUpdate(models.StatusUpdate{
			ID:        v.ID,
			Status:    v.Status,
			AdminNote: v.Note,
			Timestamp: msg.Timestamp,
		})

	case models.MessageTypeAdminNote:
		var note models.AdminNoteData
		if err := json.Unmarshal(msg.Data, &note); err != nil {
			return fmt.Errorf("lifecycle: decoding admin note: %w", err)
		}
		s.notifier.Notify(notify.LevelInfo, note.Message)
		return nil

	case models.MessageTypeNewCodeSubmitted, models.MessageTypePaymentVerification:
		// Marketplace-wide broadcasts; nothing to merge into this user's
		// projection.
		return nil

	default:
		s.log.WithField("type", msg.Type).Debug("unknown message type")
		return nil
	}
}
