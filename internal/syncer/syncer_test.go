package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/XavierBriggs/betcode/services/code-sync/internal/backend"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/lifecycle"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/notify"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/platform"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/store"
	"github.com/XavierBriggs/betcode/services/code-sync/pkg/models"
	"github.com/shopspring/decimal"
)

type fakeSyncBackend struct {
	mu       sync.Mutex
	response backend.SyncResponse
	err      error
	calls    int
	cursors  []models.SyncCursor
}

func (f *fakeSyncBackend) Sync(_ context.Context, cursor models.SyncCursor) (backend.SyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cursors = append(f.cursors, cursor)
	return f.response, f.err
}

// restBackend satisfies lifecycle.Backend; the syncer tests never reach it.
type restBackend struct{}

func (restBackend) SubmitCode(context.Context, backend.SubmitRequest) (models.BettingCode, error) {
	return models.BettingCode{}, errors.New("not used")
}

func (restBackend) ListCodes(context.Context, int, int, models.Filters) (backend.CodePage, error) {
	return backend.CodePage{}, errors.New("not used")
}

type onlineNetwork struct{}

func (onlineNetwork) IsOnline() bool { return true }

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *recordingNotifier) Notify(level notify.Level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notify.Notice{Level: level, Message: message})
}

type fakeSender struct {
	accept bool
	sent   []models.ClientMessage
}

func (f *fakeSender) Send(msg models.ClientMessage) bool {
	if f.accept {
		f.sent = append(f.sent, msg)
	}
	return f.accept
}

func newTestSyncer(t *testing.T, sb *fakeSyncBackend, sender Sender) (*Syncer, *store.Store, *lifecycle.Store, *recordingNotifier) {
	t.Helper()
	local := store.New(platform.NewMemoryStorage(), store.DefaultLimits(), nil)
	notifier := &recordingNotifier{}
	lc := lifecycle.NewStore(restBackend{}, local, onlineNetwork{}, notifier, nil)
	sy := New(local, lc, sb, sender, notifier, 3, nil)
	return sy, local, lc, notifier
}

func queueSubmission(t *testing.T, local *store.Store) models.PendingSubmission {
	t.Helper()
	sub, err := local.StoreSubmission(context.Background(), store.SubmissionInput{
		Bookmaker: "bet9ja",
		Code:      "B9J-A12B34",
		Stake:     decimal.NewFromInt(1000),
		Odds:      decimal.NewFromFloat(2.5),
		Country:   models.CountryNigeria,
	})
	if err != nil {
		t.Fatalf("queueing submission: %v", err)
	}
	return sub
}

func TestDrainSuccessRemovesAndConfirms(t *testing.T) {
	sy, local, lc, _ := newTestSyncer(t, &fakeSyncBackend{}, nil)
	sub := queueSubmission(t, local)

	result := sy.DrainPendingSubmissions(context.Background(), func(_ context.Context, s models.PendingSubmission) (models.BettingCode, error) {
		confirmed := s.BettingCode
		confirmed.ID = "srv-1"
		confirmed.Status = models.StatusSubmitted
		return confirmed, nil
	})

	if result.Synced != 1 || result.Failed != 0 {
		t.Fatalf("result = %+v, want 1 synced", result)
	}
	if pending := local.GetPendingSubmissions(context.Background()); len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}

	state := lc.State()
	if len(state.BettingCodes) != 1 || state.BettingCodes[0].ID != "srv-1" {
		t.Errorf("lifecycle state = %+v, want confirmed server record", state.BettingCodes)
	}
	_ = sub
}

func TestDrainIsIdempotent(t *testing.T) {
	sy, local, _, _ := newTestSyncer(t, &fakeSyncBackend{}, nil)
	queueSubmission(t, local)

	calls := 0
	submit := func(_ context.Context, s models.PendingSubmission) (models.BettingCode, error) {
		calls++
		confirmed := s.BettingCode
		confirmed.ID = "srv-1"
		return confirmed, nil
	}

	sy.DrainPendingSubmissions(context.Background(), submit)
	second := sy.DrainPendingSubmissions(context.Background(), submit)

	if calls != 1 {
		t.Errorf("submit calls = %d, want 1; a drained item must not be retransmitted", calls)
	}
	if second.Synced != 0 || second.Failed != 0 {
		t.Errorf("second round = %+v, want empty", second)
	}
}

func TestDrainRejectedRemovedWithoutRetry(t *testing.T) {
	sy, local, _, notifier := newTestSyncer(t, &fakeSyncBackend{}, nil)
	queueSubmission(t, local)

	result := sy.DrainPendingSubmissions(context.Background(), func(context.Context, models.PendingSubmission) (models.BettingCode, error) {
		return models.BettingCode{}, &backend.RejectedError{Status: 422, Detail: "invalid code"}
	})

	if result.Failed != 1 {
		t.Fatalf("result = %+v, want 1 failed", result)
	}
	if pending := local.GetPendingSubmissions(context.Background()); len(pending) != 0 {
		t.Errorf("pending = %d, want 0; deterministic rejections are never retried", len(pending))
	}
	if len(notifier.notices) == 0 || notifier.notices[0].Level != notify.LevelError {
		t.Errorf("wanted an error notice for the rejection, got %+v", notifier.notices)
	}
}

func TestDrainTransientKeepsItem(t *testing.T) {
	sy, local, _, _ := newTestSyncer(t, &fakeSyncBackend{}, nil)
	queueSubmission(t, local)

	result := sy.DrainPendingSubmissions(context.Background(), func(context.Context, models.PendingSubmission) (models.BettingCode, error) {
		return models.BettingCode{}, &backend.TransientError{Err: errors.New("timeout")}
	})

	if result.Failed != 1 {
		t.Fatalf("result = %+v, want 1 failed", result)
	}
	pending := local.GetPendingSubmissions(context.Background())
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1; transient failures stay queued", len(pending))
	}
	if pending[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", pending[0].Attempts)
	}
}

func TestDrainGivesUpAfterMaxAttempts(t *testing.T) {
	sy, local, _, notifier := newTestSyncer(t, &fakeSyncBackend{}, nil)
	queueSubmission(t, local)

	transient := func(context.Context, models.PendingSubmission) (models.BettingCode, error) {
		return models.BettingCode{}, &backend.TransientError{Err: errors.New("timeout")}
	}
	for i := 0; i < 3; i++ {
		sy.DrainPendingSubmissions(context.Background(), transient)
	}

	if pending := local.GetPendingSubmissions(context.Background()); len(pending) != 0 {
		t.Errorf("pending = %d, want 0 after attempt budget exhausted", len(pending))
	}
	found := false
	for _, n := range notifier.notices {
		if n.Level == notify.LevelError {
			found = true
		}
	}
	if !found {
		t.Error("wanted a user-visible notice when giving up on a submission")
	}
}

func TestDrainUnauthorizedAbortsRound(t *testing.T) {
	sy, local, _, _ := newTestSyncer(t, &fakeSyncBackend{}, nil)
	queueSubmission(t, local)
	queueSubmission(t, local)

	calls := 0
	result := sy.DrainPendingSubmissions(context.Background(), func(context.Context, models.PendingSubmission) (models.BettingCode, error) {
		calls++
		return models.BettingCode{}, backend.ErrUnauthorized
	})

	if calls != 1 {
		t.Errorf("submit calls = %d, want 1; auth failure aborts the round", calls)
	}
	if result.Failed != 1 {
		t.Errorf("result = %+v, want a single failure", result)
	}
	if pending := local.GetPendingSubmissions(context.Background()); len(pending) != 2 {
		t.Errorf("pending = %d, want both items retained", len(pending))
	}
}

func TestIncrementalSyncCommitsCursor(t *testing.T) {
	sb := &fakeSyncBackend{response: backend.SyncResponse{
		Updates: []models.StatusUpdate{
			{ID: "srv-1", Status: models.StatusVerified, Timestamp: time.Now()},
			{ID: "srv-2", Status: models.StatusWon, Timestamp: time.Now()},
		},
		NewVersion: "v42",
	}}
	sy, local, lc, _ := newTestSyncer(t, sb, nil)

	if err := sy.IncrementalSync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	cursor := local.Cursor(context.Background())
	if cursor.Version != "v42" {
		t.Errorf("cursor version = %q, want v42", cursor.Version)
	}
	if cursor.LastSync.IsZero() {
		t.Error("cursor timestamp not committed")
	}

	if state := lc.State(); len(state.BettingCodes) != 2 {
		t.Errorf("applied = %d codes, want 2", len(state.BettingCodes))
	}

	history := local.SyncHistory(context.Background())
	if len(history) != 1 || history[0].Applied != 2 {
		t.Errorf("history = %+v, want one record with 2 applied", history)
	}
}

func TestIncrementalSyncBackendErrorKeepsCursor(t *testing.T) {
	sb := &fakeSyncBackend{err: &backend.TransientError{Err: errors.New("down")}}
	sy, local, _, _ := newTestSyncer(t, sb, nil)

	if err := sy.IncrementalSync(context.Background()); err == nil {
		t.Fatal("expected error")
	}

	cursor := local.Cursor(context.Background())
	if !cursor.LastSync.IsZero() || cursor.Version != "" {
		t.Errorf("cursor = %+v, want untouched on failure", cursor)
	}

	history := local.SyncHistory(context.Background())
	if len(history) != 1 || len(history[0].Errors) == 0 {
		t.Errorf("history = %+v, want the failure recorded", history)
	}
}

func TestIncrementalSyncPartialFailureKeepsCursor(t *testing.T) {
	sb := &fakeSyncBackend{response: backend.SyncResponse{
		Updates: []models.StatusUpdate{
			{ID: "srv-1", Status: models.StatusVerified, Timestamp: time.Now()},
			{ID: "", Status: models.StatusWon, Timestamp: time.Now()}, // unappliable
		},
		NewVersion: "v43",
	}}
	sy, local, _, _ := newTestSyncer(t, sb, nil)

	if err := sy.IncrementalSync(context.Background()); err == nil {
		t.Fatal("expected error for partial failure")
	}

	cursor := local.Cursor(context.Background())
	if cursor.Version != "" {
		t.Errorf("cursor version = %q, want empty; a partial round must not advance the cursor", cursor.Version)
	}
}

func TestFlushOutbound(t *testing.T) {
	sender := &fakeSender{accept: true}
	sy, local, _, _ := newTestSyncer(t, &fakeSyncBackend{}, sender)

	for _, id := range []string{"m1", "m2"} {
		if err := local.EnqueueMessage(context.Background(), models.ClientMessage{Type: "CODE_SUBMITTED", MessageID: id}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if sent := sy.FlushOutbound(context.Background()); sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	if remaining := local.DrainMessages(context.Background()); len(remaining) != 0 {
		t.Errorf("remaining = %d, want 0", len(remaining))
	}
}

func TestFlushOutboundRequeuesOnRefusal(t *testing.T) {
	sender := &fakeSender{accept: false}
	sy, local, _, _ := newTestSyncer(t, &fakeSyncBackend{}, sender)

	if err := local.EnqueueMessage(context.Background(), models.ClientMessage{Type: "PING", MessageID: "m1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if sent := sy.FlushOutbound(context.Background()); sent != 0 {
		t.Errorf("sent = %d, want 0", sent)
	}
	remaining := local.DrainMessages(context.Background())
	if len(remaining) != 1 || remaining[0].MessageID != "m1" {
		t.Errorf("remaining = %+v, want the refused message back in the queue", remaining)
	}
}

func TestSyncNowSerialized(t *testing.T) {
	sb := &fakeSyncBackend{}
	sy, local, _, _ := newTestSyncer(t, sb, nil)
	queueSubmission(t, local)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		sy.SyncNow(context.Background(), func(_ context.Context, s models.PendingSubmission) (models.BettingCode, error) {
			close(started)
			<-release
			confirmed := s.BettingCode
			confirmed.ID = "srv-1"
			return confirmed, nil
		})
	}()

	<-started
	// A concurrent round must be a no-op, not a queued duplicate.
	if err := sy.SyncNow(context.Background(), func(context.Context, models.PendingSubmission) (models.BettingCode, error) {
		t.Error("second round ran concurrently")
		return models.BettingCode{}, nil
	}); err != nil {
		t.Errorf("concurrent SyncNow: %v", err)
	}
	close(release)
}
