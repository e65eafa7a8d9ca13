package lifecycle

import (
	"testing"
	"time"

	"github.com/XavierBriggs/betcode/services/code-sync/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
	t2 = t0.Add(2 * time.Minute)
)

func code(id string, status models.CodeStatus, updatedAt time.Time) models.BettingCode {
	return models.BettingCode{
		ID:        id,
		Bookmaker: "bet9ja",
		Code:      "B9J-A12B34",
		Stake:     decimal.NewFromInt(1000),
		Odds:      decimal.NewFromFloat(2.5),
		Status:    status,
		Country:   models.CountryNigeria,
		CreatedAt: t0,
		UpdatedAt: updatedAt,
	}
}

func TestReduceAddCode(t *testing.T) {
	s := NewState()
	s = Reduce(s, SetError{Message: "previous failure"})

	c := code("abc", models.StatusSubmitted, t0)
	s = Reduce(s, AddCode{Code: c})

	if len(s.BettingCodes) != 1 || s.BettingCodes[0].ID != "abc" {
		t.Fatalf("BettingCodes = %+v, want the added code first", s.BettingCodes)
	}
	if len(s.PendingCodes) != 1 {
		t.Errorf("PendingCodes = %d entries, want 1", len(s.PendingCodes))
	}
	if s.Error != "" {
		t.Errorf("Error = %q, want cleared", s.Error)
	}
}

func TestReduceIsPure(t *testing.T) {
	before := code("abc", models.StatusSubmitted, t0)
	s := State{BettingCodes: []models.BettingCode{before}}

	_ = Reduce(s, UpdateStatus{Update: models.StatusUpdate{
		ID: "abc", Status: models.StatusWon, Timestamp: t1,
	}})

	if s.BettingCodes[0].Status != models.StatusSubmitted {
		t.Errorf("input state mutated: status = %q", s.BettingCodes[0].Status)
	}
}

func TestStatusUpdateProgression(t *testing.T) {
	tests := []struct {
		name string
		from models.CodeStatus
		to   models.CodeStatus
	}{
		{"submitted to awaiting admin", models.StatusSubmitted, models.StatusAwaitingAdmin},
		{"awaiting admin to reviewing", models.StatusAwaitingAdmin, models.StatusAdminReviewing},
		{"reviewing to verification pending", models.StatusAdminReviewing, models.StatusVerificationPending},
		{"verification pending to verified", models.StatusVerificationPending, models.StatusVerified},
		{"verified to game in progress", models.StatusVerified, models.StatusGameInProgress},
		{"game in progress to won", models.StatusGameInProgress, models.StatusWon},
		{"game in progress to lost", models.StatusGameInProgress, models.StatusLost},
		{"reviewing to rejected", models.StatusAdminReviewing, models.StatusRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := State{BettingCodes: []models.BettingCode{code("abc", tt.from, t0)}}
			s = Reduce(s, UpdateStatus{Update: models.StatusUpdate{
				ID: "abc", Status: tt.to, Timestamp: t1,
			}})
			if got := s.BettingCodes[0].Status; got != tt.to {
				t.Errorf("status = %q, want %q", got, tt.to)
			}
			if got := s.BettingCodes[0].UpdatedAt; !got.Equal(t1) {
				t.Errorf("UpdatedAt = %v, want %v", got, t1)
			}
		})
	}
}

func TestTerminalStateProtection(t *testing.T) {
	// A "won" event timestamped t2 arrives, then a delayed "pending" event
	// timestamped t1 arrives out of order. The code must stay won.
	s := State{BettingCodes: []models.BettingCode{code("abc", models.StatusGameInProgress, t0)}}

	s = Reduce(s, UpdateStatus{Update: models.StatusUpdate{
		ID: "abc", Status: models.StatusWon, Timestamp: t2,
	}})
	s = Reduce(s, UpdateStatus{Update: models.StatusUpdate{
		ID: "abc", Status: models.StatusPending, Timestamp: t1,
	}})

	if got := s.BettingCodes[0].Status; got != models.StatusWon {
		t.Fatalf("status = %q, want won after stale update discarded", got)
	}
	if got := s.BettingCodes[0].UpdatedAt; !got.Equal(t2) {
		t.Errorf("UpdatedAt = %v, want %v", got, t2)
	}
}

func TestTerminalStateOverriddenByNewerEvent(t *testing.T) {
	s := State{BettingCodes: []models.BettingCode{code("abc", models.StatusWon, t1)}}

	s = Reduce(s, UpdateStatus{Update: models.StatusUpdate{
		ID: "abc", Status: models.StatusCancelled, Timestamp: t2,
	}})

	if got := s.BettingCodes[0].Status; got != models.StatusCancelled {
		t.Errorf("status = %q, want cancelled from strictly newer event", got)
	}
}

func TestTerminalStateEqualTimestampDiscarded(t *testing.T) {
	s := State{BettingCodes: []models.BettingCode{code("abc", models.StatusWon, t1)}}

	s = Reduce(s, UpdateStatus{Update: models.StatusUpdate{
		ID: "abc", Status: models.StatusLost, Timestamp: t1,
	}})

	if got := s.BettingCodes[0].Status; got != models.StatusWon {
		t.Errorf("status = %q, want won; equal timestamps must not override a terminal state", got)
	}
}

func TestVerifiedAtSetOnce(t *testing.T) {
	s := State{BettingCodes: []models.BettingCode{code("abc", models.StatusGameInProgress, t0)}}

	s = Reduce(s, UpdateStatus{Update: models.StatusUpdate{
		ID: "abc", Status: models.StatusVerified, Timestamp: t1,
	}})
	if got := s.BettingCodes[0].VerifiedAt; got == nil || !got.Equal(t1) {
		t.Fatalf("VerifiedAt = %v, want %v", got, t1)
	}

	s = Reduce(s, UpdateStatus{Update: models.StatusUpdate{
		ID: "abc", Status: models.StatusWon, Timestamp: t2,
	}})
	if got := s.BettingCodes[0].VerifiedAt; !got.Equal(t1) {
		t.Errorf("VerifiedAt = %v, want %v preserved", got, t1)
	}
}

func TestUnknownIDCreatesPlaceholder(t *testing.T) {
	s := NewState()
	s = Reduce(s, UpdateStatus{Update: models.StatusUpdate{
		ID: "srv-9", Status: models.StatusVerified, Timestamp: t1,
	}})

	if len(s.BettingCodes) != 1 {
		t.Fatalf("BettingCodes = %d entries, want placeholder", len(s.BettingCodes))
	}
	got := s.BettingCodes[0]
	if got.ID != "srv-9" || got.Status != models.StatusVerified {
		t.Errorf("placeholder = %+v", got)
	}
}

func TestUpdateRemovesFromPendingSublist(t *testing.T) {
	c := code("abc", models.StatusSubmitted, t0)
	s := State{
		BettingCodes: []models.BettingCode{c},
		PendingCodes: []models.BettingCode{c},
	}

	// Still early in the pipeline: stays pending.
	s = Reduce(s, UpdateStatus{Update: models.StatusUpdate{
		ID: "abc", Status: models.StatusAwaitingAdmin, Timestamp: t1,
	}})
	if len(s.PendingCodes) != 1 {
		t.Fatalf("PendingCodes = %d, want 1 while awaiting admin", len(s.PendingCodes))
	}

	s = Reduce(s, UpdateStatus{Update: models.StatusUpdate{
		ID: "abc", Status: models.StatusAdminReviewing, Timestamp: t2,
	}})
	if len(s.PendingCodes) != 0 {
		t.Errorf("PendingCodes = %d, want 0 once reviewing", len(s.PendingCodes))
	}
}

func TestMergePageUpsertsAndSorts(t *testing.T) {
	local := code("abc", models.StatusSubmitted, t0)
	s := State{
		BettingCodes: []models.BettingCode{local},
		Pagination:   models.Pagination{ItemsPerPage: 10},
	}

	newer := code("def", models.StatusVerified, t1)
	newer.CreatedAt = t1
	fetched := code("abc", models.StatusAwaitingAdmin, t1)

	s = Reduce(s, MergePage{
		Items:   []models.BettingCode{fetched, newer},
		Total:   12,
		Page:    1,
		PerPage: 10,
	})

	if len(s.BettingCodes) != 2 {
		t.Fatalf("BettingCodes = %d, want 2", len(s.BettingCodes))
	}
	// Newest creation first.
	if s.BettingCodes[0].ID != "def" {
		t.Errorf("first code = %q, want def", s.BettingCodes[0].ID)
	}
	if s.BettingCodes[1].Status != models.StatusAwaitingAdmin {
		t.Errorf("merged status = %q, want awaiting_admin", s.BettingCodes[1].Status)
	}
	if s.Pagination.TotalPages != 2 || s.Pagination.TotalItems != 12 {
		t.Errorf("pagination = %+v, want 2 pages of 12 items", s.Pagination)
	}
	if s.Loading {
		t.Error("Loading should clear after a merge")
	}
}

func TestMergePagePreservesNewerLocalTerminal(t *testing.T) {
	local := code("abc", models.StatusWon, t2)
	local.AdminNote = "paid out"
	s := State{BettingCodes: []models.BettingCode{local}}

	stale := code("abc", models.StatusGameInProgress, t1)
	s = Reduce(s, MergePage{Items: []models.BettingCode{stale}, Total: 1, Page: 1, PerPage: 10})

	got := s.BettingCodes[0]
	if got.Status != models.StatusWon {
		t.Errorf("status = %q, want won preserved over stale fetch", got.Status)
	}
	if got.AdminNote != "paid out" {
		t.Errorf("AdminNote = %q, want preserved", got.AdminNote)
	}
}

func TestMergePageSupersedesOfflineID(t *testing.T) {
	offline := code(models.OfflineIDPrefix+"1709294400000_ab12cd34", models.StatusPending, t0)
	s := State{BettingCodes: []models.BettingCode{offline}}

	server := code("srv-1", models.StatusAwaitingAdmin, t1)
	server.CreatedAt = t0.Add(30 * time.Second)

	s = Reduce(s, MergePage{Items: []models.BettingCode{server}, Total: 1, Page: 1, PerPage: 10})

	if len(s.BettingCodes) != 1 {
		t.Fatalf("BettingCodes = %d, want 1 (offline entry superseded, no duplicate)", len(s.BettingCodes))
	}
	if got := s.BettingCodes[0].ID; got != "srv-1" {
		t.Errorf("ID = %q, want server id", got)
	}
}

func TestMergePageOutsideMatchWindowKeepsBoth(t *testing.T) {
	offline := code(models.OfflineIDPrefix+"1709294400000_ab12cd34", models.StatusPending, t0)
	s := State{BettingCodes: []models.BettingCode{offline}}

	server := code("srv-1", models.StatusAwaitingAdmin, t1)
	server.CreatedAt = t0.Add(10 * time.Minute)

	s = Reduce(s, MergePage{Items: []models.BettingCode{server}, Total: 2, Page: 1, PerPage: 10})

	if len(s.BettingCodes) != 2 {
		t.Errorf("BettingCodes = %d, want 2 when creation times are too far apart", len(s.BettingCodes))
	}
}

func TestConfirmPendingReplacesOfflineEntry(t *testing.T) {
	offlineID := models.OfflineIDPrefix + "1709294400000_ab12cd34"
	offline := code(offlineID, models.StatusPending, t0)
	s := State{
		BettingCodes: []models.BettingCode{offline},
		PendingCodes: []models.BettingCode{offline},
	}

	confirmed := code("srv-1", models.StatusSubmitted, t1)
	s = Reduce(s, ConfirmPending{OfflineID: offlineID, Code: confirmed})

	if len(s.BettingCodes) != 1 || s.BettingCodes[0].ID != "srv-1" {
		t.Errorf("BettingCodes = %+v, want single entry with server id", s.BettingCodes)
	}
	if len(s.PendingCodes) != 1 || s.PendingCodes[0].ID != "srv-1" {
		t.Errorf("PendingCodes = %+v, want single entry with server id", s.PendingCodes)
	}
}

func TestConfirmPendingUnknownIDPrepends(t *testing.T) {
	s := NewState()
	confirmed := code("srv-1", models.StatusSubmitted, t1)
	s = Reduce(s, ConfirmPending{OfflineID: "offline_gone", Code: confirmed})

	if len(s.BettingCodes) != 1 || s.BettingCodes[0].ID != "srv-1" {
		t.Errorf("BettingCodes = %+v, want the confirmed code added", s.BettingCodes)
	}
}

func TestSetFiltersPartialUpdate(t *testing.T) {
	s := NewState()
	s = Reduce(s, SetFilters{Filters: models.Filters{Status: "won"}})

	if s.Filters.Status != "won" {
		t.Errorf("Status filter = %q, want won", s.Filters.Status)
	}
	if s.Filters.Bookmaker != "all" || s.Filters.DateRange != "all" {
		t.Errorf("untouched filters changed: %+v", s.Filters)
	}
}

func TestFilteredCodes(t *testing.T) {
	now := t2
	oldCode := code("old", models.StatusWon, t0)
	oldCode.CreatedAt = now.Add(-40 * 24 * time.Hour)
	recent := code("recent", models.StatusLost, t1)
	recent.Bookmaker = "sportybet"

	s := State{
		BettingCodes: []models.BettingCode{oldCode, recent},
		Filters:      models.DefaultFilters(),
	}

	tests := []struct {
		name    string
		filters models.Filters
		wantIDs []string
	}{
		{"all", models.DefaultFilters(), []string{"old", "recent"}},
		{"by status", models.Filters{Status: "won", Bookmaker: "all", DateRange: "all"}, []string{"old"}},
		{"by bookmaker", models.Filters{Status: "all", Bookmaker: "sportybet", DateRange: "all"}, []string{"recent"}},
		{"by month", models.Filters{Status: "all", Bookmaker: "all", DateRange: "month"}, []string{"recent"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.Filters = tt.filters
			got := FilteredCodes(s, now)
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("filtered = %d codes, want %d", len(got), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if got[i].ID != id {
					t.Errorf("filtered[%d].ID = %q, want %q", i, got[i].ID, id)
				}
			}
		})
	}
}
