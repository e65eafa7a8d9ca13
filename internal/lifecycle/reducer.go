package lifecycle

import (
	"sort"
	"time"

	"github.com/XavierBriggs/betcode/services/code-sync/pkg/models"
)

// offlineMatchWindow bounds how far apart creation times may be when
// matching a server record to a locally queued submission whose id differs
const offlineMatchWindow = 2 * time.Minute

// State is the single authoritative projection of the user's betting codes
type State struct {
	BettingCodes []models.BettingCode `json:"betting_codes"`
	PendingCodes []models.BettingCode `json:"pending_codes"`
	Loading      bool                 `json:"loading"`
	Error        string               `json:"error,omitempty"`
	Filters      models.Filters       `json:"filters"`
	Pagination   models.Pagination    `json:"pagination"`
}

// NewState returns the initial state
func NewState() State {
	return State{
		Filters: models.DefaultFilters(),
		Pagination: models.Pagination{
			CurrentPage:  1,
			TotalPages:   1,
			ItemsPerPage: 10,
		},
	}
}

// Action is a state transition input. Reduce is pure: it never mutates its
// arguments, so transitions are deterministic and unit-testable without
// network or timers.
type Action interface{ isAction() }

// SetLoading toggles the loading flag
type SetLoading struct{ Loading bool }

// SetError records a user-visible error message
type SetError struct{ Message string }

// AddCode prepends a newly submitted code to the list and pending sublist
type AddCode struct{ Code models.BettingCode }

// UpdateStatus merges a push- or sync-derived update by id
type UpdateStatus struct{ Update models.StatusUpdate }

// MergePage merges one REST-fetched history page into the state
type MergePage struct {
	Items   []models.BettingCode
	Total   int
	Page    int
	PerPage int
}

// ConfirmPending replaces an offline-queued entry by its server record
type ConfirmPending struct {
	OfflineID string
	Code      models.BettingCode
}

// SetFilters replaces the active filters
type SetFilters struct{ Filters models.Filters }

func (SetLoading) isAction()     {}
func (SetError) isAction()       {}
func (AddCode) isAction()        {}
func (UpdateStatus) isAction()   {}
func (MergePage) isAction()      {}
func (ConfirmPending) isAction() {}
func (SetFilters) isAction()     {}

// Reduce applies an action to the state and returns the next state
func Reduce(s State, a Action) State {
	switch action := a.(type) {
	case SetLoading:
		s.Loading = action.Loading
		return s

	case SetError:
		s.Error = action.Message
		return s

	case AddCode:
		s.BettingCodes = prepend(s.BettingCodes, action.Code)
		s.PendingCodes = prepend(s.PendingCodes, action.Code)
		s.Error = ""
		return s

	case UpdateStatus:
		return reduceUpdate(s, action.Update)

	case MergePage:
		return reducePage(s, action)

	case ConfirmPending:
		return reduceConfirm(s, action)

	case SetFilters:
		f := s.Filters
		if action.Filters.Status != "" {
			f.Status = action.Filters.Status
		}
		if action.Filters.Bookmaker != "" {
			f.Bookmaker = action.Filters.Bookmaker
		}
		if action.Filters.DateRange != "" {
			f.DateRange = action.Filters.DateRange
		}
		s.Filters = f
		return s
	}
	return s
}

func prepend(codes []models.BettingCode, code models.BettingCode) []models.BettingCode {
	out := make([]models.BettingCode, 0, len(codes)+1)
	out = append(out, code)
	return append(out, codes...)
}

// applyUpdate merges one update into a code, enforcing terminal-state
// protection: once terminal, only a strictly newer event may change the
// status (last-write-wins by event time, not arrival order).
func applyUpdate(c models.BettingCode, u models.StatusUpdate) (models.BettingCode, bool) {
	if c.Status.Terminal() && !u.Timestamp.After(c.UpdatedAt) {
		return c, false
	}

	c.Status = u.Status
	if u.Message != "" {
		c.Message = u.Message
	}
	if u.AdminNote != "" {
		c.AdminNote = u.AdminNote
	}
	if u.Timestamp.After(c.UpdatedAt) {
		c.UpdatedAt = u.Timestamp
	}
	if u.Status == models.StatusWon || u.Status == models.StatusLost || u.Status == models.StatusVerified {
		if c.VerifiedAt == nil {
			ts := u.Timestamp
			c.VerifiedAt = &ts
		}
	}
	return c, true
}

func reduceUpdate(s State, u models.StatusUpdate) State {
	found := false
	codes := make([]models.BettingCode, len(s.BettingCodes))
	for i, c := range s.BettingCodes {
		if c.ID == u.ID {
			found = true
			codes[i], _ = applyUpdate(c, u)
		} else {
			codes[i] = c
		}
	}

	if !found {
		// Update arrived before the initial fetch: keep it so a later page
		// reconciles instead of dropping the event.
		placeholder := models.BettingCode{
			ID:        u.ID,
			Status:    u.Status,
			Message:   u.Message,
			AdminNote: u.AdminNote,
			CreatedAt: u.Timestamp,
			UpdatedAt: u.Timestamp,
		}
		codes = prepend(codes, placeholder)
	}
	s.BettingCodes = codes

	// A code leaves the pending sublist once it advances past submission.
	pending := make([]models.BettingCode, 0, len(s.PendingCodes))
	for _, c := range s.PendingCodes {
		if c.ID == u.ID && u.Status != models.StatusAwaitingAdmin &&
			u.Status != models.StatusPending && u.Status != models.StatusSubmitted {
			continue
		}
		pending = append(pending, c)
	}
	s.PendingCodes = pending
	return s
}

// reconcile prefers the richer server record while preserving a more recent
// local terminal status
func reconcile(local, fetched models.BettingCode) models.BettingCode {
	if local.Status.Terminal() && local.UpdatedAt.After(fetched.UpdatedAt) {
		fetched.Status = local.Status
		fetched.UpdatedAt = local.UpdatedAt
		if local.AdminNote != "" {
			fetched.AdminNote = local.AdminNote
		}
		if local.Message != "" {
			fetched.Message = local.Message
		}
	}
	return fetched
}

// matchOffline finds a locally queued entry that corresponds to a server
// record carrying a different id
func matchOffline(codes []models.BettingCode, server models.BettingCode) int {
	for i, c := range codes {
		if !c.Offline() {
			continue
		}
		if c.Bookmaker != server.Bookmaker || c.Code != server.Code {
			continue
		}
		if !c.Stake.Equal(server.Stake) || !c.Odds.Equal(server.Odds) {
			continue
		}
		gap := c.CreatedAt.Sub(server.CreatedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= offlineMatchWindow {
			return i
		}
	}
	return -1
}

func reducePage(s State, page MergePage) State {
	codes := make([]models.BettingCode, len(s.BettingCodes))
	copy(codes, s.BettingCodes)

	for _, item := range page.Items {
		merged := false
		for i, c := range codes {
			if c.ID == item.ID {
				codes[i] = reconcile(c, item)
				merged = true
				break
			}
		}
		if merged {
			continue
		}
		if i := matchOffline(codes, item); i >= 0 {
			// Server id supersedes the offline id.
			codes[i] = reconcile(codes[i], item)
			continue
		}
		codes = append(codes, item)
	}

	sort.SliceStable(codes, func(i, j int) bool {
		return codes[i].CreatedAt.After(codes[j].CreatedAt)
	})
	s.BettingCodes = codes

	perPage := page.PerPage
	if perPage <= 0 {
		perPage = s.Pagination.ItemsPerPage
	}
	totalPages := (page.Total + perPage - 1) / perPage
	if totalPages < 1 {
		totalPages = 1
	}
	s.Pagination = models.Pagination{
		CurrentPage:  page.Page,
		TotalPages:   totalPages,
		TotalItems:   page.Total,
		ItemsPerPage: perPage,
	}
	s.Loading = false
	s.Error = ""
	return s
}

func reduceConfirm(s State, action ConfirmPending) State {
	replace := func(codes []models.BettingCode) ([]models.BettingCode, bool) {
		out := make([]models.BettingCode, len(codes))
		copy(out, codes)
		for i, c := range out {
			if c.ID == action.OfflineID {
				out[i] = reconcile(c, action.Code)
				return out, true
			}
		}
		if i := matchOffline(out, action.Code); i >= 0 {
			out[i] = reconcile(out[i], action.Code)
			return out, true
		}
		return out, false
	}

	var replaced bool
	if s.BettingCodes, replaced = replace(s.BettingCodes); !replaced {
		s.BettingCodes = prepend(s.BettingCodes, action.Code)
	}
	if s.PendingCodes, replaced = replace(s.PendingCodes); !replaced {
		s.PendingCodes = prepend(s.PendingCodes, action.Code)
	}
	return s
}

// FilteredCodes derives the filtered view without mutating the records
func FilteredCodes(s State, now time.Time) []models.BettingCode {
	out := make([]models.BettingCode, 0, len(s.BettingCodes))
	for _, c := range s.BettingCodes {
		if s.Filters.Status != "" && s.Filters.Status != "all" && string(c.Status) != s.Filters.Status {
			continue
		}
		if s.Filters.Bookmaker != "" && s.Filters.Bookmaker != "all" && c.Bookmaker != s.Filters.Bookmaker {
			continue
		}
		if !withinRange(c.CreatedAt, s.Filters.DateRange, now) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func withinRange(t time.Time, dateRange string, now time.Time) bool {
	switch dateRange {
	case "", "all":
		return true
	case "today":
		y1, m1, d1 := t.Date()
		y2, m2, d2 := now.Date()
		return y1 == y2 && m1 == m2 && d1 == d2
	case "week":
		return now.Sub(t) <= 7*24*time.Hour
	case "month":
		return now.Sub(t) <= 30*24*time.Hour
	}
	return true
}
