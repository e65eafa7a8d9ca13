package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OfflineIDPrefix marks locally generated ids for codes queued while offline.
// A server-assigned id supersedes the offline id once the submission syncs.
const OfflineIDPrefix = "offline_"

// Country identifies the marketplace region a code belongs to
type Country string

const (
	CountryNigeria Country = "nigeria"
	CountryGhana   Country = "ghana"
)

// Valid reports whether the country is one the marketplace operates in
func (c Country) Valid() bool {
	return c == CountryNigeria || c == CountryGhana
}

// CodeStatus is the lifecycle state of a betting code
type CodeStatus string

const (
	StatusPending             CodeStatus = "pending" // offline-queued, not yet accepted by the server
	StatusSubmitted           CodeStatus = "submitted"
	StatusAwaitingAdmin       CodeStatus = "awaiting_admin"
	StatusAdminReviewing      CodeStatus = "admin_reviewing"
	StatusVerificationPending CodeStatus = "verification_pending"
	StatusVerified            CodeStatus = "verified"
	StatusGameInProgress      CodeStatus = "game_in_progress"
	StatusWon                 CodeStatus = "won"
	StatusLost                CodeStatus = "lost"
	StatusRejected            CodeStatus = "rejected"
	StatusCancelled           CodeStatus = "cancelled"
)

// Terminal reports whether the status is final. Once a code reaches a
// terminal status, only a strictly newer update may change it.
func (s CodeStatus) Terminal() bool {
	switch s {
	case StatusWon, StatusLost, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// BettingCode represents one submitted code
type BettingCode struct {
	ID                string          `json:"id"`
	Bookmaker         string          `json:"bookmaker"`
	Code              string          `json:"code"`
	Stake             decimal.Decimal `json:"stake"`
	Odds              decimal.Decimal `json:"odds"`
	PotentialWinnings decimal.Decimal `json:"potential_winnings"`
	Status            CodeStatus      `json:"status"`
	Country           Country         `json:"country"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at,omitempty"`
	VerifiedAt        *time.Time      `json:"verified_at,omitempty"`
	AdminNote         string          `json:"admin_note,omitempty"`
	Message           string          `json:"message,omitempty"`
}

// Offline reports whether the code still carries a locally generated id
func (b BettingCode) Offline() bool {
	return strings.HasPrefix(b.ID, OfflineIDPrefix)
}

// DedupKey identifies a submission regardless of which id it carries.
// Two submissions of the same code within the same minute are duplicates.
func (b BettingCode) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d",
		b.Bookmaker, b.Code, b.Stake.String(), b.Odds.String(),
		b.CreatedAt.UTC().Truncate(time.Minute).Unix())
}

// PendingSubmission is an offline-queued BettingCode awaiting transmission
type PendingSubmission struct {
	BettingCode
	Timestamp time.Time `json:"timestamp"` // enqueue time
	Attempts  int       `json:"attempts"`  // failed sync attempts so far
}

// SyncCursor tracks incremental sync progress. Timestamp and version are
// committed together so a sync round can never advance one without the other.
type SyncCursor struct {
	LastSync time.Time `json:"last_sync"`
	Version  string    `json:"version"`
}

// CachedEvent is a recently observed push event kept to survive short
// reconnect gaps and page reloads
type CachedEvent struct {
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusUpdate is a push- or sync-derived change to a single code
type StatusUpdate struct {
	ID        string     `json:"id"`
	Status    CodeStatus `json:"status"`
	Message   string     `json:"message,omitempty"`
	AdminNote string     `json:"admin_note,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Filters narrow the betting-code view exposed to the UI
type Filters struct {
	Status    string `json:"status"`
	Bookmaker string `json:"bookmaker"`
	DateRange string `json:"date_range"`
}

// DefaultFilters returns the unfiltered view
func DefaultFilters() Filters {
	return Filters{Status: "all", Bookmaker: "all", DateRange: "all"}
}

// Pagination describes the current history page
type Pagination struct {
	CurrentPage  int `json:"current_page"`
	TotalPages   int `json:"total_pages"`
	TotalItems   int `json:"total_items"`
	ItemsPerPage int `json:"items_per_page"`
}
