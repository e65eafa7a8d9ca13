// Package notify maps lifecycle and connectivity events to user-facing
// transient messages. The core only depends on the Notifier interface; the
// dispatcher keeps a bounded recent-notice buffer for the UI to poll.
package notify

import (
	"sync"
	"time"

	"github.com/XavierBriggs/betcode/services/code-sync/pkg/models"
	"github.com/sirupsen/logrus"
)

// Level is the severity of a notice
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is one user-facing transient message
type Notice struct {
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier is the interface the core components emit through
type Notifier interface {
	Notify(level Level, message string)
}

const maxRecent = 100

// Dispatcher is the default Notifier: logs every notice and retains the most
// recent ones for the HTTP surface
type Dispatcher struct {
	log *logrus.Logger

	mu     sync.Mutex
	recent []Notice
	subs   map[int]func(Notice)
	nextID int
}

// NewDispatcher creates a dispatcher
func NewDispatcher(log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = logrus.New()
	}
	return &Dispatcher{
		log:  log,
		subs: make(map[int]func(Notice)),
	}
}

// Notify records and fans out a notice. A subscriber panic must not prevent
// the remaining subscribers from being notified.
func (d *Dispatcher) Notify(level Level, message string) {
	notice := Notice{Level: level, Message: message, Timestamp: time.Now()}

	switch level {
	case LevelError:
		d.log.Error(message)
	case LevelWarning:
		d.log.Warn(message)
	default:
		d.log.Info(message)
	}

	d.mu.Lock()
	d.recent = append(d.recent, notice)
	if len(d.recent) > maxRecent {
		d.recent = d.recent[len(d.recent)-maxRecent:]
	}
	subs := make([]func(Notice), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.mu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.WithField("panic", r).Error("notice subscriber panicked")
				}
			}()
			fn(notice)
		}()
	}
}

// Subscribe registers a callback and returns its unsubscribe func
func (d *Dispatcher) Subscribe(fn func(Notice)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.subs[id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

// Recent returns the retained notices, oldest first
func (d *Dispatcher) Recent() []Notice {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Notice, len(d.recent))
	copy(out, d.recent)
	return out
}

// StatusMessage renders a code-status change as a user-facing message
func StatusMessage(status models.CodeStatus) (Level, string) {
	switch status {
	case models.StatusWon:
		return LevelSuccess, "Congratulations! Your betting code has won!"
	case models.StatusLost:
		return LevelInfo, "Sorry, your betting code did not win this time."
	case models.StatusRejected:
		return LevelError, "Your code was rejected. Please check the admin note."
	case models.StatusCancelled:
		return LevelWarning, "Your betting code was cancelled."
	case models.StatusPending, models.StatusSubmitted, models.StatusAwaitingAdmin:
		return LevelInfo, "Your code is being reviewed by an admin."
	case models.StatusAdminReviewing, models.StatusVerificationPending:
		return LevelInfo, "Your code is being processed."
	case models.StatusVerified:
		return LevelSuccess, "Your code has been verified."
	case models.StatusGameInProgress:
		return LevelInfo, "Your game is in progress."
	default:
		return LevelInfo, "Status updated to: " + string(status)
	}
}
