// Package connection owns the single logical WebSocket channel to the
// marketplace backend: connect/reconnect with exponential backoff, the
// heartbeat, and fan-out of inbound messages to subscribers. All failures
// surface as events; nothing panics across the public API.
package connection

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/XavierBriggs/betcode/services/code-sync/pkg/models"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
)

// EventType classifies manager events delivered to subscribers
type EventType string

const (
	EventConnectionChange EventType = "connectionChange"
	EventMessage          EventType = "message"
	EventError            EventType = "error"
)

// Error codes carried on EventError events
const (
	ErrCodeAuth          = "AUTH_ERROR"
	ErrCodeConnection    = "CONNECTION_ERROR"
	ErrCodeMaxReconnects = "MAX_RECONNECTS"
)

// ErrorInfo describes a surfaced failure
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is delivered to every subscriber on status changes, inbound
// messages, and errors
type Event struct {
	Type    EventType
	Status  models.ConnectionStatus
	Message *models.ServerMessage
	Error   *ErrorInfo
}

// Listener receives manager events
type Listener func(Event)

// CredentialSource supplies the auth token and country context used to
// build the connection URI
type CredentialSource func(ctx context.Context) (token string, country models.Country)

// TokenRecorder persists the last token used to connect, so attempt
// exhaustion can be scoped to a credential across restarts
type TokenRecorder interface {
	LastToken(ctx context.Context) string
	SetLastToken(ctx context.Context, token string)
}

// Options tune the manager
type Options struct {
	URL                  string
	DialTimeout          time.Duration
	PingInterval         time.Duration
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	MaxReconnectAttempts int
}

// Manager maintains at most one live transport handle at a time
type Manager struct {
	opts     Options
	creds    CredentialSource
	recorder TokenRecorder
	log      *logrus.Logger
	dialer   *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	conn              *websocket.Conn
	status            models.ConnectionStatus
	isConnecting      bool
	reconnectAttempts int
	lastToken         string
	lastError         string
	authBlocked       bool
	foreground        bool
	manualDisconnect  bool
	closed            bool
	lastBackoff       time.Duration
	reconnectTimer    *time.Timer
	pingStop          chan struct{}

	writeMu sync.Mutex

	lmu       sync.RWMutex
	listeners map[int]Listener
	nextSub   int
}

// NewManager creates a connection manager. It does not connect until
// Connect is called.
func NewManager(opts Options, creds CredentialSource, recorder TokenRecorder, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		opts:       opts,
		creds:      creds,
		recorder:   recorder,
		log:        log,
		dialer:     websocket.DefaultDialer,
		ctx:        ctx,
		cancel:     cancel,
		status:     models.ConnInitializing,
		foreground: true,
		listeners:  make(map[int]Listener),
	}
	if recorder != nil {
		m.lastToken = recorder.LastToken(ctx)
	}
	return m
}

// Subscribe registers a listener and returns its unsubscribe func
func (m *Manager) Subscribe(l Listener) func() {
	m.lmu.Lock()
	defer m.lmu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.listeners[id] = l

	return func() {
		m.lmu.Lock()
		defer m.lmu.Unlock()
		delete(m.listeners, id)
	}
}

// notify fans an event out to all listeners. One listener's panic must not
// prevent the others from being notified.
func (m *Manager) notify(ev Event) {
	m.lmu.RLock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.lmu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.WithField("panic", r).Error("connection listener panicked")
				}
			}()
			l(ev)
		}()
	}
}

func (m *Manager) notifyStatus(status models.ConnectionStatus) {
	m.notify(Event{Type: EventConnectionChange, Status: status})
}

func (m *Manager) notifyError(code, message string) {
	m.notify(Event{Type: EventError, Error: &ErrorInfo{Code: code, Message: message}})
}

// Connect establishes the channel. It is a no-op while already connecting or
// connected. A missing credential or country context is fatal, not
// transient: it surfaces AUTH_ERROR and does not retry.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed || m.isConnecting || m.status == models.ConnConnected {
		m.mu.Unlock()
		return
	}
	m.isConnecting = true
	m.manualDisconnect = false
	m.status = models.ConnConnecting
	m.mu.Unlock()
	m.notifyStatus(models.ConnConnecting)

	token, country := m.creds(m.ctx)
	if token == "" || !country.Valid() {
		m.mu.Lock()
		m.isConnecting = false
		m.status = models.ConnUnauthorized
		m.mu.Unlock()
		m.notifyError(ErrCodeAuth, "Authentication required")
		m.notifyStatus(models.ConnUnauthorized)
		return
	}

	m.mu.Lock()
	if token != m.lastToken {
		// Fresh credential: prior exhaustion was scoped to the old token.
		m.reconnectAttempts = 0
		m.authBlocked = false
		m.lastToken = token
		if m.recorder != nil {
			m.recorder.SetLastToken(m.ctx, token)
		}
	}
	if m.authBlocked {
		m.isConnecting = false
		m.status = models.ConnUnauthorized
		m.mu.Unlock()
		m.notifyError(ErrCodeAuth, "Authentication failed. Please log in again.")
		m.notifyStatus(models.ConnUnauthorized)
		return
	}
	if m.reconnectAttempts >= m.opts.MaxReconnectAttempts {
		m.isConnecting = false
		m.mu.Unlock()
		m.maxReconnects()
		return
	}
	m.mu.Unlock()

	go m.dial(token, country)
}

// dial performs the blocking handshake off the caller's goroutine
func (m *Manager) dial(token string, country models.Country) {
	q := url.Values{}
	q.Set("token", strings.TrimPrefix(token, "Bearer "))
	q.Set("country", strings.ToLower(string(country)))
	target := m.opts.URL + "?" + q.Encode()

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.DialTimeout)
	defer cancel()

	m.log.WithField("country", country).Info("connecting to realtime channel")
	conn, resp, err := m.dialer.DialContext(ctx, target, nil)
	if err != nil {
		isAuth := resp != nil &&
			(resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		m.handleDialError(err, isAuth)
		return
	}

	m.mu.Lock()
	if m.closed || m.manualDisconnect {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.cleanupLocked()
	m.conn = conn
	m.status = models.ConnConnected
	m.isConnecting = false
	m.reconnectAttempts = 0
	m.lastError = ""
	stop := make(chan struct{})
	m.pingStop = stop
	m.mu.Unlock()

	m.log.Info("realtime channel connected")
	m.notifyStatus(models.ConnConnected)

	go m.readLoop(conn)
	go m.pingLoop(conn, stop)
}

func (m *Manager) handleDialError(err error, isAuth bool) {
	m.mu.Lock()
	m.isConnecting = false
	m.lastError = err.Error()

	if isAuth {
		m.authBlocked = true
		m.status = models.ConnUnauthorized
		m.mu.Unlock()
		m.log.WithError(err).Warn("credential rejected by backend")
		m.notifyError(ErrCodeAuth, "Authentication failed. Please log in again.")
		m.notifyStatus(models.ConnUnauthorized)
		return
	}

	m.status = models.ConnError
	attempts := m.reconnectAttempts
	max := m.opts.MaxReconnectAttempts
	m.mu.Unlock()

	m.log.WithError(err).Warn("connection attempt failed")
	m.notifyError(ErrCodeConnection, err.Error())
	m.notifyStatus(models.ConnError)

	if attempts < max {
		m.scheduleReconnect()
	} else {
		m.maxReconnects()
	}
}

// readLoop pumps inbound messages to subscribers until the transport fails
func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		var msg models.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			m.handleClosed(conn, err)
			return
		}

		// Pong handling is advisory; liveness is decided by transport errors.
		if msg.Type == models.MessageTypePong {
			continue
		}

		m.notify(Event{Type: EventMessage, Message: &msg})
	}
}

// handleClosed reacts to a transport-level close or error
func (m *Manager) handleClosed(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// A newer transport already replaced this one.
		m.mu.Unlock()
		return
	}
	m.cleanupLocked()
	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure)
	stopped := m.closed || m.manualDisconnect || normal
	m.status = models.ConnDisconnected
	m.lastError = err.Error()
	attempts := m.reconnectAttempts
	max := m.opts.MaxReconnectAttempts
	m.mu.Unlock()

	m.log.WithError(err).Info("realtime channel closed")
	m.notifyStatus(models.ConnDisconnected)

	if stopped {
		return
	}

	m.notifyError(ErrCodeConnection, err.Error())
	if attempts < max {
		m.scheduleReconnect()
	} else {
		m.maxReconnects()
	}
}

// pingLoop sends a JSON PING on a fixed interval while the transport lives
func (m *Manager) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteJSON(models.ClientMessage{Type: models.MessageTypePing})
			m.writeMu.Unlock()
			if err != nil {
				// Let the read loop observe the failure and drive recovery.
				conn.Close()
				return
			}
		}
	}
}

// scheduleReconnect arms the backoff timer for the next attempt. Reconnects
// are only scheduled while the application is foregrounded; foregrounding
// retries immediately via Foreground.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed || m.manualDisconnect || m.authBlocked {
		m.mu.Unlock()
		return
	}
	if !m.foreground {
		m.mu.Unlock()
		return
	}
	// Delay doubles from the base over the attempts already spent, so the
	// first retry waits exactly the base interval.
	delay := Delay(m.reconnectAttempts, m.opts.BackoffBase, m.opts.BackoffCap)
	m.reconnectAttempts++
	attempt := m.reconnectAttempts
	m.lastBackoff = delay
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = time.AfterFunc(delay, m.Connect)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay,
	}).Info("scheduling reconnect")
}

// maxReconnects surfaces the terminal retry-exhaustion state. Recovery
// requires manual intervention (Reconnect) or a fresh credential.
func (m *Manager) maxReconnects() {
	m.mu.Lock()
	m.status = models.ConnServerDown
	m.mu.Unlock()

	m.log.Warn("maximum reconnect attempts reached")
	m.notifyError(ErrCodeMaxReconnects, "Connection failed. Please refresh the page.")
	m.notifyStatus(models.ConnServerDown)
}

// Send transmits a message if and only if the channel is connected.
// It never buffers; queueing for later delivery belongs to the store.
func (m *Manager) Send(msg models.ClientMessage) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.status == models.ConnConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return false
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		m.log.WithError(err).Warn("send failed")
		return false
	}
	return true
}

// Disconnect tears the channel down without scheduling a reconnect.
// Idempotent; safe on every exit path.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manualDisconnect = true
	already := m.status == models.ConnDisconnected && m.conn == nil
	m.cleanupLocked()
	m.status = models.ConnDisconnected
	m.mu.Unlock()

	if !already {
		m.notifyStatus(models.ConnDisconnected)
	}
}

// Reconnect resets the attempt counter and tries again. This is the manual
// escape hatch after MAX_RECONNECTS; a rejected credential still requires a
// token change.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	m.reconnectAttempts = 0
	m.manualDisconnect = false
	if m.status == models.ConnServerDown {
		m.status = models.ConnDisconnected
	}
	m.mu.Unlock()
	m.Connect()
}

// Foreground resumes the channel when the application becomes visible
func (m *Manager) Foreground() {
	m.mu.Lock()
	m.foreground = true
	m.mu.Unlock()
	m.Connect()
}

// Background suspends the channel and any scheduled reconnects while the
// application is hidden
func (m *Manager) Background() {
	m.mu.Lock()
	m.foreground = false
	had := m.conn != nil || m.reconnectTimer != nil
	m.cleanupLocked()
	if m.status == models.ConnConnected || m.status == models.ConnConnecting {
		m.status = models.ConnDisconnected
	}
	m.isConnecting = false
	m.mu.Unlock()

	if had {
		m.notifyStatus(models.ConnDisconnected)
	}
}

// Close shuts the manager down for good
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.cleanupLocked()
	m.status = models.ConnDisconnected
	m.mu.Unlock()
	m.cancel()
}

// cleanupLocked releases the transport handle, heartbeat, and pending
// reconnect timer. Callers hold m.mu.
func (m *Manager) cleanupLocked() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.isConnecting = false
}

// IsConnected reports whether the channel is live
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == models.ConnConnected
}

// State returns a snapshot for UI consumers
func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.ConnectionState{
		Status:            m.status,
		ReconnectAttempts: m.reconnectAttempts,
		LastError:         m.lastError,
	}
}
