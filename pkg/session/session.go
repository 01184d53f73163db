// Package session holds per-phone conversational state and drives the
// order-placement dialogue over the messaging channel.
package session

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/almasgold/ttbroker/pkg/pricing"
	"github.com/almasgold/ttbroker/pkg/store"
	"github.com/almasgold/ttbroker/pkg/util"
)

// State is the position in the conversation.
type State string

const (
	StateStart          State = "START"
	StateMainMenu       State = "MAIN_MENU"
	StateAwaitingVolume State = "AWAITING_VOLUME"
	StateConfirmOrder   State = "CONFIRM_ORDER"
)

// PendingOrder is a quoted order awaiting Y/N. The quote is refreshed at
// confirmation time, so Price here is informational.
type PendingOrder struct {
	Type      pricing.Side
	Volume    decimal.Decimal
	Price     decimal.Decimal // TTB AED per bar at quote time
	TotalCost decimal.Decimal
}

// Session is one phone number's conversation. At most one message is
// processed per phone at a time: the dispatcher holds the session lock across
// the whole turn, so the state machine never sees interleaved writes.
type Session struct {
	mu sync.Mutex

	Phone        string
	AccountID    string
	AdminID      string
	UserName     string
	State        State
	Pending      *PendingOrder
	PendingSide  pricing.Side // set while awaiting a volume
	OpenOrders   []*store.Order
	LastOrderID  string // order touched by the last committed turn
	LastActivity time.Time
}

// Lock serializes message processing for this phone.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the per-phone processing lock.
func (s *Session) Unlock() { s.mu.Unlock() }

const (
	defaultSessionTTL = 30 * time.Minute
	defaultDedupTTL   = 5 * time.Minute
)

// Manager owns all sessions and the inbound-message dedup cache. Sessions are
// created lazily and evicted after inactivity.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	seen     map[string]time.Time
	clock    util.Clock

	sessionTTL time.Duration
	dedupTTL   time.Duration
}

func NewManager(clock util.Clock) *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		seen:       make(map[string]time.Time),
		clock:      clock,
		sessionTTL: defaultSessionTTL,
		dedupTTL:   defaultDedupTTL,
	}
}

// GetOrCreate returns the phone's session, creating a fresh one when absent
// or expired.
func (m *Manager) GetOrCreate(phone string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if sess, ok := m.sessions[phone]; ok && now.Sub(sess.LastActivity) < m.sessionTTL {
		sess.LastActivity = now
		return sess
	}

	sess := &Session{Phone: phone, State: StateStart, LastActivity: now}
	m.sessions[phone] = sess
	return sess
}

// Seen reports whether the message id was already processed within the dedup
// window, recording it if not. Expired entries are swept on each call.
func (m *Manager) Seen(messageSid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for sid, at := range m.seen {
		if now.Sub(at) > m.dedupTTL {
			delete(m.seen, sid)
		}
	}

	if _, ok := m.seen[messageSid]; ok {
		return true
	}
	m.seen[messageSid] = now
	return false
}

// Reset drops all conversational state for a phone, keeping identity fields.
func (m *Manager) Reset(phone string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[phone]; ok {
		sess.Lock()
		sess.State = StateMainMenu
		sess.Pending = nil
		sess.PendingSide = ""
		sess.OpenOrders = nil
		sess.Unlock()
	}
}

// Evict removes sessions idle beyond the TTL. Called periodically by the
// dispatcher.
func (m *Manager) Evict() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	n := 0
	for phone, sess := range m.sessions {
		if now.Sub(sess.LastActivity) > m.sessionTTL {
			delete(m.sessions, phone)
			n++
		}
	}
	return n
}
