package stream

import (
	"sync"
	"time"
)

// EventKind names what happened to a queue item
type EventKind string

const (
	EventItemChanged   EventKind = "item.changed"
	EventItemDeleted   EventKind = "item.deleted"
	EventItemActivated EventKind = "item.activated"
	EventItemRetried   EventKind = "item.retried"
	EventItemFailed    EventKind = "item.failed"
)

// Event is a queue change pushed to a user's live subscribers
type Event struct {
	Kind       EventKind `json:"kind"`
	UserID     string    `json:"-"`
	ItemID     string    `json:"itemId"`
	Status     string    `json:"status,omitempty"`
	SessionURL string    `json:"sessionUrl,omitempty"`
	AutoOpen   bool      `json:"autoOpen,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Client represents a connected subscriber
type Client struct {
	ID     string
	Events chan Event
	Done   chan struct{}
}

// userStream fans events out to one user's clients
type userStream struct {
	clients      map[string]*Client
	buffer       []Event
	lastActivity time.Time
	mu           sync.RWMutex
}

// Manager routes events to the subscribers of the owning user
type Manager struct {
	streams     map[string]*userStream
	bufferLimit int
	now         func() time.Time
	mu          sync.RWMutex
}

// NewManager creates a manager that replays up to bufferLimit recent events
// to new subscribers.
func NewManager(bufferLimit int) *Manager {
	if bufferLimit < 0 {
		bufferLimit = 0
	}
	return &Manager{
		streams:     make(map[string]*userStream),
		bufferLimit: bufferLimit,
		now:         time.Now,
	}
}

func (m *Manager) getOrCreateStream(userID string) *userStream {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[userID]; ok {
		return s
	}
	s := &userStream{
		clients:      make(map[string]*Client),
		buffer:       make([]Event, 0, m.bufferLimit),
		lastActivity: m.now(),
	}
	m.streams[userID] = s
	return s
}

// Subscribe registers clientID for userID's events. Buffered events are
// delivered first.
func (m *Manager) Subscribe(userID, clientID string) *Client {
	s := m.getOrCreateStream(userID)

	client := &Client{
		ID:     clientID,
		Events: make(chan Event, m.bufferLimit+32),
		Done:   make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.buffer {
		client.Events <- e
	}
	s.clients[clientID] = client
	s.lastActivity = m.now()
	return client
}

// Unsubscribe removes a client and closes its Done channel
func (m *Manager) Unsubscribe(userID, clientID string) {
	m.mu.RLock()
	s, ok := m.streams[userID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if client, ok := s.clients[clientID]; ok {
		close(client.Done)
		delete(s.clients, clientID)
	}
	s.lastActivity = m.now()
	s.mu.Unlock()
}

// Publish delivers e to every subscriber of e.UserID. Slow clients miss
// events rather than block the publisher. A nil manager drops everything.
func (m *Manager) Publish(e Event) {
	if m == nil || e.UserID == "" {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}
	s := m.getOrCreateStream(e.UserID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.bufferLimit > 0 {
		if len(s.buffer) >= m.bufferLimit {
			s.buffer = s.buffer[1:]
		}
		s.buffer = append(s.buffer, e)
	}
	s.lastActivity = e.Timestamp

	for _, client := range s.clients {
		select {
		case client.Events <- e:
		default:
		}
	}
}

// Subscribers returns the number of connected clients for userID
func (m *Manager) Subscribers(userID string) int {
	m.mu.RLock()
	s, ok := m.streams[userID]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// CleanupIdle drops streams with no clients and no activity within maxAge
func (m *Manager) CleanupIdle(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for userID, s := range m.streams {
		s.mu.RLock()
		idle := len(s.clients) == 0 && s.lastActivity.Before(cutoff)
		s.mu.RUnlock()
		if idle {
			delete(m.streams, userID)
			removed++
		}
	}
	return removed
}
