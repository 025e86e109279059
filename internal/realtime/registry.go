// Package realtime tracks live socket sessions per owner and pushes
// messages to them.
package realtime

import (
	"sync"

	"filevault/internal/upload"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	TypeUploadProgress = "uploadProgress"
	TypeUploadResult   = "uploadResult"
	TypeError          = "error"

	outboxSize = 64
)

// Message is the envelope written to clients.
type Message struct {
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Conn is the write side of a socket. *websocket.Conn implements it.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Session is one live connection. Messages are written by a single
// goroutine so writes never interleave.
type Session struct {
	ID      string
	OwnerID string

	conn      Conn
	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(ownerID string, conn Conn) *Session {
	s := &Session{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		conn:    conn,
		out:     make(chan Message, outboxSize),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *Session) writeLoop() {
	for {
		select {
		case msg := <-s.out:
			if err := s.conn.WriteJSON(msg); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// Send queues msg without blocking. A session whose outbox is full is
// closed.
func (s *Session) Send(msg Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- msg:
		return true
	case <-s.done:
		return false
	default:
		s.Close()
		return false
	}
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Registry maps owner ids to their live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Session
	logger   zerolog.Logger
}

var _ upload.Notifier = (*Registry)(nil)

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]map[string]*Session),
		logger:   logger.With().Str("component", "realtime").Logger(),
	}
}

func (r *Registry) Add(ownerID string, conn Conn) *Session {
	s := newSession(ownerID, conn)
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.sessions[ownerID]
	if !ok {
		byID = make(map[string]*Session)
		r.sessions[ownerID] = byID
	}
	byID[s.ID] = s
	r.logger.Debug().Str("owner", ownerID).Str("session", s.ID).Msg("session added")
	return s
}

// Remove closes s and forgets it.
func (r *Registry) Remove(s *Session) {
	s.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(s)
}

func (r *Registry) removeLocked(s *Session) {
	byID, ok := r.sessions[s.OwnerID]
	if !ok {
		return
	}
	delete(byID, s.ID)
	if len(byID) == 0 {
		delete(r.sessions, s.OwnerID)
	}
}

// Send queues msg to every session of ownerID and returns how many
// accepted it.
func (r *Registry) Send(ownerID string, msg Message) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions[ownerID]))
	for _, s := range r.sessions[ownerID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	return deliver(targets, msg)
}

// Broadcast queues msg to every live session.
func (r *Registry) Broadcast(msg Message) int {
	r.mu.RLock()
	var targets []*Session
	for _, byID := range r.sessions {
		for _, s := range byID {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()
	return deliver(targets, msg)
}

// Prune forgets closed sessions and returns how many were removed.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for _, byID := range r.sessions {
		for _, s := range byID {
			if s.Closed() {
				r.removeLocked(s)
				removed++
			}
		}
	}
	return removed
}

// Count returns the number of sessions for ownerID.
func (r *Registry) Count(ownerID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[ownerID])
}

// Notify pushes an upload result to the owner's sessions.
func (r *Registry) Notify(ownerID string, res upload.Result) {
	r.Send(ownerID, Message{Type: TypeUploadProgress, Data: res})
}

func deliver(targets []*Session, msg Message) int {
	n := 0
	for _, s := range targets {
		if s.Send(msg) {
			n++
		}
	}
	return n
}
