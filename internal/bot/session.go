package bot

import (
	"sync"
	"time"

	"github.com/biamino/reportbot/internal/directory"
)

// Stage is where a chat stands in an interactive flow.
type Stage int

const (
	StageIdle Stage = iota
	StagePickTask
	StageFeedback
	StageDifficulties
	StageSummary
	StageConfirm
	StageBroadcast
)

// Session is the per-chat state bag. Authentication survives flow
// resets and expiry; only the in-flight dialog is abandoned.
type Session struct {
	ChatID        int64
	Authenticated bool
	Admin         bool
	Employee      directory.Employee

	Stage        Stage
	TaskID       string
	Feedback     string
	Difficulties string
	Summary      string

	touched time.Time
}

// ResetFlow abandons the in-flight dialog, keeping authentication.
func (s *Session) ResetFlow() {
	s.Stage = StageIdle
	s.TaskID = ""
	s.Feedback = ""
	s.Difficulties = ""
	s.Summary = ""
}

const DefaultSessionTTL = 24 * time.Hour

// Sessions holds per-chat sessions in memory. A session whose flow sat
// idle past the TTL is reset on next access; there is no background
// reaper.
type Sessions struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[int64]*Session
}

func NewSessions(ttl time.Duration, now func() time.Time) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Sessions{
		ttl:      ttl,
		now:      now,
		sessions: map[int64]*Session{},
	}
}

// Get returns the chat's session, creating it on first contact.
func (s *Sessions) Get(chatID int64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[chatID]
	if !ok {
		sess = &Session{ChatID: chatID}
		s.sessions[chatID] = sess
	}
	if s.now().Sub(sess.touched) > s.ttl {
		sess.ResetFlow()
	}
	sess.touched = s.now()
	return sess
}

// Authenticated peeks at a chat's auth flag without creating a session.
func (s *Sessions) Authenticated(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[chatID]
	return ok && sess.Authenticated
}

// Clear drops the session entirely, authentication included.
func (s *Sessions) Clear(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, chatID)
}
