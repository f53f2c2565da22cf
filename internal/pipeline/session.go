package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/tally/internal/engine"
	"github.com/kalambet/tally/internal/telemetry"
)

const (
	RoleUser      = engine.RoleUser
	RoleAssistant = engine.RoleAssistant
)

// Turn is one entry of a session's conversational memory.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is one user's conversation. It owns its memory and telemetry
// log; questions against the same session run one at a time.
type Session struct {
	ID        string
	User      string
	CreatedAt time.Time
	Log       *telemetry.Log

	run    sync.Mutex // held for the whole of a question
	mu     sync.Mutex // guards memory
	memory []Turn
}

func NewSession(user string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		User:      user,
		CreatedAt: time.Now().UTC(),
		Log:       telemetry.NewLog(),
	}
}

// Memory returns a copy of the conversation so far.
func (s *Session) Memory() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.memory))
	copy(out, s.memory)
	return out
}

func (s *Session) remember(turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory = append(s.memory, turns...)
}

// Rate attaches a user rating to the most recent record of the session.
func (s *Session) Rate(ctx context.Context, sink telemetry.Sink, rating int) error {
	return s.Log.Rate(ctx, sink, rating)
}

func history(turns []Turn) []engine.Message {
	out := make([]engine.Message, len(turns))
	for i, t := range turns {
		out[i] = engine.Message{Role: t.Role, Content: t.Content}
	}
	return out
}
