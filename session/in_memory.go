package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
)

// ErrBotNotActive is returned by Leave when the bot is not in the session.
var ErrBotNotActive = errors.New("bot not active in session")

// Options configure an InMemoryStore.
type Options struct {
	// Persist receives every SessionBot change. Optional.
	Persist core.ExecutionStore
	// MaxTranscript bounds the messages kept per session; 0 keeps all.
	MaxTranscript int
	Logger        logging.Logger
	Now           func() time.Time
}

// JoinOptions override a bot's defaults for one session.
type JoinOptions struct {
	Trigger  *core.Trigger
	Priority *int
}

type sessionState struct {
	loaded     bool
	bots       map[string]*core.SessionBot
	transcript []core.Message
}

// InMemoryStore is a process local registry of session bots and
// transcripts. It is safe for concurrent access; returned values are copies.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState

	persist       core.ExecutionStore
	maxTranscript int
	logger        logging.Logger
	now           func() time.Time
}

// NewInMemoryStore constructs an empty session store.
func NewInMemoryStore(optFns ...func(o *Options)) *InMemoryStore {
	opts := Options{Logger: logging.NoOpLogger{}, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &InMemoryStore{
		sessions:      make(map[string]*sessionState),
		persist:       opts.Persist,
		maxTranscript: opts.MaxTranscript,
		logger:        logging.OrNoOp(opts.Logger),
		now:           opts.Now,
	}
}

// Join activates bot in a session. Joining an already active bot updates its
// trigger override and priority but keeps its original join time.
func (s *InMemoryStore) Join(ctx context.Context, sessionID string, bot core.Bot, optFns ...func(o *JoinOptions)) (core.SessionBot, error) {
	if sessionID == "" || bot.Name == "" {
		return core.SessionBot{}, errors.New("join: session id and bot name are required")
	}
	var opts JoinOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return core.SessionBot{}, err
	}

	s.mu.Lock()
	key := strings.ToLower(bot.Name)
	sb, ok := sess.bots[key]
	if !ok || !sb.Active {
		sb = &core.SessionBot{SessionID: sessionID, JoinedAt: s.now()}
		sess.bots[key] = sb
	}
	sb.Bot = bot
	sb.Active = true
	sb.LeftAt = time.Time{}
	sb.Trigger = opts.Trigger
	sb.Priority = bot.Priority
	if opts.Priority != nil {
		sb.Priority = *opts.Priority
	}
	out := *sb
	s.mu.Unlock()

	if err := s.save(ctx, out); err != nil {
		return core.SessionBot{}, err
	}
	s.logger.Debug("Bot joined session", "session", sessionID, "bot", bot.Name, "priority", out.Priority)
	return out, nil
}

// Leave deactivates a bot in a session.
func (s *InMemoryStore) Leave(ctx context.Context, sessionID, botName string) error {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	sb, ok := sess.bots[strings.ToLower(botName)]
	if !ok || !sb.Active {
		s.mu.Unlock()
		return fmt.Errorf("leave %s/%s: %w", sessionID, botName, ErrBotNotActive)
	}
	sb.Active = false
	sb.LeftAt = s.now()
	out := *sb
	s.mu.Unlock()

	if err := s.save(ctx, out); err != nil {
		return err
	}
	s.logger.Debug("Bot left session", "session", sessionID, "bot", botName)
	return nil
}

// Active returns the session's active bots ordered by join time, then name.
func (s *InMemoryStore) Active(ctx context.Context, sessionID string) ([]core.SessionBot, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]core.SessionBot, 0, len(sess.bots))
	for _, sb := range sess.bots {
		if sb.Active {
			out = append(out, *sb)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].Bot.Name < out[j].Bot.Name
	})
	return out, nil
}

// Sessions returns the ids of every session seen so far, sorted.
func (s *InMemoryStore) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AppendMessage records a message in the session transcript.
func (s *InMemoryStore) AppendMessage(msg core.Message) core.Message {
	if msg.ID == "" {
		msg.ID = core.NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.stateLocked(msg.SessionID)
	sess.transcript = append(sess.transcript, msg)
	if s.maxTranscript > 0 && len(sess.transcript) > s.maxTranscript {
		sess.transcript = append([]core.Message(nil), sess.transcript[len(sess.transcript)-s.maxTranscript:]...)
	}
	return msg
}

// Transcript returns a copy of the session's messages, oldest first.
func (s *InMemoryStore) Transcript(sessionID string) []core.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]core.Message(nil), sess.transcript...)
}

// session returns the state for sessionID, loading persisted bots on first use.
func (s *InMemoryStore) session(ctx context.Context, sessionID string) (*sessionState, error) {
	s.mu.Lock()
	sess := s.stateLocked(sessionID)
	if sess.loaded || s.persist == nil {
		sess.loaded = true
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	bots, err := s.persist.ListSessionBots(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !sess.loaded {
		for i := range bots {
			sb := bots[i]
			key := strings.ToLower(sb.Bot.Name)
			if _, ok := sess.bots[key]; !ok {
				sess.bots[key] = &sb
			}
		}
		sess.loaded = true
	}
	return sess, nil
}

// stateLocked allocates session state on demand; caller holds the write lock.
func (s *InMemoryStore) stateLocked(sessionID string) *sessionState {
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &sessionState{bots: make(map[string]*core.SessionBot)}
		s.sessions[sessionID] = sess
	}
	return sess
}

func (s *InMemoryStore) save(ctx context.Context, sb core.SessionBot) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.SaveSessionBot(ctx, sb); err != nil {
		return fmt.Errorf("persist session bot %s/%s: %w", sb.SessionID, sb.Bot.Name, err)
	}
	return nil
}
