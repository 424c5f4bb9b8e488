// Package history keeps per-role conversation state under a hard token
// ceiling. Entry 0 is the role's system prompt and is never evicted.
package history

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

const persistTimeout = 5 * time.Second

// Options configures a Store.
type Options struct {
	Key         string  // persistence key, usually the role name
	Prompt      string  // pinned system prompt
	Ceiling     int     // max total token cost
	PromptRatio float64 // max share of Ceiling the prompt may use; 0 disables
	Counter     TokenCounter
	Persister   ports.HistoryPersister // optional
	Logger      zerolog.Logger
}

// Store is a token-bounded message log for one model role.
type Store struct {
	mu         sync.RWMutex
	key        string
	ceiling    int
	ratio      float64
	count      TokenCounter
	persister  ports.HistoryPersister
	logger     zerolog.Logger
	pinnedCost int
	msgs       []ports.Message
}

// New builds a store, restoring any persisted history behind the current prompt.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Counter == nil {
		opts.Counter = EstimateTokens
	}
	if err := VerifyCounter(opts.Counter); err != nil {
		return nil, err
	}
	if opts.Ceiling <= 0 {
		return nil, fmt.Errorf("history: ceiling must be positive, got %d", opts.Ceiling)
	}

	s := &Store{
		key:       opts.Key,
		ceiling:   opts.Ceiling,
		ratio:     opts.PromptRatio,
		count:     opts.Counter,
		persister: opts.Persister,
		logger:    opts.Logger.With().Str("history", opts.Key).Logger(),
	}

	prompt, cost, err := s.checkPrompt(opts.Prompt)
	if err != nil {
		return nil, err
	}
	s.pinnedCost = cost
	s.msgs = []ports.Message{prompt}

	if s.persister != nil {
		stored, found, err := s.persister.Load(ctx, s.key)
		if err != nil {
			return nil, fmt.Errorf("failed to load history %q: %w", s.key, err)
		}
		if found && len(stored) > 0 {
			if stored[0].Role == ports.RoleSystem {
				stored = stored[1:]
			}
			for i, m := range stored {
				msg, err := s.validate(m)
				if err != nil {
					s.logger.Warn().Err(err).Int("entry", i).Msg("dropping invalid persisted message")
					continue
				}
				s.msgs = append(s.msgs, msg)
			}
		}
	}

	if s.totalLocked() > s.ceiling {
		if err := s.trimLocked(); err != nil {
			return nil, err
		}
	}
	s.persistLocked()

	return s, nil
}

// Key returns the persistence key.
func (s *Store) Key() string { return s.key }

// Ceiling returns the configured token ceiling.
func (s *Store) Ceiling() int { return s.ceiling }

// Insert appends a message, trimming old entries when the ceiling is crossed.
func (s *Store) Insert(role ports.Role, content string) error {
	return s.InsertWithReasoning(role, content, "")
}

// InsertWithReasoning appends a message that carries model reasoning.
func (s *Store) InsertWithReasoning(role ports.Role, content, reasoning string) error {
	msg, err := s.validate(ports.Message{Role: role, Content: content, ReasoningContent: reasoning})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(append(s.cloneLocked(), msg))
}

// InsertAt places a message at index; index may equal Len to append.
// The pinned prompt cannot be displaced.
func (s *Store) InsertAt(index int, role ports.Role, content string) error {
	msg, err := s.validate(ports.Message{Role: role, Content: content})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index > len(s.msgs) {
		return fmt.Errorf("%w: %d not in [0,%d]", ErrIndexOutOfRange, index, len(s.msgs))
	}
	if index == 0 && s.pinnedLocked() {
		return ErrPinned
	}

	next := make([]ports.Message, 0, len(s.msgs)+1)
	next = append(next, s.msgs[:index]...)
	next = append(next, msg)
	next = append(next, s.msgs[index:]...)
	return s.commitLocked(next)
}

// Extend appends every message or none of them.
func (s *Store) Extend(msgs []ports.Message) error {
	valid, err := s.validateAll(msgs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(append(s.cloneLocked(), valid...))
}

// Overwrite replaces everything after the pinned prompt.
func (s *Store) Overwrite(msgs []ports.Message) error {
	valid, err := s.validateAll(msgs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]ports.Message, 0, len(valid)+1)
	if s.pinnedLocked() {
		next = append(next, s.msgs[0])
	}
	return s.commitLocked(append(next, valid...))
}

// Get returns a snapshot of the history.
func (s *Store) Get() []ports.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cloneLocked()
}

// Len returns the number of entries, the pinned prompt included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Replace swaps the content at index. The role must match the existing one.
func (s *Store) Replace(index int, role ports.Role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.msgs) {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, index, len(s.msgs))
	}
	if s.msgs[index].Role != role {
		return fmt.Errorf("%w: entry %d is %s, not %s", ErrRoleMismatch, index, s.msgs[index].Role, role)
	}
	if index == 0 && s.pinnedLocked() {
		return s.setPromptLocked(content)
	}

	msg, err := s.validate(ports.Message{Role: role, Content: content})
	if err != nil {
		return err
	}
	next := s.cloneLocked()
	next[index] = msg
	return s.commitLocked(next)
}

// Delete removes the entry at index.
func (s *Store) Delete(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.msgs) {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, index, len(s.msgs))
	}
	if index == 0 && s.pinnedLocked() {
		return ErrPinned
	}

	s.msgs = append(s.msgs[:index:index], s.msgs[index+1:]...)
	s.persistLocked()
	return nil
}

// Clear resets the history to the pinned prompt.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinnedLocked() {
		s.msgs = s.msgs[:1:1]
	} else {
		s.msgs = nil
	}
	s.persistLocked()
}

// ClearReasoning drops reasoning content from every entry.
func (s *Store) ClearReasoning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		s.msgs[i].ReasoningContent = ""
	}
	s.persistLocked()
}

// SetPrompt replaces the pinned prompt, trimming if the new one is larger.
func (s *Store) SetPrompt(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setPromptLocked(content)
}

// Trim evicts the oldest unpinned entries until the history fits the ceiling.
func (s *Store) Trim() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.trimLocked(); err != nil {
		return err
	}
	s.persistLocked()
	return nil
}

// TotalTokens returns the current cost of the whole history.
func (s *Store) TotalTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalLocked()
}

func (s *Store) validate(msg ports.Message) (ports.Message, error) {
	if !msg.Role.Valid() {
		return msg, fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}
	msg.Content = strings.TrimSpace(msg.Content)
	msg.ReasoningContent = strings.TrimSpace(msg.ReasoningContent)
	if msg.Content == "" {
		return msg, ErrEmptyContent
	}
	if cost := s.count(msg.Content); cost > s.ceiling {
		return msg, fmt.Errorf("%w: %d > %d", ErrTokenOverflow, cost, s.ceiling)
	}
	return msg, nil
}

func (s *Store) validateAll(msgs []ports.Message) ([]ports.Message, error) {
	out := make([]ports.Message, 0, len(msgs))
	for i, m := range msgs {
		v, err := s.validate(m)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) checkPrompt(content string) (ports.Message, int, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return ports.Message{}, 0, fmt.Errorf("prompt: %w", ErrEmptyContent)
	}
	cost := s.count(content)
	if cost >= s.ceiling {
		return ports.Message{}, 0, fmt.Errorf("%w: prompt costs %d, ceiling %d", ErrUnrecoverable, cost, s.ceiling)
	}
	if s.ratio > 0 && float64(cost) > s.ratio*float64(s.ceiling) {
		return ports.Message{}, 0, fmt.Errorf("%w: prompt costs %d, limit %.0f", ErrPromptTooLarge, cost, s.ratio*float64(s.ceiling))
	}
	return ports.Message{Role: ports.RoleSystem, Content: content}, cost, nil
}

func (s *Store) setPromptLocked(content string) error {
	prompt, cost, err := s.checkPrompt(content)
	if err != nil {
		return err
	}

	next := s.cloneLocked()
	if len(next) > 0 && next[0].Role == ports.RoleSystem {
		next[0] = prompt
	} else {
		next = append([]ports.Message{prompt}, next...)
	}
	prevMsgs, prevCost := s.msgs, s.pinnedCost
	s.pinnedCost = cost
	if err := s.commitLocked(next); err != nil {
		s.msgs, s.pinnedCost = prevMsgs, prevCost
		return err
	}
	return nil
}

// commitLocked installs next, trimming first when it is over the ceiling.
func (s *Store) commitLocked(next []ports.Message) error {
	if s.totalOf(next) > s.ceiling {
		trimmed, err := Evict(next, s.costsOf(next), s.ceiling, s.pinnedCost)
		if err != nil {
			return err
		}
		s.logger.Debug().
			Int("before", len(next)).
			Int("after", len(trimmed)).
			Msg("history trimmed")
		next = trimmed
	}
	s.msgs = next
	s.persistLocked()
	return nil
}

func (s *Store) trimLocked() error {
	trimmed, err := Evict(s.msgs, s.costsOf(s.msgs), s.ceiling, s.pinnedCost)
	if err != nil {
		return err
	}
	s.msgs = trimmed
	return nil
}

func (s *Store) costsOf(msgs []ports.Message) []int {
	costs := make([]int, len(msgs))
	for i, m := range msgs {
		if i == 0 && m.Role == ports.RoleSystem {
			costs[i] = s.pinnedCost
			continue
		}
		costs[i] = s.count(m.Content)
	}
	return costs
}

func (s *Store) totalOf(msgs []ports.Message) int {
	total := 0
	for _, c := range s.costsOf(msgs) {
		total += c
	}
	return total
}

func (s *Store) totalLocked() int { return s.totalOf(s.msgs) }

func (s *Store) pinnedLocked() bool {
	return len(s.msgs) > 0 && s.msgs[0].Role == ports.RoleSystem
}

func (s *Store) cloneLocked() []ports.Message {
	out := make([]ports.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// persistLocked is best effort: failures are logged and state still advances.
func (s *Store) persistLocked() {
	if s.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.persister.Save(ctx, s.key, s.cloneLocked()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist history")
	}
}
