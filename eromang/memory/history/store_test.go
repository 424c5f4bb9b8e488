package history

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

// byteCounter charges one token per byte so tests can size entries exactly.
func byteCounter(text string) int { return len(text) }

// memPersister is an in-memory HistoryPersister.
type memPersister struct {
	mu    sync.Mutex
	docs  map[string][]ports.Message
	saves int
	err   error
}

func newMemPersister() *memPersister {
	return &memPersister{docs: make(map[string][]ports.Message)}
}

func (p *memPersister) Save(ctx context.Context, key string, msgs []ports.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	if p.err != nil {
		return p.err
	}
	p.docs[key] = append([]ports.Message(nil), msgs...)
	return nil
}

func (p *memPersister) Load(ctx context.Context, key string) ([]ports.Message, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs, ok := p.docs[key]
	return append([]ports.Message(nil), msgs...), ok, nil
}

func newTestStore(t *testing.T, ceiling int, prompt string, persister ports.HistoryPersister) *Store {
	t.Helper()
	s, err := New(context.Background(), Options{
		Key:       "dialogue",
		Prompt:    prompt,
		Ceiling:   ceiling,
		Counter:   byteCounter,
		Persister: persister,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return s
}

func sized(letter string, n int) string { return strings.Repeat(letter, n) }

func TestStore_InsertTrimsOldestFirst(t *testing.T) {
	s := newTestStore(t, 100, sized("p", 10), nil)

	for i, n := range []int{20, 20, 20, 20, 30} {
		require.NoError(t, s.Insert(ports.RoleUser, sized(string(rune('a'+i)), n)))
	}

	msgs := s.Get()
	require.Len(t, msgs, 5)
	assert.Equal(t, ports.RoleSystem, msgs[0].Role)
	assert.Equal(t, sized("p", 10), msgs[0].Content)
	// the oldest 20 is dropped; the next one would push the suffix past 90
	assert.Equal(t, sized("b", 20), msgs[1].Content)
	assert.Equal(t, sized("e", 30), msgs[4].Content)
	assert.Equal(t, 100, s.TotalTokens())
}

func TestEvict_KeepsNewestSuffix(t *testing.T) {
	msgs := []ports.Message{
		{Role: ports.RoleSystem, Content: "prompt"},
		{Role: ports.RoleUser, Content: "1"},
		{Role: ports.RoleAssistant, Content: "2"},
		{Role: ports.RoleUser, Content: "3"},
		{Role: ports.RoleAssistant, Content: "4"},
		{Role: ports.RoleUser, Content: "5"},
	}
	costs := []int{999, 20, 20, 20, 20, 30}

	out, err := Evict(msgs, costs, 100, 10)
	require.NoError(t, err)
	require.Len(t, out, 5)
	assert.Equal(t, "prompt", out[0].Content)
	assert.Equal(t, []string{"2", "3", "4", "5"}, contents(out[1:]))
}

func TestEvict_NoPinnedEntry(t *testing.T) {
	msgs := []ports.Message{
		{Role: ports.RoleUser, Content: "1"},
		{Role: ports.RoleAssistant, Content: "2"},
		{Role: ports.RoleUser, Content: "3"},
	}

	out, err := Evict(msgs, []int{50, 50, 50}, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, contents(out))
}

func TestEvict_Errors(t *testing.T) {
	prompt := ports.Message{Role: ports.RoleSystem, Content: "prompt"}

	_, err := Evict([]ports.Message{prompt, {Role: ports.RoleUser, Content: "x"}}, []int{100, 1}, 100, 100)
	assert.ErrorIs(t, err, ErrUnrecoverable)

	_, err = Evict([]ports.Message{prompt}, []int{10}, 100, 10)
	assert.ErrorIs(t, err, ErrNoCandidates)

	_, err = Evict(nil, nil, 100, 0)
	assert.ErrorIs(t, err, ErrNoCandidates)

	_, err = Evict([]ports.Message{prompt}, nil, 100, 10)
	assert.Error(t, err)
}

func TestEvict_Invariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	roles := []ports.Role{ports.RoleUser, ports.RoleAssistant, ports.RoleSystem}

	for iter := 0; iter < 500; iter++ {
		ceiling := 20 + rng.Intn(200)
		pinnedCost := rng.Intn(ceiling)
		n := 1 + rng.Intn(30)

		msgs := []ports.Message{{Role: ports.RoleSystem, Content: "prompt"}}
		costs := []int{pinnedCost}
		for i := 0; i < n; i++ {
			msgs = append(msgs, ports.Message{Role: roles[rng.Intn(len(roles))], Content: "m"})
			costs = append(costs, rng.Intn(ceiling-pinnedCost+1))
		}

		out, err := Evict(msgs, costs, ceiling, pinnedCost)
		require.NoError(t, err)
		require.NotEmpty(t, out)
		assert.Equal(t, msgs[0], out[0])

		// the retained entries are exactly the newest suffix
		kept := len(out) - 1
		total := pinnedCost
		for _, c := range costs[len(costs)-kept:] {
			total += c
		}
		assert.LessOrEqual(t, total, ceiling)
		if kept < n {
			// one more entry would have broken the budget
			assert.Greater(t, total+costs[len(costs)-kept-1], ceiling)
		}
	}
}

func TestStore_New(t *testing.T) {
	ctx := context.Background()

	t.Run("bad counter", func(t *testing.T) {
		_, err := New(ctx, Options{Prompt: "p", Ceiling: 10, Counter: func(string) int { return 1 }})
		assert.ErrorIs(t, err, ErrInvalidCounter)

		_, err = New(ctx, Options{Prompt: "p", Ceiling: 10, Counter: func(s string) int {
			if s == "" {
				return 0
			}
			return -1
		}})
		assert.ErrorIs(t, err, ErrInvalidCounter)
	})

	t.Run("prompt fills ceiling", func(t *testing.T) {
		_, err := New(ctx, Options{Prompt: sized("p", 10), Ceiling: 10, Counter: byteCounter})
		assert.ErrorIs(t, err, ErrUnrecoverable)
	})

	t.Run("prompt over ratio", func(t *testing.T) {
		_, err := New(ctx, Options{Prompt: sized("p", 9), Ceiling: 10, PromptRatio: 0.8, Counter: byteCounter})
		assert.ErrorIs(t, err, ErrPromptTooLarge)
	})

	t.Run("empty prompt", func(t *testing.T) {
		_, err := New(ctx, Options{Prompt: "  ", Ceiling: 10})
		assert.ErrorIs(t, err, ErrEmptyContent)
	})

	t.Run("default counter", func(t *testing.T) {
		s, err := New(ctx, Options{Prompt: "abcdefgh", Ceiling: 100})
		require.NoError(t, err)
		assert.Equal(t, 2, s.TotalTokens())
	})
}

func TestStore_InsertValidation(t *testing.T) {
	s := newTestStore(t, 50, "prompt", nil)

	assert.ErrorIs(t, s.Insert("tool", "hi"), ErrInvalidRole)
	assert.ErrorIs(t, s.Insert(ports.RoleUser, " \n\t "), ErrEmptyContent)
	assert.ErrorIs(t, s.Insert(ports.RoleUser, sized("x", 51)), ErrTokenOverflow)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.InsertWithReasoning(ports.RoleAssistant, "  answer  ", "  because  "))
	msgs := s.Get()
	assert.Equal(t, ports.Message{Role: ports.RoleAssistant, Content: "answer", ReasoningContent: "because"}, msgs[1])
}

func TestStore_ReplaceAndDelete(t *testing.T) {
	s := newTestStore(t, 100, "prompt", nil)
	require.NoError(t, s.Insert(ports.RoleUser, "question"))
	require.NoError(t, s.Insert(ports.RoleAssistant, "answer"))

	assert.ErrorIs(t, s.Replace(5, ports.RoleUser, "x"), ErrIndexOutOfRange)
	assert.ErrorIs(t, s.Replace(-1, ports.RoleUser, "x"), ErrIndexOutOfRange)
	assert.ErrorIs(t, s.Replace(1, ports.RoleAssistant, "x"), ErrRoleMismatch)
	require.NoError(t, s.Replace(1, ports.RoleUser, "better question"))
	assert.Equal(t, "better question", s.Get()[1].Content)

	require.NoError(t, s.Replace(0, ports.RoleSystem, "new prompt"))
	assert.Equal(t, "new prompt", s.Get()[0].Content)

	assert.ErrorIs(t, s.Delete(3), ErrIndexOutOfRange)
	assert.ErrorIs(t, s.Delete(0), ErrPinned)
	require.NoError(t, s.Delete(1))
	assert.Equal(t, []string{"new prompt", "answer"}, contents(s.Get()))
}

func TestStore_InsertAtExtendOverwrite(t *testing.T) {
	s := newTestStore(t, 100, "prompt", nil)

	require.NoError(t, s.Extend([]ports.Message{
		{Role: ports.RoleUser, Content: "one"},
		{Role: ports.RoleAssistant, Content: "two"},
	}))
	assert.ErrorIs(t, s.Extend([]ports.Message{
		{Role: ports.RoleUser, Content: "three"},
		{Role: ports.RoleUser, Content: ""},
	}), ErrEmptyContent)
	assert.Equal(t, 3, s.Len())

	assert.ErrorIs(t, s.InsertAt(0, ports.RoleSystem, "other"), ErrPinned)
	assert.ErrorIs(t, s.InsertAt(9, ports.RoleUser, "x"), ErrIndexOutOfRange)
	require.NoError(t, s.InsertAt(1, ports.RoleSystem, "supplement"))
	assert.Equal(t, []string{"prompt", "supplement", "one", "two"}, contents(s.Get()))

	require.NoError(t, s.Overwrite([]ports.Message{{Role: ports.RoleUser, Content: "fresh"}}))
	assert.Equal(t, []string{"prompt", "fresh"}, contents(s.Get()))
}

func TestStore_ClearAndClearReasoning(t *testing.T) {
	s := newTestStore(t, 100, "prompt", nil)
	require.NoError(t, s.InsertWithReasoning(ports.RoleAssistant, "answer", "thoughts"))

	s.ClearReasoning()
	assert.Empty(t, s.Get()[1].ReasoningContent)

	s.Clear()
	assert.Equal(t, []string{"prompt"}, contents(s.Get()))
	assert.ErrorIs(t, s.Trim(), ErrNoCandidates)
}

func TestStore_SetPromptTrims(t *testing.T) {
	s := newTestStore(t, 100, sized("p", 10), nil)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Insert(ports.RoleUser, sized("u", 20)))
	}
	assert.Equal(t, 90, s.TotalTokens())

	require.NoError(t, s.SetPrompt(sized("q", 40)))
	assert.LessOrEqual(t, s.TotalTokens(), 100)
	assert.Equal(t, sized("q", 40), s.Get()[0].Content)

	assert.ErrorIs(t, s.SetPrompt(sized("q", 100)), ErrUnrecoverable)
	assert.Equal(t, sized("q", 40), s.Get()[0].Content)
}

func TestStore_Persistence(t *testing.T) {
	p := newMemPersister()
	s := newTestStore(t, 100, "old prompt", p)
	require.NoError(t, s.Insert(ports.RoleUser, "hello"))
	require.NoError(t, s.Insert(ports.RoleAssistant, "hi"))

	saved := p.docs["dialogue"]
	assert.Equal(t, []string{"old prompt", "hello", "hi"}, contents(saved))

	// a restart with an edited prompt keeps the conversation behind it
	restored := newTestStore(t, 100, "new prompt", p)
	assert.Equal(t, []string{"new prompt", "hello", "hi"}, contents(restored.Get()))
}

func TestStore_RestoreDropsInvalidEntries(t *testing.T) {
	p := newMemPersister()
	p.docs["dialogue"] = []ports.Message{
		{Role: ports.RoleSystem, Content: "stale prompt"},
		{Role: ports.RoleUser, Content: "  hello  "},
		{Role: "tool", Content: "unknown role"},
		{Role: ports.RoleAssistant, Content: "   "},
		{Role: ports.RoleAssistant, Content: sized("x", 200)},
		{Role: ports.RoleAssistant, Content: "hi"},
	}

	s := newTestStore(t, 100, "prompt", p)
	assert.Equal(t, []string{"prompt", "hello", "hi"}, contents(s.Get()))
	assert.Equal(t, []string{"prompt", "hello", "hi"}, contents(p.docs["dialogue"]), "the cleaned history is written back")
}

func TestStore_PersistFailureIsNotFatal(t *testing.T) {
	p := newMemPersister()
	s := newTestStore(t, 100, "prompt", p)
	p.err = errors.New("disk full")

	require.NoError(t, s.Insert(ports.RoleUser, "hello"))
	assert.Equal(t, 2, s.Len())
	assert.GreaterOrEqual(t, p.saves, 2)
}

func contents(msgs []ports.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
