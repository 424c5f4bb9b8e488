package harness

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

var (
	// ErrMaxIterations is returned when a turn does not reach Ending in time.
	ErrMaxIterations = errors.New("harness: max iterations exceeded")
	// ErrNoModel is returned when a model role is missing.
	ErrNoModel = errors.New("harness: model role not configured")
	// ErrNoDispatcher is returned when tools are requested but nothing can run them.
	ErrNoDispatcher = errors.New("harness: no task dispatcher configured")
)

// State is a step of the conversation state machine.
type State int

const (
	StateIdle State = iota
	StatePlanning
	StateJudging
	StateSummarizing
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlanning:
		return "complex_task_planning"
	case StateJudging:
		return "knowledge_judging"
	case StateSummarizing:
		return "summarizing"
	case StateEnding:
		return "ending"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Dispatcher runs tool invocations asynchronously.
type Dispatcher interface {
	Submit(inv ports.ToolInvocation) (string, error)
	Await(ctx context.Context, id string, timeout time.Duration) (ports.TaskResult, error)
}

// Policy controls orchestration behavior.
type Policy struct {
	MaxIterations int           // state visits per turn
	ToolTimeout   time.Duration // per await; 0 waits until ctx is done
	MaxTodoItems  int           // subtasks run per plan; 0 runs them all

	// CacheableTools are read-only tools whose successful results are reused
	// for identical arguments within CacheTTL.
	CacheableTools []string
	CacheTTL       time.Duration
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxIterations: 10,
		ToolTimeout:   60 * time.Second,
	}
}

// Response is the outcome of one turn.
type Response struct {
	Answer string
	Exited bool    // the dialogue model asked to end the conversation
	Path   []State // states visited, Ending included
}

// turn is the working set of one Run.
type turn struct {
	state   State
	input   string
	buffer  string
	pending []ports.ToolInvocation
	answer  string
	exited  bool
}

// Orchestrator sequences the dialogue and knowledge roles and tool execution
// into one terminating turn.
type Orchestrator struct {
	dialogue       Model
	knowledge      Model
	dispatcher     Dispatcher
	guardrails     *Guardrails
	store          ports.TranscriptStore
	tracer         ports.Tracer
	cache          ports.Cache
	policy         *Policy
	logger         zerolog.Logger
	conversationID string
}

// NewOrchestrator creates an orchestrator. Nil guardrails disable invocation
// checks; nil store, tracer and policy fall back to no-ops and defaults.
func NewOrchestrator(
	dialogue, knowledge Model,
	dispatcher Dispatcher,
	guardrails *Guardrails,
	store ports.TranscriptStore,
	tracer ports.Tracer,
	policy *Policy,
	logger zerolog.Logger,
) *Orchestrator {
	if store == nil {
		store = &noOpStore{}
	}
	if tracer == nil {
		tracer = &noOpTracer{}
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Orchestrator{
		dialogue:   dialogue,
		knowledge:  knowledge,
		dispatcher: dispatcher,
		guardrails: guardrails,
		store:      store,
		tracer:     tracer,
		cache:      &noOpCache{},
		policy:     policy,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
	}
}

// WithConversationID tags transcripts and spans with id.
func (o *Orchestrator) WithConversationID(id string) *Orchestrator {
	o.conversationID = id
	return o
}

// WithCache stores results of the policy's cacheable tools in cache.
func (o *Orchestrator) WithCache(cache ports.Cache) *Orchestrator {
	if cache != nil {
		o.cache = cache
	}
	return o
}

// Run drives one user turn from Idle to Ending.
func (o *Orchestrator) Run(ctx context.Context, userInput string) (resp *Response, err error) {
	if o.dialogue == nil || o.knowledge == nil {
		return nil, ErrNoModel
	}

	ctx, finish := o.tracer.StartSpan(ctx, "turn", map[string]any{
		"conversation_id": o.conversationID,
	})
	defer func() { finish(err) }()

	o.record(ctx, ports.Turn{Role: string(ports.RoleUser), Content: userInput})

	t := &turn{state: StateIdle, input: userInput}
	resp = &Response{}
	for iteration := 0; t.state != StateEnding; iteration++ {
		if iteration >= o.policy.MaxIterations {
			return resp, fmt.Errorf("%w: %d", ErrMaxIterations, o.policy.MaxIterations)
		}
		resp.Path = append(resp.Path, t.state)

		var next State
		switch t.state {
		case StateIdle:
			next, err = o.idle(ctx, t)
		case StatePlanning:
			next, err = o.planning(ctx, t)
		case StateJudging:
			next, err = o.judging(ctx, t)
		case StateSummarizing:
			next, err = o.summarizing(ctx, t)
		default:
			err = fmt.Errorf("unknown state %s", t.state)
		}
		if err != nil {
			return resp, fmt.Errorf("%s: %w", t.state, err)
		}

		o.tracer.Event(ctx, "transition", map[string]any{"from": t.state.String(), "to": next.String()})
		t.state = next
	}
	resp.Path = append(resp.Path, StateEnding)
	resp.Answer = t.answer
	resp.Exited = t.exited

	if t.answer != "" {
		o.record(ctx, ports.Turn{Role: string(ports.RoleAssistant), Content: t.answer})
	}
	return resp, nil
}

// idle asks the dialogue model and routes on its reply.
func (o *Orchestrator) idle(ctx context.Context, t *turn) (State, error) {
	reply, err := o.dialogue.Ask(ctx, Instruction{Role: ports.RoleUser, Content: t.input})
	if err != nil {
		return StateEnding, err
	}
	if strings.TrimSpace(reply.Text) != "" {
		t.answer = reply.Text
		return StateEnding, nil
	}
	if len(reply.Invocations) == 0 {
		return StateEnding, nil
	}

	results, err := o.execute(ctx, reply.Invocations)
	if err != nil {
		return StateEnding, err
	}
	first := results[0]

	if !first.IsError {
		d, perr := ParseDirective(first.Text())
		if perr != nil {
			o.logger.Debug().Err(perr).Msg("tool result is not a directive, using it as the answer")
			t.answer = first.Text()
			return StateEnding, nil
		}
		switch d.TaskType {
		case TaskPlan:
			t.buffer = d.Description
			return StatePlanning, nil
		case TaskExit:
			t.exited = true
			return StateEnding, nil
		}
	}

	// any other result is handed back to the dialogue model to phrase the answer
	follow, err := o.dialogue.Ask(ctx, Instruction{Role: ports.RoleSystem, Content: toolResultInstruction(results)})
	if err != nil {
		return StateEnding, err
	}
	t.answer = follow.Text
	if strings.TrimSpace(t.answer) == "" {
		t.answer = first.Text()
	}
	return StateEnding, nil
}

// planning lets the knowledge model decide whether to intervene.
func (o *Orchestrator) planning(ctx context.Context, t *turn) (State, error) {
	reply, err := o.knowledge.Ask(ctx, Instruction{Role: ports.RoleUser, Content: planningInstruction(t.buffer)})
	if err != nil {
		return StateEnding, err
	}
	if len(reply.Invocations) > 0 {
		t.pending = reply.Invocations
		return StateJudging, nil
	}
	return StateSummarizing, nil
}

// judging runs the generated task list item by item through the knowledge
// model and collects everything it produces.
func (o *Orchestrator) judging(ctx context.Context, t *turn) (State, error) {
	pending := t.pending
	t.pending = nil

	results, err := o.execute(ctx, pending)
	if err != nil {
		return StateEnding, err
	}
	if len(results) == 0 {
		t.buffer = ""
		return StateSummarizing, nil
	}

	items, perr := ParseTodoList(results[0].Text())
	if results[0].IsError || perr != nil {
		t.buffer = joinResults(results)
		return StateSummarizing, nil
	}

	var collected []string
	for i, item := range items {
		if o.policy.MaxTodoItems > 0 && i >= o.policy.MaxTodoItems {
			o.logger.Warn().Int("skipped", len(items)-i).Msg("todo list truncated")
			break
		}
		reply, err := o.knowledge.Ask(ctx, Instruction{Role: ports.RoleUser, Content: subtaskInstruction(item.Description)})
		if err != nil {
			return StateEnding, err
		}
		if len(reply.Invocations) > 0 {
			itemResults, err := o.execute(ctx, reply.Invocations)
			if err != nil {
				return StateEnding, err
			}
			if text := joinResults(itemResults); text != "" {
				collected = append(collected, text)
			}
		}
		if reply.Text != "" {
			collected = append(collected, reply.Text)
		}
	}
	t.buffer = strings.Join(collected, "\n")
	return StateSummarizing, nil
}

// summarizing hands the collected data back to the dialogue model.
func (o *Orchestrator) summarizing(ctx context.Context, t *turn) (State, error) {
	reply, err := o.dialogue.Ask(ctx, Instruction{Role: ports.RoleUser, Content: summaryInstruction(t.input, t.buffer)})
	if err != nil {
		return StateEnding, err
	}
	if len(reply.Invocations) > 0 {
		results, err := o.execute(ctx, reply.Invocations)
		if err != nil {
			return StateEnding, err
		}
		t.buffer = joinResults(results)
	}
	return StateIdle, nil
}

// execute runs invocations one after another and returns one result each.
// Rejected invocations and timeouts become error results; a failure to
// submit or a done ctx aborts the turn.
func (o *Orchestrator) execute(ctx context.Context, invs []ports.ToolInvocation) ([]ports.TaskResult, error) {
	if o.dispatcher == nil {
		return nil, ErrNoDispatcher
	}
	results := make([]ports.TaskResult, 0, len(invs))
	for _, inv := range invs {
		res, err := o.dispatch(ctx, inv)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, inv ports.ToolInvocation) (res ports.TaskResult, err error) {
	ctx, finish := o.tracer.StartSpan(ctx, "tool_call", map[string]any{"tool": inv.Name, "call_id": inv.ID})
	defer func() { finish(err) }()
	logger := o.logger.With().Str("tool", inv.Name).Logger()

	if o.guardrails != nil {
		if verr := o.guardrails.ValidateInvocation(inv); verr != nil {
			logger.Warn().Err(verr).Msg("invocation rejected")
			res = ports.ErrorResult(verr.Error())
			o.artifact(ctx, inv.Name, res)
			return res, nil
		}
	}

	key, cacheable := o.cacheKey(inv)
	if cacheable {
		if raw, ok := o.cache.Get(ctx, key); ok {
			var cached ports.TaskResult
			if json.Unmarshal(raw, &cached) == nil {
				o.tracer.Event(ctx, "cache_hit", map[string]any{"tool": inv.Name})
				o.artifact(ctx, inv.Name, cached)
				return cached, nil
			}
		}
	}

	id, err := o.dispatcher.Submit(inv)
	if err != nil {
		return ports.TaskResult{}, fmt.Errorf("failed to submit %s: %w", inv.Name, err)
	}

	res, err = o.dispatcher.Await(ctx, id, o.policy.ToolTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return ports.TaskResult{}, err
		}
		logger.Warn().Err(err).Str("task_id", id).Msg("no result for tool call")
		res = ports.ErrorResult(fmt.Sprintf("tool %s: %v", inv.Name, err))
		err = nil
	} else if cacheable && !res.IsError {
		o.remember(ctx, key, res)
	}
	o.artifact(ctx, inv.Name, res)
	return res, nil
}

// cacheKey derives a blake3 key from the tool name and its arguments in
// canonical form, so whitespace and key order do not miss the cache.
func (o *Orchestrator) cacheKey(inv ports.ToolInvocation) (string, bool) {
	if !slices.Contains(o.policy.CacheableTools, inv.Name) {
		return "", false
	}
	args := []byte(inv.Arguments)
	var v any
	if err := json.Unmarshal(args, &v); err == nil {
		if canon, err := json.Marshal(v); err == nil {
			args = canon
		}
	}

	h := blake3.New()
	_, _ = h.Write([]byte(inv.Name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(args)
	return "tool:" + hex.EncodeToString(h.Sum(nil)[:16]), true
}

func (o *Orchestrator) remember(ctx context.Context, key string, res ports.TaskResult) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := o.cache.Set(ctx, key, data, int(o.policy.CacheTTL/time.Second)); err != nil {
		o.logger.Debug().Err(err).Msg("failed to cache tool result")
	}
}

func (o *Orchestrator) record(ctx context.Context, t ports.Turn) {
	t.CreatedAt = time.Now()
	if err := o.store.SaveTurn(ctx, o.conversationID, t); err != nil {
		o.tracer.Event(ctx, "store_error", map[string]any{"error": err.Error()})
		o.logger.Warn().Err(err).Msg("failed to save turn")
	}
}

func (o *Orchestrator) artifact(ctx context.Context, name string, res ports.TaskResult) {
	payload, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := o.store.AppendToolArtifact(ctx, o.conversationID, name, payload); err != nil {
		o.logger.Warn().Err(err).Str("tool", name).Msg("failed to save tool artifact")
	}
}
