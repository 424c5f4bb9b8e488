package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

// Instruction is one request to a model role.
type Instruction struct {
	Role       ports.Role // author recorded in the role's history
	Content    string
	ToolChoice string // "" | "auto" | "none" | tool name
}

// Reply is what a model role produced for one instruction.
type Reply struct {
	Text        string
	Reasoning   string
	Invocations []ports.ToolInvocation
}

// Model answers instructions for one role.
type Model interface {
	Ask(ctx context.Context, in Instruction) (Reply, error)
}

// Conversation is the per-role history a RoleClient reads and appends to.
type Conversation interface {
	Insert(role ports.Role, content string) error
	InsertWithReasoning(role ports.Role, content, reasoning string) error
	Get() []ports.Message
}

// Capabilities lists the tools a model may call.
type Capabilities interface {
	ListCapabilities() ([]ports.ToolSpec, error)
}

// RoleOptions configures a RoleClient. Zero values fall back to no-ops.
type RoleOptions struct {
	Tools   Capabilities
	Limiter ports.RateLimiter
	Tracer  ports.Tracer
	Sink    ports.Sink
	Options ports.Options
	Logger  zerolog.Logger
}

// RoleClient drives one model role: it records each instruction in the
// role's history, streams a completion and records the reply.
type RoleClient struct {
	name     string
	provider ports.Provider
	history  Conversation
	tools    Capabilities
	limiter  ports.RateLimiter
	tracer   ports.Tracer
	sink     ports.Sink
	opts     ports.Options
	logger   zerolog.Logger
}

// NewRoleClient creates a model callback for the role called name.
func NewRoleClient(name string, provider ports.Provider, history Conversation, opts RoleOptions) *RoleClient {
	c := &RoleClient{
		name:     name,
		provider: provider,
		history:  history,
		tools:    opts.Tools,
		limiter:  opts.Limiter,
		tracer:   opts.Tracer,
		sink:     opts.Sink,
		opts:     opts.Options,
		logger:   opts.Logger.With().Str("role", name).Logger(),
	}
	if c.limiter == nil {
		c.limiter = &noOpRateLimiter{}
	}
	if c.tracer == nil {
		c.tracer = &noOpTracer{}
	}
	return c
}

// Name returns the role name.
func (c *RoleClient) Name() string { return c.name }

// Ask sends in to the model with the role's full history and returns the
// aggregated reply with its tool calls merged.
func (c *RoleClient) Ask(ctx context.Context, in Instruction) (reply Reply, err error) {
	ctx, finish := c.tracer.StartSpan(ctx, "model_call", map[string]any{
		"role":        c.name,
		"tool_choice": in.ToolChoice,
	})
	defer func() { finish(err) }()

	author := in.Role
	if author == "" {
		author = ports.RoleUser
	}
	if err = c.history.Insert(author, in.Content); err != nil {
		return Reply{}, fmt.Errorf("%s: failed to record instruction: %w", c.name, err)
	}

	release, err := c.limiter.Acquire(ctx, c.name)
	if err != nil {
		return Reply{}, fmt.Errorf("%s: %w", c.name, err)
	}
	defer release()

	opts := c.opts
	if in.ToolChoice != "" {
		opts.ToolChoice = in.ToolChoice
	}
	prompt := BuildPrompt(c.history.Get(), c.toolSpecs(), map[string]string{"role": c.name})

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := c.provider.Stream(sctx, prompt, opts)
	if err != nil {
		return Reply{}, fmt.Errorf("%s: provider stream failed: %w", c.name, err)
	}

	var streamErr error
	agg := AggregateStream(ChannelStream(ch, &streamErr), c.sink)
	if streamErr != nil {
		return Reply{}, fmt.Errorf("%s: stream interrupted: %w", c.name, streamErr)
	}

	reply = Reply{
		Text:        agg.Text,
		Reasoning:   agg.Reasoning,
		Invocations: MergeFragments(agg.Fragments),
	}
	c.tracer.Event(ctx, "model_reply", map[string]any{
		"role":        c.name,
		"text_len":    len(reply.Text),
		"invocations": len(reply.Invocations),
	})

	if strings.TrimSpace(reply.Text) != "" {
		if err := c.history.InsertWithReasoning(ports.RoleAssistant, reply.Text, reply.Reasoning); err != nil {
			// the reply is still usable for this turn
			c.logger.Warn().Err(err).Msg("failed to record reply")
		}
	}
	return reply, nil
}

func (c *RoleClient) toolSpecs() []ports.ToolSpec {
	if c.tools == nil {
		return nil
	}
	specs, err := c.tools.ListCapabilities()
	if err != nil {
		c.logger.Debug().Err(err).Msg("tools unavailable, asking without them")
		return nil
	}
	return specs
}

var _ Model = (*RoleClient)(nil)
