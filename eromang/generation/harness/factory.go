package harness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/xinge0721/Eromang/eromang/config"
	"github.com/xinge0721/Eromang/eromang/db"
	"github.com/xinge0721/Eromang/eromang/generation/harness/adapters"
	"github.com/xinge0721/Eromang/eromang/generation/harness/bridge"
	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
	"github.com/xinge0721/Eromang/eromang/generation/harness/tools"
	"github.com/xinge0721/Eromang/eromang/generation/models"
	"github.com/xinge0721/Eromang/eromang/memory/history"
)

// Role names double as history persistence keys.
const (
	RoleDialogue  = "dialogue"
	RoleKnowledge = "knowledge"
)

const defaultDialoguePrompt = `You are the dialogue model of a two-model assistant.
Answer simple requests directly. When a request needs research or several steps,
call route_task with task_type PLAN and describe the goal. When the user wants to
leave, call route_task with task_type EXIT.`

const defaultKnowledgePrompt = `You are the knowledge model of a two-model assistant.
When asked to review a plan, either call generate_todo_list with concrete tasks or
answer that no intervention is needed. When asked to complete a task, use the
available tools to gather what you need and reply with the result.`

// Factory creates and wires harness components from configuration.
type Factory struct {
	cfg       *config.Config
	logger    zerolog.Logger
	client    *http.Client
	sink      ports.Sink
	providers map[string]ports.Provider
	dialer    ports.BackendDialer
	version   string
}

// NewFactory creates a new harness factory.
func NewFactory(cfg *config.Config, logger zerolog.Logger) *Factory {
	return &Factory{
		cfg:       cfg,
		logger:    logger,
		providers: make(map[string]ports.Provider),
		version:   "dev",
	}
}

// WithHTTPClient sets the client used by the model providers.
func (f *Factory) WithHTTPClient(client *http.Client) *Factory {
	f.client = client
	return f
}

// WithSink forwards streamed content and thinking of both roles to sink.
func (f *Factory) WithSink(sink ports.Sink) *Factory {
	f.sink = sink
	return f
}

// WithProvider replaces the configured provider of a role.
func (f *Factory) WithProvider(role string, provider ports.Provider) *Factory {
	f.providers[role] = provider
	return f
}

// WithDialer replaces the configured tool backend.
func (f *Factory) WithDialer(dialer ports.BackendDialer) *Factory {
	f.dialer = dialer
	return f
}

// WithVersion sets the version reported by the builtin tool server.
func (f *Factory) WithVersion(version string) *Factory {
	f.version = version
	return f
}

// Engine is a fully wired orchestrator with the resources it owns.
type Engine struct {
	Orchestrator *Orchestrator
	Bridge       *bridge.Bridge
	Guardrails   *Guardrails
	Histories    map[string]*history.Store

	cancel  context.CancelFunc
	closers []func() error
}

// Run drives one user turn.
func (e *Engine) Run(ctx context.Context, userInput string) (*Response, error) {
	return e.Orchestrator.Run(ctx, userInput)
}

// Close stops the bridge worker and the prompt watchers and releases the
// database.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	e.closers = nil
	return errors.Join(errs...)
}

// Build wires every component and waits for the tool backend handshake.
// ctx bounds the build only; the engine runs until Close. On failure
// everything opened so far is released.
func (f *Factory) Build(ctx context.Context) (_ *Engine, err error) {
	ectx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	engine := &Engine{cancel: cancel, Histories: make(map[string]*history.Store)}
	defer func() {
		if err != nil {
			_ = engine.Close()
		}
	}()

	cache := f.createCache()
	limiter := f.createRateLimiter()
	tracer := f.createTracer()

	conn, err := f.openDB(ctx)
	if err != nil {
		return nil, err
	}
	if conn != nil {
		engine.closers = append(engine.closers, conn.Close)
	}

	persister, err := f.createPersister(conn)
	if err != nil {
		return nil, err
	}

	dialer, err := f.createDialer()
	if err != nil {
		return nil, err
	}
	b := bridge.New(dialer, bridge.Options{
		QueueSize:   f.cfg.Bridge.QueueSize,
		IdleWait:    f.cfg.Bridge.IdleWait,
		CallTimeout: f.cfg.Bridge.AwaitTimeout,
		Logger:      f.logger,
	})
	if err := b.Start(ectx); err != nil {
		return nil, fmt.Errorf("failed to start bridge: %w", err)
	}
	engine.closers = append(engine.closers, b.Stop)
	if err := b.WaitReady(ctx); err != nil {
		return nil, fmt.Errorf("tool backend unavailable: %w", err)
	}
	engine.Bridge = b

	guardrails := f.CreateGuardrails()
	if guardrails != nil {
		specs, err := b.ListCapabilities()
		if err != nil {
			return nil, err
		}
		guardrails.RegisterTools(specs)
	}
	engine.Guardrails = guardrails

	counter := history.EstimateTokens
	roles := make(map[string]*RoleClient, 2)
	for _, role := range []string{RoleDialogue, RoleKnowledge} {
		mc := f.modelConfig(role)
		store, err := f.createHistory(ctx, role, mc, counter, persister)
		if err != nil {
			return nil, err
		}
		engine.Histories[role] = store

		if f.cfg.History.WatchPrompts && mc.PromptPath != "" {
			if err := history.WatchPrompt(ectx, mc.PromptPath, store, f.logger); err != nil {
				f.logger.Warn().Err(err).Str("role", role).Msg("prompt watcher disabled")
			}
		}

		roles[role] = NewRoleClient(role, f.createProvider(role, mc), store, RoleOptions{
			Tools:   b,
			Limiter: limiter,
			Tracer:  tracer,
			Sink:    f.sink,
			Options: ports.Options{Temperature: mc.Temperature},
			Logger:  f.logger,
		})
	}

	engine.Orchestrator = NewOrchestrator(
		roles[RoleDialogue],
		roles[RoleKnowledge],
		b,
		guardrails,
		f.createStore(conn),
		tracer,
		f.CreatePolicy(),
		f.logger,
	).WithConversationID(uuid.NewString()).WithCache(cache)

	return engine, nil
}

func (f *Factory) modelConfig(role string) config.ModelConfig {
	if role == RoleKnowledge {
		return f.cfg.Models.Knowledge
	}
	return f.cfg.Models.Dialogue
}

// createCache builds the tool result cache.
func (f *Factory) createCache() ports.Cache {
	if !f.cfg.Harness.CacheEnabled {
		return &noOpCache{}
	}

	return adapters.NewLRUCache(f.cfg.Harness.CacheCapacity)
}

// createRateLimiter gates model calls per role.
func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.Harness.RateLimitEnabled {
		return &noOpRateLimiter{}
	}

	return adapters.NewTokenBucket(f.cfg.Harness.RateLimitCapacity, f.cfg.Harness.RateLimitRefillRate)
}

// createTracer returns a zerolog tracer when tracing is on.
func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Harness.EnableTracing {
		return &noOpTracer{}
	}

	return adapters.NewZerologTracer(f.logger)
}

// openDB returns nil when neither histories nor transcripts use the database.
func (f *Factory) openDB(ctx context.Context) (*sql.DB, error) {
	if !strings.EqualFold(f.cfg.Eromang.Database.Type, "libsql") {
		if strings.EqualFold(f.cfg.History.Backend, "libsql") {
			return nil, fmt.Errorf("history backend libsql needs database type libsql, got %q", f.cfg.Eromang.Database.Type)
		}
		return nil, nil
	}
	conn, err := db.Open(ctx, f.cfg.Eromang.Database.DSN, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return conn, nil
}

// createStore records transcripts in the database when one is open.
func (f *Factory) createStore(conn *sql.DB) ports.TranscriptStore {
	if conn == nil {
		return &noOpStore{}
	}

	return adapters.NewLibSQLTranscriptStore(conn)
}

func (f *Factory) createPersister(conn *sql.DB) (ports.HistoryPersister, error) {
	switch strings.ToLower(f.cfg.History.Backend) {
	case "", "none":
		return nil, nil
	case "file":
		return adapters.NewFileHistoryPersister(f.cfg.History.Dir)
	case "libsql":
		return adapters.NewLibSQLHistoryPersister(conn), nil
	default:
		return nil, fmt.Errorf("unsupported history backend %q", f.cfg.History.Backend)
	}
}

// createHistory loads the role prompt, falling back to the builtin one when
// the document does not exist.
func (f *Factory) createHistory(ctx context.Context, role string, mc config.ModelConfig, counter history.TokenCounter, persister ports.HistoryPersister) (*history.Store, error) {
	prompt := defaultDialoguePrompt
	if role == RoleKnowledge {
		prompt = defaultKnowledgePrompt
	}
	if mc.PromptPath != "" {
		doc, err := history.LoadPromptDocument(mc.PromptPath)
		switch {
		case err == nil:
			prompt = doc.Content
		case errors.Is(err, os.ErrNotExist):
			f.logger.Debug().Str("role", role).Str("path", mc.PromptPath).Msg("prompt document missing, using builtin prompt")
		default:
			return nil, err
		}
	}

	store, err := history.New(ctx, history.Options{
		Key:         role,
		Prompt:      prompt,
		Ceiling:     mc.MaxTokens,
		PromptRatio: f.cfg.History.PromptRatio,
		Counter:     counter,
		Persister:   persister,
		Logger:      f.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%s history: %w", role, err)
	}
	return store, nil
}

func (f *Factory) createProvider(role string, mc config.ModelConfig) ports.Provider {
	if p, ok := f.providers[role]; ok {
		return p
	}
	return models.NewOpenAIProvider(models.OpenAIConfig{
		BaseURL:     mc.BaseURL,
		APIKey:      mc.APIKey,
		Model:       mc.Model,
		Temperature: mc.Temperature,
		Timeout:     mc.RequestTimeout,
	}, f.client, f.logger)
}

// createDialer serves the builtin tools in process unless the config names
// an external backend.
func (f *Factory) createDialer() (ports.BackendDialer, error) {
	if f.dialer != nil {
		return f.dialer, nil
	}
	server, err := tools.NewServer(f.version, tools.Builtin(f.cfg.Bridge.Workspace)...)
	if err != nil {
		return nil, err
	}
	return adapters.NewMCPDialer(adapters.MCPConfig{
		Transport: f.cfg.Bridge.Transport,
		Command:   f.cfg.Bridge.Command,
		Args:      f.cfg.Bridge.Args,
		Endpoint:  f.cfg.Bridge.Endpoint,
	}, func() *mcpsdk.Server { return server }, f.logger), nil
}

// CreateGuardrails creates guardrails from config. It returns nil when
// guardrails are disabled.
func (f *Factory) CreateGuardrails() *Guardrails {
	if !f.cfg.Harness.EnableGuardrails {
		return nil
	}

	guardrails := NewGuardrails()
	for _, toolName := range f.cfg.Harness.AllowedTools {
		guardrails.AddAllowedTool(toolName)
	}
	return guardrails
}

// CreatePolicy creates a policy from config with validation.
func (f *Factory) CreatePolicy() *Policy {
	policy := &Policy{
		MaxIterations: f.cfg.Harness.MaxIterations,
		ToolTimeout:   f.cfg.Bridge.AwaitTimeout,
		MaxTodoItems:  max(f.cfg.Harness.MaxTodoItems, 0),
		CacheTTL:      time.Duration(max(f.cfg.Harness.CacheTTLSeconds, 0)) * time.Second,
	}
	if f.cfg.Harness.CacheEnabled {
		policy.CacheableTools = f.cfg.Harness.CacheableTools
	}

	if policy.MaxIterations < 1 {
		policy.MaxIterations = 1
		f.logger.Warn().Int("max_iterations", f.cfg.Harness.MaxIterations).Msg("MaxIterations clamped to minimum of 1")
	}
	if policy.MaxIterations > 50 {
		policy.MaxIterations = 50
		f.logger.Warn().Int("max_iterations", f.cfg.Harness.MaxIterations).Msg("MaxIterations clamped to maximum of 50")
	}

	return policy
}

// noOpCache implements Cache interface with no-op behavior for testing/disabled cache.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return nil
}
func (c *noOpCache) Delete(ctx context.Context, key string) error { return nil }

// noOpRateLimiter implements RateLimiter interface with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// noOpStore implements TranscriptStore interface with no-op behavior.
type noOpStore struct{}

func (s *noOpStore) SaveTurn(ctx context.Context, conversationID string, turn ports.Turn) error {
	return nil
}

func (s *noOpStore) LoadContext(ctx context.Context, conversationID string, k int) ([]ports.Turn, error) {
	return nil, nil
}

func (s *noOpStore) AppendToolArtifact(ctx context.Context, conversationID, name string, payload []byte) error {
	return nil
}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.Cache           = (*noOpCache)(nil)
	_ ports.RateLimiter     = (*noOpRateLimiter)(nil)
	_ ports.Tracer          = (*noOpTracer)(nil)
	_ ports.TranscriptStore = (*noOpStore)(nil)
)
