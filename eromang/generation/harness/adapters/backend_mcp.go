package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

// MCPConfig selects how the tool backend is reached.
type MCPConfig struct {
	Transport string // "builtin", "stdio", "sse", "http"
	Command   string
	Args      []string
	Endpoint  string
}

// MCPDialer opens Model Context Protocol sessions as tool backends.
type MCPDialer struct {
	cfg     MCPConfig
	builtin func() *mcpsdk.Server
	logger  zerolog.Logger
}

// NewMCPDialer creates a dialer. builtin supplies the in-process server for
// the "builtin" transport and may be nil otherwise.
func NewMCPDialer(cfg MCPConfig, builtin func() *mcpsdk.Server, logger zerolog.Logger) *MCPDialer {
	return &MCPDialer{
		cfg:     cfg,
		builtin: builtin,
		logger:  logger.With().Str("transport", cfg.Transport).Logger(),
	}
}

// Dial connects and performs the MCP initialize handshake.
func (d *MCPDialer) Dial(ctx context.Context) (ports.ToolBackend, error) {
	backend := &mcpBackend{}
	transport, err := d.transport(ctx, backend)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "eromang", Version: "dev"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("mcp connect: %w", err)
	}
	backend.session = session
	d.logger.Debug().Msg("mcp session established")
	return backend, nil
}

func (d *MCPDialer) transport(ctx context.Context, backend *mcpBackend) (mcpsdk.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(d.cfg.Transport)) {
	case "", "builtin":
		if d.builtin == nil {
			return nil, errors.New("mcp: builtin transport has no server")
		}
		serverT, clientT := mcpsdk.NewInMemoryTransports()
		ss, err := d.builtin().Connect(ctx, serverT, nil)
		if err != nil {
			return nil, fmt.Errorf("mcp: failed to start builtin server: %w", err)
		}
		backend.closers = append(backend.closers, ss.Close)
		return clientT, nil
	case "stdio":
		if d.cfg.Command == "" {
			return nil, errors.New("mcp: stdio command is empty")
		}
		// #nosec G204 -- command comes from operator configuration
		cmd := exec.CommandContext(ctx, d.cfg.Command, d.cfg.Args...)
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case "sse":
		if d.cfg.Endpoint == "" {
			return nil, errors.New("mcp: sse endpoint is empty")
		}
		return &mcpsdk.SSEClientTransport{Endpoint: d.cfg.Endpoint}, nil
	case "http":
		if d.cfg.Endpoint == "" {
			return nil, errors.New("mcp: http endpoint is empty")
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: d.cfg.Endpoint}, nil
	default:
		return nil, fmt.Errorf("mcp: unsupported transport %q", d.cfg.Transport)
	}
}

// mcpBackend adapts a client session to the ToolBackend port.
type mcpBackend struct {
	session *mcpsdk.ClientSession
	closers []func() error
}

func (b *mcpBackend) ListTools(ctx context.Context) ([]ports.ToolSpec, error) {
	var specs []ports.ToolSpec
	for tool, err := range b.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("mcp list tools: %w", err)
		}
		spec := ports.ToolSpec{Name: tool.Name, Description: tool.Description}
		if tool.InputSchema != nil {
			schema, err := json.Marshal(tool.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("mcp: invalid schema for %s: %w", tool.Name, err)
			}
			spec.JSONSchema = schema
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (b *mcpBackend) CallTool(ctx context.Context, name string, args map[string]any) (ports.TaskResult, error) {
	res, err := b.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return ports.TaskResult{}, err
	}
	return toTaskResult(res), nil
}

func (b *mcpBackend) Close() error {
	var errs []error
	if b.session != nil {
		errs = append(errs, b.session.Close())
		b.session = nil
	}
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	b.closers = nil
	return errors.Join(errs...)
}

func toTaskResult(res *mcpsdk.CallToolResult) ports.TaskResult {
	out := ports.TaskResult{IsError: res.IsError}
	for _, c := range res.Content {
		switch v := c.(type) {
		case *mcpsdk.TextContent:
			out.Content = append(out.Content, ports.ContentBlock{Type: "text", Text: v.Text})
		default:
			if data, err := json.Marshal(c); err == nil {
				out.Content = append(out.Content, ports.ContentBlock{Type: "json", Data: data})
			}
		}
	}
	if len(out.Content) == 0 && res.StructuredContent != nil {
		if data, err := json.Marshal(res.StructuredContent); err == nil {
			out.Content = append(out.Content, ports.ContentBlock{Type: "json", Data: data})
		}
	}
	return out
}

var (
	_ ports.BackendDialer = (*MCPDialer)(nil)
	_ ports.ToolBackend   = (*mcpBackend)(nil)
)
