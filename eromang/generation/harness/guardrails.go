package harness

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/armon/go-radix"
	"github.com/xeipuuv/gojsonschema"
	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

type allowKind int

const (
	allowExact allowKind = iota
	allowPrefix
)

// Guardrails checks tool invocations before they reach the backend.
type Guardrails struct {
	mu            sync.RWMutex
	allowlist     *radix.Tree // name or "prefix*" entries
	schemas       map[string][]byte
	jsonValidator *JSONValidator
}

// NewGuardrails creates guardrails with an empty allowlist, which admits
// every tool.
func NewGuardrails() *Guardrails {
	return &Guardrails{
		allowlist:     radix.New(),
		schemas:       make(map[string][]byte),
		jsonValidator: NewJSONValidator(),
	}
}

// AddAllowedTool adds a tool to the allowlist. A trailing "*" admits every
// tool sharing the prefix.
func (g *Guardrails) AddAllowedTool(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prefix, ok := strings.CutSuffix(name, "*"); ok {
		g.allowlist.Insert(prefix, allowPrefix)
		return
	}
	g.allowlist.Insert(name, allowExact)
}

// RemoveAllowedTool removes an entry added by AddAllowedTool.
func (g *Guardrails) RemoveAllowedTool(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowlist.Delete(strings.TrimSuffix(name, "*"))
}

// RegisterTools records the input schema of every discovered tool.
func (g *Guardrails) RegisterTools(specs []ports.ToolSpec) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range specs {
		g.schemas[s.Name] = s.JSONSchema
	}
}

// Allowed reports whether name passes the allowlist.
func (g *Guardrails) Allowed(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.allowlist.Len() == 0 {
		return true
	}

	allowed := false
	g.allowlist.WalkPath(name, func(key string, v interface{}) bool {
		kind := v.(allowKind)
		if kind == allowPrefix || key == name {
			allowed = true
		}
		return allowed
	})
	return allowed
}

// ValidateInvocation checks the allowlist and, when the tool's schema is
// known, validates the arguments against it.
func (g *Guardrails) ValidateInvocation(inv ports.ToolInvocation) error {
	if inv.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if !g.Allowed(inv.Name) {
		return fmt.Errorf("tool %s is not in allowlist", inv.Name)
	}

	args := strings.TrimSpace(inv.Arguments)
	if args == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		return fmt.Errorf("tool arguments are not valid JSON")
	}

	g.mu.RLock()
	schema := g.schemas[inv.Name]
	g.mu.RUnlock()
	if err := g.jsonValidator.Validate(json.RawMessage(args), schema); err != nil {
		return fmt.Errorf("tool %s: %w", inv.Name, err)
	}
	return nil
}

// JSONValidator handles JSON schema validation.
type JSONValidator struct{}

// NewJSONValidator creates a new JSON validator.
func NewJSONValidator() *JSONValidator {
	return &JSONValidator{}
}

// Validate checks if JSON data conforms to a schema.
func (v *JSONValidator) Validate(data json.RawMessage, schema []byte) error {
	if len(schema) == 0 {
		return nil // no schema to validate against
	}

	if !json.Valid(data) {
		return fmt.Errorf("data is not valid JSON")
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
