package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

func TestParseDirective(t *testing.T) {
	cases := []struct {
		name string
		text string
		want Directive
	}{
		{"plain", `{"task_type":"PLAN","description":"compare prices"}`, Directive{TaskPlan, "compare prices"}},
		{"camel case and lower", `{"taskType":"exit"}`, Directive{TaskType: TaskExit}},
		{"embedded in prose", "Sure! {\"task_type\": \"ANSWER\"} done", Directive{TaskType: TaskAnswer}},
		{"trailing comma", `{"task_type":"PLAN","description":"x",}`, Directive{TaskPlan, "x"}},
		{"single quotes", `{'task_type': 'EXIT'}`, Directive{TaskType: TaskExit}},
		{"unquoted keys", `{task_type: "PLAN", description: "y"}`, Directive{TaskPlan, "y"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := ParseDirective(tc.text)
			require.NoError(t, err)
			assert.Equal(t, tc.want, d)
		})
	}
}

func TestParseDirectiveRejectsNonJSON(t *testing.T) {
	_, err := ParseDirective("the weather is sunny")
	assert.Error(t, err)

	_, err = ParseDirective("{not json at all")
	assert.Error(t, err)
}

func TestParseTodoList(t *testing.T) {
	items, err := ParseTodoList(`{"list_id":"l1","todo_list":["find flights","", "book hotel"]}`)
	require.NoError(t, err)
	assert.Equal(t, []TodoItem{{Description: "find flights"}, {Description: "book hotel"}}, items)

	items, err = ParseTodoList(`{"tasks":[{"task_id":"task_001","description":"a"},{"task":"b"},{"priority":3}]}`)
	require.NoError(t, err)
	assert.Equal(t, []TodoItem{{ID: "task_001", Description: "a"}, {Description: "b"}}, items)

	items, err = ParseTodoList(`{"other":1}`)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestBuildPromptDropsReasoning(t *testing.T) {
	in := BuildPrompt([]ports.Message{
		{Role: ports.RoleSystem, Content: "  prompt\r\n"},
		{Role: ports.RoleAssistant, Content: "answer", ReasoningContent: "secret"},
	}, nil, map[string]string{"role": "dialogue"})

	assert.Equal(t, []ports.Message{
		{Role: ports.RoleSystem, Content: "prompt"},
		{Role: ports.RoleAssistant, Content: "answer"},
	}, in.Messages)
	assert.Equal(t, "dialogue", in.Meta["role"])
}

func TestJoinResultsSkipsErrors(t *testing.T) {
	text := func(s string) ports.TaskResult {
		return ports.TaskResult{Content: []ports.ContentBlock{{Type: "text", Text: s}}}
	}
	got := joinResults([]ports.TaskResult{text("one"), ports.ErrorResult("bad"), {}, text("two")})
	assert.Equal(t, "one\ntwo", got)
	assert.Contains(t, summaryInstruction("q", ""), "none")
}

func TestGuardrailsAllowlist(t *testing.T) {
	g := NewGuardrails()
	assert.True(t, g.Allowed("anything"), "empty allowlist admits every tool")

	g.AddAllowedTool("route_task")
	g.AddAllowedTool("fs_*")

	assert.True(t, g.Allowed("route_task"))
	assert.True(t, g.Allowed("fs_read"))
	assert.True(t, g.Allowed("fs_"))
	assert.False(t, g.Allowed("route"))
	assert.False(t, g.Allowed("route_task_v2"))
	assert.False(t, g.Allowed("shell"))

	g.RemoveAllowedTool("fs_*")
	assert.False(t, g.Allowed("fs_read"))
}

func TestGuardrailsValidateInvocation(t *testing.T) {
	g := NewGuardrails()
	g.RegisterTools([]ports.ToolSpec{{
		Name: "route_task",
		JSONSchema: []byte(`{
			"type": "object",
			"properties": {"task_type": {"type": "string", "enum": ["PLAN", "EXIT", "ANSWER"]}},
			"required": ["task_type"]
		}`),
	}})

	assert.NoError(t, g.ValidateInvocation(ports.ToolInvocation{Name: "route_task", Arguments: `{"task_type":"EXIT"}`}))
	assert.NoError(t, g.ValidateInvocation(ports.ToolInvocation{Name: "no_schema", Arguments: ""}))

	assert.Error(t, g.ValidateInvocation(ports.ToolInvocation{Name: ""}))
	assert.Error(t, g.ValidateInvocation(ports.ToolInvocation{Name: "route_task", Arguments: `{"task_type":`}))
	assert.Error(t, g.ValidateInvocation(ports.ToolInvocation{Name: "route_task", Arguments: `{"task_type":"MAYBE"}`}))
	assert.Error(t, g.ValidateInvocation(ports.ToolInvocation{Name: "route_task", Arguments: `{}`}))

	g.AddAllowedTool("other")
	assert.Error(t, g.ValidateInvocation(ports.ToolInvocation{Name: "route_task", Arguments: `{"task_type":"EXIT"}`}))
}
