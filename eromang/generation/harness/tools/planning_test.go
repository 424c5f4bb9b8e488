package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteTaskTool(t *testing.T) {
	tool := NewRouteTaskTool()
	ctx := context.Background()

	out, err := tool.Invoke(ctx, json.RawMessage(`{"task_type":" plan ","description":"compare laptops"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"task_type": "PLAN", "description": "compare laptops"}, out)

	out, err = tool.Invoke(ctx, json.RawMessage(`{"task_type":"EXIT"}`))
	require.NoError(t, err)
	assert.Equal(t, "EXIT", out.(map[string]string)["task_type"])

	_, err = tool.Invoke(ctx, json.RawMessage(`{"task_type":"PLAN"}`))
	assert.ErrorContains(t, err, "description is required")

	_, err = tool.Invoke(ctx, json.RawMessage(`{"task_type":"DANCE"}`))
	assert.ErrorContains(t, err, "invalid task_type")

	_, err = tool.Invoke(ctx, json.RawMessage(`[`))
	assert.Error(t, err)
}

func TestExitTool(t *testing.T) {
	out, err := NewExitTool().Invoke(context.Background(), json.RawMessage(`{"reason":"user said bye"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"task_type": "EXIT", "description": "user said bye"}, out)
}

func TestTodoListTool(t *testing.T) {
	tool := NewTodoListTool()

	out, err := tool.Invoke(context.Background(), json.RawMessage(`{
		"list_name": "trip",
		"tasks": [
			{"description": "book hotel", "priority": 3},
			{"description": "find flights", "priority": 1},
			{"task_id": "visa", "description": "check visa", "priority": 3, "depends_on": ["task_002"]}
		]
	}`))
	require.NoError(t, err)

	list := out.(*TaskList)
	assert.Equal(t, "trip", list.Name)
	assert.NotEmpty(t, list.ID)
	assert.Equal(t, []string{"find flights", "book hotel", "check visa"}, list.TodoList)

	require.Len(t, list.Tasks, 3)
	assert.Equal(t, "task_001", list.Tasks[0].ID)
	assert.Equal(t, "visa", list.Tasks[2].ID)
	assert.Equal(t, []string{}, list.Tasks[0].DependsOn)
	for _, task := range list.Tasks {
		assert.Equal(t, "pending", task.Status)
	}

	stored, ok := tool.List(list.ID)
	require.True(t, ok)
	assert.Same(t, list, stored)

	// the serialized form is what the orchestrator parses
	data, err := json.Marshal(list)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"todo_list":["find flights","book hotel","check visa"]`)
}

func TestTodoListToolDefaults(t *testing.T) {
	out, err := NewTodoListTool().Invoke(context.Background(), json.RawMessage(`{"tasks":[{"description":"a"},{"description":"b"}]}`))
	require.NoError(t, err)
	list := out.(*TaskList)
	assert.Equal(t, "TaskList_"+list.ID[:8], list.Name)
	assert.Equal(t, 1, list.Tasks[0].Priority)
	assert.Equal(t, 2, list.Tasks[1].Priority)
	assert.Equal(t, []string{"a", "b"}, list.TodoList)
}

func TestTodoListToolRejectsBadInput(t *testing.T) {
	tool := NewTodoListTool()
	ctx := context.Background()

	_, err := tool.Invoke(ctx, json.RawMessage(`{"tasks":[]}`))
	assert.ErrorContains(t, err, "cannot be empty")

	_, err = tool.Invoke(ctx, json.RawMessage(`{"tasks":[{"description":"  "}]}`))
	assert.ErrorContains(t, err, "no description")
}
