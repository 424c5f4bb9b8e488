// Package tools holds the builtin tools served to the models over MCP.
package tools

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

// RouteTaskSchema defines the arguments of route_task.
const RouteTaskSchema = `{
  "type": "object",
  "properties": {
    "task_type": {
      "type": "string",
      "enum": ["PLAN", "EXIT", "ANSWER"],
      "description": "PLAN for work that needs the knowledge model, EXIT to end the conversation, ANSWER otherwise"
    },
    "description": {
      "type": "string",
      "description": "For PLAN, the goal and the steps you have in mind"
    }
  },
  "required": ["task_type"]
}`

// RouteTaskTool lets the dialogue model route a request.
type RouteTaskTool struct{}

func NewRouteTaskTool() *RouteTaskTool { return &RouteTaskTool{} }

func (t *RouteTaskTool) Name() string { return "route_task" }

func (t *RouteTaskTool) Description() string {
	return "Decide how to handle the user's request: plan complex work, exit the conversation, or answer directly."
}

func (t *RouteTaskTool) Schema() []byte { return []byte(RouteTaskSchema) }

// Invoke echoes a normalized routing directive.
func (t *RouteTaskTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		TaskType    string `json:"task_type"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	taskType := strings.ToUpper(strings.TrimSpace(params.TaskType))
	switch taskType {
	case "PLAN":
		if strings.TrimSpace(params.Description) == "" {
			return nil, fmt.Errorf("description is required for PLAN")
		}
	case "EXIT", "ANSWER":
	default:
		return nil, fmt.Errorf("invalid task_type: %q", params.TaskType)
	}

	return map[string]string{
		"task_type":   taskType,
		"description": params.Description,
	}, nil
}

// ExitTool ends the conversation.
type ExitTool struct{}

func NewExitTool() *ExitTool { return &ExitTool{} }

func (t *ExitTool) Name() string { return "exit_conversation" }

func (t *ExitTool) Description() string {
	return "End the conversation when the user says goodbye or asks to quit."
}

func (t *ExitTool) Schema() []byte {
	return []byte(`{"type": "object", "properties": {"reason": {"type": "string"}}}`)
}

func (t *ExitTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(args, &params)
	return map[string]string{"task_type": "EXIT", "description": params.Reason}, nil
}

// TodoListSchema defines the arguments of generate_todo_list.
const TodoListSchema = `{
  "type": "object",
  "properties": {
    "list_name": {"type": "string"},
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "task_id": {"type": "string"},
          "description": {"type": "string", "minLength": 1},
          "priority": {"type": "integer"},
          "depends_on": {"type": "array", "items": {"type": "string"}}
        },
        "required": ["description"]
      }
    }
  },
  "required": ["tasks"]
}`

// Task is one entry of a generated list.
type Task struct {
	ID          string    `json:"task_id"`
	Description string    `json:"description"`
	Priority    int       `json:"priority"`
	DependsOn   []string  `json:"depends_on"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskList is a generated plan.
type TaskList struct {
	ID        string    `json:"list_id"`
	Name      string    `json:"list_name"`
	TodoList  []string  `json:"todo_list"` // descriptions in execution order
	Tasks     []Task    `json:"tasks"`
	CreatedAt time.Time `json:"created_at"`
}

// TodoListTool turns a plan into an ordered task list and keeps it for the
// lifetime of the server.
type TodoListTool struct {
	mu    sync.Mutex
	lists map[string]*TaskList
}

func NewTodoListTool() *TodoListTool {
	return &TodoListTool{lists: make(map[string]*TaskList)}
}

func (t *TodoListTool) Name() string { return "generate_todo_list" }

func (t *TodoListTool) Description() string {
	return "Break a plan into an ordered list of concrete tasks. Call it when you decide to intervene in a plan."
}

func (t *TodoListTool) Schema() []byte { return []byte(TodoListSchema) }

// Invoke validates the tasks, orders them by priority and stores the list.
func (t *TodoListTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		ListName string `json:"list_name"`
		Tasks    []Task `json:"tasks"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if len(params.Tasks) == 0 {
		return nil, fmt.Errorf("tasks cannot be empty")
	}

	now := time.Now()
	list := &TaskList{
		ID:        uuid.NewString(),
		Name:      params.ListName,
		CreatedAt: now,
	}
	if list.Name == "" {
		list.Name = "TaskList_" + list.ID[:8]
	}

	for i, task := range params.Tasks {
		if strings.TrimSpace(task.Description) == "" {
			return nil, fmt.Errorf("task %d has no description", i)
		}
		if task.ID == "" {
			task.ID = fmt.Sprintf("task_%03d", i+1)
		}
		if task.Priority == 0 {
			task.Priority = i + 1
		}
		if task.DependsOn == nil {
			task.DependsOn = []string{}
		}
		task.Status = "pending"
		task.CreatedAt = now
		list.Tasks = append(list.Tasks, task)
	}

	// stable so equal priorities keep their given order
	ordered := slices.Clone(list.Tasks)
	slices.SortStableFunc(ordered, func(a, b Task) int { return cmp.Compare(a.Priority, b.Priority) })
	for _, task := range ordered {
		list.TodoList = append(list.TodoList, task.Description)
	}

	t.mu.Lock()
	t.lists[list.ID] = list
	t.mu.Unlock()
	return list, nil
}

// List returns a stored list by id.
func (t *TodoListTool) List(id string) (*TaskList, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.lists[id]
	return l, ok
}

var (
	_ ports.Tool = (*RouteTaskTool)(nil)
	_ ports.Tool = (*ExitTool)(nil)
	_ ports.Tool = (*TodoListTool)(nil)
)
