package harness

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// TaskType is the routing decision carried by a directive tool result.
type TaskType string

const (
	TaskPlan   TaskType = "PLAN"
	TaskExit   TaskType = "EXIT"
	TaskAnswer TaskType = "ANSWER"
)

// Directive is a routing result returned by a tool.
type Directive struct {
	TaskType    TaskType
	Description string
}

// TodoItem is one subtask of a generated plan.
type TodoItem struct {
	ID          string
	Description string
}

var (
	errNoJSON = errors.New("no JSON object found")

	jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)
	trailingComma     = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKey       = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)\s*:`)
)

// ParseJSONObject extracts a JSON object from text, repairing common
// formatting slips when the raw text does not parse.
func ParseJSONObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err == nil && out != nil {
		return out, nil
	}

	match := jsonObjectPattern.FindString(text)
	if match == "" {
		return nil, errNoJSON
	}
	if err := json.Unmarshal([]byte(match), &out); err == nil && out != nil {
		return out, nil
	}
	if err := json.Unmarshal([]byte(fixJSON(match)), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON in tool result: %w", err)
	}
	if out == nil {
		return nil, errNoJSON
	}
	return out, nil
}

// ParseDirective reads a routing directive. Both task_type and taskType
// are accepted; the type is upper-cased.
func ParseDirective(text string) (Directive, error) {
	obj, err := ParseJSONObject(text)
	if err != nil {
		return Directive{}, err
	}
	d := Directive{Description: stringField(obj, "description")}
	tt := stringField(obj, "task_type")
	if tt == "" {
		tt = stringField(obj, "taskType")
	}
	d.TaskType = TaskType(strings.ToUpper(strings.TrimSpace(tt)))
	return d, nil
}

// ParseTodoList reads the items of a generated task list. Items may be
// plain strings or objects with a description.
func ParseTodoList(text string) ([]TodoItem, error) {
	obj, err := ParseJSONObject(text)
	if err != nil {
		return nil, err
	}

	raw, ok := obj["todo_list"].([]any)
	if !ok {
		raw, _ = obj["tasks"].([]any)
	}

	items := make([]TodoItem, 0, len(raw))
	for _, entry := range raw {
		switch v := entry.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				items = append(items, TodoItem{Description: v})
			}
		case map[string]any:
			item := TodoItem{ID: stringField(v, "task_id"), Description: stringField(v, "description")}
			if item.Description == "" {
				item.Description = stringField(v, "task")
			}
			if item.Description != "" {
				items = append(items, item)
			}
		}
	}
	return items, nil
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

// fixJSON attempts to fix common JSON formatting issues.
func fixJSON(s string) string {
	if !strings.Contains(s, `"`) {
		s = strings.ReplaceAll(s, "'", `"`)
	}
	s = trailingComma.ReplaceAllString(s, "$1")
	s = unquotedKey.ReplaceAllString(s, `$1"$2":`)
	return s
}
