package harness

import (
	"fmt"
	"strings"

	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

// norm normalizes newlines and trims whitespace to reduce prompt diffs.
func norm(s string) string { return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")) }

// BuildPrompt flattens a history snapshot and tool specs into a provider input.
// Reasoning content is kept out of the prompt.
func BuildPrompt(history []ports.Message, tools []ports.ToolSpec, meta map[string]string) ports.PromptInput {
	msgs := make([]ports.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, ports.Message{Role: m.Role, Content: norm(m.Content)})
	}
	return ports.PromptInput{
		Messages: msgs,
		Tools:    tools,
		Meta:     meta,
	}
}

func planningInstruction(plan string) string {
	return fmt.Sprintf(`The dialogue model proposed the plan below. Decide whether you need to intervene.
If you do, call the generate_todo_list tool to break the plan into tasks; otherwise reply briefly.

Plan: %s`, norm(plan))
}

func subtaskInstruction(item string) string {
	return "Complete the following task: " + norm(item)
}

func summaryInstruction(userInput, collected string) string {
	if strings.TrimSpace(collected) == "" {
		collected = "none"
	}
	return fmt.Sprintf(`User request: %s
Data collected by the knowledge model: %s

Using the information above, continue working on the user's task.`, norm(userInput), norm(collected))
}

func toolResultInstruction(results []ports.TaskResult) string {
	var b strings.Builder
	b.WriteString("Tool results:\n")
	for i, r := range results {
		status := "ok"
		if r.IsError {
			status = "error"
		}
		fmt.Fprintf(&b, "[%d %s] %s\n", i, status, r.Text())
	}
	b.WriteString("\nAnswer the user based on these results.")
	return b.String()
}

// joinResults concatenates the text of every successful result.
func joinResults(results []ports.TaskResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.IsError {
			continue
		}
		if text := r.Text(); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}
