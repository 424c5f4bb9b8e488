package adapters

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestZerologTracerNestsSpans(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewZerologTracer(zerolog.New(&buf).Level(zerolog.DebugLevel))

	ctx, finishTurn := tracer.StartSpan(context.Background(), "turn", map[string]any{"conversation_id": "c1"})
	ctx, finishCall := tracer.StartSpan(ctx, "tool_call", map[string]any{"tool": "route_task"})
	tracer.Event(ctx, "transition", map[string]any{"to": "ending"})
	finishCall(errors.New("boom"))
	finishTurn(nil)

	out := buf.String()
	assert.Contains(t, out, `"span":"tool_call"`)
	assert.Contains(t, out, `"conversation_id":"c1"`)
	assert.Contains(t, out, `"event":"transition"`)
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"error":"boom"`)
}
