package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseIsFinal(t *testing.T) {
	assert.True(t, (&Response{Text: "done"}).IsFinal())
	assert.False(t, (&Response{ToolCalls: []ToolCall{{ID: "c1", Name: "t"}}}).IsFinal())
}

func TestMessageConstructors(t *testing.T) {
	assert.Equal(t, RoleSystem, System("s").Role)
	assert.Equal(t, RoleUser, User("u").Role)
	assert.Equal(t, RoleAssistant, Assistant("a").Role)

	m := AssistantToolCalls("thinking", ToolCall{ID: "c1", Name: "get_quote"})
	assert.Equal(t, RoleAssistant, m.Role)
	require.Len(t, m.ToolCalls, 1)
	assert.Equal(t, "c1", m.ToolCalls[0].ID)

	r := ToolResult("c1", "get_quote", "price: 100")
	assert.Equal(t, RoleTool, r.Role)
	assert.Equal(t, "c1", r.ToolCallID)
	assert.Equal(t, "get_quote", r.Name)
}

func TestCapabilityFunc(t *testing.T) {
	f := CapabilityFunc(func(_ context.Context, messages []Message, _ []ToolDefinition) (*Response, error) {
		return &Response{Text: messages[0].Content}, nil
	})
	resp, err := f.Invoke(context.Background(), []Message{User("echo")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "echo", resp.Text)
}
