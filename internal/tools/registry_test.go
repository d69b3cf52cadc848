package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoInput struct {
	Message string `json:"message"`
	Times   int    `json:"times,omitempty"`
}

func echoTool() Tool {
	return New("echo", "Repeats a message.", func(ctx context.Context, in echoInput) (any, error) {
		if in.Message == "" {
			return nil, fmt.Errorf("message is required")
		}
		return map[string]string{"echoed": in.Message}, nil
	})
}

func TestNew_DerivesInputSchema(t *testing.T) {
	tool := echoTool()
	require.NotNil(t, tool.InputSchema)

	raw, err := json.Marshal(tool.InputSchema)
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "message")
	assert.Contains(t, props, "times")
	assert.Contains(t, schema["required"], "message")
}

func TestRegistry_Invoke(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool())

	out, err := reg.Invoke(context.Background(), "echo", json.RawMessage(`{"message":"hi"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"echoed":"hi"}`, string(out))
}

func TestRegistry_InvokeUnknownTool(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Invoke(context.Background(), "missing", nil)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "missing", toolErr.Tool)
}

func TestRegistry_InvokeWrapsHandlerError(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool())

	_, err := reg.Invoke(context.Background(), "echo", json.RawMessage(`{}`))
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Contains(t, toolErr.Error(), "message is required")
}

func TestRegistry_InvokeRejectsMalformedInput(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool())

	_, err := reg.Invoke(context.Background(), "echo", json.RawMessage(`{"times":"three"}`))
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
}

func TestRegistry_Subset(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool())
	reg.Register(New("noop", "", func(ctx context.Context, in struct{}) (any, error) {
		return "ok", nil
	}))

	sub, err := reg.Subset("echo")
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, sub.Names())

	_, err = reg.Subset("echo", "nope")
	assert.Error(t, err)
}

func TestToolError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &ToolError{Tool: "x", Detail: "failed", Err: cause}
	assert.ErrorIs(t, err, cause)
}
