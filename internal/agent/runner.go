// Package agent runs LLM-driven steps as bounded transducers: a typed
// prompt and a tool set go in, a schema-validated JSON document comes out.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"jotnar/internal/telemetry"
	"jotnar/internal/tools"
	"jotnar/internal/trajectory"
)

// MessagesClient is the subset of the Anthropic SDK the runner needs. It is
// satisfied by *anthropic.MessageService so tests can pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Caps bounds a run. Zero values fall back to the package defaults.
type Caps struct {
	MaxRetriesPerStep int
	TotalMaxRetries   int
	MaxIterations     int
}

const (
	defaultMaxRetriesPerStep = 3
	defaultTotalMaxRetries   = 5
	defaultMaxIterations     = 50
)

func (c Caps) withDefaults() Caps {
	if c.MaxRetriesPerStep <= 0 {
		c.MaxRetriesPerStep = defaultMaxRetriesPerStep
	}
	if c.TotalMaxRetries <= 0 {
		c.TotalMaxRetries = defaultTotalMaxRetries
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	return c
}

// AgentError is the single failure surfaced by a run; partial output is
// never returned.
type AgentError struct {
	Agent  string
	Detail string
	Err    error
}

func (e *AgentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent %s: %s: %v", e.Agent, e.Detail, e.Err)
	}
	return fmt.Sprintf("agent %s: %s", e.Agent, e.Detail)
}

func (e *AgentError) Unwrap() error { return e.Err }

// Runner drives the conversation loop. It holds no cross-run state.
type Runner struct {
	Client    MessagesClient
	Model     string
	MaxTokens int64
	Logger    *slog.Logger
}

// NewRunner builds a runner with the given model.
func NewRunner(client MessagesClient, model string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Client: client, Model: model, MaxTokens: 8192, Logger: logger}
}

// Request describes one agent run.
type Request struct {
	// Agent names the run for logging and trajectory records.
	Agent string
	// System and Prompt seed the conversation.
	System string
	Prompt string
	// OutputSchema is the JSON schema the final document must validate
	// against.
	OutputSchema json.RawMessage
	// Tools is the tool set offered to the model; may be empty.
	Tools *tools.Registry
	Caps  Caps
	// Recorder is optional; nil drops trajectory events.
	Recorder *trajectory.Recorder
}

// Run loops the model until it produces a document validating against the
// output schema or the caps are exhausted.
func (r *Runner) Run(ctx context.Context, req Request) (json.RawMessage, error) {
	caps := req.Caps.withDefaults()
	schema, err := compileSchema(req.OutputSchema)
	if err != nil {
		return nil, &AgentError{Agent: req.Agent, Detail: "invalid output schema", Err: err}
	}
	toolParams, err := encodeTools(req.Tools)
	if err != nil {
		return nil, &AgentError{Agent: req.Agent, Detail: "invalid tool schema", Err: err}
	}

	conversation := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
	}

	started := time.Now()
	defer func() {
		telemetry.ObserveAgentLatency(req.Agent, time.Since(started).Seconds())
	}()

	stepRetries := 0
	totalRetries := 0
	for iteration := 1; iteration <= caps.MaxIterations; iteration++ {
		telemetry.TrackAgentIteration(req.Agent)

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(r.Model),
			MaxTokens: r.MaxTokens,
			Messages:  conversation,
		}
		if req.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.System}}
		}
		if len(toolParams) > 0 {
			params.Tools = toolParams
		}

		msg, err := r.Client.New(ctx, params)
		if err != nil {
			return nil, &AgentError{Agent: req.Agent, Detail: "model call failed", Err: err}
		}
		req.Recorder.Record(trajectory.KindModelTurn, "", map[string]any{
			"iteration":   iteration,
			"stop_reason": string(msg.StopReason),
		})
		conversation = append(conversation, msg.ToParam())

		if msg.StopReason == anthropic.StopReasonToolUse {
			results, err := r.runToolCalls(ctx, req, msg)
			if err != nil {
				return nil, err
			}
			conversation = append(conversation, anthropic.NewUserMessage(results...))
			continue
		}

		raw, validationErr := extractOutput(msg, schema)
		if validationErr == nil {
			req.Recorder.Record(trajectory.KindFinal, "", json.RawMessage(raw))
			return raw, nil
		}

		stepRetries++
		totalRetries++
		if stepRetries > caps.MaxRetriesPerStep || totalRetries > caps.TotalMaxRetries {
			return nil, &AgentError{Agent: req.Agent, Detail: "retries exhausted", Err: validationErr}
		}
		req.Recorder.Record(trajectory.KindInvalid, "", map[string]string{"error": validationErr.Error()})
		r.Logger.Warn("agent output rejected, retrying",
			"agent", req.Agent, "iteration", iteration, "error", validationErr)
		conversation = append(conversation, anthropic.NewUserMessage(anthropic.NewTextBlock(
			fmt.Sprintf("Your last response was not a valid result document: %v. "+
				"Respond with a single JSON object that conforms to the required schema.", validationErr))))
	}

	return nil, &AgentError{Agent: req.Agent, Detail: "iteration cap exhausted"}
}

// runToolCalls executes the message's tool_use blocks sequentially and
// returns the result blocks for the next user turn. Tool failures are fed
// back to the model as error results, not raised.
func (r *Runner) runToolCalls(ctx context.Context, req Request, msg *anthropic.Message) ([]anthropic.ContentBlockParamUnion, error) {
	var results []anthropic.ContentBlockParamUnion
	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		input := json.RawMessage(block.Input)
		req.Recorder.Record(trajectory.KindToolCall, block.Name, input)
		r.Logger.Debug("invoking tool", "agent", req.Agent, "tool", block.Name)

		if req.Tools == nil {
			results = append(results, anthropic.NewToolResultBlock(block.ID, "no tools available", true))
			continue
		}
		out, err := req.Tools.Invoke(ctx, block.Name, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &AgentError{Agent: req.Agent, Detail: "canceled during tool call", Err: ctx.Err()}
			}
			req.Recorder.Record(trajectory.KindToolResult, block.Name, map[string]string{"error": err.Error()})
			results = append(results, anthropic.NewToolResultBlock(block.ID, err.Error(), true))
			continue
		}
		req.Recorder.Record(trajectory.KindToolResult, block.Name, out)
		results = append(results, anthropic.NewToolResultBlock(block.ID, string(out), false))
	}
	if len(results) == 0 {
		results = append(results, anthropic.NewTextBlock("Continue."))
	}
	return results, nil
}

// extractOutput pulls the final JSON document out of the message text and
// validates it.
func extractOutput(msg *anthropic.Message, schema *jsonschema.Schema) (json.RawMessage, error) {
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	raw, err := extractJSON(text.String())
	if err != nil {
		return nil, err
	}
	if schema != nil {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("output is not valid JSON: %w", err)
		}
		if err := schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("output does not conform to schema: %w", err)
		}
	}
	return raw, nil
}

// extractJSON finds the outermost JSON object in free-form model text,
// tolerating markdown code fences.
func extractJSON(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in model output")
	}
	candidate := text[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return nil, fmt.Errorf("model output is not valid JSON")
	}
	return json.RawMessage(candidate), nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func encodeTools(reg *tools.Registry) ([]anthropic.ToolUnionParam, error) {
	if reg == nil {
		return nil, nil
	}
	var params []anthropic.ToolUnionParam
	for _, name := range reg.Names() {
		tool, _ := reg.Lookup(name)
		schema, err := toolInputSchema(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", name, err)
		}
		u := anthropic.ToolUnionParamOfTool(schema, name)
		if u.OfTool != nil && tool.Description != "" {
			u.OfTool.Description = anthropic.String(tool.Description)
		}
		params = append(params, u)
	}
	return params, nil
}

func toolInputSchema(schema any) (anthropic.ToolInputSchemaParam, error) {
	if schema == nil {
		return anthropic.ToolInputSchemaParam{}, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return anthropic.ToolInputSchemaParam{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return anthropic.ToolInputSchemaParam{}, err
	}
	return anthropic.ToolInputSchemaParam{ExtraFields: m}, nil
}
