package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// Session is a persistent connection to a remote tool endpoint. Calls are
// JSON-RPC requests answered over a server-sent event stream.
type Session struct {
	endpoint string
	client   *http.Client
	nextID   atomic.Int64
	closed   atomic.Bool
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      int64  `json:"id"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Dial validates the endpoint and returns a ready session. No handshake is
// performed; the first Call establishes liveness.
func Dial(endpoint string, client *http.Client) (*Session, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid tool endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid tool endpoint scheme %q", u.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Session{endpoint: endpoint, client: client}, nil
}

// Close marks the session closed. Further calls fail.
func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}

// Call invokes a remote tool and returns its result payload. All failures
// are wrapped in *ToolError so callers see the same surface as local tools.
func (s *Session) Call(ctx context.Context, tool string, payload json.RawMessage) (json.RawMessage, error) {
	if s.closed.Load() {
		return nil, &ToolError{Tool: tool, Detail: "session closed"}
	}
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "tools/call",
		ID:      s.nextID.Add(1),
		Params: map[string]any{
			"name":      tool,
			"arguments": payload,
		},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ToolError{Tool: tool, Detail: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &ToolError{Tool: tool, Detail: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, &ToolError{Tool: tool, Detail: "transport", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, &ToolError{Tool: tool, Detail: fmt.Sprintf("rpc status %d: %s", resp.StatusCode, string(raw))}
	}

	reader := bufio.NewReader(resp.Body)
	for {
		event, data, err := readEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, &ToolError{Tool: tool, Detail: "stream closed before response"}
			}
			return nil, &ToolError{Tool: tool, Detail: "read stream", Err: err}
		}
		switch event {
		case "response", "error":
			var rpcResp rpcResponse
			if err := json.Unmarshal(data, &rpcResp); err != nil {
				return nil, &ToolError{Tool: tool, Detail: "decode response", Err: err}
			}
			if rpcResp.Error != nil {
				return nil, &ToolError{Tool: tool, Detail: fmt.Sprintf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)}
			}
			if event == "error" {
				return nil, &ToolError{Tool: tool, Detail: "error event without payload"}
			}
			return rpcResp.Result, nil
		case "close":
			return nil, &ToolError{Tool: tool, Detail: "stream closed without response"}
		default:
			// Notifications and heartbeats keep the stream warm.
			continue
		}
	}
}

// RemoteTool wraps a remote tool name into a registry entry served by the
// session. The schema is advisory: validation happens server-side.
func (s *Session) RemoteTool(name, description string) Tool {
	return Tool{
		Name:        name,
		Description: description,
		Handler: func(ctx context.Context, input json.RawMessage) (any, error) {
			out, err := s.Call(ctx, name, input)
			if err != nil {
				return nil, err
			}
			return out, nil
		},
	}
}

func readEvent(reader *bufio.Reader) (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, after...)
			continue
		}
	}
}
