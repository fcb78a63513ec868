package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"github.com/teamhashing/voicegateway/pkg/orchestrator"
)

// DefaultAgentID is the routing identity that never gets an x-agent-id
// header: it's whatever the backend treats as its default agent.
const DefaultAgentID = ""

// voiceModeInstruction is prepended to the user's text rather than sent as
// a system message, because the backend this talks to replaces system
// messages outright. See spec.md §4.7 / §11.
const voiceModeInstruction = "(Reply in plain spoken language: no markdown, no lists, no headers. Match your reply's length to the question.) "

type agentHeaderTransport struct {
	base    http.RoundTripper
	agentID string
}

// agentIDKey carries a per-call agent id from Stream to the transport.
type agentIDKey struct{}

func (t *agentHeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	agentID := t.agentID
	if v, ok := req.Context().Value(agentIDKey{}).(string); ok && v != "" {
		agentID = v
	}
	if agentID != "" {
		req = req.Clone(req.Context())
		req.Header.Set("x-agent-id", agentID)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// StreamingClient is the §4.7 LLM Client: an OpenAI-compatible streaming
// chat-completion client with per-user session continuity (the "user"
// field), per-agent routing (the "x-agent-id" header), and reset/compact
// control sentinels. Built on github.com/sashabaranov/go-openai; the
// non-streaming providers in this package use net/http directly.
type StreamingClient struct {
	client *openai.Client
	model  string
	logger orchestrator.Logger
}

// NewStreamingClient constructs a client against an OpenAI-compatible base
// URL. agentID, when non-empty, is the default x-agent-id header on every
// request issued by this client; a non-empty agentID passed to Stream
// overrides it for that call.
func NewStreamingClient(apiKey, baseURL, model, agentID string, logger orchestrator.Logger) *StreamingClient {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{
		Transport: &agentHeaderTransport{agentID: agentID},
	}
	return &StreamingClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger,
	}
}

// Stream sends text (from senderName/senderID) as the user turn of
// sessionID's conversation and forwards content deltas to onDelta as they
// arrive. Per spec.md §4.7, HTTP 401/404/5xx all result in a log line and
// an empty stream rather than a propagated error: pipeline failures
// produce silence, never error speech.
func (c *StreamingClient) Stream(ctx context.Context, sessionID, text, senderName, senderID, agentID string, onDelta func(string) error) error {
	content := voiceModeInstruction
	if senderName != "" {
		content += "[" + senderName + "]: "
	}
	content += text
	if agentID != "" {
		ctx = context.WithValue(ctx, agentIDKey{}, agentID)
	}

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: content},
		},
		Stream: true,
		User:   sessionID,
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		c.logStreamSetupError(sessionID, err)
		return nil
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("llm stream read failed", "session", sessionID, "error", err)
			return nil
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return err
			}
		}
	}
}

func (c *StreamingClient) logStreamSetupError(sessionID string, err error) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized:
			c.logger.Error("llm backend rejected credentials", "session", sessionID)
			return
		case http.StatusNotFound:
			c.logger.Error("llm backend route not found", "session", sessionID)
			return
		default:
			c.logger.Error("llm backend error", "session", sessionID, "status", apiErr.HTTPStatusCode, "error", err)
			return
		}
	}
	c.logger.Error("llm stream request failed", "session", sessionID, "error", err)
}

// Reset sends the "/new" sentinel that tells the backend to start a fresh
// conversation under sessionID, discarding prior history.
func (c *StreamingClient) Reset(ctx context.Context, sessionID string) error {
	return c.sentinel(ctx, sessionID, "/new")
}

// Compact sends the "/compact" sentinel that asks the backend to summarize
// sessionID's history in place. Called best-effort at session teardown
// (spec.md §4.5/§9 open question 5): failures are logged, never fatal.
func (c *StreamingClient) Compact(ctx context.Context, sessionID string) error {
	return c.sentinel(ctx, sessionID, "/compact")
}

func (c *StreamingClient) sentinel(ctx context.Context, sessionID, command string) error {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: command},
		},
		User: sessionID,
	}
	_, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		c.logger.Warn("llm control sentinel failed", "session", sessionID, "command", command, "error", err)
	}
	return nil
}

func (c *StreamingClient) Name() string {
	return fmt.Sprintf("streaming-llm(%s)", c.model)
}
