// Package llm turns retrieved context chunks into schema-validated datapoint
// verdicts. Transports speak the OpenAI-compatible /responses and
// /chat/completions APIs with temperature pinned to zero; the deterministic
// fallback transport needs no network and makes whole runs reproducible.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Error kinds. The run worker classifies failures with errors.Is against
// these, so every error leaving this package wraps exactly one of them.
var (
	// ErrTransport marks transient backend failures: timeouts, connection
	// resets, 429s, 5xx. Retrying the run may succeed.
	ErrTransport = errors.New("llm transport failure")
	// ErrRejected marks non-retryable backend rejections (4xx other than 429).
	ErrRejected = errors.New("llm request rejected")
	// ErrParse marks replies with no decodable JSON object.
	ErrParse = errors.New("llm response not parseable")
	// ErrSchema marks JSON that does not satisfy the extraction schema.
	ErrSchema = errors.New("llm response violates extraction schema")
)

// Request is one extraction call to an OpenAI-compatible backend.
type Request struct {
	Model       string
	Input       string
	Temperature float64
	JSONSchema  map[string]any
}

// Transport returns the raw output text a backend produced for one request.
// Implementations must be safe for concurrent use.
type Transport interface {
	CreateResponse(ctx context.Context, req Request) (string, error)
}

// TransportConfig configures an OpenAI-compatible HTTP transport.
type TransportConfig struct {
	BaseURL string
	APIKey  string
	// PreferChat tries /chat/completions before /responses. Local servers
	// (LM Studio, vLLM) usually only implement the chat endpoint.
	PreferChat bool
	Timeout    time.Duration
}

// OpenAICompatibleTransport posts extraction requests to an OpenAI-compatible
// backend. It tries both wire formats: the /responses API with a json_schema
// text format, and /chat/completions with a json_schema response_format. The
// reply is reduced to its output text; parsing happens in the extractor.
type OpenAICompatibleTransport struct {
	baseURL    string
	apiKey     string
	preferChat bool
	client     *http.Client
}

// NewOpenAICompatibleTransport builds a transport with a 30s default timeout.
func NewOpenAICompatibleTransport(cfg TransportConfig) *OpenAICompatibleTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAICompatibleTransport{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		preferChat: cfg.PreferChat,
		client:     &http.Client{Timeout: timeout},
	}
}

// CreateResponse tries the preferred endpoint first and falls back to the
// other on any failure. The combined error is transient if either attempt
// failed transiently.
func (t *OpenAICompatibleTransport) CreateResponse(ctx context.Context, req Request) (string, error) {
	first, second := t.viaResponses, t.viaChat
	if t.preferChat {
		first, second = second, first
	}

	text, firstErr := first(ctx, req)
	if firstErr == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
	}

	text, secondErr := second(ctx, req)
	if secondErr == nil {
		return text, nil
	}

	kind := ErrRejected
	if errors.Is(firstErr, ErrTransport) || errors.Is(secondErr, ErrTransport) {
		kind = ErrTransport
	}
	return "", fmt.Errorf("%w: both endpoints failed: %v; %v", kind, firstErr, secondErr)
}

type responsesRequest struct {
	Model       string        `json:"model"`
	Input       string        `json:"input"`
	Temperature float64       `json:"temperature"`
	Text        responsesText `json:"text"`
}

type responsesText struct {
	Format responsesFormat `json:"format"`
}

type responsesFormat struct {
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
}

type responsesReply struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

func (t *OpenAICompatibleTransport) viaResponses(ctx context.Context, req Request) (string, error) {
	body := responsesRequest{
		Model:       req.Model,
		Input:       req.Input,
		Temperature: req.Temperature,
		Text: responsesText{Format: responsesFormat{
			Type:   "json_schema",
			Name:   "extraction_result",
			Schema: req.JSONSchema,
		}},
	}
	raw, err := t.post(ctx, "/responses", body)
	if err != nil {
		return "", err
	}

	var reply responsesReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("%w: decode /responses reply: %v", ErrParse, err)
	}
	for _, item := range reply.Output {
		if item.Type != "message" {
			continue
		}
		for _, content := range item.Content {
			if content.Type == "output_text" {
				return content.Text, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no output_text in /responses reply", ErrParse)
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat chatFormat    `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatFormat struct {
	Type       string         `json:"type"`
	JSONSchema chatJSONSchema `json:"json_schema"`
}

type chatJSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
}

type chatReply struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (t *OpenAICompatibleTransport) viaChat(ctx context.Context, req Request) (string, error) {
	body := chatRequest{
		Model:       req.Model,
		Messages:    []chatMessage{{Role: "user", Content: req.Input}},
		Temperature: req.Temperature,
		ResponseFormat: chatFormat{
			Type: "json_schema",
			JSONSchema: chatJSONSchema{
				Name:   "extraction_result",
				Schema: req.JSONSchema,
			},
		},
	}
	raw, err := t.post(ctx, "/chat/completions", body)
	if err != nil {
		return "", err
	}

	var reply chatReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("%w: decode /chat/completions reply: %v", ErrParse, err)
	}
	if len(reply.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices in /chat/completions reply", ErrParse)
	}
	return chatContentText(reply.Choices[0].Message.Content)
}

// chatContentText accepts the two content shapes backends emit: a plain
// string, or a list of {type, text} parts.
func chatContentText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: missing message content", ErrParse)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, part := range parts {
			b.WriteString(part.Text)
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("%w: unrecognised message content shape", ErrParse)
}

func (t *OpenAICompatibleTransport) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s request: %v", ErrRejected, path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: create %s request: %v", ErrRejected, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransport, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s reply: %v", ErrTransport, path, err)
	}
	if resp.StatusCode >= 400 {
		kind := ErrRejected
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = ErrTransport
		}
		return nil, fmt.Errorf("%w: %s returned %d: %s", kind, path, resp.StatusCode, truncateBody(raw))
	}
	return raw, nil
}

func truncateBody(body []byte) string {
	const max = 512
	text := strings.TrimSpace(string(body))
	if len(text) > max {
		return text[:max] + "..."
	}
	return text
}
