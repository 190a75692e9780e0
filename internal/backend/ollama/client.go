// Package ollama is the streaming token source backed by a local
// Ollama server. It speaks the /api/chat NDJSON protocol and the
// /api/tags model listing.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tjfontaine/streamchat/internal/core/domain"
	"github.com/tjfontaine/streamchat/internal/core/ports"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultTimeout = 120 * time.Second
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client is an HTTP client for the Ollama API implementing
// ports.TokenSource.
type Client struct {
	baseURL    string
	httpClient *http.Client
	estimator  *TokenEstimator
}

// NewClient creates a new Ollama API client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		estimator:  NewTokenEstimator(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ ports.TokenSource = (*Client)(nil)

// chatRequest is the /api/chat request body.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatChunk is one NDJSON line of a streaming /api/chat response. The
// final chunk carries done=true and the eval counts.
type chatChunk struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

// StreamChat generates a reply to the conversation history, delivering
// each content fragment to onToken as it arrives. stop is polled
// between chunks; when it fires the response body is closed and the
// tokens streamed so far stand as the result.
func (c *Client) StreamChat(ctx context.Context, model string, messages []*domain.Message, onToken ports.TokenHandler, stop ports.StopFunc) (*ports.GenerationUsage, error) {
	const op = "ollama.stream_chat"

	req := chatRequest{
		Model:    model,
		Messages: make([]chatMessage, 0, len(messages)),
		Stream:   true,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, op, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(op, resp.StatusCode, respBody)
	}

	usage := &ports.GenerationUsage{}
	completion := 0

	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		if stop != nil && stop() {
			usage.CompletionTokens = completion
			usage.PromptTokens = c.estimator.CountMessages(messages)
			usage.Estimated = true
			return usage, nil
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, domain.Wrap(domain.KindInternal, op, fmt.Errorf("decode chunk: %w", err))
		}
		if chunk.Error != "" {
			return nil, domain.E(domain.KindUnavailable, op, chunk.Error)
		}

		if chunk.Message.Content != "" {
			completion++
			if err := onToken(chunk.Message.Content); err != nil {
				return nil, err
			}
		}

		if chunk.Done {
			usage.PromptTokens = chunk.PromptEvalCount
			usage.CompletionTokens = chunk.EvalCount
			if usage.PromptTokens == 0 {
				usage.PromptTokens = c.estimator.CountMessages(messages)
				usage.Estimated = true
			}
			if usage.CompletionTokens == 0 {
				usage.CompletionTokens = completion
				usage.Estimated = true
			}
			return usage, nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, domain.Wrap(domain.KindUnavailable, op, ctx.Err())
		}
		return nil, domain.Wrap(domain.KindUnavailable, op, fmt.Errorf("stream read: %w", err))
	}

	// Stream closed without a done chunk.
	usage.PromptTokens = c.estimator.CountMessages(messages)
	usage.CompletionTokens = completion
	usage.Estimated = true
	return usage, nil
}

// tagsResponse is the /api/tags response body.
type tagsResponse struct {
	Models []struct {
		Name       string `json:"name"`
		ModifiedAt string `json:"modified_at"`
		Size       int64  `json:"size"`
	} `json:"models"`
}

// ListModels reports the model names the local Ollama server can serve.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	const op = "ollama.list_models"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, op, err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(op, resp.StatusCode, respBody)
	}

	var tags tagsResponse
	if err := json.Unmarshal(respBody, &tags); err != nil {
		return nil, domain.Wrap(domain.KindInternal, op, fmt.Errorf("decode response: %w", err))
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// classifyStatus maps an Ollama HTTP status to an error kind. 404 is a
// missing model, 4xx is the caller's fault, everything else is the
// server's and worth retrying.
func classifyStatus(op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusNotFound:
		return domain.Ef(domain.KindNotFound, op, "ollama: %s", msg)
	case status >= 400 && status < 500:
		return domain.Ef(domain.KindInvalidArgument, op, "ollama (status %d): %s", status, msg)
	default:
		return domain.Ef(domain.KindUnavailable, op, "ollama (status %d): %s", status, msg)
	}
}
