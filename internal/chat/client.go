package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lyralabs/companion-gateway/internal/circuitbreaker"
	"github.com/lyralabs/companion-gateway/internal/config"
	"github.com/lyralabs/companion-gateway/internal/logger"
	"github.com/lyralabs/companion-gateway/internal/metrics"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the model's reply to a conversation.
type Completion struct {
	Content string
	Model   string
	Usage   Usage
}

// Client calls an OpenAI-compatible chat completion API.
type Client struct {
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	baseURL    string
	apiKey     string
	model      string
	logger     *logger.ComponentLogger
}

// NewClient creates a completion client from configuration.
func NewClient(cfg *config.ChatConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("chat base URL is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("chat model is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		breaker: circuitbreaker.New("chat-upstream", circuitbreaker.DefaultConfig()),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		logger:  logger.Get().WithComponent("chat.client"),
	}, nil
}

// BreakerState exposes the upstream breaker state for health checks.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.GetState()
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Complete sends the conversation to the upstream model and returns its
// reply. Requests run under circuit breaker protection; an open breaker
// returns circuitbreaker.ErrOpen without contacting the upstream.
func (c *Client) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	payload, err := json.Marshal(completionRequest{Model: c.model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	var completion *Completion
	err = c.breaker.Execute(func() error {
		var execErr error
		completion, execErr = c.doComplete(ctx, payload)
		return execErr
	})
	return completion, err
}

func (c *Client) doComplete(ctx context.Context, payload []byte) (*Completion, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordUpstreamError("chat", "transport")
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	metrics.RecordUpstreamRequest("chat", strconv.Itoa(resp.StatusCode), time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.RecordUpstreamError("chat", "read")
		return nil, fmt.Errorf("failed to read completion response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		metrics.RecordUpstreamError("chat", "status")
		c.logger.Warn("completion upstream returned error", logger.Fields{
			"status": resp.StatusCode,
		})
		return nil, fmt.Errorf("completion upstream returned status %d", resp.StatusCode)
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		metrics.RecordUpstreamError("chat", "decode")
		return nil, fmt.Errorf("failed to decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		metrics.RecordUpstreamError("chat", "empty")
		return nil, fmt.Errorf("completion response contained no choices")
	}

	model := parsed.Model
	if model == "" {
		model = c.model
	}

	return &Completion{
		Content: parsed.Choices[0].Message.Content,
		Model:   model,
		Usage:   parsed.Usage,
	}, nil
}
