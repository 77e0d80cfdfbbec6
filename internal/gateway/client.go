package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dejisec/lode/internal/domain"
)

const backoffCap = 8 * time.Second

// ChatMessage represents a chat message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest represents the OpenAI chat completion request.
type ChatCompletionRequest struct {
	Model          string                 `json:"model"`
	Messages       []ChatMessage          `json:"messages"`
	Temperature    *float64               `json:"temperature,omitempty"`
	MaxTokens      *int                   `json:"max_tokens,omitempty"`
	ResponseFormat map[string]interface{} `json:"response_format,omitempty"`
}

// ChatCompletionResponse represents the OpenAI chat completion response.
type ChatCompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []Choice           `json:"choices"`
	Usage   *domain.TokenUsage `json:"usage,omitempty"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError represents the error details.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ClientConfig configures the provider client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// InvokeTimeout bounds one attempt when the request carries no timeout.
	InvokeTimeout time.Duration
	// RetryMax caps total attempts per invocation for retryable failures.
	RetryMax int
	// RetryBase is the first backoff delay; it doubles per retry up to a cap.
	RetryBase time.Duration
}

// Client invokes roles against an OpenAI-compatible provider.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	retryMax   int
	retryBase  time.Duration
	httpClient *http.Client

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewClient creates a provider client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = 120 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		timeout:    cfg.InvokeTimeout,
		retryMax:   cfg.RetryMax,
		retryBase:  cfg.RetryBase,
		httpClient: &http.Client{},
		sleep:      time.Sleep,
	}
}

// Invoke calls the provider until it has a validated response, retrying
// timeouts and provider errors with exponential backoff and jitter, and
// retrying an invalid response exactly once with a repair instruction.
func (c *Client) Invoke(ctx context.Context, req Request, validate ValidateFunc) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	messages := req.Messages
	backoff := c.retryBase
	attempts := 0
	repaired := false
	var usage domain.TokenUsage

	for {
		attempts++

		content, u, err := c.complete(ctx, messages, timeout)
		usage.Add(u)
		if err != nil {
			kind := classify(ctx, err)
			if kind.Retryable() && attempts < c.retryMax {
				c.sleep(jitter(backoff))
				backoff *= 2
				if backoff > backoffCap {
					backoff = backoffCap
				}
				continue
			}
			return nil, &Failure{Kind: kind, Role: req.Role, Attempts: attempts, Err: err}
		}

		if validate != nil {
			if verr := validate(content); verr != nil {
				if !repaired {
					repaired = true
					messages = append(messages,
						ChatMessage{Role: "assistant", Content: content},
						ChatMessage{Role: "user", Content: repairInstruction(verr)},
					)
					continue
				}
				return nil, &Failure{Kind: domain.ErrKindInvalidResponse, Role: req.Role, Attempts: attempts, Err: verr}
			}
		}

		return &Result{Content: content, Usage: usage, Attempts: attempts}, nil
	}
}

// complete performs one chat-completion attempt.
func (c *Client) complete(ctx context.Context, messages []ChatMessage, timeout time.Duration) (string, domain.TokenUsage, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(&ChatCompletionRequest{
		Model:          c.model,
		Messages:       messages,
		ResponseFormat: map[string]interface{}{"type": "json_object"},
	})
	if err != nil {
		return "", domain.TokenUsage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", domain.TokenUsage{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", domain.TokenUsage{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", domain.TokenUsage{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != nil {
			return "", domain.TokenUsage{}, fmt.Errorf("LLM API error [%d]: %s (type: %s)", resp.StatusCode, errResp.Error.Message, errResp.Error.Type)
		}
		return "", domain.TokenUsage{}, fmt.Errorf("LLM API error [%d]: %s", resp.StatusCode, string(respBody))
	}

	var result ChatCompletionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", domain.TokenUsage{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(result.Choices) == 0 || result.Choices[0].Message == nil {
		return "", domain.TokenUsage{}, fmt.Errorf("response has no choices")
	}

	var usage domain.TokenUsage
	if result.Usage != nil {
		usage = *result.Usage
	}
	return result.Choices[0].Message.Content, usage, nil
}

// classify maps an attempt error to an error kind. The parent context is
// checked first so run cancellation is never misread as a timeout.
func classify(ctx context.Context, err error) domain.ErrorKind {
	if ctx.Err() != nil {
		return domain.ErrKindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrKindTimeout
	}
	return domain.ErrKindProviderError
}

// jitter spreads a backoff delay over [d/2, d).
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)))
}

func repairInstruction(verr error) string {
	return fmt.Sprintf("Your previous reply did not satisfy the required JSON contract: %v. Reply again with only the corrected JSON object and nothing else.", verr)
}
