package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAICompat calls any chat-completions-shaped endpoint.
type OpenAICompat struct {
	apiKey   string
	endpoint string
	model    string
	client   *http.Client
}

func NewOpenAICompat(apiKey, endpoint, model string) *OpenAICompat {
	return &OpenAICompat{
		apiKey:   apiKey,
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *OpenAICompat) Name() string { return "openai" }

func (p *OpenAICompat) Call(ctx context.Context, prompt string) (string, error) {
	return callWithRetry(ctx, p.Name(), func(ctx context.Context) (string, error) {
		return p.post(ctx, prompt)
	})
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *OpenAICompat) post(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       p.model,
		Temperature: 0,
		Messages: []chatMessage{
			{Role: "system", Content: "你是专业的中文母语翻译者。"},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling chat endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading chat response: %w", err)
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", &statusError{status: resp.StatusCode, body: string(body)}
		}
		return "", fmt.Errorf("parsing chat response: %w", err)
	}

	if result.Error != nil {
		if result.Error.Code == "insufficient_quota" {
			return "", fmt.Errorf("%w: %s", ErrQuotaExceeded, result.Error.Message)
		}
		if resp.StatusCode != http.StatusOK {
			return "", &statusError{status: resp.StatusCode, body: result.Error.Message}
		}
		return "", fmt.Errorf("chat endpoint error %s: %s", result.Error.Code, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{status: resp.StatusCode, body: string(body)}
	}
	if len(result.Choices) == 0 {
		return "", errEmptyResponse
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}
