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

const quotaErrorCode = "AllocationQuota.FreeTierOnly"

// DashScope calls the Aliyun text-generation endpoint (qwen models).
type DashScope struct {
	apiKey   string
	endpoint string
	model    string
	client   *http.Client
}

func NewDashScope(apiKey, endpoint, model string) *DashScope {
	return &DashScope{
		apiKey:   apiKey,
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *DashScope) Name() string { return "dashscope" }

func (p *DashScope) Call(ctx context.Context, prompt string) (string, error) {
	return callWithRetry(ctx, p.Name(), func(ctx context.Context) (string, error) {
		return p.post(ctx, prompt)
	})
}

type dashScopeRequest struct {
	Model string `json:"model"`
	Input struct {
		Messages []chatMessage `json:"messages"`
	} `json:"input"`
	Parameters struct {
		Temperature  float64 `json:"temperature"`
		ResultFormat string  `json:"result_format"`
	} `json:"parameters"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (p *DashScope) post(ctx context.Context, prompt string) (string, error) {
	reqBody := dashScopeRequest{Model: p.model}
	reqBody.Input.Messages = []chatMessage{{Role: "user", Content: prompt}}
	reqBody.Parameters.Temperature = 0.3
	reqBody.Parameters.ResultFormat = "message"

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-DashScope-SSE", "disable")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling dashscope: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading dashscope response: %w", err)
	}

	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parsing dashscope response: %w", err)
	}

	// dashscope reports API-level failures as a code field with HTTP 200 or
	// 4xx alike; the quota code aborts the batch
	if code, _ := result["code"].(string); code != "" {
		msg, _ := result["message"].(string)
		if code == quotaErrorCode {
			return "", fmt.Errorf("%w: %s", ErrQuotaExceeded, msg)
		}
		if resp.StatusCode != http.StatusOK {
			return "", &statusError{status: resp.StatusCode, body: code + ": " + msg}
		}
		return "", fmt.Errorf("dashscope error %s: %s", code, msg)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{status: resp.StatusCode, body: string(body)}
	}

	return responseText(result), nil
}

// responseText digs the generated text out of the known dashscope response
// shapes.
func responseText(result map[string]any) string {
	if output, ok := result["output"].(map[string]any); ok {
		if choices, ok := output["choices"].([]any); ok && len(choices) > 0 {
			if choice, ok := choices[0].(map[string]any); ok {
				if msg, ok := choice["message"].(map[string]any); ok {
					if content, ok := msg["content"].(string); ok && content != "" {
						return strings.TrimSpace(content)
					}
				}
			}
		}
		if text, ok := output["text"].(string); ok && text != "" {
			return strings.TrimSpace(text)
		}
		if text, ok := output["translated_text"].(string); ok && text != "" {
			return strings.TrimSpace(text)
		}
	}
	if output, ok := result["output"].(string); ok && output != "" {
		return strings.TrimSpace(output)
	}
	if data, ok := result["data"].(map[string]any); ok {
		if text, ok := data["translated_text"].(string); ok && text != "" {
			return strings.TrimSpace(text)
		}
	}
	if text, ok := result["text"].(string); ok {
		return strings.TrimSpace(text)
	}
	return ""
}
