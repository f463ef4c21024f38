package translator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDashScopeParsesMessageFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, "disable", r.Header.Get("X-DashScope-SSE"))

		var req dashScopeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen-turbo", req.Model)
		require.Len(t, req.Input.Messages, 1)

		json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{
				"choices": []any{
					map[string]any{"message": map[string]any{"content": " 你好 "}},
				},
			},
		})
	}))
	defer srv.Close()

	p := NewDashScope("key", srv.URL, "qwen-turbo")
	got, err := p.Call(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "你好", got)
}

func TestDashScopeQuotaEscalatesWithoutRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"code":    "AllocationQuota.FreeTierOnly",
			"message": "free tier exhausted",
		})
	}))
	defer srv.Close()

	p := NewDashScope("key", srv.URL, "qwen-turbo")
	_, err := p.Call(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, 1, calls)
}

func TestDashScopeNonRetryableStatusFailsFast(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"code": "InvalidParameter", "message": "bad input"})
	}))
	defer srv.Close()

	p := NewDashScope("key", srv.URL, "qwen-turbo")
	_, err := p.Call(context.Background(), "hello")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, 1, calls)
}

func TestResponseTextShapes(t *testing.T) {
	cases := []struct {
		name string
		in   map[string]any
		want string
	}{
		{"choices", map[string]any{"output": map[string]any{"choices": []any{map[string]any{"message": map[string]any{"content": "a"}}}}}, "a"},
		{"output text", map[string]any{"output": map[string]any{"text": "b"}}, "b"},
		{"output string", map[string]any{"output": "c"}, "c"},
		{"data", map[string]any{"data": map[string]any{"translated_text": "d"}}, "d"},
		{"bare text", map[string]any{"text": "e"}, "e"},
		{"empty", map[string]any{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, responseText(tc.in))
		})
	}
}

func TestOpenAICompatQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "insufficient_quota", "message": "quota"},
		})
	}))
	defer srv.Close()

	p := NewOpenAICompat("key", srv.URL, "gpt-4o-mini")
	_, err := p.Call(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestOpenAICompatParsesChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": "译文"}}},
		})
	}))
	defer srv.Close()

	p := NewOpenAICompat("key", srv.URL, "gpt-4o-mini")
	got, err := p.Call(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "译文", got)
}
