package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WhisperClient talks to the whisper transcription server over HTTP.
type WhisperClient struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewWhisperClient(baseURL, model string) *WhisperClient {
	return &WhisperClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		// transcription of an hour-long episode can take several minutes
		client: &http.Client{Timeout: 30 * time.Minute},
	}
}

// Transcribe posts the audio file as multipart form data and decodes the
// segment list.
func (w *WhisperClient) Transcribe(ctx context.Context, audioPath string) (*Result, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("opening audio file: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("building multipart form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("reading audio file: %w", err)
	}
	if w.model != "" {
		if err := writer.WriteField("model", w.model); err != nil {
			return nil, fmt.Errorf("building multipart form: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("building multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/transcribe", &body)
	if err != nil {
		return nil, fmt.Errorf("building transcribe request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling transcription server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("transcription server returned %d: %s", resp.StatusCode, data)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding transcription response: %w", err)
	}
	return &result, nil
}
