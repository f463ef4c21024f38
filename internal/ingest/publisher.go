package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"lingopod/internal/catalog"
)

// Publisher records finished episodes in the catalogue.
type Publisher interface {
	Exists(ctx context.Context, id string) (bool, error)
	Publish(ctx context.Context, p catalog.Podcast) error
}

// LocalPublisher writes straight into a catalogue store, for single-process
// deployments where the ingest worker and API share the database.
type LocalPublisher struct {
	Store *catalog.Store
}

func (l *LocalPublisher) Exists(ctx context.Context, id string) (bool, error) {
	return l.Store.IsComplete(ctx, id)
}

func (l *LocalPublisher) Publish(ctx context.Context, p catalog.Podcast) error {
	return l.Store.Upsert(ctx, sanitizePodcast(p))
}

// RemotePublisher posts to a catalogue service's upload endpoints.
type RemotePublisher struct {
	base   string
	token  string
	client *http.Client
}

func NewRemotePublisher(baseURL, token string) *RemotePublisher {
	return &RemotePublisher{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		client: &http.Client{Timeout: 300 * time.Second},
	}
}

func (r *RemotePublisher) Exists(ctx context.Context, id string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/podcast/info/check/"+id, nil)
	if err != nil {
		return false, err
	}
	r.authorize(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("checking episode %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("checking episode %s: status %d", id, resp.StatusCode)
	}
	var body struct {
		Exists   bool `json:"exists"`
		Complete bool `json:"complete"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("checking episode %s: %w", id, err)
	}
	return body.Exists && body.Complete, nil
}

func (r *RemotePublisher) Publish(ctx context.Context, p catalog.Podcast) error {
	payload, err := json.Marshal(sanitizePodcast(p))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/podcast/info/upload", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	r.authorize(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("publishing episode %s: %w", p.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("publishing episode %s: status %d: %s", p.ID, resp.StatusCode, body)
	}
	return nil
}

func (r *RemotePublisher) authorize(req *http.Request) {
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
}

// sanitizePodcast drops non-finite durations, which sqlite and JSON both
// mishandle.
func sanitizePodcast(p catalog.Podcast) catalog.Podcast {
	if p.DurationSec != nil && (math.IsNaN(*p.DurationSec) || math.IsInf(*p.DurationSec, 0)) {
		p.DurationSec = nil
	}
	return p
}
