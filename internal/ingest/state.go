// Package ingest runs the episode pipeline: download, transcribe, translate,
// archive, publish. Progress is checkpointed so an interrupted batch resumes
// without repeating completed stages.
package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// State maps episode ids to the local artifacts already produced. Two files
// back it: downloaded.json (audio on disk) and processed.json (bilingual
// segments on disk).
type State struct {
	mu         sync.Mutex
	dir        string
	downloaded map[string]string
	processed  map[string]string
}

func LoadState(dir string) (*State, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir %s: %w", dir, err)
	}
	s := &State{dir: dir}
	var err error
	if s.downloaded, err = loadMap(filepath.Join(dir, "downloaded.json")); err != nil {
		return nil, err
	}
	if s.processed, err = loadMap(filepath.Join(dir, "processed.json")); err != nil {
		return nil, err
	}
	return s, nil
}

// AudioPath returns the checkpointed audio file for the episode, verifying
// the file still exists. A vanished file clears the checkpoint.
func (s *State) AudioPath(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verify(s.downloaded, id)
}

// SegmentsPath returns the checkpointed segments file for the episode.
func (s *State) SegmentsPath(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verify(s.processed, id)
}

func (s *State) verify(m map[string]string, id string) (string, bool) {
	path, ok := m[id]
	if !ok {
		return "", false
	}
	if _, err := os.Stat(path); err != nil {
		delete(m, id)
		return "", false
	}
	return path, true
}

func (s *State) MarkDownloaded(id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloaded[id] = path
	return saveMap(filepath.Join(s.dir, "downloaded.json"), s.downloaded)
}

func (s *State) MarkProcessed(id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[id] = path
	return saveMap(filepath.Join(s.dir, "processed.json"), s.processed)
}

// Counts reports how many episodes have checkpointed audio and segments.
func (s *State) Counts() (downloaded, processed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.downloaded), len(s.processed)
}

// Forget drops both checkpoints once the episode is published; the local
// artifacts are no longer needed for resume.
func (s *State) Forget(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.downloaded, id)
	delete(s.processed, id)
	if err := saveMap(filepath.Join(s.dir, "downloaded.json"), s.downloaded); err != nil {
		return err
	}
	return saveMap(filepath.Join(s.dir, "processed.json"), s.processed)
}

func loadMap(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file %s: %w", path, err)
	}
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", path, err)
	}
	return m, nil
}

// saveMap writes via a temp file, fsyncs, then renames so a crash never
// leaves a truncated checkpoint.
func saveMap(path string, m map[string]string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state file %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("writing state file %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing state file %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing state file %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing state file %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}
