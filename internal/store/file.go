package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tofut/tredy/internal/transcript"
)

// threadFile is the on-disk form of one thread.
type threadFile struct {
	Workspace string               `json:"workspace"`
	Thread    string               `json:"thread"`
	Messages  []transcript.Message `json:"messages"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// FileStore keeps one JSON file per thread under dir/<workspace>/<thread>.json.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(workspace, thread string) string {
	return filepath.Join(s.dir, workspace, thread+".json")
}

// load reads a thread. Caller must hold the lock.
func (s *FileStore) load(workspace, thread string) (*threadFile, error) {
	data, err := os.ReadFile(s.path(workspace, thread))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read thread: %w", err)
	}

	var tf threadFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse thread: %w", err)
	}
	return &tf, nil
}

// save writes a thread atomically. Caller must hold the lock.
func (s *FileStore) save(tf *threadFile) error {
	path := s.path(tf.Workspace, tf.Thread)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create threads dir: %w", err)
	}

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write thread: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write thread: %w", err)
	}
	return nil
}

// Append implements Store.
func (s *FileStore) Append(_ context.Context, workspace, thread string, msgs ...transcript.Message) error {
	if err := validKey(workspace, thread); err != nil {
		return err
	}
	msgs = storable(msgs)
	if len(msgs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tf, err := s.load(workspace, thread)
	if err != nil {
		return err
	}
	now := time.Now()
	if tf == nil {
		tf = &threadFile{Workspace: workspace, Thread: thread, CreatedAt: now}
	}

	index := make(map[string]int, len(tf.Messages))
	for i, m := range tf.Messages {
		index[m.ID] = i
	}
	for _, m := range msgs {
		if i, ok := index[m.ID]; ok {
			tf.Messages[i] = m
			continue
		}
		index[m.ID] = len(tf.Messages)
		tf.Messages = append(tf.Messages, m)
	}
	tf.UpdatedAt = now

	return s.save(tf)
}

// History implements Store.
func (s *FileStore) History(_ context.Context, workspace, thread string, limit int) ([]transcript.Message, error) {
	if err := validKey(workspace, thread); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tf, err := s.load(workspace, thread)
	if err != nil || tf == nil {
		return nil, err
	}
	return tail(tf.Messages, limit), nil
}

// Reset implements Store.
func (s *FileStore) Reset(_ context.Context, workspace, thread string) error {
	if err := validKey(workspace, thread); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(workspace, thread)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to reset thread: %w", err)
	}
	return nil
}

// Threads implements Store.
func (s *FileStore) Threads(_ context.Context, workspace string) ([]ThreadInfo, error) {
	if err := validWorkspace(workspace); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var threads []ThreadInfo
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		tf, err := s.load(workspace, strings.TrimSuffix(e.Name(), ".json"))
		if err != nil || tf == nil {
			continue
		}
		threads = append(threads, ThreadInfo{ID: tf.Thread, Messages: len(tf.Messages), UpdatedAt: tf.UpdatedAt})
	}

	// Sort by updated time, newest first
	sort.Slice(threads, func(i, j int) bool {
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
	return threads, nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }
