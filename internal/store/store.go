// Package store persists the settled messages of chat threads for the
// reference backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/tofut/tredy/internal/transcript"
)

// ErrInvalidKey is returned for workspace or thread names that cannot be stored.
var ErrInvalidKey = errors.New("invalid workspace or thread name")

// Store keeps thread history per workspace.
type Store interface {
	// Append adds messages to a thread. A message whose id is already stored
	// replaces the earlier copy in place.
	Append(ctx context.Context, workspace, thread string, msgs ...transcript.Message) error
	// History returns the last limit messages in order; limit <= 0 returns all.
	History(ctx context.Context, workspace, thread string, limit int) ([]transcript.Message, error)
	// Reset forgets a thread.
	Reset(ctx context.Context, workspace, thread string) error
	// Threads lists the threads of a workspace, most recently updated first.
	Threads(ctx context.Context, workspace string) ([]ThreadInfo, error)
	Close() error
}

// ThreadInfo summarizes a stored thread.
type ThreadInfo struct {
	ID        string    `json:"id"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Open returns the store of the given kind rooted at dir.
func Open(kind, dir string) (Store, error) {
	switch kind {
	case "", "sqlite":
		return OpenSQLite(filepath.Join(dir, "threads.db"))
	case "file":
		return NewFileStore(filepath.Join(dir, "threads")), nil
	default:
		return nil, fmt.Errorf("unknown store: %s", kind)
	}
}

var keyRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

func validWorkspace(workspace string) error {
	if !keyRe.MatchString(workspace) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, workspace)
	}
	return nil
}

func validKey(workspace, thread string) error {
	if err := validWorkspace(workspace); err != nil {
		return err
	}
	if !keyRe.MatchString(thread) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, thread)
	}
	return nil
}

// storable drops in-flight messages; only terminal turns are history.
func storable(msgs []transcript.Message) []transcript.Message {
	out := make([]transcript.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != "" && m.Status.Terminal() {
			out = append(out, m)
		}
	}
	return out
}

func tail(msgs []transcript.Message, limit int) []transcript.Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}
