package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tofut/tredy/internal/transcript"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	sqlite, err := OpenSQLite(filepath.Join(dir, "db", "threads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"file":   NewFileStore(filepath.Join(dir, "files")),
	}
}

func msg(id string, role transcript.Role, content string) transcript.Message {
	return transcript.Message{ID: id, Role: role, Content: content, Status: transcript.StatusSettled}
}

func contents(msgs []transcript.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestStore_AppendAndHistory(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Append(ctx, "ws", "th",
				msg("u1", transcript.RoleUser, "hi"),
				msg("a1", transcript.RoleAssistant, "hello"),
			))
			require.NoError(t, s.Append(ctx, "ws", "th",
				msg("u2", transcript.RoleUser, "again"),
				transcript.Message{ID: "a2", Role: transcript.RoleAssistant, Status: transcript.StatusStreaming},
			))

			all, err := s.History(ctx, "ws", "th", 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"hi", "hello", "again"}, contents(all), "in-flight messages are not stored")

			last, err := s.History(ctx, "ws", "th", 2)
			require.NoError(t, err)
			assert.Equal(t, []string{"hello", "again"}, contents(last))

			other, err := s.History(ctx, "ws", "other", 0)
			require.NoError(t, err)
			assert.Empty(t, other)
		})
	}
}

func TestStore_AppendReplacesByID(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Append(ctx, "ws", "th",
				msg("u1", transcript.RoleUser, "hi"),
				msg("a1", transcript.RoleAssistant, "draft"),
			))
			failed := msg("a1", transcript.RoleAssistant, "final")
			failed.Error = "boom"
			failed.ErrorKind = transcript.ErrorCommand
			require.NoError(t, s.Append(ctx, "ws", "th", failed))

			all, err := s.History(ctx, "ws", "th", 0)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "final", all[1].Content)
			assert.Equal(t, transcript.ErrorCommand, all[1].ErrorKind)
			assert.Equal(t, transcript.RoleAssistant, all[1].Role)
		})
	}
}

func TestStore_ResetAndThreads(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Append(ctx, "ws", "older", msg("m1", transcript.RoleUser, "a")))
			time.Sleep(5 * time.Millisecond)
			require.NoError(t, s.Append(ctx, "ws", "newer",
				msg("m1", transcript.RoleUser, "a"),
				msg("m2", transcript.RoleAssistant, "b"),
			))

			threads, err := s.Threads(ctx, "ws")
			require.NoError(t, err)
			require.Len(t, threads, 2)
			assert.Equal(t, "newer", threads[0].ID)
			assert.Equal(t, 2, threads[0].Messages)
			assert.Equal(t, "older", threads[1].ID)

			require.NoError(t, s.Reset(ctx, "ws", "newer"))
			require.NoError(t, s.Reset(ctx, "ws", "never-existed"))

			hist, err := s.History(ctx, "ws", "newer", 0)
			require.NoError(t, err)
			assert.Empty(t, hist)

			threads, err = s.Threads(ctx, "ws")
			require.NoError(t, err)
			assert.Len(t, threads, 1)
		})
	}
}

func TestStore_RejectsInvalidKeys(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "..", "../etc", "a/b", ".hidden"} {
				err := s.Append(ctx, "ws", key, msg("m1", transcript.RoleUser, "x"))
				assert.ErrorIs(t, err, ErrInvalidKey, key)
				_, err = s.History(ctx, key, "th", 0)
				assert.ErrorIs(t, err, ErrInvalidKey, key)
				_, err = s.History(ctx, "ws", key, 0)
				assert.ErrorIs(t, err, ErrInvalidKey, key)
				assert.ErrorIs(t, s.Reset(ctx, "ws", key), ErrInvalidKey, key)
				_, err = s.Threads(ctx, key)
				assert.ErrorIs(t, err, ErrInvalidKey, key)
			}

			threads, err := s.Threads(ctx, "ws")
			require.NoError(t, err)
			assert.Empty(t, threads)
		})
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open("", dir)
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Close())

	s, err = Open("file", dir)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open("redis", dir)
	assert.Error(t, err)
}
