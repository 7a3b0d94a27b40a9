package chat

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/concierge/internal/concierge"
)

func TestChat_SessionStore(t *testing.T) {
	t.Parallel()

	t.Run("resolve reuses a session for the same model", func(t *testing.T) {
		t.Parallel()

		store := NewSessionStore(time.Hour, clockwork.NewFakeClock())
		first, created := store.Resolve("", "gpt-5")
		require.True(t, created)
		require.NotEmpty(t, first.ID)

		again, created := store.Resolve(first.ID, "gpt-5")
		require.False(t, created)
		require.Same(t, first, again)
	})

	t.Run("resolve starts over for an unknown id or another model", func(t *testing.T) {
		t.Parallel()

		store := NewSessionStore(time.Hour, clockwork.NewFakeClock())
		first, _ := store.Resolve("", "gpt-5")

		other, created := store.Resolve(first.ID, "gpt-5-mini")
		require.True(t, created)
		require.NotEqual(t, first.ID, other.ID)
		require.Equal(t, "gpt-5-mini", other.Model)

		unknown, created := store.Resolve("does-not-exist", "gpt-5")
		require.True(t, created)
		require.NotEqual(t, "does-not-exist", unknown.ID)
		require.Equal(t, 3, store.Len())
	})

	t.Run("append records turns and touches the session", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Date(2025, 9, 24, 3, 0, 0, 0, time.UTC))
		store := NewSessionStore(time.Hour, clock)
		sess := store.Create("gpt-5")

		clock.Advance(time.Minute)
		sess.Lock()
		store.Append(sess,
			concierge.Turn{Role: "user", Content: "こんにちは"},
			concierge.Turn{Role: "assistant", Content: "やあ！"},
		)
		snap := sess.Snapshot()
		sess.Unlock()

		require.Len(t, snap.History, 2)
		require.Equal(t, time.Date(2025, 9, 24, 3, 0, 0, 0, time.UTC), snap.CreatedAt)
		require.Equal(t, time.Date(2025, 9, 24, 3, 1, 0, 0, time.UTC), snap.UpdatedAt)

		snap.History[0].Content = "changed"
		require.Equal(t, "こんにちは", sess.History[0].Content)
	})

	t.Run("delete removes the session", func(t *testing.T) {
		t.Parallel()

		store := NewSessionStore(time.Hour, clockwork.NewFakeClock())
		sess := store.Create("gpt-5")
		require.NoError(t, store.Delete(sess.ID))

		_, err := store.Get(sess.ID)
		require.ErrorIs(t, err, ErrSessionNotFound)
		require.ErrorIs(t, store.Delete(sess.ID), ErrSessionNotFound)
	})

	t.Run("idle sessions expire", func(t *testing.T) {
		t.Parallel()

		store := NewSessionStore(50*time.Millisecond, clockwork.NewFakeClock())
		store.Start()
		t.Cleanup(store.Stop)

		// Get would extend the TTL, so watch the size instead.
		store.Create("gpt-5")
		require.Eventually(t, func() bool {
			return store.Len() == 0
		}, 2*time.Second, 10*time.Millisecond)
	})
}
