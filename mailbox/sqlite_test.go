package mailbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) Mailbox {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mailbox.db")
	mb, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { mb.Close() })
	return mb
}

func TestSQLiteMailbox(t *testing.T) {
	runMailboxSuite(t, openTestSQLite)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mailbox.db")

	mb, err := OpenSQLite(ctx, path)
	require.NoError(t, err)

	env := queuedEnvelope(t, "persist", "alice", "bob", time.Now().UTC().Truncate(time.Millisecond), 1)
	require.NoError(t, mb.Store(ctx, env))
	require.NoError(t, mb.Close())

	// A queued envelope must survive a relay restart.
	mb, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer mb.Close()

	recs, err := mb.FetchUndelivered(ctx, "bob", nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "persist", recs[0].Envelope.MessageID)

	// Idempotency holds across restarts too.
	assert.ErrorIs(t, mb.Store(ctx, env), ErrAlreadyStored)
}
