package mailbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ephemrelay/envelope"
)

func queuedEnvelope(t *testing.T, id, from, to string, createdAt time.Time, seq uint64) *envelope.Envelope {
	t.Helper()

	km, err := envelope.NewKeyMaterial("aabbccddeeff")
	require.NoError(t, err)
	env, err := envelope.Seal(km, from, to, []byte("payload-"+id))
	require.NoError(t, err)
	env.MessageID = id
	env.CreatedAt = createdAt
	env.Sequence = seq
	return env
}

// runMailboxSuite exercises the Mailbox contract against any implementation.
func runMailboxSuite(t *testing.T, open func(t *testing.T) Mailbox) {
	ctx := context.Background()

	t.Run("StoreAndFetchOrdered", func(t *testing.T) {
		mb := open(t)
		base := time.Now().UTC().Truncate(time.Millisecond)

		// Stored out of order on purpose.
		require.NoError(t, mb.Store(ctx, queuedEnvelope(t, "m2", "alice", "bob", base.Add(time.Second), 2)))
		require.NoError(t, mb.Store(ctx, queuedEnvelope(t, "m1", "alice", "bob", base, 1)))
		require.NoError(t, mb.Store(ctx, queuedEnvelope(t, "m3", "carol", "bob", base.Add(2*time.Second), 3)))

		recs, err := mb.FetchUndelivered(ctx, "bob", nil)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, "m1", recs[0].Envelope.MessageID)
		assert.Equal(t, "m2", recs[1].Envelope.MessageID)
		assert.Equal(t, "m3", recs[2].Envelope.MessageID)
		for _, rec := range recs {
			assert.Equal(t, StateQueued, rec.State)
		}
	})

	t.Run("SequenceBreaksCreatedAtTies", func(t *testing.T) {
		mb := open(t)
		at := time.Now().UTC().Truncate(time.Millisecond)

		require.NoError(t, mb.Store(ctx, queuedEnvelope(t, "tie2", "alice", "bob", at, 9)))
		require.NoError(t, mb.Store(ctx, queuedEnvelope(t, "tie1", "alice", "bob", at, 4)))

		recs, err := mb.FetchUndelivered(ctx, "bob", nil)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "tie1", recs[0].Envelope.MessageID)
		assert.Equal(t, "tie2", recs[1].Envelope.MessageID)
	})

	t.Run("StoreIsIdempotent", func(t *testing.T) {
		mb := open(t)
		env := queuedEnvelope(t, "dup", "alice", "bob", time.Now().UTC(), 1)

		require.NoError(t, mb.Store(ctx, env))
		assert.ErrorIs(t, mb.Store(ctx, env), ErrAlreadyStored)

		recs, err := mb.FetchUndelivered(ctx, "bob", nil)
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})

	t.Run("FetchExcludesBlockedSenders", func(t *testing.T) {
		mb := open(t)
		now := time.Now().UTC()

		require.NoError(t, mb.Store(ctx, queuedEnvelope(t, "ok", "alice", "bob", now, 1)))
		require.NoError(t, mb.Store(ctx, queuedEnvelope(t, "bad", "mallory", "bob", now.Add(time.Second), 2)))

		recs, err := mb.FetchUndelivered(ctx, "bob", map[string]struct{}{"mallory": {}})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "ok", recs[0].Envelope.MessageID)
	})

	t.Run("MarkDeliveredRemovesFromQueue", func(t *testing.T) {
		mb := open(t)
		require.NoError(t, mb.Store(ctx, queuedEnvelope(t, "d1", "alice", "bob", time.Now().UTC(), 1)))

		require.NoError(t, mb.MarkDelivered(ctx, "d1"))
		// A second mark is a no-op, not an error.
		require.NoError(t, mb.MarkDelivered(ctx, "d1"))

		recs, err := mb.FetchUndelivered(ctx, "bob", nil)
		require.NoError(t, err)
		assert.Empty(t, recs)

		assert.ErrorIs(t, mb.MarkDelivered(ctx, "ghost"), ErrNotFound)
	})

	t.Run("MarkRead", func(t *testing.T) {
		mb := open(t)
		require.NoError(t, mb.Store(ctx, queuedEnvelope(t, "r1", "alice", "bob", time.Now().UTC(), 1)))
		require.NoError(t, mb.MarkDelivered(ctx, "r1"))

		require.NoError(t, mb.MarkRead(ctx, "r1"))
		require.NoError(t, mb.MarkRead(ctx, "r1"))

		assert.ErrorIs(t, mb.MarkRead(ctx, "ghost"), ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		mb := open(t)
		require.NoError(t, mb.Store(ctx, queuedEnvelope(t, "del", "alice", "bob", time.Now().UTC(), 1)))

		require.NoError(t, mb.Delete(ctx, "del"))
		assert.ErrorIs(t, mb.Delete(ctx, "del"), ErrNotFound)

		recs, err := mb.FetchUndelivered(ctx, "bob", nil)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("RetentionSweep", func(t *testing.T) {
		mb := open(t)
		now := time.Now().UTC()

		require.NoError(t, mb.Store(ctx, queuedEnvelope(t, "old", "alice", "bob", now, 1)))
		require.NoError(t, mb.Store(ctx, queuedEnvelope(t, "fresh", "alice", "bob", now, 2)))
		require.NoError(t, mb.MarkDelivered(ctx, "old"))

		// Queued messages are never swept; a delivered message is swept
		// only once its delivery time passes the cutoff.
		count, err := mb.DeleteIfDeliveredBefore(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, count)

		count, err = mb.DeleteIfDeliveredBefore(ctx, time.Now().UTC().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		// Sweep is idempotent.
		count, err = mb.DeleteIfDeliveredBefore(ctx, time.Now().UTC().Add(time.Minute))
		require.NoError(t, err)
		assert.Zero(t, count)

		recs, err := mb.FetchUndelivered(ctx, "bob", nil)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "fresh", recs[0].Envelope.MessageID)
	})

	t.Run("PersistedRecordRoundTrips", func(t *testing.T) {
		mb := open(t)
		env := queuedEnvelope(t, "rt", "alice", "bob", time.Now().UTC().Truncate(time.Millisecond), 7)
		env.ExpiresAfterRead = 30

		require.NoError(t, mb.Store(ctx, env))

		recs, err := mb.FetchUndelivered(ctx, "bob", nil)
		require.NoError(t, err)
		require.Len(t, recs, 1)

		got := recs[0].Envelope
		assert.Equal(t, env.MessageID, got.MessageID)
		assert.Equal(t, env.From, got.From)
		assert.Equal(t, env.To, got.To)
		assert.Equal(t, env.KeyMaterial, got.KeyMaterial)
		assert.Equal(t, env.IV, got.IV)
		assert.Equal(t, env.AuthTag, got.AuthTag)
		assert.Equal(t, env.Ciphertext, got.Ciphertext)
		assert.Equal(t, env.Sequence, got.Sequence)
		assert.Equal(t, env.ExpiresAfterRead, got.ExpiresAfterRead)
		assert.True(t, env.CreatedAt.Equal(got.CreatedAt))

		// The stored copy decrypts for the recipient.
		plaintext, err := envelope.Open(&got)
		require.NoError(t, err)
		assert.Equal(t, []byte("payload-rt"), plaintext)
	})
}

func TestMemoryMailbox(t *testing.T) {
	runMailboxSuite(t, func(t *testing.T) Mailbox {
		return NewMemory()
	})
}

func TestMemoryConcurrentStores(t *testing.T) {
	ctx := context.Background()
	mb := NewMemory()

	envs := make([]*envelope.Envelope, 16)
	for i := range envs {
		envs[i] = queuedEnvelope(t, fmt.Sprintf("c%d", i), "alice", "bob", time.Now().UTC(), uint64(i))
	}

	done := make(chan error, 16)
	for _, env := range envs {
		go func(env *envelope.Envelope) {
			done <- mb.Store(ctx, env)
		}(env)
	}
	for i := 0; i < 16; i++ {
		require.NoError(t, <-done)
	}

	recs, err := mb.FetchUndelivered(ctx, "bob", nil)
	require.NoError(t, err)
	assert.Len(t, recs, 16)
}
