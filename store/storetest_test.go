package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flhub/flhub/types"
)

func testRecord(nodeID string) *types.NodeSessionRecord {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &types.NodeSessionRecord{
		NodeID:        nodeID,
		Status:        types.NodeStatusIdle,
		Capabilities:  []types.Capability{types.CapabilityFL, types.CapabilityDP},
		SessionToken:  "tok-" + nodeID,
		PublicKey:     "pk-" + nodeID,
		LastHeartbeat: now,
		PrivacyBudget: types.PrivacyBudget{Epsilon: 0.8, Delta: 0.5e-5},
		CurrentRoundID: "round-7",
		TrainingHistory: []types.TrainingEvent{
			{Status: types.NodeStatusTraining, RoundID: "round-7", Timestamp: now},
			{Status: types.NodeStatusIdle, RoundID: "round-6", Timestamp: now.Add(-time.Minute)},
		},
		ConnectionInfo: map[string]string{"endpoint": "https://node." + nodeID + ".example"},
		Metadata:       map[string]string{"region": "eu-west"},
		RegisteredAt:   now.Add(-time.Hour),
	}
}

// runRecordStoreContract exercises the RecordStore behavior every
// backend must share.
func runRecordStoreContract(t *testing.T, s RecordStore) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := s.GetByNodeID(ctx, "missing")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("insert and get round-trip", func(t *testing.T) {
		want := testRecord("rt-1")
		require.NoError(t, s.Insert(ctx, want))

		got, err := s.GetByNodeID(ctx, "rt-1")
		require.NoError(t, err)
		assert.Equal(t, want.NodeID, got.NodeID)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.Capabilities, got.Capabilities)
		assert.Equal(t, want.SessionToken, got.SessionToken)
		assert.Equal(t, want.PublicKey, got.PublicKey)
		assert.Equal(t, want.CurrentRoundID, got.CurrentRoundID)
		assert.Equal(t, want.ConnectionInfo, got.ConnectionInfo)
		assert.Equal(t, want.Metadata, got.Metadata)
		assert.InDelta(t, want.PrivacyBudget.Epsilon, got.PrivacyBudget.Epsilon, 1e-9)
		assert.InDelta(t, want.PrivacyBudget.Delta, got.PrivacyBudget.Delta, 1e-12)
		require.Len(t, got.TrainingHistory, 2)
		assert.Equal(t, "round-7", got.TrainingHistory[0].RoundID)
	})

	t.Run("insert duplicate", func(t *testing.T) {
		record := testRecord("dup-1")
		require.NoError(t, s.Insert(ctx, record))
		assert.ErrorIs(t, s.Insert(ctx, record), ErrRecordExists)
	})

	t.Run("update existing", func(t *testing.T) {
		record := testRecord("upd-1")
		require.NoError(t, s.Insert(ctx, record))

		record.Status = types.NodeStatusTraining
		record.PrivacyBudget = types.PrivacyBudget{Epsilon: 0.1, Delta: 1e-6}
		require.NoError(t, s.Update(ctx, record))

		got, err := s.GetByNodeID(ctx, "upd-1")
		require.NoError(t, err)
		assert.Equal(t, types.NodeStatusTraining, got.Status)
		assert.InDelta(t, 0.1, got.PrivacyBudget.Epsilon, 1e-9)
	})

	t.Run("update missing", func(t *testing.T) {
		assert.ErrorIs(t, s.Update(ctx, testRecord("never-inserted")), ErrRecordNotFound)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		record := testRecord("del-1")
		require.NoError(t, s.Insert(ctx, record))
		require.NoError(t, s.Delete(ctx, "del-1"))
		require.NoError(t, s.Delete(ctx, "del-1"))

		_, err := s.GetByNodeID(ctx, "del-1")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("list all ordered", func(t *testing.T) {
		require.NoError(t, s.Insert(ctx, testRecord("list-b")))
		require.NoError(t, s.Insert(ctx, testRecord("list-a")))

		records, err := s.ListAll(ctx)
		require.NoError(t, err)

		var ids []string
		for _, record := range records {
			ids = append(ids, record.NodeID)
		}
		assert.IsNonDecreasing(t, ids)
		assert.Contains(t, ids, "list-a")
		assert.Contains(t, ids, "list-b")
	})
}
