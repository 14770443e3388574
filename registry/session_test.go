package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flhub/flhub/store"
	"github.com/flhub/flhub/types"
)

func newTestRecord(nodeID string) *types.NodeSessionRecord {
	now := time.Now()
	return &types.NodeSessionRecord{
		NodeID:        nodeID,
		Status:        types.NodeStatusIdle,
		Capabilities:  []types.Capability{types.CapabilityFL},
		SessionToken:  "tok-" + nodeID,
		LastHeartbeat: now,
		PrivacyBudget: types.DefaultPrivacyBudget(),
		RegisteredAt:  now,
	}
}

func startTestSession(t *testing.T, record *types.NodeSessionRecord, window time.Duration, st store.RecordStore) *Session {
	t.Helper()
	require.NoError(t, st.Insert(context.Background(), record))
	sess := newSession(record, window, st, zap.NewNop())
	sess.start()
	t.Cleanup(sess.Stop)
	return sess
}

func TestSession_StatusSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	sess := startTestSession(t, newTestRecord("n1"), time.Minute, st)

	snap, err := sess.Status(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "n1", snap.NodeID)
	assert.Equal(t, types.NodeStatusIdle, snap.Status)
	assert.Equal(t, []types.Capability{types.CapabilityFL}, snap.Capabilities)
	assert.Equal(t, types.DefaultPrivacyBudget(), snap.PrivacyBudget)
	assert.True(t, snap.IsActive)
	assert.GreaterOrEqual(t, snap.Age, time.Duration(0))
}

func TestSession_HeartbeatExtendsDeadline(t *testing.T) {
	st := store.NewMemoryStore()
	sess := startTestSession(t, newTestRecord("n1"), 150*time.Millisecond, st)

	// Keep the session alive for several windows' worth of time.
	deadline := time.Now().Add(450 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, sess.Heartbeat(context.Background()))
		time.Sleep(50 * time.Millisecond)
	}

	select {
	case <-sess.Done():
		t.Fatal("session expired despite heartbeats")
	default:
	}

	snap, err := sess.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.IsActive)
}

func TestSession_ExpiryMarksRecordOffline(t *testing.T) {
	st := store.NewMemoryStore()
	sess := startTestSession(t, newTestRecord("n1"), 50*time.Millisecond, st)

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not expire")
	}

	record, err := st.GetByNodeID(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOffline, record.Status)

	// Terminated actors reject further operations.
	err = sess.Heartbeat(context.Background())
	assert.ErrorIs(t, err, ErrSessionTerminated)
}

func TestSession_StopDoesNotMarkOffline(t *testing.T) {
	st := store.NewMemoryStore()
	sess := startTestSession(t, newTestRecord("n1"), time.Minute, st)

	sess.Stop()

	record, err := st.GetByNodeID(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusIdle, record.Status)
}

func TestSession_TrainingHistoryIsCapped(t *testing.T) {
	st := store.NewMemoryStore()
	sess := startTestSession(t, newTestRecord("n1"), time.Minute, st)

	for i := 0; i < types.TrainingHistoryLimit+10; i++ {
		roundID := fmt.Sprintf("round-%d", i)
		require.NoError(t, sess.UpdateTrainingStatus(context.Background(), roundID, types.NodeStatusTraining))
	}

	record, err := st.GetByNodeID(context.Background(), "n1")
	require.NoError(t, err)
	require.Len(t, record.TrainingHistory, types.TrainingHistoryLimit)

	// Most recent first.
	latest := fmt.Sprintf("round-%d", types.TrainingHistoryLimit+9)
	assert.Equal(t, latest, record.TrainingHistory[0].RoundID)
	assert.Equal(t, latest, record.CurrentRoundID)
	assert.Equal(t, types.NodeStatusTraining, record.Status)
}

func TestSession_ConsumeBudget(t *testing.T) {
	st := store.NewMemoryStore()
	sess := startTestSession(t, newTestRecord("n1"), time.Minute, st)

	budget, err := sess.ConsumeBudget(context.Background(), 0.4, 0.3e-5)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, budget.Epsilon, 1e-9)
	assert.InDelta(t, 0.7e-5, budget.Delta, 1e-12)

	// A consumption that would go negative is rejected and the
	// budget is left unchanged.
	_, err = sess.ConsumeBudget(context.Background(), 0.7, 0)
	assert.ErrorIs(t, err, ErrInsufficientBudget)

	budget, err = sess.Budget(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.6, budget.Epsilon, 1e-9)
	assert.InDelta(t, 0.7e-5, budget.Delta, 1e-12)

	// The rejection was not persisted either.
	record, err := st.GetByNodeID(context.Background(), "n1")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, record.PrivacyBudget.Epsilon, 1e-9)
}

func TestSession_RequestTimeoutIsDistinct(t *testing.T) {
	st := store.NewMemoryStore()
	record := newTestRecord("n1")
	require.NoError(t, st.Insert(context.Background(), record))

	// Never started: the mailbox is never drained, so the call runs
	// into its deadline.
	sess := newSession(record, time.Minute, st, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sess.Status(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrSessionNotFound)
}
