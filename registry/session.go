package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flhub/flhub/store"
	"github.com/flhub/flhub/types"
)

// persistTimeout bounds the background store writes performed inside
// the actor loop. Durability is best-effort per operation; only
// registration (handled by the Coordinator) propagates store failures.
const persistTimeout = 5 * time.Second

type sessionOp int

const (
	opStatus sessionOp = iota
	opHeartbeat
	opUpdateTraining
	opConsumeBudget
	opGetBudget
)

type sessionRequest struct {
	op      sessionOp
	roundID string
	status  types.NodeStatus
	epsilon float64
	delta   float64
	reply   chan sessionReply
}

type sessionReply struct {
	snapshot types.StatusSnapshot
	budget   types.PrivacyBudget
	err      error
}

// Session is the per-node actor. It owns the node's record snapshot
// and a single pending heartbeat-deadline timer, and processes one
// mailbox request at a time, so all mutations of one node are totally
// ordered.
//
// A Session has two states: live and terminated. The deadline timer
// firing marks the durable record offline (best-effort) and terminates
// the actor; Stop terminates it without the offline mark. Done is
// closed on either path, which is how the Coordinator observes exits.
type Session struct {
	nodeID string
	window time.Duration
	store  store.RecordStore
	logger *zap.Logger

	requests chan sessionRequest
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// lastBeat mirrors record.LastHeartbeat as unix nanos so the
	// coordinator sweep can check staleness without touching the
	// mailbox of a possibly stuck actor.
	lastBeat atomic.Int64

	// record and timer are owned exclusively by run.
	record *types.NodeSessionRecord
	timer  *time.Timer
}

// newSession builds a live actor around a record snapshot. The caller
// (the Coordinator) must invoke start exactly once.
func newSession(record *types.NodeSessionRecord, window time.Duration, st store.RecordStore, logger *zap.Logger) *Session {
	s := &Session{
		nodeID:   record.NodeID,
		window:   window,
		store:    st,
		logger:   logger.With(zap.String("component", "session"), zap.String("node_id", record.NodeID)),
		requests: make(chan sessionRequest),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		record:   record.Clone(),
	}
	s.lastBeat.Store(record.LastHeartbeat.UnixNano())
	return s
}

func (s *Session) start() {
	go s.run()
}

// NodeID returns the node this actor serves.
func (s *Session) NodeID() string { return s.nodeID }

// Done is closed when the actor has terminated, for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// LastHeartbeatTime returns the most recent heartbeat without going
// through the mailbox.
func (s *Session) LastHeartbeatTime() time.Time {
	return time.Unix(0, s.lastBeat.Load())
}

// Status returns a read snapshot of the node's live state.
func (s *Session) Status(ctx context.Context) (types.StatusSnapshot, error) {
	rep, err := s.send(ctx, sessionRequest{op: opStatus})
	return rep.snapshot, err
}

// Heartbeat resets the deadline timer and persists the new
// last-heartbeat timestamp. Persistence failures are logged, not
// surfaced: liveness is optimistic, durability best-effort.
func (s *Session) Heartbeat(ctx context.Context) error {
	_, err := s.send(ctx, sessionRequest{op: opHeartbeat})
	return err
}

// UpdateTrainingStatus records a training state transition. The status
// value is validated one layer up; the actor trusts its caller.
func (s *Session) UpdateTrainingStatus(ctx context.Context, roundID string, status types.NodeStatus) error {
	_, err := s.send(ctx, sessionRequest{op: opUpdateTraining, roundID: roundID, status: status})
	return err
}

// ConsumeBudget deducts from the privacy budget, rejecting with
// ErrInsufficientBudget if either field would go negative. On
// rejection the record is untouched.
func (s *Session) ConsumeBudget(ctx context.Context, epsilon, delta float64) (types.PrivacyBudget, error) {
	rep, err := s.send(ctx, sessionRequest{op: opConsumeBudget, epsilon: epsilon, delta: delta})
	return rep.budget, err
}

// Budget returns the current privacy budget.
func (s *Session) Budget(ctx context.Context) (types.PrivacyBudget, error) {
	rep, err := s.send(ctx, sessionRequest{op: opGetBudget})
	return rep.budget, err
}

// Stop terminates the actor without marking the record offline and
// waits for the loop to exit. Safe to call more than once. This is the
// teardown path for deregistration and re-registration restarts.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Session) send(ctx context.Context, req sessionRequest) (sessionReply, error) {
	req.reply = make(chan sessionReply, 1)
	select {
	case s.requests <- req:
	case <-s.done:
		return sessionReply{}, ErrSessionTerminated
	case <-ctx.Done():
		return sessionReply{}, wrapCtxErr(ctx.Err())
	}
	select {
	case rep := <-req.reply:
		return rep, rep.err
	case <-s.done:
		return sessionReply{}, ErrSessionTerminated
	case <-ctx.Done():
		return sessionReply{}, wrapCtxErr(ctx.Err())
	}
}

func wrapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func (s *Session) run() {
	defer close(s.done)
	s.timer = time.NewTimer(s.window)
	defer s.timer.Stop()

	for {
		select {
		case req := <-s.requests:
			req.reply <- s.handle(req)
		case <-s.timer.C:
			s.expire()
			return
		case <-s.stop:
			return
		}
	}
}

func (s *Session) handle(req sessionRequest) sessionReply {
	switch req.op {
	case opStatus:
		return sessionReply{snapshot: s.snapshot()}
	case opHeartbeat:
		return s.heartbeat()
	case opUpdateTraining:
		return s.updateTraining(req.roundID, req.status)
	case opConsumeBudget:
		return s.consumeBudget(req.epsilon, req.delta)
	case opGetBudget:
		return sessionReply{budget: s.record.PrivacyBudget}
	default:
		return sessionReply{err: errors.New("unknown session operation")}
	}
}

func (s *Session) snapshot() types.StatusSnapshot {
	now := time.Now()
	caps := make([]types.Capability, len(s.record.Capabilities))
	copy(caps, s.record.Capabilities)
	return types.StatusSnapshot{
		NodeID:         s.record.NodeID,
		Status:         s.record.Status,
		LastHeartbeat:  s.record.LastHeartbeat,
		CurrentRoundID: s.record.CurrentRoundID,
		PrivacyBudget:  s.record.PrivacyBudget,
		Capabilities:   caps,
		Age:            now.Sub(s.record.RegisteredAt),
		IsActive:       now.Sub(s.record.LastHeartbeat) < s.window,
	}
}

func (s *Session) heartbeat() sessionReply {
	now := time.Now()
	s.record.LastHeartbeat = now
	s.lastBeat.Store(now.UnixNano())
	s.resetTimer()
	s.persist("heartbeat")
	return sessionReply{}
}

func (s *Session) updateTraining(roundID string, status types.NodeStatus) sessionReply {
	s.record.Status = status
	s.record.CurrentRoundID = roundID
	event := types.TrainingEvent{Status: status, RoundID: roundID, Timestamp: time.Now()}
	s.record.TrainingHistory = append([]types.TrainingEvent{event}, s.record.TrainingHistory...)
	if len(s.record.TrainingHistory) > types.TrainingHistoryLimit {
		s.record.TrainingHistory = s.record.TrainingHistory[:types.TrainingHistoryLimit]
	}
	s.persist("training status update")
	return sessionReply{}
}

func (s *Session) consumeBudget(epsilon, delta float64) sessionReply {
	newEpsilon := s.record.PrivacyBudget.Epsilon - epsilon
	newDelta := s.record.PrivacyBudget.Delta - delta
	if newEpsilon < 0 || newDelta < 0 {
		return sessionReply{budget: s.record.PrivacyBudget, err: ErrInsufficientBudget}
	}
	s.record.PrivacyBudget = types.PrivacyBudget{Epsilon: newEpsilon, Delta: newDelta}
	s.persist("budget consumption")
	return sessionReply{budget: s.record.PrivacyBudget}
}

// resetTimer drains and re-arms the deadline timer, keeping the
// at-most-one-pending-timer invariant.
func (s *Session) resetTimer() {
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
	s.timer.Reset(s.window)
}

// expire handles the deadline firing with no intervening heartbeat:
// the record is marked offline in the store (best-effort) and the
// actor terminates. The Coordinator observes the exit and removes the
// node from its indices.
func (s *Session) expire() {
	s.logger.Info("heartbeat deadline expired",
		zap.Time("last_heartbeat", s.record.LastHeartbeat),
		zap.Duration("window", s.window),
	)
	s.record.Status = types.NodeStatusOffline
	s.persist("offline mark")
}

// persist writes the current snapshot to the store, logging failures
// instead of crashing the actor. The next reconciliation sweep (or
// the next successful write) converges the durable state.
func (s *Session) persist(what string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.Update(ctx, s.record); err != nil {
		s.logger.Warn("failed to persist "+what, zap.Error(err))
	}
}
