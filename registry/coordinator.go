package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flhub/flhub/internal/metrics"
	"github.com/flhub/flhub/store"
	"github.com/flhub/flhub/types"
)

// maxStatusFanout bounds concurrent actor queries during listings.
const maxStatusFanout = 16

// Config holds coordinator timing configuration.
type Config struct {
	// HeartbeatWindow is how long a session stays live without a
	// heartbeat before its deadline timer expires it.
	HeartbeatWindow time.Duration `yaml:"heartbeat_window" json:"heartbeat_window"`

	// SweepInterval is the period of the reconciliation sweep.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// QueryTimeout bounds status and budget queries against one actor.
	QueryTimeout time.Duration `yaml:"query_timeout" json:"query_timeout"`

	// RegisterTimeout bounds registration, which may involve a
	// durable write.
	RegisterTimeout time.Duration `yaml:"register_timeout" json:"register_timeout"`
}

// DefaultConfig returns the production timing defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatWindow: 300 * time.Second,
		SweepInterval:   60 * time.Second,
		QueryTimeout:    5 * time.Second,
		RegisterTimeout: 30 * time.Second,
	}
}

type coordCommandKind int

const (
	cmdRegister coordCommandKind = iota
	cmdDeregister
)

type coordCommand struct {
	kind         coordCommandKind
	registration types.Registration
	nodeID       string
	reply        chan coordReply
}

type coordReply struct {
	summary types.SessionSummary
	err     error
}

// Coordinator is the single serialization point for
// registration-affecting operations. Its command loop is the only
// place session actors are created or destroyed and the only mutator
// of the node-to-session map and the capability index, so two
// concurrent registrations of the same node ID can never produce two
// actors. Per-node reads and writes bypass the loop and go straight
// to the actor's mailbox.
type Coordinator struct {
	config  Config
	store   store.RecordStore
	logger  *zap.Logger
	metrics *metrics.Collector

	commands chan coordCommand
	exits    chan *Session
	done     chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	// mu guards sessions and index. Both are mutated only by the
	// command loop (or Close); other goroutines take read locks for
	// delegation lookups.
	mu       sync.RWMutex
	sessions map[string]*Session
	index    *capabilityIndex
}

// NewCoordinator builds a coordinator over the given record store.
// The collector may be nil when metrics are not wanted.
func NewCoordinator(config Config, st store.RecordStore, logger *zap.Logger, collector *metrics.Collector) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.HeartbeatWindow <= 0 {
		config.HeartbeatWindow = def.HeartbeatWindow
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = def.QueryTimeout
	}
	if config.RegisterTimeout <= 0 {
		config.RegisterTimeout = def.RegisterTimeout
	}

	return &Coordinator{
		config:   config,
		store:    st,
		logger:   logger.With(zap.String("component", "coordinator")),
		metrics:  collector,
		commands: make(chan coordCommand),
		exits:    make(chan *Session, 16),
		done:     make(chan struct{}),
		sessions: make(map[string]*Session),
		index:    newCapabilityIndex(),
	}
}

// Start launches the command loop. The first reconciliation sweep runs
// immediately so the in-memory view converges to the store before the
// first request, which is what brings sessions back after a restart.
func (c *Coordinator) Start(ctx context.Context) error {
	c.wg.Add(1)
	go c.run()
	c.logger.Info("registry coordinator started",
		zap.Duration("heartbeat_window", c.config.HeartbeatWindow),
		zap.Duration("sweep_interval", c.config.SweepInterval),
	)
	return nil
}

// Close stops the command loop and terminates every live session actor.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()

	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		sessions = append(sessions, sess)
	}
	c.sessions = make(map[string]*Session)
	c.index = newCapabilityIndex()
	c.mu.Unlock()

	for _, sess := range sessions {
		sess.Stop()
	}
	c.logger.Info("registry coordinator closed")
	return nil
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	c.sweep()
	for {
		select {
		case cmd := <-c.commands:
			c.handleCommand(cmd)
		case sess := <-c.exits:
			c.handleExit(sess)
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Coordinator) handleCommand(cmd coordCommand) {
	var rep coordReply
	switch cmd.kind {
	case cmdRegister:
		rep.summary, rep.err = c.handleRegister(cmd.registration)
	case cmdDeregister:
		rep.err = c.handleDeregister(cmd.nodeID)
	}
	cmd.reply <- rep
}

// Register creates or replaces the session for a node. Re-registering
// an existing node ID always restarts its actor, mints a fresh session
// token and resets the heartbeat clock: idempotent in effect, never a
// no-op. Validation of the registration fields happens one layer up.
func (c *Coordinator) Register(ctx context.Context, reg types.Registration) (types.SessionSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RegisterTimeout)
	defer cancel()
	rep, err := c.dispatch(ctx, coordCommand{kind: cmdRegister, registration: reg})
	if err != nil {
		return types.SessionSummary{}, err
	}
	return rep.summary, rep.err
}

// Deregister removes a node's session, index entries and durable
// record. Succeeds even when the node is already absent.
func (c *Coordinator) Deregister(ctx context.Context, nodeID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RegisterTimeout)
	defer cancel()
	rep, err := c.dispatch(ctx, coordCommand{kind: cmdDeregister, nodeID: nodeID})
	if err != nil {
		return err
	}
	return rep.err
}

func (c *Coordinator) dispatch(ctx context.Context, cmd coordCommand) (coordReply, error) {
	cmd.reply = make(chan coordReply, 1)
	select {
	case c.commands <- cmd:
	case <-c.done:
		return coordReply{}, ErrCoordinatorClosed
	case <-ctx.Done():
		return coordReply{}, wrapCtxErr(ctx.Err())
	}
	select {
	case rep := <-cmd.reply:
		return rep, nil
	case <-c.done:
		return coordReply{}, ErrCoordinatorClosed
	case <-ctx.Done():
		return coordReply{}, wrapCtxErr(ctx.Err())
	}
}

func (c *Coordinator) handleRegister(reg types.Registration) (types.SessionSummary, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.RegisterTimeout)
	defer cancel()

	now := time.Now()
	record := &types.NodeSessionRecord{
		NodeID:         reg.NodeID,
		Status:         types.NodeStatusIdle,
		Capabilities:   append([]types.Capability(nil), reg.Capabilities...),
		SessionToken:   uuid.NewString(),
		PublicKey:      reg.PublicKey,
		LastHeartbeat:  now,
		PrivacyBudget:  types.DefaultPrivacyBudget(),
		ConnectionInfo: copyStringMap(reg.ConnectionInfo),
		Metadata:       copyStringMap(reg.Metadata),
		RegisteredAt:   now,
	}

	prior, err := c.store.GetByNodeID(ctx, reg.NodeID)
	switch {
	case err == nil:
		// Re-registration replaces the record; fields the caller
		// omitted retain their prior values.
		if len(reg.Capabilities) == 0 {
			record.Capabilities = prior.Capabilities
		}
		if reg.PublicKey == "" {
			record.PublicKey = prior.PublicKey
		}
		if reg.ConnectionInfo == nil {
			record.ConnectionInfo = prior.ConnectionInfo
		}
		if reg.Metadata == nil {
			record.Metadata = prior.Metadata
		}
		if err := c.store.Update(ctx, record); err != nil {
			c.metrics.RecordRegistration("error")
			return types.SessionSummary{}, fmt.Errorf("failed to update session record: %w", err)
		}
		c.replaceSession(record)
		c.metrics.RecordRegistration("updated")
		c.logger.Info("node re-registered", zap.String("node_id", reg.NodeID))

	case errors.Is(err, store.ErrRecordNotFound):
		if err := c.store.Insert(ctx, record); err != nil {
			// No actor has been spawned yet, so there is nothing to
			// roll back.
			c.metrics.RecordRegistration("error")
			return types.SessionSummary{}, fmt.Errorf("failed to insert session record: %w", err)
		}
		c.replaceSession(record)
		c.metrics.RecordRegistration("created")
		c.logger.Info("node registered",
			zap.String("node_id", reg.NodeID),
			zap.Int("capabilities", len(record.Capabilities)),
		)

	default:
		c.metrics.RecordRegistration("error")
		return types.SessionSummary{}, fmt.Errorf("failed to load session record: %w", err)
	}

	return types.SessionSummary{
		NodeID:        record.NodeID,
		Status:        record.Status,
		SessionToken:  record.SessionToken,
		Capabilities:  append([]types.Capability(nil), record.Capabilities...),
		PrivacyBudget: record.PrivacyBudget,
		RegisteredAt:  record.RegisteredAt,
	}, nil
}

// replaceSession tears down any existing actor for the record's node,
// then spawns and indexes a fresh one. The old actor is removed from
// the map before Stop so its exit notification is recognized as a
// deliberate teardown, not a crash.
func (c *Coordinator) replaceSession(record *types.NodeSessionRecord) {
	old, _ := c.removeSession(record.NodeID)
	if old != nil {
		old.Stop()
	}

	sess := newSession(record, c.config.HeartbeatWindow, c.store, c.logger)
	c.mu.Lock()
	c.sessions[record.NodeID] = sess
	c.index.add(record.NodeID, record.Capabilities)
	n := len(c.sessions)
	c.mu.Unlock()

	sess.start()
	c.watch(sess)
	c.metrics.SetActiveNodes(n)
}

// removeSession unindexes a node and returns its actor, if any. The
// caller decides whether to stop it and what to do with the record.
func (c *Coordinator) removeSession(nodeID string) (*Session, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.sessions[nodeID]
	delete(c.sessions, nodeID)
	c.index.remove(nodeID)
	return sess, len(c.sessions)
}

func (c *Coordinator) handleDeregister(nodeID string) error {
	sess, n := c.removeSession(nodeID)
	if sess != nil {
		sess.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.RegisterTimeout)
	defer cancel()
	if err := c.store.Delete(ctx, nodeID); err != nil {
		// Deregistration still succeeds; the sweep reconciles the
		// leftover record later.
		c.logger.Warn("failed to delete session record",
			zap.String("node_id", nodeID), zap.Error(err))
	}

	c.metrics.RecordDeregistration()
	c.metrics.SetActiveNodes(n)
	c.logger.Info("node deregistered", zap.String("node_id", nodeID))
	return nil
}

// watch observes one actor and reports its exit to the command loop.
func (c *Coordinator) watch(sess *Session) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-sess.Done():
			select {
			case c.exits <- sess:
			case <-c.done:
			}
		case <-c.done:
		}
	}()
}

// handleExit cleans up after an actor that terminated outside the
// coordinator's own teardown: heartbeat expiry or a crash. Either way
// the policy is session loss, so the durable record is deleted and the
// node drops out of both indices. Exits of actors the coordinator
// already replaced or removed are ignored.
func (c *Coordinator) handleExit(sess *Session) {
	nodeID := sess.NodeID()

	c.mu.Lock()
	if c.sessions[nodeID] != sess {
		c.mu.Unlock()
		return
	}
	delete(c.sessions, nodeID)
	c.index.remove(nodeID)
	n := len(c.sessions)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.RegisterTimeout)
	defer cancel()
	if err := c.store.Delete(ctx, nodeID); err != nil {
		c.logger.Warn("failed to delete record of lost session",
			zap.String("node_id", nodeID), zap.Error(err))
	}

	c.metrics.RecordSessionLoss()
	c.metrics.SetActiveNodes(n)
	c.logger.Info("session lost", zap.String("node_id", nodeID))
}

// sweep is the periodic reconciliation pass. First it deregisters
// nodes whose heartbeat is stale past the window, a safety net for
// actors whose own timer failed to fire. Then it reloads the durable
// record set and converges the session map and capability index to it:
// records without an actor get one spawned, actors without a record
// are stopped. The sweep races benignly with individual actor writes;
// it is idempotent and eventually consistent, not linearizable.
func (c *Coordinator) sweep() {
	start := time.Now()
	defer func() { c.metrics.ObserveSweep(time.Since(start)) }()

	cutoff := time.Now().Add(-c.config.HeartbeatWindow)
	c.mu.RLock()
	var stale []string
	for nodeID, sess := range c.sessions {
		if sess.LastHeartbeatTime().Before(cutoff) {
			stale = append(stale, nodeID)
		}
	}
	c.mu.RUnlock()
	for _, nodeID := range stale {
		c.logger.Warn("sweep removing stale session", zap.String("node_id", nodeID))
		sess, n := c.removeSession(nodeID)
		if sess != nil {
			sess.Stop()
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.config.QueryTimeout)
		if err := c.store.Delete(ctx, nodeID); err != nil {
			c.logger.Warn("failed to delete stale session record",
				zap.String("node_id", nodeID), zap.Error(err))
		}
		cancel()
		c.metrics.RecordSessionLoss()
		c.metrics.SetActiveNodes(n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.RegisterTimeout)
	defer cancel()
	records, err := c.store.ListAll(ctx)
	if err != nil {
		c.logger.Warn("sweep failed to list records", zap.Error(err))
		return
	}
	byID := make(map[string]*types.NodeSessionRecord, len(records))
	for _, record := range records {
		byID[record.NodeID] = record
	}

	c.mu.RLock()
	var orphans []*Session
	for nodeID, sess := range c.sessions {
		if _, ok := byID[nodeID]; !ok {
			orphans = append(orphans, sess)
		}
	}
	var missing []*types.NodeSessionRecord
	for nodeID, record := range byID {
		if _, ok := c.sessions[nodeID]; !ok {
			missing = append(missing, record)
		}
	}
	c.mu.RUnlock()

	for _, sess := range orphans {
		c.mu.Lock()
		if c.sessions[sess.NodeID()] != sess {
			c.mu.Unlock()
			continue
		}
		delete(c.sessions, sess.NodeID())
		c.index.remove(sess.NodeID())
		c.mu.Unlock()
		c.logger.Warn("sweep dropping session without durable record",
			zap.String("node_id", sess.NodeID()))
		sess.Stop()
	}
	for _, record := range missing {
		c.logger.Info("sweep restoring session from durable record",
			zap.String("node_id", record.NodeID))
		sess := newSession(record, c.config.HeartbeatWindow, c.store, c.logger)
		c.mu.Lock()
		if _, ok := c.sessions[record.NodeID]; ok {
			c.mu.Unlock()
			continue
		}
		c.sessions[record.NodeID] = sess
		c.mu.Unlock()
		sess.start()
		c.watch(sess)
	}

	c.mu.Lock()
	live := make([]*types.NodeSessionRecord, 0, len(c.sessions))
	for nodeID := range c.sessions {
		if record, ok := byID[nodeID]; ok {
			live = append(live, record)
		}
	}
	c.index.rebuild(live)
	n := len(c.sessions)
	c.mu.Unlock()
	c.metrics.SetActiveNodes(n)
}

// lookup returns the live actor for nodeID, or nil.
func (c *Coordinator) lookup(nodeID string) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[nodeID]
}

// Known reports whether a live session is indexed for nodeID. The HTTP
// layer uses it to turn unknown nodes into not-found responses, since
// Heartbeat and UpdateTrainingStatus deliberately drop them.
func (c *Coordinator) Known(nodeID string) bool {
	return c.lookup(nodeID) != nil
}

// Status returns the live snapshot for a node, or ErrSessionNotFound.
func (c *Coordinator) Status(ctx context.Context, nodeID string) (types.StatusSnapshot, error) {
	sess := c.lookup(nodeID)
	if sess == nil {
		return types.StatusSnapshot{}, ErrSessionNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
	defer cancel()
	snap, err := sess.Status(ctx)
	if errors.Is(err, ErrSessionTerminated) {
		return types.StatusSnapshot{}, ErrSessionNotFound
	}
	return snap, err
}

// ListActiveNodes returns the statuses of all indexed nodes. Nodes
// whose actor fails to answer in time are dropped from the result, a
// transient miss rather than an error for the whole list.
func (c *Coordinator) ListActiveNodes(ctx context.Context) map[string]types.NodeStatus {
	c.mu.RLock()
	snapshot := make(map[string]*Session, len(c.sessions))
	for nodeID, sess := range c.sessions {
		snapshot[nodeID] = sess
	}
	c.mu.RUnlock()
	return c.collectStatuses(ctx, snapshot)
}

// NodesByCapability is ListActiveNodes restricted to the nodes
// registered under the capability.
func (c *Coordinator) NodesByCapability(ctx context.Context, capability types.Capability) map[string]types.NodeStatus {
	c.mu.RLock()
	nodeIDs := c.index.nodes(capability)
	snapshot := make(map[string]*Session, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		if sess, ok := c.sessions[nodeID]; ok {
			snapshot[nodeID] = sess
		}
	}
	c.mu.RUnlock()
	return c.collectStatuses(ctx, snapshot)
}

func (c *Coordinator) collectStatuses(ctx context.Context, sessions map[string]*Session) map[string]types.NodeStatus {
	out := make(map[string]types.NodeStatus, len(sessions))
	var outMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxStatusFanout)
	for nodeID, sess := range sessions {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
			defer cancel()
			snap, err := sess.Status(qctx)
			if err != nil {
				c.logger.Debug("dropping unresponsive node from listing",
					zap.String("node_id", nodeID), zap.Error(err))
				return nil
			}
			outMu.Lock()
			out[nodeID] = snap.Status
			outMu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors
	return out
}

// Heartbeat delegates a heartbeat to the node's actor, fire and
// forget. Heartbeats for unknown nodes are logged and dropped; the
// layer above independently reports them as not found.
func (c *Coordinator) Heartbeat(nodeID string) {
	sess := c.lookup(nodeID)
	if sess == nil {
		c.logger.Debug("dropping heartbeat for unknown node", zap.String("node_id", nodeID))
		c.metrics.RecordHeartbeatDrop()
		return
	}
	c.metrics.RecordHeartbeat()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.QueryTimeout)
		defer cancel()
		if err := sess.Heartbeat(ctx); err != nil {
			c.logger.Debug("heartbeat delegation failed",
				zap.String("node_id", nodeID), zap.Error(err))
		}
	}()
}

// UpdateTrainingStatus delegates a training transition to the node's
// actor, fire and forget, with the same unknown-node policy as
// Heartbeat. The status enum is validated one layer up.
func (c *Coordinator) UpdateTrainingStatus(nodeID, roundID string, status types.NodeStatus) {
	sess := c.lookup(nodeID)
	if sess == nil {
		c.logger.Debug("dropping training status for unknown node",
			zap.String("node_id", nodeID), zap.String("round_id", roundID))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.QueryTimeout)
		defer cancel()
		if err := sess.UpdateTrainingStatus(ctx, roundID, status); err != nil {
			c.logger.Debug("training status delegation failed",
				zap.String("node_id", nodeID), zap.Error(err))
		}
	}()
}

// ConsumeBudget deducts from a node's privacy budget.
func (c *Coordinator) ConsumeBudget(ctx context.Context, nodeID string, epsilon, delta float64) (types.PrivacyBudget, error) {
	sess := c.lookup(nodeID)
	if sess == nil {
		return types.PrivacyBudget{}, ErrSessionNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
	defer cancel()
	budget, err := sess.ConsumeBudget(ctx, epsilon, delta)
	switch {
	case errors.Is(err, ErrInsufficientBudget):
		c.metrics.RecordBudgetRejection()
	case errors.Is(err, ErrSessionTerminated):
		return types.PrivacyBudget{}, ErrSessionNotFound
	}
	return budget, err
}

// Budget returns a node's current privacy budget.
func (c *Coordinator) Budget(ctx context.Context, nodeID string) (types.PrivacyBudget, error) {
	sess := c.lookup(nodeID)
	if sess == nil {
		return types.PrivacyBudget{}, ErrSessionNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
	defer cancel()
	budget, err := sess.Budget(ctx)
	if errors.Is(err, ErrSessionTerminated) {
		return types.PrivacyBudget{}, ErrSessionNotFound
	}
	return budget, err
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
