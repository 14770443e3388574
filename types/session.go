package types

import "time"

// Capability tags a training feature a node advertises at registration.
type Capability string

const (
	// CapabilityFL marks support for federated model training.
	CapabilityFL Capability = "fl"

	// CapabilityHE marks support for homomorphic encryption.
	CapabilityHE Capability = "he"

	// CapabilityDP marks support for differential privacy.
	CapabilityDP Capability = "dp"
)

// AllCapabilities lists every capability a node may advertise.
var AllCapabilities = []Capability{CapabilityFL, CapabilityHE, CapabilityDP}

// Valid reports whether c is a known capability tag.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityFL, CapabilityHE, CapabilityDP:
		return true
	}
	return false
}

// NodeStatus represents the training state reported by a node.
type NodeStatus string

const (
	NodeStatusIdle        NodeStatus = "idle"
	NodeStatusTraining    NodeStatus = "training"
	NodeStatusUpdating    NodeStatus = "updating"
	NodeStatusAggregating NodeStatus = "aggregating"
	NodeStatusOffline     NodeStatus = "offline"
)

// Valid reports whether s is a known node status.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusIdle, NodeStatusTraining, NodeStatusUpdating,
		NodeStatusAggregating, NodeStatusOffline:
		return true
	}
	return false
}

// PrivacyBudget is the remaining differential-privacy allowance of a node.
// Both fields are non-negative; consumption never drives either below zero.
type PrivacyBudget struct {
	Epsilon float64 `json:"epsilon"`
	Delta   float64 `json:"delta"`
}

// DefaultPrivacyBudget returns the budget assigned at registration.
func DefaultPrivacyBudget() PrivacyBudget {
	return PrivacyBudget{Epsilon: 1.0, Delta: 1e-5}
}

// TrainingEvent is one entry in a node's training history.
type TrainingEvent struct {
	Status    NodeStatus `json:"status"`
	RoundID   string     `json:"round_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// TrainingHistoryLimit caps the per-node training history length.
const TrainingHistoryLimit = 50

// NodeSessionRecord is the durable registration state of one node. The
// same shape serves as the live in-memory snapshot owned by the node's
// session actor.
type NodeSessionRecord struct {
	// NodeID uniquely identifies the node. Immutable once created.
	NodeID string `json:"node_id"`

	// Status is the last training state the node reported.
	Status NodeStatus `json:"status"`

	// Capabilities is the non-empty set of tags advertised at registration.
	Capabilities []Capability `json:"capabilities"`

	// SessionToken is an opaque random token minted at registration.
	// A fresh token is issued on every (re-)registration, never reused.
	SessionToken string `json:"session_token"`

	// PublicKey is the caller-supplied key material, stored verbatim.
	PublicKey string `json:"public_key,omitempty"`

	// LastHeartbeat is updated only by heartbeat or registration.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// PrivacyBudget is monotonically non-increasing except on
	// re-registration, which resets it.
	PrivacyBudget PrivacyBudget `json:"privacy_budget"`

	// CurrentRoundID is the training round the node last reported, if any.
	CurrentRoundID string `json:"current_round_id,omitempty"`

	// TrainingHistory holds the most recent training events, newest first,
	// capped at TrainingHistoryLimit.
	TrainingHistory []TrainingEvent `json:"training_history,omitempty"`

	// ConnectionInfo and Metadata are caller-supplied opaque maps,
	// stored verbatim.
	ConnectionInfo map[string]string `json:"connection_info,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// RegisteredAt is when the current session was created.
	RegisteredAt time.Time `json:"registered_at"`
}

// Clone returns a deep copy so callers can hold a record without
// observing later mutations.
func (r *NodeSessionRecord) Clone() *NodeSessionRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Capabilities != nil {
		out.Capabilities = make([]Capability, len(r.Capabilities))
		copy(out.Capabilities, r.Capabilities)
	}
	if r.TrainingHistory != nil {
		out.TrainingHistory = make([]TrainingEvent, len(r.TrainingHistory))
		copy(out.TrainingHistory, r.TrainingHistory)
	}
	if r.ConnectionInfo != nil {
		out.ConnectionInfo = make(map[string]string, len(r.ConnectionInfo))
		for k, v := range r.ConnectionInfo {
			out.ConnectionInfo[k] = v
		}
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// HasCapability reports whether the record advertises c.
func (r *NodeSessionRecord) HasCapability(c Capability) bool {
	for _, have := range r.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Registration carries the caller-supplied registration fields.
// On re-registration, nil or empty optional fields retain the values
// of the previous record.
type Registration struct {
	NodeID         string            `json:"node_id"`
	Capabilities   []Capability      `json:"capabilities"`
	PublicKey      string            `json:"public_key,omitempty"`
	ConnectionInfo map[string]string `json:"connection_info,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// SessionSummary is the public view returned by Register.
type SessionSummary struct {
	NodeID        string        `json:"node_id"`
	Status        NodeStatus    `json:"status"`
	SessionToken  string        `json:"session_token"`
	Capabilities  []Capability  `json:"capabilities"`
	PrivacyBudget PrivacyBudget `json:"privacy_budget"`
	RegisteredAt  time.Time     `json:"registered_at"`
}

// StatusSnapshot is the read view served by a session actor.
type StatusSnapshot struct {
	NodeID         string        `json:"node_id"`
	Status         NodeStatus    `json:"status"`
	LastHeartbeat  time.Time     `json:"last_heartbeat"`
	CurrentRoundID string        `json:"current_round_id,omitempty"`
	PrivacyBudget  PrivacyBudget `json:"privacy_budget"`
	Capabilities   []Capability  `json:"capabilities"`
	Age            time.Duration `json:"age"`

	// IsActive is true iff the last heartbeat is within the
	// heartbeat-timeout window.
	IsActive bool `json:"is_active"`
}
