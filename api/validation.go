package api

import (
	"fmt"

	"github.com/flhub/flhub/types"
)

// maxNodeIDLength bounds caller-assigned node identifiers.
const maxNodeIDLength = 128

// RegisterRequest is the JSON body of a registration call.
type RegisterRequest struct {
	NodeID         string            `json:"node_id"`
	Capabilities   []string          `json:"capabilities"`
	PublicKey      string            `json:"public_key,omitempty"`
	ConnectionInfo map[string]string `json:"connection_info,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TrainingStatusRequest is the JSON body of a training-status update.
type TrainingStatusRequest struct {
	RoundID string `json:"round_id"`
	Status  string `json:"status"`
}

// ConsumeBudgetRequest is the JSON body of a budget consumption.
type ConsumeBudgetRequest struct {
	EpsilonUsed float64 `json:"epsilon_used"`
	DeltaUsed   float64 `json:"delta_used"`
}

// validateRegistration checks a registration request field by field
// and returns the violations in a fixed order, so error output is
// deterministic. An empty slice means the request is valid.
func validateRegistration(req *RegisterRequest) []string {
	var violations []string
	violations = append(violations, validateNodeID(req.NodeID)...)
	if len(req.Capabilities) == 0 {
		violations = append(violations, "capabilities must not be empty")
	}
	seen := make(map[string]bool, len(req.Capabilities))
	for _, c := range req.Capabilities {
		if !types.Capability(c).Valid() {
			violations = append(violations, fmt.Sprintf("unknown capability %q", c))
			continue
		}
		if seen[c] {
			violations = append(violations, fmt.Sprintf("duplicate capability %q", c))
		}
		seen[c] = true
	}
	return violations
}

func validateNodeID(nodeID string) []string {
	var violations []string
	if nodeID == "" {
		violations = append(violations, "node_id must not be empty")
	}
	if len(nodeID) > maxNodeIDLength {
		violations = append(violations, fmt.Sprintf("node_id must not exceed %d characters", maxNodeIDLength))
	}
	return violations
}

func validateTrainingStatus(req *TrainingStatusRequest) []string {
	var violations []string
	if !types.NodeStatus(req.Status).Valid() {
		violations = append(violations, fmt.Sprintf("unknown status %q", req.Status))
	}
	return violations
}

func validateConsumeBudget(req *ConsumeBudgetRequest) []string {
	var violations []string
	if req.EpsilonUsed < 0 {
		violations = append(violations, "epsilon_used must not be negative")
	}
	if req.DeltaUsed < 0 {
		violations = append(violations, "delta_used must not be negative")
	}
	return violations
}

// toRegistration converts a validated request into the registry's
// registration value.
func (req *RegisterRequest) toRegistration() types.Registration {
	caps := make([]types.Capability, 0, len(req.Capabilities))
	seen := make(map[types.Capability]bool, len(req.Capabilities))
	for _, c := range req.Capabilities {
		capability := types.Capability(c)
		if !seen[capability] {
			caps = append(caps, capability)
			seen[capability] = true
		}
	}
	return types.Registration{
		NodeID:         req.NodeID,
		Capabilities:   caps,
		PublicKey:      req.PublicKey,
		ConnectionInfo: req.ConnectionInfo,
		Metadata:       req.Metadata,
	}
}
