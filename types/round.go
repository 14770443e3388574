package types

import "time"

// TrainingRound describes one federated training round. The registry
// records round identifiers in training histories; the aggregation
// pipeline that drives rounds end to end lives outside this service
// and is not invoked here.
type TrainingRound struct {
	RoundID      string        `json:"round_id"`
	ModelVersion int           `json:"model_version"`
	Participants []string      `json:"participants"`
	MinUpdates   int           `json:"min_updates"`
	Deadline     time.Time     `json:"deadline"`
	CreatedAt    time.Time     `json:"created_at"`
	Status       NodeStatus    `json:"status"`
	Timeout      time.Duration `json:"timeout"`
}

// ModelUpdate is a node's contribution to a training round.
type ModelUpdate struct {
	NodeID      string    `json:"node_id"`
	RoundID     string    `json:"round_id"`
	WeightsRef  string    `json:"weights_ref"`
	SampleCount int       `json:"sample_count"`
	EpsilonUsed float64   `json:"epsilon_used"`
	DeltaUsed   float64   `json:"delta_used"`
	SubmittedAt time.Time `json:"submitted_at"`
}
