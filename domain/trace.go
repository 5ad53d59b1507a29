package domain

import "time"

// TaskResult records one task invocation inside an execution trace.
type TaskResult struct {
	TaskID     string         `json:"task_id"`
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args,omitempty"`
	Result     any            `json:"result,omitempty"`
	Success    bool           `json:"success"`
	DurationMs int64          `json:"duration_ms"`
	ErrorType  ErrorType      `json:"error_type,omitempty"`
	Error      string         `json:"error,omitempty"`
	Speculated bool           `json:"speculated,omitempty"`
}

// DecisionRecord captures how a decision node resolved.
type DecisionRecord struct {
	NodeID    string `json:"node_id"`
	Outcome   string `json:"outcome"`
	Condition string `json:"condition,omitempty"`
}

// ExecutionTrace is the per-run record persisted by the trace sink.
type ExecutionTrace struct {
	ID              string           `json:"id"`
	CapabilityID    string           `json:"capability_id,omitempty"`
	IntentText      string           `json:"intent_text,omitempty"`
	IntentEmbedding []float32        `json:"intent_embedding,omitempty"`
	ExecutedAt      time.Time        `json:"executed_at"`
	ExecutedPath    []string         `json:"executed_path,omitempty"`
	Decisions       []DecisionRecord `json:"decisions,omitempty"`
	TaskResults     []TaskResult     `json:"task_results,omitempty"`

	// Priority is the PER replay priority in [0,1]: 0 expected,
	// 0.5 cold, 1 surprising.
	Priority float64 `json:"priority"`

	ParentTraceID string    `json:"parent_trace_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	Success       bool      `json:"success"`
	DurationMs    int64     `json:"duration_ms"`
	ErrorType     ErrorType `json:"error_type,omitempty"`
}

// AlgorithmMode distinguishes why a scoring decision ran.
type AlgorithmMode string

const (
	ModeActiveSearch      AlgorithmMode = "active_search"
	ModePassiveSuggestion AlgorithmMode = "passive_suggestion"
)

// AlgorithmDecision is the outcome of one scoring decision.
type AlgorithmDecision string

const (
	DecisionAccepted              AlgorithmDecision = "accepted"
	DecisionRejectedByThreshold   AlgorithmDecision = "rejected_by_threshold"
	DecisionFilteredByReliability AlgorithmDecision = "filtered_by_reliability"
)

// AlgorithmParams are the mixing parameters of one scoring decision.
type AlgorithmParams struct {
	Alpha             float64 `json:"alpha"`
	ReliabilityFactor float64 `json:"reliability_factor"`
	StructuralBoost   float64 `json:"structural_boost"`
}

// AlgorithmTrace is the observability record emitted for each scoring
// decision the matcher or suggester makes.
type AlgorithmTrace struct {
	TraceID       string             `json:"trace_id"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	AlgorithmName string             `json:"algorithm_name"`
	Mode          AlgorithmMode      `json:"algorithm_mode"`
	TargetType    string             `json:"target_type"` // "tool" or "capability"
	TargetID      string             `json:"target_id,omitempty"`
	Intent        string             `json:"intent,omitempty"`
	ContextHash   string             `json:"context_hash,omitempty"`
	Signals       map[string]float64 `json:"signals,omitempty"`
	Params        AlgorithmParams    `json:"params"`
	FinalScore    float64            `json:"final_score"`
	ThresholdUsed float64            `json:"threshold_used"`
	Decision      AlgorithmDecision  `json:"decision"`
	Outcome       map[string]any     `json:"outcome,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}
