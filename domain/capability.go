package domain

import (
	"fmt"
	"strings"
	"time"
)

// Visibility scopes who can match a stored capability.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityProject Visibility = "project"
	VisibilityOrg     Visibility = "org"
	VisibilityPublic  Visibility = "public"
)

// FQDN is the fully-qualified capability name.
type FQDN struct {
	Namespace string `json:"namespace"`
	Action    string `json:"action"`
}

// String renders "namespace.action".
func (f FQDN) String() string {
	return f.Namespace + "." + f.Action
}

// ParseFQDN splits "namespace.action" (the action is the last
// segment, everything before it the namespace).
func ParseFQDN(s string) (FQDN, error) {
	idx := strings.LastIndex(s, ".")
	if idx <= 0 || idx == len(s)-1 {
		return FQDN{}, fmt.Errorf("invalid capability fqdn %q", s)
	}
	return FQDN{Namespace: s[:idx], Action: s[idx+1:]}, nil
}

// CapabilityStats are the online usage statistics of a capability.
type CapabilityStats struct {
	SuccessRate   float64    `json:"success_rate"`
	UsageCount    int64      `json:"usage_count"`
	AvgDurationMs float64    `json:"avg_duration_ms"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
}

// Capability is a learned, parameterised code snippet keyed by the
// hash of its canonical structure. CodeSnippet is never mutated after
// creation; only the stats are.
type Capability struct {
	ID   string `json:"id"`
	FQDN FQDN   `json:"fqdn"`

	// CodeSnippet is the canonical, variable-normalised source.
	CodeSnippet string `json:"code_snippet"`

	// CodeHash is the hex sha256 of the canonical static structure,
	// NOT of the raw code. It is the dedup key.
	CodeHash string `json:"code_hash"`

	ParametersSchema map[string]any `json:"parameters_schema,omitempty"`

	// IntentEmbedding is a 1024-D unit vector, populated on creation
	// and never updated.
	IntentEmbedding []float32 `json:"intent_embedding,omitempty"`

	Stats CapabilityStats `json:"stats"`

	Visibility Visibility `json:"visibility"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`

	PermissionSet        PermissionSet `json:"permission_set"`
	PermissionConfidence float64       `json:"permission_confidence,omitempty"`

	// CommunityID is the graph community the capability belongs to,
	// when community detection has run.
	CommunityID *int `json:"community_id,omitempty"`

	// Tools are the qualified tool names the capability's structure
	// references, used by the graph signals.
	Tools []string `json:"tools,omitempty"`
}

// DependencyEdge is an observed or declared relation between two
// capabilities (or tools) in the dependency graph.
type DependencyEdge struct {
	From            string   `json:"from"`
	To              string   `json:"to"`
	ObservedCount   int64    `json:"observed_count"`
	ConfidenceScore float64  `json:"confidence_score"`
	EdgeType        EdgeType `json:"edge_type"`   // contains, sequence, dependency, alternative
	EdgeSource      string   `json:"edge_source"` // template, inferred, observed
}

// EmbeddingDim is the dimensionality of intent embeddings.
const EmbeddingDim = 1024
