package structure

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/casys-ai/pml-gateway/domain"
)

// CodeHash computes the 256-bit dedup key of a static structure. The
// hash covers nodes and edges only: variable and literal binding maps
// are keyed by source-level names, and including them would break the
// rename-invariance the hash exists to provide. Nodes sort by numeric
// ID, edges by (from, to, type, outcome); arguments were normalised
// during the walk, so equal structures serialise identically.
func CodeHash(s *domain.StaticStructure) string {
	canon := canonicalStructure{
		Nodes: append([]domain.StructureNode{}, s.Nodes...),
		Edges: append([]domain.Edge{}, s.Edges...),
	}
	for i := range canon.Nodes {
		// StaticCode is the verbatim source span kept for sandbox
		// execution; variable names and spacing inside it vary freely
		// between equal structures. The op name and normalised
		// arguments already identify the node, so the span stays out
		// of the hash.
		canon.Nodes[i].StaticCode = ""
	}
	sort.Slice(canon.Nodes, func(i, j int) bool {
		return numericSuffix(canon.Nodes[i].ID) < numericSuffix(canon.Nodes[j].ID)
	})
	sort.Slice(canon.Edges, func(i, j int) bool {
		a, b := canon.Edges[i], canon.Edges[j]
		if a.From != b.From {
			return numericSuffix(a.From) < numericSuffix(b.From)
		}
		if a.To != b.To {
			return numericSuffix(a.To) < numericSuffix(b.To)
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Outcome < b.Outcome
	})

	// encoding/json sorts map keys, so the serialisation is
	// deterministic for the argument maps too.
	data, err := json.Marshal(canon)
	if err != nil {
		// Structures are plain data; marshalling cannot fail with
		// well-formed input.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type canonicalStructure struct {
	Nodes []domain.StructureNode `json:"nodes"`
	Edges []domain.Edge          `json:"edges"`
}
