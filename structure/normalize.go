package structure

import (
	"regexp"
	"sort"

	"github.com/casys-ai/pml-gateway/domain"
)

// NormalizeSnippet rewrites each variable bound to a task result to
// the canonical name "_<nodeID>" ("_n1"), so capabilities learned from
// differently-named but structurally identical snippets store the same
// code. The rewrite is word-bounded and never touches the tail of a
// property access: "file.content" with a variable named "content"
// keeps its property untouched.
func NormalizeSnippet(code string, s *domain.StaticStructure) string {
	if len(s.VariableBindings) == 0 {
		return code
	}

	// Longest names first so "data2" is not clobbered by "data".
	names := make([]string, 0, len(s.VariableBindings))
	for name := range s.VariableBindings {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	out := code
	for _, name := range names {
		nodeID := s.VariableBindings[name]
		// Match the name when not preceded by "." or an identifier
		// character, and not followed by an identifier character.
		re := regexp.MustCompile(`(^|[^.\w$])` + regexp.QuoteMeta(name) + `($|[^\w$])`)
		// Repeated replacement handles adjacent matches the single
		// pass misses ("f,f" shares the separator).
		prev := ""
		for prev != out {
			prev = out
			out = re.ReplaceAllString(out, `${1}_`+nodeID+`${2}`)
		}
	}
	return out
}
