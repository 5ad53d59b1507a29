package structure

// pureOps is the whitelist of array/string/object/math operations that
// are detected as pseudo-tool nodes (tool "code:<op>"). Operations on
// this list are pure: they run in the sandbox, are traced, and never
// require approval. Anything not listed is silently skipped by the
// builder.
var pureOps = map[string]bool{
	// Array operations.
	"map": true, "filter": true, "reduce": true, "reduceRight": true,
	"forEach": true, "find": true, "findIndex": true, "findLast": true,
	"findLastIndex": true, "some": true, "every": true, "includes": true,
	"indexOf": true, "lastIndexOf": true, "join": true, "slice": true,
	"concat": true, "flat": true, "flatMap": true, "reverse": true,
	"sort": true, "fill": true, "keys": true, "values": true,
	"entries": true, "at": true, "push": true, "pop": true,
	"shift": true, "unshift": true, "splice": true,

	// String operations.
	"split": true, "trim": true, "trimStart": true, "trimEnd": true,
	"toUpperCase": true, "toLowerCase": true, "replace": true,
	"replaceAll": true, "substring": true, "substr": true, "charAt": true,
	"startsWith": true, "endsWith": true, "padStart": true, "padEnd": true,
	"repeat": true, "match": true, "matchAll": true, "search": true,
	"normalize": true, "toString": true, "valueOf": true,

	// Object operations.
	"Object.keys": true, "Object.values": true, "Object.entries": true,
	"Object.assign": true, "Object.freeze": true, "Object.fromEntries": true,
	"Object.create": true, "Object.getOwnPropertyNames": true,
	"hasOwnProperty": true,

	// Array constructors.
	"Array.from": true, "Array.of": true, "Array.isArray": true,

	// JSON.
	"JSON.parse": true, "JSON.stringify": true,

	// Math.
	"Math.abs": true, "Math.ceil": true, "Math.floor": true,
	"Math.round": true, "Math.trunc": true, "Math.sign": true,
	"Math.min": true, "Math.max": true, "Math.pow": true,
	"Math.sqrt": true, "Math.log": true, "Math.log2": true,
	"Math.log10": true, "Math.exp": true, "Math.random": true,

	// Number/global conversions.
	"parseInt": true, "parseFloat": true, "Number.isInteger": true,
	"Number.isFinite": true, "Number.isNaN": true, "isNaN": true,
	"isFinite": true, "toFixed": true, "toPrecision": true,

	// Encoding helpers.
	"encodeURIComponent": true, "decodeURIComponent": true,
	"encodeURI": true, "decodeURI": true, "btoa": true, "atob": true,
}

// IsPureOp reports whether the named operation is on the pure
// whitelist. Accepts either the bare method name ("map") or the
// namespaced form ("JSON.parse").
func IsPureOp(name string) bool {
	return pureOps[name]
}

// PureOpCount is exposed for sanity checks.
func PureOpCount() int {
	return len(pureOps)
}
