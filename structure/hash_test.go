package structure

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func hashOf(t *testing.T, code string) string {
	t.Helper()
	s, err := NewBuilder(nil).Build(context.Background(), code)
	require.NoError(t, err)
	return CodeHash(s)
}

func TestCodeHashRenameInvariant(t *testing.T) {
	a := hashOf(t, `
const f = await mcp.fs.read({ path: "a.txt" });
await mcp.slack.post({ text: f.content });
`)
	b := hashOf(t, `
const fileData = await mcp.fs.read({ path: "a.txt" });
await mcp.slack.post({ text: fileData.content });
`)
	require.Equal(t, a, b, "renaming a bound variable must not change the hash")
}

func TestCodeHashWhitespaceInvariant(t *testing.T) {
	a := hashOf(t, `const f = await mcp.fs.read({path:"a"});await mcp.s.post({text:f.content});`)
	b := hashOf(t, `
const f = await mcp.fs.read({ path: "a" });

await mcp.s.post({ text: f.content });
`)
	require.Equal(t, a, b)
}

func TestCodeHashPureOpRenameInvariant(t *testing.T) {
	a := hashOf(t, `
const f = await mcp.fs.read({ path: "a.txt" });
const g = f.trim();
await mcp.slack.post({ text: g });
`)
	b := hashOf(t, `
const data = await mcp.fs.read({ path: "a.txt" });
const trimmed = data.trim();
await mcp.slack.post({ text: trimmed });
`)
	require.Equal(t, a, b, "renaming through a pure-op span must not change the hash")

	c := hashOf(t, `
const f = await mcp.fs.read({ path: "a.txt" });
const g = f.trim( );
await mcp.slack.post({ text: g });
`)
	require.Equal(t, a, c, "whitespace inside a pure-op span must not change the hash")

	d := hashOf(t, `
const f = await mcp.fs.read({ path: "a.txt" });
const g = f.toUpperCase();
await mcp.slack.post({ text: g });
`)
	require.NotEqual(t, a, d, "a different pure op is a different structure")
}

func TestCodeHashDistinguishesStructures(t *testing.T) {
	base := hashOf(t, `await mcp.fs.read({ path: "a" });`)

	cases := map[string]string{
		"different tool":     `await mcp.fs.write({ path: "a" });`,
		"different argument": `await mcp.fs.read({ path: "b" });`,
		"extra step":         `const f = await mcp.fs.read({ path: "a" }); await mcp.s.post({ text: f.content });`,
	}
	for name, code := range cases {
		require.NotEqual(t, base, hashOf(t, code), name)
	}
}

func TestCodeHashStableAcrossRuns(t *testing.T) {
	code := `
const a = await mcp.x.one({ k: args.k });
const b = await mcp.x.two({ v: a.out });
await Promise.all([mcp.y.p({}), mcp.y.q({})]);
`
	first := hashOf(t, code)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, hashOf(t, code))
	}
	require.Len(t, first, 64)
}
