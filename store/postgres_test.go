package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVectorLiteralRoundTrip(t *testing.T) {
	in := []float32{0.25, -1, 0, 3.5}
	out, err := decodeVector(encodeVector(in))
	require.NoError(t, err)
	require.Equal(t, in, out)

	empty, err := decodeVector("[]")
	require.NoError(t, err)
	require.Nil(t, empty)

	_, err = decodeVector("[1,oops]")
	require.Error(t, err)
}

func TestDeriveFQDN(t *testing.T) {
	f := deriveFQDN([]string{"fs:read", "s:post"}, "abcdef0123456789")
	require.Equal(t, "learned", f.Namespace)
	require.Equal(t, "fs_read_abcdef01", f.Action)

	f = deriveFQDN(nil, "abc")
	require.Equal(t, "snippet_abc", f.Action)
}
