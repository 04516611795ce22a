package chunkstore

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressIfWorthwhileBelowThreshold(t *testing.T) {
	stored, compressed, err := CompressIfWorthwhile([]byte("tiny"), 256)
	require.NoError(t, err)
	require.False(t, compressed)
	require.Equal(t, []byte("tiny"), stored)
}

func TestCompressIfWorthwhileCompressibleData(t *testing.T) {
	plaintext := bytes.Repeat([]byte("a"), 10000)
	stored, compressed, err := CompressIfWorthwhile(plaintext, 256)
	require.NoError(t, err)
	require.True(t, compressed)
	require.Less(t, len(stored), len(plaintext))

	back, err := Decompress(stored)
	require.NoError(t, err)
	require.Equal(t, plaintext, back)
}

func TestCompressIfWorthwhileIncompressibleDataFallsBack(t *testing.T) {
	plaintext := make([]byte, 10000)
	_, _ = rand.Read(plaintext)

	_, compressed, err := CompressIfWorthwhile(plaintext, 256)
	require.NoError(t, err)
	require.False(t, compressed)
}
