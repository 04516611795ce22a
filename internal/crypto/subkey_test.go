package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubkeyDeterministicPerPurpose(t *testing.T) {
	master, err := DeriveMaster("pw", testSalt(), KDFParams{MemoryKiB: 8 * 1024, Iterations: 1, Parallelism: 1})
	require.NoError(t, err)

	a, err := Subkey(master, testSalt(), ChunkPurpose(PurposeEpochNew, "abc"))
	require.NoError(t, err)
	b, err := Subkey(master, testSalt(), ChunkPurpose(PurposeEpochNew, "abc"))
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := Subkey(master, testSalt(), ChunkPurpose(PurposeEpochNew, "def"))
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestPurposeStringsDistinguishOldAndNew(t *testing.T) {
	require.NotEqual(t, MetadataPurpose(PurposeEpochOld), MetadataPurpose(PurposeEpochNew))
	require.Contains(t, MetadataPurpose(PurposeEpochOld), "telegramfs")
	require.Contains(t, MetadataPurpose(PurposeEpochNew), "tgcryptfs")
}
