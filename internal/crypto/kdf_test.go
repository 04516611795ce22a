package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveMasterIsDeterministic(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	params := KDFParams{MemoryKiB: 8 * 1024, Iterations: 1, Parallelism: 1}

	a, err := DeriveMaster("hunter2", salt, params)
	require.NoError(t, err)
	b, err := DeriveMaster("hunter2", salt, params)
	require.NoError(t, err)

	require.Equal(t, a.Bytes(), b.Bytes())
}

func TestDeriveMasterDifferentPasswordsDiffer(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	params := KDFParams{MemoryKiB: 8 * 1024, Iterations: 1, Parallelism: 1}

	a, err := DeriveMaster("hunter2", salt, params)
	require.NoError(t, err)
	b, err := DeriveMaster("hunter3", salt, params)
	require.NoError(t, err)

	require.NotEqual(t, a.Bytes(), b.Bytes())
}

func TestDeriveMasterRejectsZeroParams(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	_, err = DeriveMaster("pw", salt, KDFParams{})
	require.Error(t, err)
}

func TestMasterKeyZero(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	mk, err := DeriveMaster("pw", salt, KDFParams{MemoryKiB: 8 * 1024, Iterations: 1, Parallelism: 1})
	require.NoError(t, err)

	mk.Zero()
	for _, b := range mk.Bytes() {
		require.Zero(t, b)
	}
}
