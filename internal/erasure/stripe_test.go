package erasure

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	coder, err := NewCoder(3, 4)
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte("chunkvault"), 1000)
	blocks, blockSize, err := coder.Encode(plaintext)
	require.NoError(t, err)
	require.Len(t, blocks, 4)
	require.True(t, blockSize > 0)

	got, err := coder.Decode(blocks, int64(len(plaintext)))
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecodeFromAnyKOfN(t *testing.T) {
	coder, err := NewCoder(3, 4)
	require.NoError(t, err)
	plaintext := bytes.Repeat([]byte("x"), 777)
	blocks, _, err := coder.Encode(plaintext)
	require.NoError(t, err)

	// Drop one block (e.g. account 2 unavailable); reconstruct from the
	// remaining K.
	lossy := make([][]byte, len(blocks))
	copy(lossy, blocks)
	lossy[1] = nil

	got, err := coder.Decode(lossy, int64(len(plaintext)))
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecodeFailsBelowK(t *testing.T) {
	coder, err := NewCoder(3, 4)
	require.NoError(t, err)
	plaintext := []byte("short")
	blocks, _, err := coder.Encode(plaintext)
	require.NoError(t, err)

	lossy := make([][]byte, len(blocks))
	lossy[0] = blocks[0]
	lossy[1] = blocks[1]
	// only 2 of 4 present, K=3

	_, err = coder.Decode(lossy, int64(len(plaintext)))
	require.Error(t, err)
}

func TestPlacementDistinctAccountsPerStripe(t *testing.T) {
	mgr, err := NewStripeManager(3, 4, 6)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		stripe := mgr.NewStripe(1024, 1024)
		accounts := make(map[int]bool)
		for _, b := range stripe.Blocks {
			require.False(t, accounts[b.AccountID], "account reused within one stripe")
			accounts[b.AccountID] = true
		}
		require.Len(t, accounts, 4)
	}
}

func TestPlacementRotatesAcrossStripes(t *testing.T) {
	mgr, err := NewStripeManager(3, 4, 6)
	require.NoError(t, err)

	first := mgr.NewStripe(1, 1)
	second := mgr.NewStripe(1, 1)

	require.NotEqual(t, first.Blocks[0].AccountID, second.Blocks[0].AccountID)
}

func TestNewStripeManagerRejectsTooFewAccounts(t *testing.T) {
	_, err := NewStripeManager(3, 4, 3)
	require.Error(t, err)
}

func TestStripeInfoCanReconstruct(t *testing.T) {
	mgr, err := NewStripeManager(3, 4, 4)
	require.NoError(t, err)
	stripe := mgr.NewStripe(10, 10)
	require.False(t, stripe.CanReconstruct())

	for i := 0; i < 3; i++ {
		id := int64(i)
		stripe.Blocks[i].MessageID = &id
	}
	require.True(t, stripe.CanReconstruct())
}

func TestStripeInfoValidateRejectsWrongBlockCount(t *testing.T) {
	stripe := StripeInfo{K: 3, N: 4, Blocks: make([]BlockLocation, 3)}
	require.Error(t, stripe.Validate())
}
