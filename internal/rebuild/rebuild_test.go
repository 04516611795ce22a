package rebuild

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kenneth/chunkvault/internal/backend"
	"github.com/kenneth/chunkvault/internal/config"
	"github.com/kenneth/chunkvault/internal/erasure"
	"github.com/kenneth/chunkvault/internal/pool"
)

func newTestPool(t *testing.T, n int) (*pool.AccountPool, map[int]*backend.MemoryAccount) {
	t.Helper()
	accounts := make(map[int]backend.Account, n)
	raw := make(map[int]*backend.MemoryAccount, n)
	for i := 0; i < n; i++ {
		m := backend.NewMemoryAccount()
		accounts[i] = m
		raw[i] = m
	}
	return pool.New(accounts, config.RetryConfig{MaxConcurrentDownloads: 4}, nil), raw
}

func buildStripe(t *testing.T, p *pool.AccountPool, coder *erasure.Coder, sm *erasure.StripeManager, chunkID string, plaintext []byte) StripeRef {
	t.Helper()
	blocks, blockSize, err := coder.Encode(plaintext)
	require.NoError(t, err)

	stripe := sm.NewStripe(blockSize, int64(len(plaintext)))
	ctx := context.Background()
	for i := range stripe.Blocks {
		b := &stripe.Blocks[i]
		filename := chunkID + "_block"
		id, err := p.Upload(ctx, b.AccountID, filename, blocks[b.BlockIndex])
		require.NoError(t, err)
		b.MessageID = &id
	}
	return StripeRef{ChunkID: chunkID, Stripe: stripe}
}

func TestRebuildAccountReconstructsMissingBlock(t *testing.T) {
	p, raw := newTestPool(t, 4)
	coder, err := erasure.NewCoder(3, 4)
	require.NoError(t, err)
	sm, err := erasure.NewStripeManager(3, 4, 4)
	require.NoError(t, err)

	ref := buildStripe(t, p, coder, sm, "chunk1", []byte("the quick brown fox jumps"))

	var lostAccount int
	for _, b := range ref.Stripe.Blocks {
		lostAccount = b.AccountID
		break
	}
	raw[lostAccount].SetUnavailable(true)
	for i := range ref.Stripe.Blocks {
		if ref.Stripe.Blocks[i].AccountID == lostAccount {
			ref.Stripe.Blocks[i].MessageID = nil
		}
	}
	raw[lostAccount].SetUnavailable(false)

	mgr, err := NewManager(p, 3, 4, nil)
	require.NoError(t, err)

	var last Progress
	err = mgr.RebuildAccount(context.Background(), lostAccount, []StripeRef{ref}, func(pr Progress) { last = pr })
	require.NoError(t, err)
	require.Equal(t, Completed, last.Phase)
	require.Equal(t, pool.Healthy, p.Health().State(lostAccount))
}

func TestRebuildAccountNoAffectedStripesMarksHealthy(t *testing.T) {
	p, _ := newTestPool(t, 4)
	mgr, err := NewManager(p, 3, 4, nil)
	require.NoError(t, err)

	err = mgr.RebuildAccount(context.Background(), 0, nil, nil)
	require.NoError(t, err)
	require.Equal(t, pool.Healthy, p.Health().State(0))
}

func TestStripesNeedingRepairFiltersByMissingBlock(t *testing.T) {
	p, _ := newTestPool(t, 4)
	coder, _ := erasure.NewCoder(3, 4)
	sm, _ := erasure.NewStripeManager(3, 4, 4)

	ref1 := buildStripe(t, p, coder, sm, "c1", []byte("data one"))
	ref2 := buildStripe(t, p, coder, sm, "c2", []byte("data two"))

	target := ref1.Stripe.Blocks[0].AccountID
	ref1.Stripe.Blocks[0].MessageID = nil

	got := StripesNeedingRepair([]StripeRef{ref1, ref2}, target)
	require.Len(t, got, 1)
	require.Equal(t, "c1", got[0].ChunkID)
}

func TestScrubReportsValidStripes(t *testing.T) {
	p, _ := newTestPool(t, 4)
	coder, _ := erasure.NewCoder(3, 4)
	sm, _ := erasure.NewStripeManager(3, 4, 4)

	ref := buildStripe(t, p, coder, sm, "chunk1", []byte("some payload bytes"))

	mgr, err := NewManager(p, 3, 4, nil)
	require.NoError(t, err)

	results := mgr.Scrub(context.Background(), []StripeRef{ref}, nil)
	require.Len(t, results, 1)
	require.True(t, results[0].Valid)
}

func TestScrubDetectsUnrecoverableStripe(t *testing.T) {
	p, raw := newTestPool(t, 4)
	coder, _ := erasure.NewCoder(3, 4)
	sm, _ := erasure.NewStripeManager(3, 4, 4)

	ref := buildStripe(t, p, coder, sm, "chunk1", []byte("some payload bytes"))

	for _, b := range ref.Stripe.Blocks[:2] {
		raw[b.AccountID].SetUnavailable(true)
	}

	mgr, err := NewManager(p, 3, 4, nil)
	require.NoError(t, err)

	results := mgr.Scrub(context.Background(), []StripeRef{ref}, nil)
	require.Len(t, results, 1)
	require.False(t, results[0].Valid)
}
