// Package erasure implements Reed-Solomon erasure coding and per-stripe
// account placement (spec.md §4.3), grounded on
// original_source/src/raid/stripe.rs and on the erasure.Engine pattern seen
// in other example repos wrapping github.com/klauspost/reedsolomon.
package erasure

import (
	"fmt"
	"time"

	"github.com/kenneth/chunkvault/internal/chunkerr"
	"github.com/klauspost/reedsolomon"
)

// BlockLocation is one erasure-coded block's placement (spec.md §3).
type BlockLocation struct {
	AccountID  int
	BlockIndex int
	MessageID  *int64
	UploadedAt *time.Time
}

// HasMessage reports whether this block has actually been uploaded.
func (b BlockLocation) HasMessage() bool { return b.MessageID != nil }

// StripeInfo describes the N erasure-coded blocks produced from one chunk
// (spec.md §3). Invariants: len(Blocks) == N; BlockIndex values are a
// permutation of 0..N; CanReconstruct reports whether at least K blocks
// carry a message id.
type StripeInfo struct {
	StripeIndex int64
	Blocks      []BlockLocation
	K           int
	N           int
	BlockSize   int64
	// PlaintextLen is the original (pre-padding) chunk length, needed to
	// truncate the decoded output back to its real size.
	PlaintextLen int64
}

// CanReconstruct reports whether enough blocks have message ids to decode.
func (s StripeInfo) CanReconstruct() bool {
	return s.availableCount() >= s.K
}

func (s StripeInfo) availableCount() int {
	n := 0
	for _, b := range s.Blocks {
		if b.HasMessage() {
			n++
		}
	}
	return n
}

// Validate checks the structural invariants spec.md §3/§4.3 require.
func (s StripeInfo) Validate() error {
	if len(s.Blocks) != s.N {
		return fmt.Errorf("erasure: stripe has %d blocks, want N=%d", len(s.Blocks), s.N)
	}
	seen := make(map[int]bool, s.N)
	accounts := make(map[int]bool, s.N)
	for _, b := range s.Blocks {
		if seen[b.BlockIndex] {
			return fmt.Errorf("erasure: duplicate block index %d in stripe", b.BlockIndex)
		}
		seen[b.BlockIndex] = true
		if accounts[b.AccountID] {
			return fmt.Errorf("erasure: block indices land on account %d twice in one stripe", b.AccountID)
		}
		accounts[b.AccountID] = true
	}
	return nil
}

// Coder wraps github.com/klauspost/reedsolomon to implement spec.md §4.3's
// encode/decode contract.
type Coder struct {
	K, N int
	enc  reedsolomon.Encoder
}

// NewCoder constructs a Reed-Solomon coder for the given (K, N). 1 <= K < N
// is validated by config.Validate before an engine is constructed.
func NewCoder(k, n int) (*Coder, error) {
	enc, err := reedsolomon.New(k, n-k)
	if err != nil {
		return nil, chunkerr.Wrap(chunkerr.KindConfig, fmt.Sprintf("constructing reed-solomon coder K=%d N=%d", k, n), err)
	}
	return &Coder{K: k, N: n, enc: enc}, nil
}

// RAID5 returns the preset (N-1, N) coder for the given total shard count.
func RAID5(n int) (*Coder, error) { return NewCoder(n-1, n) }

// RAID6 returns the preset (N-2, N) coder for the given total shard count.
func RAID6(n int) (*Coder, error) { return NewCoder(n-2, n) }

// Encode zero-pads plaintext so each block has size ceil(len/K), and
// returns N equal-sized blocks (first K data, last N-K parity).
func (c *Coder) Encode(plaintext []byte) (blocks [][]byte, blockSize int64, err error) {
	blockLen := (len(plaintext) + c.K - 1) / c.K
	if blockLen == 0 {
		blockLen = 1
	}
	shards := make([][]byte, c.N)
	for i := range shards {
		shards[i] = make([]byte, blockLen)
	}
	for i := 0; i < c.K; i++ {
		start := i * blockLen
		if start >= len(plaintext) {
			break
		}
		end := start + blockLen
		if end > len(plaintext) {
			end = len(plaintext)
		}
		copy(shards[i], plaintext[start:end])
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, 0, chunkerr.Wrap(chunkerr.KindSerialization, "reed-solomon encode", err)
	}
	return shards, int64(blockLen), nil
}

// Decode accepts any K of the N blocks (indexed by their BlockIndex; absent
// blocks are passed as nil) and returns the original plaintext truncated to
// plaintextLen.
func (c *Coder) Decode(blocks [][]byte, plaintextLen int64) ([]byte, error) {
	present := 0
	for _, b := range blocks {
		if b != nil {
			present++
		}
	}
	if present < c.K {
		return nil, chunkerr.StripeUnrecoverable(present, c.K)
	}

	shards := make([][]byte, len(blocks))
	copy(shards, blocks)
	if err := c.enc.Reconstruct(shards); err != nil {
		return nil, chunkerr.Wrap(chunkerr.KindSerialization, "reed-solomon reconstruct", err)
	}

	out := make([]byte, 0, plaintextLen)
	for i := 0; i < c.K && int64(len(out)) < plaintextLen; i++ {
		out = append(out, shards[i]...)
	}
	if int64(len(out)) > plaintextLen {
		out = out[:plaintextLen]
	}
	return out, nil
}

// PlaceBlock implements spec.md §4.3's placement formula: block b of stripe
// index i is assigned to account (b + i) mod num_accounts.
func PlaceBlock(blockIndex int, stripeIndex int64, numAccounts int) int {
	return int((int64(blockIndex) + stripeIndex) % int64(numAccounts))
}

// StripeManager assigns account placement for new stripes and tracks the
// monotonic per-chunk stripe index counter.
type StripeManager struct {
	K, N        int
	NumAccounts int

	nextIndex int64
}

// NewStripeManager constructs a manager; numAccounts must be >= N.
func NewStripeManager(k, n, numAccounts int) (*StripeManager, error) {
	if numAccounts < n {
		return nil, chunkerr.New(chunkerr.KindConfig, fmt.Sprintf("num_accounts (%d) must be >= N (%d)", numAccounts, n))
	}
	return &StripeManager{K: k, N: n, NumAccounts: numAccounts}, nil
}

// NewStripe allocates the next stripe index and computes this stripe's
// account assignments, with no message ids populated yet (the caller fills
// those in as uploads succeed).
func (m *StripeManager) NewStripe(blockSize int64, plaintextLen int64) StripeInfo {
	idx := m.nextIndex
	m.nextIndex++

	blocks := make([]BlockLocation, m.N)
	for b := 0; b < m.N; b++ {
		blocks[b] = BlockLocation{
			AccountID:  PlaceBlock(b, idx, m.NumAccounts),
			BlockIndex: b,
		}
	}
	return StripeInfo{
		StripeIndex:  idx,
		Blocks:       blocks,
		K:            m.K,
		N:            m.N,
		BlockSize:    blockSize,
		PlaintextLen: plaintextLen,
	}
}
