package rebuild

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/chunkerr"
	"github.com/kenneth/chunkvault/internal/erasure"
	"github.com/kenneth/chunkvault/internal/metrics"
	"github.com/kenneth/chunkvault/internal/pool"
)

// DefaultBatchSize is how many stripes RebuildAccount and Scrub take per
// batch as they walk the stripe list, matching
// original_source/src/raid/rebuild.rs's DEFAULT_BATCH_SIZE. The progress
// callback fires after every stripe, not once per batch.
const DefaultBatchSize = 100

// StripeRef bundles a chunk id with the stripe placement it was encoded
// into, the unit rebuild/scrub operate over.
type StripeRef struct {
	ChunkID string
	Stripe  erasure.StripeInfo
}

// Manager reconstructs missing blocks for one account from the K
// surviving blocks of each affected stripe, and verifies stripes during
// scrub. Grounded on original_source/src/raid/rebuild.rs's RebuildManager.
type Manager struct {
	pool      *pool.AccountPool
	coder     *erasure.Coder
	batchSize int
	log       *logrus.Entry
	metrics   *metrics.Metrics
}

// NewManager builds a Manager for a K/N-coded pool.
func NewManager(p *pool.AccountPool, k, n int, log *logrus.Entry) (*Manager, error) {
	coder, err := erasure.NewCoder(k, n)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{pool: p, coder: coder, batchSize: DefaultBatchSize, log: log}, nil
}

// WithBatchSize overrides the number of stripes taken per batch.
func (m *Manager) WithBatchSize(n int) *Manager {
	if n < 1 {
		n = 1
	}
	m.batchSize = n
	return m
}

// SetMetrics attaches a metrics sink. A Manager built without one simply
// skips recording.
func (m *Manager) SetMetrics(metrics *metrics.Metrics) {
	m.metrics = metrics
}

// RebuildAccount reconstructs every block that belongs to accountID across
// stripes, uploading each rebuilt block back to accountID. The account is
// marked Rebuilding for the duration and restored to Healthy only if every
// affected stripe rebuilds cleanly.
func (m *Manager) RebuildAccount(ctx context.Context, accountID int, stripes []StripeRef, cb ProgressCallback) error {
	affected := make([]StripeRef, 0, len(stripes))
	for _, s := range stripes {
		for _, b := range s.Stripe.Blocks {
			if b.AccountID == accountID {
				affected = append(affected, s)
				break
			}
		}
	}

	total := len(affected)
	m.log.WithFields(logrus.Fields{"account_id": accountID, "total_stripes": total}).Info("starting account rebuild")

	if total == 0 {
		m.pool.Health().MarkHealthy(accountID)
		return nil
	}

	m.pool.Health().MarkRebuilding(accountID)

	acctID := accountID
	progress := NewProgress(&acctID, total)
	progress.Phase = Processing
	if cb != nil {
		cb(progress)
	}

	type failure struct {
		chunkID string
		reason  string
	}
	var failures []failure

	for start := 0; start < total; start += m.batchSize {
		end := start + m.batchSize
		if end > total {
			end = total
		}
		batch := affected[start:end]

		for _, ref := range batch {
			start := time.Now()
			err := m.rebuildStripeForAccount(ctx, ref, accountID)
			if err != nil {
				progress.FailedStripes++
				failures = append(failures, failure{ref.ChunkID, err.Error()})
				m.log.WithError(err).WithFields(logrus.Fields{"chunk_id": ref.ChunkID, "account_id": accountID}).Error("failed to rebuild stripe")
				if m.metrics != nil {
					m.metrics.RecordStripeRebuildError(chunkerr.KindOf(err).String())
					m.metrics.RecordStripeRebuild("failure", time.Since(start))
				}
			} else {
				progress.SuccessfulStripes++
				if m.metrics != nil {
					m.metrics.RecordStripeRebuild("success", time.Since(start))
				}
			}
			progress.ProcessedStripes++
			if cb != nil {
				cb(progress)
			}
		}
	}

	if len(failures) == 0 {
		progress.Phase = Completed
		m.pool.Health().MarkHealthy(accountID)
		m.log.WithFields(logrus.Fields{"account_id": accountID, "stripes": total}).Info("account rebuild completed")
		if cb != nil {
			cb(progress)
		}
		return nil
	}

	progress.Phase = Failed
	if cb != nil {
		cb(progress)
	}
	return chunkerr.RebuildFailed(accountID, fmt.Sprintf("%d of %d stripes failed to rebuild", len(failures), total))
}

// rebuildStripeForAccount reconstructs and re-uploads the single block that
// ref.Stripe places on targetAccountID.
func (m *Manager) rebuildStripeForAccount(ctx context.Context, ref StripeRef, targetAccountID int) error {
	var targetBlock *erasure.BlockLocation
	for i := range ref.Stripe.Blocks {
		if ref.Stripe.Blocks[i].AccountID == targetAccountID {
			targetBlock = &ref.Stripe.Blocks[i]
			break
		}
	}
	if targetBlock == nil {
		return fmt.Errorf("rebuild: no block for account %d in stripe %s", targetAccountID, ref.ChunkID)
	}

	if targetBlock.HasMessage() {
		if _, err := m.pool.Download(ctx, targetAccountID, *targetBlock.MessageID); err == nil {
			return nil
		}
	}

	locs := make(map[int]pool.BlockRef)
	for _, b := range ref.Stripe.Blocks {
		if b.AccountID == targetAccountID || !b.HasMessage() {
			continue
		}
		locs[b.BlockIndex] = pool.NewBlockRef(b.AccountID, *b.MessageID)
	}

	downloaded := m.pool.DownloadBlocks(ctx, locs)
	if len(downloaded) < m.coder.K {
		return chunkerr.StripeUnrecoverable(len(downloaded), m.coder.K)
	}

	shards := make([][]byte, ref.Stripe.N)
	for idx, data := range downloaded {
		shards[idx] = data
	}

	plaintext, err := m.coder.Decode(shards, ref.Stripe.PlaintextLen)
	if err != nil {
		return err
	}

	rebuiltBlocks, _, err := m.coder.Encode(plaintext)
	if err != nil {
		return err
	}
	if targetBlock.BlockIndex >= len(rebuiltBlocks) {
		return fmt.Errorf("rebuild: block index %d out of range", targetBlock.BlockIndex)
	}

	filename := fmt.Sprintf("tgfs_chunk_%s_%d", ref.ChunkID, targetBlock.BlockIndex)
	msgID, err := m.pool.Upload(ctx, targetAccountID, filename, rebuiltBlocks[targetBlock.BlockIndex])
	if err != nil {
		return err
	}
	targetBlock.MessageID = &msgID
	return nil
}

// StripesNeedingRepair returns the stripes where accountID's block is
// missing a message id.
func StripesNeedingRepair(stripes []StripeRef, accountID int) []StripeRef {
	var out []StripeRef
	for _, s := range stripes {
		for _, b := range s.Stripe.Blocks {
			if b.AccountID == accountID && !b.HasMessage() {
				out = append(out, s)
				break
			}
		}
	}
	return out
}
