package rebuild

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/pool"
)

// Scrub verifies every stripe in stripes can still be reconstructed from
// its currently available blocks, without repairing anything. Grounded on
// original_source/src/raid/rebuild.rs's scrub/scrub_stripe.
func (m *Manager) Scrub(ctx context.Context, stripes []StripeRef, cb ProgressCallback) []ScrubResult {
	total := len(stripes)
	m.log.WithField("total_stripes", total).Info("starting scrub")

	progress := NewProgress(nil, total)
	progress.Phase = Processing
	if cb != nil {
		cb(progress)
	}

	results := make([]ScrubResult, 0, total)
	for start := 0; start < total; start += m.batchSize {
		end := start + m.batchSize
		if end > total {
			end = total
		}
		for _, ref := range stripes[start:end] {
			r := m.scrubStripe(ctx, ref)
			if r.Valid {
				progress.SuccessfulStripes++
			} else {
				progress.FailedStripes++
			}
			progress.ProcessedStripes++
			results = append(results, r)
			if cb != nil {
				cb(progress)
			}
		}
	}

	if progress.FailedStripes == 0 {
		progress.Phase = Completed
	} else {
		progress.Phase = Failed
	}
	if cb != nil {
		cb(progress)
	}

	m.log.WithFields(logrus.Fields{
		"valid": progress.SuccessfulStripes, "total": total, "failed": progress.FailedStripes,
	}).Info("scrub completed")
	return results
}

func (m *Manager) scrubStripe(ctx context.Context, ref StripeRef) ScrubResult {
	verified, missing := 0, 0
	locs := make(map[int]pool.BlockRef)

	for _, b := range ref.Stripe.Blocks {
		if !b.HasMessage() || !m.pool.Health().Available(b.AccountID) {
			missing++
			continue
		}
		locs[b.BlockIndex] = pool.NewBlockRef(b.AccountID, *b.MessageID)
	}

	downloaded := m.pool.DownloadBlocks(ctx, locs)
	verified = len(downloaded)
	missing += len(locs) - verified

	if verified < m.coder.K {
		return ScrubResult{
			StripeID:       ref.ChunkID,
			Valid:          false,
			VerifiedBlocks: verified,
			MissingBlocks:  missing,
			Error:          "not enough blocks to verify",
		}
	}

	shards := make([][]byte, ref.Stripe.N)
	for idx, data := range downloaded {
		shards[idx] = data
	}

	if _, err := m.coder.Decode(shards, ref.Stripe.PlaintextLen); err != nil {
		return ScrubResult{
			StripeID:       ref.ChunkID,
			Valid:          false,
			VerifiedBlocks: verified,
			MissingBlocks:  missing,
			Error:          err.Error(),
		}
	}

	return ScrubResult{StripeID: ref.ChunkID, Valid: true, VerifiedBlocks: verified, MissingBlocks: missing}
}
