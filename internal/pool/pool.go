package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/backend"
	"github.com/kenneth/chunkvault/internal/chunkerr"
	"github.com/kenneth/chunkvault/internal/config"
)

// member bundles one account's client with its own limiter and health state.
type member struct {
	id      int
	account backend.Account
	limiter *RateLimiter
}

// AccountPool owns every configured remote-backend account and routes
// stripe uploads/downloads across them, tracking health and applying
// per-account concurrency/rate limits. This is chunkvault's analogue of
// the donor's S3 client pool, generalized from "one bucket" to "N
// accounts forming an erasure-coded stripe".
type AccountPool struct {
	members map[int]*member
	health  *HealthTracker
	log     *logrus.Entry
}

// New builds a pool from accounts, each with its own rate limiter built
// from retryCfg. The accounts map key is the account id used throughout
// erasure.BlockLocation.
func New(accounts map[int]backend.Account, retryCfg config.RetryConfig, log *logrus.Entry) *AccountPool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ids := make([]int, 0, len(accounts))
	members := make(map[int]*member, len(accounts))
	for id, acct := range accounts {
		ids = append(ids, id)
		members[id] = &member{
			id:      id,
			account: acct,
			limiter: NewRateLimiter(int64(maxInt(retryCfg.MaxConcurrentDownloads, 1)), 0),
		}
	}
	return &AccountPool{
		members: members,
		health:  NewHealthTracker(ids, log),
		log:     log,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Health exposes the pool's HealthTracker so callers (the engine, the ops
// surface, rebuild) can inspect or force account health transitions.
func (p *AccountPool) Health() *HealthTracker { return p.health }

// AccountIDs returns every configured account id, in no particular order.
func (p *AccountPool) AccountIDs() []int {
	ids := make([]int, 0, len(p.members))
	for id := range p.members {
		ids = append(ids, id)
	}
	return ids
}

// Upload stores data under filename on accountID, respecting that
// account's rate limiter, and records the outcome against its health
// state.
func (p *AccountPool) Upload(ctx context.Context, accountID int, filename string, data []byte) (int64, error) {
	m, err := p.member(accountID)
	if err != nil {
		return 0, err
	}

	release, err := m.limiter.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("pool: acquiring rate limit slot for account %d: %w", accountID, err)
	}
	defer release()

	id, err := m.account.Upload(ctx, filename, data)
	p.recordOutcome(accountID, err)
	return id, err
}

// Download fetches messageID from accountID.
func (p *AccountPool) Download(ctx context.Context, accountID int, messageID int64) ([]byte, error) {
	m, err := p.member(accountID)
	if err != nil {
		return nil, err
	}

	release, err := m.limiter.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool: acquiring rate limit slot for account %d: %w", accountID, err)
	}
	defer release()

	data, err := m.account.Download(ctx, messageID)
	p.recordOutcome(accountID, err)
	return data, err
}

// Delete removes messageID from accountID.
func (p *AccountPool) Delete(ctx context.Context, accountID int, messageID int64) error {
	m, err := p.member(accountID)
	if err != nil {
		return err
	}
	err = m.account.Delete(ctx, messageID)
	p.recordOutcome(accountID, err)
	return err
}

// List enumerates every object stored on accountID.
func (p *AccountPool) List(ctx context.Context, accountID int) ([]backend.ObjectInfo, error) {
	m, err := p.member(accountID)
	if err != nil {
		return nil, err
	}
	objs, err := m.account.List(ctx)
	p.recordOutcome(accountID, err)
	return objs, err
}

// UploadStripe uploads each block to its placed account concurrently,
// returning a message id per blockIndex (keyed by position in blocks) and
// the first error encountered. A block whose account is not Available is
// not uploaded: it gets no entry in the returned map and counts as an
// "account unavailable" error. Callers decide whether the resulting
// K-of-N count still meets the stripe's reconstruction requirement.
func (p *AccountPool) UploadStripe(ctx context.Context, placements map[int]int, blocks [][]byte, filenames map[int]string) (map[int]int64, error) {
	type result struct {
		blockIndex int
		messageID  int64
		err        error
	}

	results := make(chan result, len(blocks))
	var wg sync.WaitGroup

	for blockIndex, data := range blocks {
		blockIndex, data := blockIndex, data
		accountID, ok := placements[blockIndex]
		if !ok {
			results <- result{blockIndex, 0, fmt.Errorf("pool: no placement for block %d", blockIndex)}
			continue
		}
		if !p.health.Available(accountID) {
			results <- result{blockIndex, 0, chunkerr.New(chunkerr.KindRemoteTransient, "account unavailable").WithFields(map[string]any{"account": accountID})}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			filename := filenames[blockIndex]
			id, err := p.Upload(ctx, accountID, filename, data)
			results <- result{blockIndex, id, err}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[int]int64, len(blocks))
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		out[r.blockIndex] = r.messageID
	}
	return out, firstErr
}

// DownloadBlocks fetches every block named in locations concurrently,
// skipping accounts that are not Available (Rebuilding or Unavailable),
// and returns whatever subset
// succeeded keyed by block index. Callers (internal/erasure.Coder.Decode)
// are responsible for deciding whether the returned subset is >= K.
func (p *AccountPool) DownloadBlocks(ctx context.Context, locations map[int]BlockRef) map[int][]byte {
	type result struct {
		blockIndex int
		data       []byte
	}

	results := make(chan result, len(locations))
	var wg sync.WaitGroup

	for blockIndex, loc := range locations {
		blockIndex, loc := blockIndex, loc
		if !p.health.Available(loc.AccountID) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := p.Download(ctx, loc.AccountID, loc.MessageID)
			if err != nil {
				return
			}
			results <- result{blockIndex, data}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[int][]byte, len(locations))
	for r := range results {
		out[r.blockIndex] = r.data
	}
	return out
}

// BlockRef is the minimal per-block location pool needs to fetch it,
// deliberately not importing internal/erasure.BlockLocation directly so
// this package stays a leaf the engine can wire however it composes
// erasure and pool.
type BlockRef struct {
	AccountID int
	MessageID int64
}

// NewBlockRef builds a BlockRef for DownloadBlocks callers.
func NewBlockRef(accountID int, messageID int64) BlockRef {
	return BlockRef{AccountID: accountID, MessageID: messageID}
}

func (p *AccountPool) member(accountID int) (*member, error) {
	m, ok := p.members[accountID]
	if !ok {
		return nil, fmt.Errorf("pool: unknown account id %d", accountID)
	}
	return m, nil
}

func (p *AccountPool) recordOutcome(accountID int, err error) {
	if err != nil && chunkerr.Retryable(err) {
		p.health.RecordFailure(accountID)
		return
	}
	if err != nil {
		return
	}
	p.health.RecordSuccess(accountID)
}
