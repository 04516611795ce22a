// Package engine orchestrates every other package into the two operations
// spec.md §4.10 defines at the top of the stack: read(ino, offset, len) and
// write_flush(handle). It is the composition root the donor's own
// request-handling layer plays for an S3 gateway, generalized here to a
// content-addressed, deduplicating, erasure-coded file store.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/kenneth/chunkvault/internal/backend"
	"github.com/kenneth/chunkvault/internal/cache"
	"github.com/kenneth/chunkvault/internal/chunkerr"
	"github.com/kenneth/chunkvault/internal/chunkstore"
	"github.com/kenneth/chunkvault/internal/config"
	"github.com/kenneth/chunkvault/internal/crypto"
	"github.com/kenneth/chunkvault/internal/erasure"
	"github.com/kenneth/chunkvault/internal/handle"
	"github.com/kenneth/chunkvault/internal/metadata"
	"github.com/kenneth/chunkvault/internal/metrics"
	"github.com/kenneth/chunkvault/internal/pool"
	"github.com/kenneth/chunkvault/internal/rebuild"
	"github.com/kenneth/chunkvault/internal/version"
)

// chunkLocation is what a dedup hit needs to reference an already-uploaded
// chunk without re-uploading it: its stripe placement and whether it was
// stored compressed.
type chunkLocation struct {
	stripe     erasure.StripeInfo
	compressed bool
}

// Engine wires chunking, compression, dedup, encryption, erasure coding,
// account pooling, metadata, caching, versioning, and handle state into the
// single read/write surface an fs layer (not this repo's concern) would
// drive.
type Engine struct {
	cfg *config.Config
	log *logrus.Entry

	store      *metadata.Store
	chunker    *chunkstore.Chunker
	dedup      *chunkstore.DedupTracker
	coder      *erasure.Coder
	stripes    *erasure.StripeManager
	pool       *pool.AccountPool
	cache      *cache.Cache
	handles    *handle.Manager
	versions   *version.Manager
	rebuildMgr *rebuild.Manager
	metrics    *metrics.Metrics

	master *crypto.MasterKey
	salt   []byte

	locMu      sync.RWMutex
	locations  map[chunkstore.ChunkID]chunkLocation
	migrating  map[chunkstore.ChunkID]bool // chunks read under the old purpose, pending re-encrypt on next write
	inodeLocks sync.Map                    // ino uint64 -> *sync.Mutex, serializes flushes to one inode
}

// New assembles an Engine from its already-constructed dependencies. Wiring
// (opening the metadata store, dialing accounts, deriving the master key)
// is the caller's responsibility — typically cmd/ — so Engine itself never
// touches configuration files or account credentials directly.
func New(cfg *config.Config, store *metadata.Store, p *pool.AccountPool, master *crypto.MasterKey, salt []byte, log *logrus.Entry) (*Engine, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	coder, err := erasure.NewCoder(cfg.Raid.K, cfg.Raid.N)
	if err != nil {
		return nil, err
	}
	stripes, err := erasure.NewStripeManager(cfg.Raid.K, cfg.Raid.N, len(cfg.Raid.Accounts))
	if err != nil {
		return nil, err
	}
	rebuildMgr, err := rebuild.NewManager(p, cfg.Raid.K, cfg.Raid.N, log)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:        cfg,
		log:        log,
		store:      store,
		chunker:    chunkstore.NewChunker(cfg.Chunk.ChunkSize),
		dedup:      chunkstore.NewDedupTracker(),
		coder:      coder,
		stripes:    stripes,
		pool:       p,
		cache:      cache.New(cfg.Cache),
		handles:    handle.NewManager(),
		versions:   version.NewManager(cfg.Versioning.MaxVersions),
		rebuildMgr: rebuildMgr,
		master:     master,
		salt:       salt,
		locations:  make(map[chunkstore.ChunkID]chunkLocation),
		migrating:  make(map[chunkstore.ChunkID]bool),
	}, nil
}

// SetMetrics attaches a metrics sink, wiring RecordCryptoMigration and the
// rebuild manager's stripe-rebuild metrics. Optional: an Engine built
// without one simply skips recording.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
	e.rebuildMgr.SetMetrics(m)
}

// Rebuild returns the erasure-coded stripe rebuild/scrub manager, for the
// ops surface to drive an account rebuild or scrub trigger.
func (e *Engine) Rebuild() *rebuild.Manager { return e.rebuildMgr }

// StripeRefsForAccount enumerates every stripe currently placing a block on
// accountID, across every inode's live manifest — the input
// internal/rebuild.Manager needs to target an account rebuild or scrub.
// Chunks referenced only by a retained older file version (not the live
// manifest) are not enumerated here; spec.md's rebuild scenario operates
// on live data, and a version-chain walk across every inode would turn an
// operational trigger into an expensive full-history scan.
func (e *Engine) StripeRefsForAccount(accountID int) ([]rebuild.StripeRef, error) {
	var out []rebuild.StripeRef
	err := e.store.ForEachInode(func(inode *metadata.Inode) error {
		if inode.Manifest == nil {
			return nil
		}
		for _, c := range inode.Manifest.Chunks {
			for _, b := range c.Stripe.Blocks {
				if b.AccountID == accountID {
					out = append(out, rebuild.StripeRef{ChunkID: string(c.ID), Stripe: c.Stripe})
					break
				}
			}
		}
		return nil
	})
	return out, err
}

func (e *Engine) inodeLock(ino uint64) *sync.Mutex {
	v, _ := e.inodeLocks.LoadOrStore(ino, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Pool returns the account pool, for health/introspection endpoints.
func (e *Engine) Pool() *pool.AccountPool { return e.pool }

// Cache returns the chunk cache, for introspection endpoints.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Handles returns the handle manager, for introspection endpoints.
func (e *Engine) Handles() *handle.Manager { return e.handles }

// Store returns the metadata store, for snapshot admin endpoints.
func (e *Engine) Store() *metadata.Store { return e.store }

// Open allocates a handle for ino under the given flags (os.O_RDONLY etc).
func (e *Engine) Open(ino uint64, flags int) uint64 {
	return e.handles.Open(ino, flags)
}

// Write appends data to fh's dirty write buffer. fh must have been opened
// writable.
func (e *Engine) Write(fh uint64, data []byte) error {
	h, ok := e.handles.Get(fh)
	if !ok {
		return chunkerr.New(chunkerr.KindIO, "unknown file handle")
	}
	if !h.IsWritable() {
		return chunkerr.New(chunkerr.KindIO, "handle not opened for writing")
	}
	h.Write(data)
	return nil
}

// Read implements spec.md §4.10's read(ino, offset, len): locate the
// manifest chunks overlapping the window, fetch each through the cache
// (downloading and reconstructing on miss), then slice exactly the
// requested bytes.
func (e *Engine) Read(ctx context.Context, ino uint64, offset, length int64) ([]byte, error) {
	var inode *metadata.Inode
	if err := e.store.View(func(tx *bbolt.Tx) error {
		got, err := e.store.GetInode(tx, ino)
		if err != nil {
			return err
		}
		inode = got
		return nil
	}); err != nil {
		return nil, err
	}

	if offset >= int64(inode.Attrs.Size) || length <= 0 {
		return nil, nil
	}
	if offset+length > int64(inode.Attrs.Size) {
		length = int64(inode.Attrs.Size) - offset
	}
	if inode.Manifest == nil {
		return nil, nil
	}

	overlapping := inode.Manifest.ChunksOverlapping(offset, length)
	plaintexts := make(map[chunkstore.ChunkID][]byte, len(overlapping))

	for _, ref := range overlapping {
		ref := ref
		pt, err := e.cache.GetOrFetch(ctx, ref.ID, func(ctx context.Context, id chunkstore.ChunkID) ([]byte, error) {
			return e.fetchChunk(ctx, ref)
		})
		if err != nil {
			return nil, err
		}
		plaintexts[ref.ID] = pt
	}

	return chunkstore.SliceWindow(0, plaintexts, overlapping, offset, length, int64(inode.Attrs.Size)), nil
}

// fetchChunk downloads a chunk's stripe from the account pool, decodes it,
// decrypts under the chunk's purpose-bound subkey (with old/new epoch
// migration), decompresses if flagged, and verifies H(plaintext) == id
// before returning it — spec.md §4.10 step 3 and §8 invariant 1.
func (e *Engine) fetchChunk(ctx context.Context, ref chunkstore.ChunkRef) ([]byte, error) {
	locations := make(map[int]pool.BlockRef, len(ref.Stripe.Blocks))
	for _, b := range ref.Stripe.Blocks {
		if b.HasMessage() {
			locations[b.BlockIndex] = pool.NewBlockRef(b.AccountID, *b.MessageID)
		}
	}

	downloaded := e.pool.DownloadBlocks(ctx, locations)
	if len(downloaded) < ref.Stripe.K {
		return nil, chunkerr.StripeUnrecoverable(len(downloaded), ref.Stripe.K)
	}

	blocks := make([][]byte, ref.Stripe.N)
	for idx, data := range downloaded {
		blocks[idx] = data
	}

	stored, err := e.coder.Decode(blocks, ref.Stripe.PlaintextLen)
	if err != nil {
		return nil, err
	}

	plaintext, usedOld, err := crypto.DecryptWithMigration(
		e.master, e.salt,
		func(epoch crypto.PurposeEpoch) string { return crypto.ChunkPurpose(epoch, string(ref.ID)) },
		stored,
		[]byte(ref.ID),
	)
	if err != nil {
		return nil, err
	}
	if usedOld {
		e.markPendingMigration(ref.ID)
		if e.metrics != nil {
			e.metrics.RecordCryptoMigration()
		}
	}

	if ref.Compressed {
		plaintext, err = chunkstore.Decompress(plaintext)
		if err != nil {
			return nil, chunkerr.Wrap(chunkerr.KindDecryption, "decompressing chunk", err)
		}
	}

	if chunkstore.HashPlaintext(plaintext) != ref.ID {
		return nil, chunkerr.New(chunkerr.KindDecryption, "chunk fails self-hash verification after decode").
			WithFields(map[string]any{"chunk_id": string(ref.ID)})
	}

	e.dedup.Register(ref.ID)
	e.rememberLocation(ref.ID, ref.Stripe, ref.Compressed)
	return plaintext, nil
}

func (e *Engine) rememberLocation(id chunkstore.ChunkID, stripe erasure.StripeInfo, compressed bool) {
	e.locMu.Lock()
	defer e.locMu.Unlock()
	e.locations[id] = chunkLocation{stripe: stripe, compressed: compressed}
}

func (e *Engine) lookupLocation(id chunkstore.ChunkID) (chunkLocation, bool) {
	e.locMu.RLock()
	defer e.locMu.RUnlock()
	loc, ok := e.locations[id]
	return loc, ok
}

// markPendingMigration flags a chunk read back under its old purpose epoch
// so the next write that would otherwise dedup-reference it re-encrypts and
// re-uploads under the new epoch instead.
func (e *Engine) markPendingMigration(id chunkstore.ChunkID) {
	e.locMu.Lock()
	defer e.locMu.Unlock()
	e.migrating[id] = true
}

func (e *Engine) migrationPending(id chunkstore.ChunkID) bool {
	e.locMu.RLock()
	defer e.locMu.RUnlock()
	return e.migrating[id]
}

func (e *Engine) clearPendingMigration(id chunkstore.ChunkID) {
	e.locMu.Lock()
	defer e.locMu.Unlock()
	delete(e.migrating, id)
}

// Flush runs the write pipeline from spec.md §4.2/§4.9 over fh's dirty
// buffer: chunk, dedup-filter, compress, encrypt, erasure-split, upload,
// commit a new manifest, bump version, clear dirty. A no-op if fh is clean.
func (e *Engine) Flush(ctx context.Context, fh uint64) error {
	h, ok := e.handles.Get(fh)
	if !ok {
		return chunkerr.New(chunkerr.KindIO, "unknown file handle")
	}
	if !h.IsDirty() {
		return nil
	}

	lock := e.inodeLock(h.Ino)
	lock.Lock()
	defer lock.Unlock()

	data := h.WriteBuffer()

	manifest, err := e.writeChunks(ctx, data)
	if err != nil {
		return err
	}

	if err := e.store.CommitWrite(h.Ino, manifest); err != nil {
		return err
	}
	_, evicted := e.versions.AddVersion(h.Ino, manifest, "")

	if len(evicted) > 0 {
		for _, id := range e.versions.OrphanedChunks(h.Ino, evicted) {
			e.log.WithFields(logrus.Fields{"ino": h.Ino, "chunk_id": string(id)}).Debug("chunk orphaned by version eviction")
		}
	}

	h.ClearWriteBuffer()
	h.ClearDirty()
	return nil
}

// Release flushes fh if dirty, then closes it.
func (e *Engine) Release(ctx context.Context, fh uint64) error {
	h, ok := e.handles.Get(fh)
	if ok && h.IsDirty() {
		if err := e.Flush(ctx, fh); err != nil {
			return err
		}
	}
	e.handles.Close(fh)
	return nil
}

// writeChunks runs bytes through chunk -> dedup -> compress -> encrypt ->
// erasure-split -> upload, returning the resulting manifest. Already-known
// chunk ids are referenced by their remembered stripe location without
// re-uploading.
func (e *Engine) writeChunks(ctx context.Context, data []byte) (chunkstore.ChunkManifest, error) {
	chunks := e.chunker.ChunkData(data)

	var newChunks []chunkstore.Chunk
	if e.cfg.Chunk.DedupEnabled {
		newChunks, _ = e.dedup.FilterNew(chunks)
	} else {
		newChunks = chunks
	}
	toUpload := make(map[chunkstore.ChunkID]bool, len(newChunks))
	for _, c := range newChunks {
		toUpload[c.ID] = true
	}

	manifest := chunkstore.ChunkManifest{
		Version:   1,
		TotalSize: int64(len(data)),
		FileHash:  chunkstore.FileHash(data),
	}

	for _, c := range chunks {
		var ref chunkstore.ChunkRef
		if toUpload[c.ID] {
			var err error
			ref, err = e.writeOneChunk(ctx, c)
			if err != nil {
				return chunkstore.ChunkManifest{}, err
			}
			toUpload[c.ID] = false // only the first instance of a repeated chunk uploads
			e.dedup.Register(c.ID)
			e.cache.Insert(c.ID, c.Bytes)
		} else if loc, ok := e.lookupLocation(c.ID); ok && !e.migrationPending(c.ID) {
			ref = chunkstore.ChunkRef{
				ID:           c.ID,
				OffsetInFile: c.OffsetInFile,
				OriginalSize: c.OriginalSize,
				Compressed:   loc.compressed,
				Stripe:       loc.stripe,
				Version:      1,
			}
		} else if ok {
			// Dedup hit, but this chunk was last decrypted under the old
			// purpose epoch: re-encrypt and re-upload under the new one
			// instead of extending the old ciphertext's lifetime.
			var err error
			ref, err = e.writeOneChunk(ctx, c)
			if err != nil {
				return chunkstore.ChunkManifest{}, err
			}
			e.clearPendingMigration(c.ID)
		} else {
			// Known to the dedup tracker (e.g. warmed at startup) but this
			// engine instance never observed its stripe placement. Upload
			// again rather than emit a manifest entry pointing nowhere;
			// the duplicate write is wasted bytes, not a correctness bug.
			var err error
			ref, err = e.writeOneChunk(ctx, c)
			if err != nil {
				return chunkstore.ChunkManifest{}, err
			}
		}
		manifest.Chunks = append(manifest.Chunks, ref)
	}
	return manifest, nil
}

// writeOneChunk compresses (if worthwhile), encrypts under this chunk's
// purpose-bound subkey, erasure-codes, and uploads a brand-new chunk,
// returning its ChunkRef.
func (e *Engine) writeOneChunk(ctx context.Context, c chunkstore.Chunk) (chunkstore.ChunkRef, error) {
	stored, compressed := c.Bytes, false
	if e.cfg.Chunk.CompressionEnabled {
		var err error
		stored, compressed, err = chunkstore.CompressIfWorthwhile(c.Bytes, e.cfg.Chunk.CompressionThreshold)
		if err != nil {
			return chunkstore.ChunkRef{}, chunkerr.Wrap(chunkerr.KindIO, "compressing chunk", err)
		}
	}

	subkey, err := crypto.Subkey(e.master, e.salt, crypto.ChunkPurpose(crypto.PurposeEpochNew, string(c.ID)))
	if err != nil {
		return chunkstore.ChunkRef{}, err
	}
	defer zeroizeLocal(subkey)

	sealed, err := crypto.Encrypt(subkey, stored, []byte(c.ID))
	if err != nil {
		return chunkstore.ChunkRef{}, err
	}
	ciphertext := sealed.Marshal()

	blocks, blockSize, err := e.coder.Encode(ciphertext)
	if err != nil {
		return chunkstore.ChunkRef{}, err
	}

	stripe := e.stripes.NewStripe(blockSize, int64(len(ciphertext)))

	placements := make(map[int]int, len(stripe.Blocks))
	filenames := make(map[int]string, len(stripe.Blocks))
	for _, b := range stripe.Blocks {
		placements[b.BlockIndex] = b.AccountID
		filenames[b.BlockIndex] = backend.ChunkFilename(string(c.ID), b.BlockIndex)
	}

	messageIDs, err := e.pool.UploadStripe(ctx, placements, blocks, filenames)
	if err != nil && len(messageIDs) < stripe.K {
		return chunkstore.ChunkRef{}, fmt.Errorf("engine: uploading chunk %s: %w", c.ID, err)
	}

	now := time.Now()
	for i := range stripe.Blocks {
		if id, ok := messageIDs[stripe.Blocks[i].BlockIndex]; ok {
			mid := id
			stripe.Blocks[i].MessageID = &mid
			stripe.Blocks[i].UploadedAt = &now
		}
	}

	if len(messageIDs) < len(stripe.Blocks) {
		e.repairPartialStripe(ctx, string(c.ID), stripe)
	}

	e.rememberLocation(c.ID, stripe, compressed)

	return chunkstore.ChunkRef{
		ID:           c.ID,
		OffsetInFile: c.OffsetInFile,
		OriginalSize: c.OriginalSize,
		Compressed:   compressed,
		Stripe:       stripe,
		Version:      1,
	}, nil
}

// repairPartialStripe drives an immediate per-account rebuild when a fresh
// stripe persisted with at least K blocks but fewer than N: the chunk is
// already readable, but it is one more account outage away from becoming
// unrecoverable. stripe.Blocks is mutated in place (it shares its backing
// array with the caller's stripe value), so a successful rebuild fills in
// the missing MessageID before writeOneChunk returns. Failures are logged,
// not propagated — the chunk write itself already succeeded.
func (e *Engine) repairPartialStripe(ctx context.Context, chunkID string, stripe erasure.StripeInfo) {
	missing := make(map[int]bool)
	for _, b := range stripe.Blocks {
		if !b.HasMessage() {
			missing[b.AccountID] = true
		}
	}
	ref := []rebuild.StripeRef{{ChunkID: chunkID, Stripe: stripe}}
	for accountID := range missing {
		if err := e.rebuildMgr.RebuildAccount(ctx, accountID, ref, nil); err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{"chunk_id": chunkID, "account_id": accountID}).
				Warn("partial stripe repair failed, stripe remains below target redundancy")
		}
	}
}

func zeroizeLocal(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
