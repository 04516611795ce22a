// Command bench load-tests a chunkvault engine instance: a configurable
// number of worker goroutines write and read random-content files at a
// target rate for a fixed duration, reporting throughput and error counts.
//
// Adapted from the donor's cmd/loadtest, which drove an S3 gateway over
// HTTP with range/multipart requests; here there is no HTTP surface to
// drive, so workers call engine.Write/Flush/Read directly, but the
// flag-parsing, worker-pool, and logrus setup follow the donor's shape.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/kenneth/chunkvault/internal/backend"
	"github.com/kenneth/chunkvault/internal/config"
	"github.com/kenneth/chunkvault/internal/crypto"
	"github.com/kenneth/chunkvault/internal/engine"
	"github.com/kenneth/chunkvault/internal/metadata"
	"github.com/kenneth/chunkvault/internal/pool"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to engine config file (defaults built in if empty)")
		duration   = flag.Duration("duration", 30*time.Second, "Benchmark duration")
		workers    = flag.Int("workers", 5, "Number of worker goroutines")
		qps        = flag.Int("qps", 10, "Target writes per second per worker")
		fileSize   = flag.Int64("file-size", 1*1024*1024, "Size in bytes of each written file")
		passphrase = flag.String("passphrase", "", "Master-key passphrase (required)")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	log := logrus.NewEntry(logger)

	if *passphrase == "" {
		log.Fatal("-passphrase is required")
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("failed to load config")
		}
		cfg = loaded
	}

	eng, cleanup, err := buildEngine(cfg, *passphrase, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build engine")
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var writes, writeErrs, reads, readErrs int64
	var wg sync.WaitGroup
	interval := time.Second / time.Duration(*qps)

	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			n := 0
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					n++
					name := fmt.Sprintf("bench-w%d-%d.bin", workerID, n)
					if err := writeAndReadOne(runCtx, eng, name, *fileSize); err != nil {
						atomic.AddInt64(&writeErrs, 1)
						log.WithError(err).Debug("write/read failed")
						continue
					}
					atomic.AddInt64(&writes, 1)
					atomic.AddInt64(&reads, 1)
				}
			}
		}(w)
	}

	wg.Wait()
	log.WithFields(logrus.Fields{
		"writes":     atomic.LoadInt64(&writes),
		"write_errs": atomic.LoadInt64(&writeErrs),
		"reads":      atomic.LoadInt64(&reads),
		"read_errs":  atomic.LoadInt64(&readErrs),
		"duration":   duration.String(),
	}).Info("bench complete")
}

func writeAndReadOne(ctx context.Context, eng *engine.Engine, name string, size int64) error {
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		return err
	}

	f, err := eng.Store().CreateFile(metadata.RootIno, name, 0, 0, 0o644)
	if err != nil {
		return err
	}

	fh := eng.Open(f.Ino, os.O_WRONLY)
	if err := eng.Write(fh, payload); err != nil {
		return err
	}
	if err := eng.Flush(ctx, fh); err != nil {
		return err
	}
	if err := eng.Release(ctx, fh); err != nil {
		return err
	}

	got, err := eng.Read(ctx, f.Ino, 0, size)
	if err != nil {
		return err
	}
	if int64(len(got)) != size {
		return fmt.Errorf("short read: got %d want %d", len(got), size)
	}
	return nil
}

func buildEngine(cfg *config.Config, passphrase string, log *logrus.Entry) (*engine.Engine, func(), error) {
	accounts := make(map[int]backend.Account, len(cfg.Raid.Accounts))
	for _, acct := range cfg.Raid.Accounts {
		accounts[acct.ID] = backend.NewMemoryAccount()
	}
	p := pool.New(accounts, cfg.Retry, log)

	dbDir, err := os.MkdirTemp("", "chunkvault-bench-*")
	if err != nil {
		return nil, nil, err
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		os.RemoveAll(dbDir)
		return nil, nil, err
	}

	km, err := crypto.NewKeyManager(crypto.KMSConfig{
		Enabled:    cfg.Encryption.KMSEnabled,
		Provider:   cfg.Encryption.KMSProvider,
		Endpoint:   cfg.Encryption.KMSEndpoint,
		KeyID:      cfg.Encryption.KMSKeyID,
		KeyVersion: cfg.Encryption.KMSKeyVersion,
	}, nil)
	if err != nil {
		os.RemoveAll(dbDir)
		return nil, nil, err
	}
	if km != nil {
		defer func() { _ = km.Close(context.Background()) }()
	}

	master, envelope, err := crypto.ResolveMasterKey(context.Background(), km, passphrase, salt, crypto.KDFParams{
		MemoryKiB:   cfg.Encryption.KDFMemoryKiB,
		Iterations:  cfg.Encryption.KDFIterations,
		Parallelism: cfg.Encryption.KDFParallelism,
	}, nil)
	if err != nil {
		os.RemoveAll(dbDir)
		return nil, nil, err
	}

	store, err := metadata.Open(filepath.Join(dbDir, "metadata.db"), master, salt, log)
	if err != nil {
		os.RemoveAll(dbDir)
		return nil, nil, err
	}
	if envelope != nil {
		if err := store.PutKeyEnvelope(envelope); err != nil {
			store.Close()
			os.RemoveAll(dbDir)
			return nil, nil, err
		}
	}
	if err := store.Update(func(tx *bbolt.Tx) error {
		return store.PutInode(tx, metadata.NewRoot(0, 0, 0o755))
	}); err != nil {
		store.Close()
		os.RemoveAll(dbDir)
		return nil, nil, err
	}

	eng, err := engine.New(cfg, store, p, master, salt, log)
	if err != nil {
		store.Close()
		os.RemoveAll(dbDir)
		return nil, nil, err
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(dbDir)
	}
	return eng, cleanup, nil
}
