package badger

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/swingdoor/pkg/storage"
)

// Storage implements storage.Store using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	// Recommended: 64-128 MB for local dev, 256-512 MB for production
	MaxMemoryMB int64

	// Verbose forwards BadgerDB info messages to the standard logger.
	// Warnings and errors are always forwarded.
	Verbose bool
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	// Conservative memory limits for laptops.
	// BadgerDB defaults: 64 MB memtable, 5 x 64 MB = 320 MB total
	var memTableSize int64
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	} else {
		// 16 MB memtable is minimum for decent performance
		memTableSize = 16 * 1024 * 1024
	}

	blockCacheSize := memTableSize / 2 // Block cache: 50% of memtable
	indexCacheSize := memTableSize / 4 // Index cache: 25% of memtable

	opts = opts.
		WithLogger(stdLogger{verbose: cfg.Verbose}).

		// Compression and versioning
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).

		// Memory table configuration
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).

		// Block and index caching
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).

		// LSM tree configuration
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).

		// Value log configuration
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// Update runs fn in a read-write BadgerDB transaction. The transaction is
// discarded on every path that does not reach a successful commit.
func (s *Storage) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(&tx{txn: txn}); err != nil {
		return err
	}

	// Last chance to abort before anything becomes visible
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("update cancelled: %w", err)
	}

	if err := txn.Commit(); err != nil {
		return translate("commit", err)
	}
	return nil
}

// View runs fn in a read-only BadgerDB transaction.
func (s *Storage) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	return fn(&tx{txn: txn, readOnly: true})
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from deleted/updated values
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns error only if GC failed, nil if GC not needed or succeeded
func (s *Storage) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Stats returns storage statistics
// Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type statsResult struct {
		stats *storage.Stats
		err   error
	}
	done := make(chan statsResult, 1)

	go func() {
		var res statsResult
		stats := &storage.Stats{Roles: make(map[storage.Role]uint64)}

		res.err = s.db.View(func(txn *badger.Txn) error {
			var iterCount int

			err := scan(txn, []byte{prefixDevice}, false, func(_ *badger.Item) error {
				stats.TotalDevices++
				return nil
			})
			if err != nil {
				return err
			}

			return scan(txn, []byte{prefixPoint}, true, func(item *badger.Item) error {
				iterCount++

				// Check context periodically (every 1000 iterations)
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				p, err := decodePoint(item)
				if err != nil {
					return err
				}
				stats.TotalPoints++
				stats.Roles[p.Role]++

				if stats.OldestPoint.IsZero() || p.Timestamp.Before(stats.OldestPoint) {
					stats.OldestPoint = p.Timestamp
				}
				if p.Timestamp.After(stats.NewestPoint) {
					stats.NewestPoint = p.Timestamp
				}
				return nil
			})
		})

		if res.err == nil {
			lsmSize, vlogSize := s.db.Size()
			stats.SizeBytes = uint64(lsmSize + vlogSize)
		}

		res.stats = stats
		done <- res
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, translate("stats", res.err)
		}
		return res.stats, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("stats operation cancelled: %w", ctx.Err())
	}
}

// translate maps engine errors onto the storage error taxonomy.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%s: %w: %w", op, storage.ErrConflict, err)
	case errors.Is(err, badger.ErrKeyNotFound):
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	default:
		return storage.IOError(op, err)
	}
}

// stdLogger routes BadgerDB's internal logging through the standard logger.
type stdLogger struct {
	verbose bool
}

func (l stdLogger) Errorf(format string, args ...interface{}) {
	log.Printf("badger ERROR: "+format, args...)
}

func (l stdLogger) Warningf(format string, args ...interface{}) {
	log.Printf("badger WARN: "+format, args...)
}

func (l stdLogger) Infof(format string, args ...interface{}) {
	if l.verbose {
		log.Printf("badger: "+format, args...)
	}
}

func (l stdLogger) Debugf(string, ...interface{}) {}
