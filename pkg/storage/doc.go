/*
Package storage provides the pluggable storage abstraction for compressed
point series.

# Storage Interface

The compressor never talks to a database directly. It runs every append
inside one transaction and calls structured operations on the Tx handle:

	type Store interface {
	    Update(ctx context.Context, fn func(tx Tx) error) error
	    View(ctx context.Context, fn func(tx Tx) error) error
	    Stats(ctx context.Context) (*Stats, error)
	    Close() error
	}

Backends:
  - memory: copy-on-write snapshots, for tests and ephemeral workloads
  - badger: BadgerDB (LSM tree + Snappy compression) for persistent storage

# Graph Model

Each device owns a singly linked chain of points:

	device ──owns──▶ active point

	p0 ──link{vmin,vmax}──▶ p1 ──link──▶ p2 ...

Every point has a role: pending while an append is deciding, anchor and
frontier for the two ends of the open segment, committed once the segment
has closed. Roles only move forward:

	pending ──▶ anchor ──▶ committed
	pending ──▶ frontier ──▶ committed

Backends enforce the role table (ErrInvalidTransition), refuse to replace a
link that reaches a committed point (ErrImmutable) and only delete points
that nothing references (ErrStillReferenced).

# Errors

Callers distinguish outcomes with errors.Is:

  - ErrNotFound: unknown device or point
  - ErrConflict: the transaction raced another writer; retry from scratch
  - ErrIO: the engine failed; the transaction was rolled back

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	err = store.Update(ctx, func(tx storage.Tx) error {
	    return tx.PutDevice(storage.Device{ID: "123", Deviation: 1.0})
	})

# See Also

  - memory.New() for in-memory storage
  - badger.New() for persistent BadgerDB storage
  - pkg/series for the swinging-door state machine that drives a Tx
*/
package storage
