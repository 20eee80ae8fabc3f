/*
Package series implements swinging-door compression of per-device sample
streams on top of a storage.Store.

# Segments

Each device has at most one open segment: an anchor (its first point) and,
once a second sample arrived, a frontier (its latest point). The link from
anchor to frontier carries the envelope [vmin, vmax] that every sample
absorbed into the segment allows.

For every sample Append decides one transition:

	open    no anchor yet            sample becomes the anchor
	start   anchor, no frontier      sample becomes the frontier,
	                                 envelope = anchor ± ε
	extend  sample inside envelope   old frontier is deleted, sample becomes
	                                 the frontier, envelope narrowed by it
	close   sample outside envelope  anchor and frontier are committed,
	                                 sample becomes the new anchor

The envelope test is strict: a value equal to vmin or vmax closes the
segment. Envelopes only narrow while a segment is open.

# Example

	store := memory.New()
	dev, _ := series.Register(ctx, store, storage.Device{ID: "123", Deviation: 1.0})

	app := series.New(store)
	for i, v := range []float64{0.0, 0.5, 0.5, 5.0} {
	    app.Append(ctx, dev.ID, v, t0.Add(time.Duration(i)*time.Second))
	}

	points, _ := series.Reconstruct(ctx, store, dev.ID)
	// committed(0.0) committed(0.5) anchor(5.0)

# Concurrency

Appender has no locks. Calls for one device must be serialised by the
caller; pkg/ingest does this with striped per-device mutexes.

# Errors

  - ErrInvalidArgument: rejected before any change
  - storage.ErrNotFound: unknown device
  - ErrCorruptState: the persisted graph is broken, never auto-repaired
  - storage.ErrConflict, storage.ErrIO: retry the whole append (IsRetriable)
*/
package series
