package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/swingdoor/pkg/storage"
)

// Storage stores the point graph in memory. Data is lost on restart.
// Useful for testing and development.
//
// Update changes the maps in place under the write lock and records how
// to undo each change; a failed, cancelled or panicking transaction is
// rolled back from that log.
type Storage struct {
	mu sync.RWMutex
	g  *graph
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{g: newGraph()}
}

// Update runs fn with exclusive access and rolls back its changes unless
// it succeeds.
func (s *Storage) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{g: s.g}
	committed := false
	defer func() {
		if !committed {
			t.rollback()
		}
	}()

	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("update cancelled: %w", err)
	}
	committed = true
	return nil
}

// View runs fn with shared access.
func (s *Storage) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&tx{g: s.g, readOnly: true})
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	g := s.g

	stats := &storage.Stats{
		TotalDevices: uint64(len(g.devices)),
		TotalPoints:  uint64(len(g.points)),
		Roles:        make(map[storage.Role]uint64),
	}

	for _, p := range g.points {
		stats.Roles[p.Role]++
		if stats.OldestPoint.IsZero() || p.Timestamp.Before(stats.OldestPoint) {
			stats.OldestPoint = p.Timestamp
		}
		if p.Timestamp.After(stats.NewestPoint) {
			stats.NewestPoint = p.Timestamp
		}
	}

	// Rough size estimate (each point ~100 bytes, each link ~48)
	stats.SizeBytes = uint64(len(g.points))*100 + uint64(len(g.links))*48

	return stats, nil
}

type set = map[uuid.UUID]struct{}

type graph struct {
	devices  map[string]storage.Device
	points   map[uuid.UUID]storage.Point
	links    map[uuid.UUID]storage.Link // keyed by source point
	inbound  map[uuid.UUID]uuid.UUID    // target point -> source point
	owners   map[string]uuid.UUID       // device -> active point
	byDevice map[string]set
	anchors  map[string]set
}

func newGraph() *graph {
	return &graph{
		devices:  make(map[string]storage.Device),
		points:   make(map[uuid.UUID]storage.Point),
		links:    make(map[uuid.UUID]storage.Link),
		inbound:  make(map[uuid.UUID]uuid.UUID),
		owners:   make(map[string]uuid.UUID),
		byDevice: make(map[string]set),
		anchors:  make(map[string]set),
	}
}

// tx implements storage.Tx directly over the shared graph.
type tx struct {
	g        *graph
	readOnly bool
	undo     []func()
}

// remember records the current state of m[k] so rollback can restore it.
func remember[K comparable, V any](t *tx, m map[K]V, k K) {
	prev, ok := m[k]
	t.undo = append(t.undo, func() {
		if ok {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

// addMember and dropMember change the per-device set sets[devid].
func (t *tx) addMember(sets map[string]set, devid string, id uuid.UUID) {
	s, ok := sets[devid]
	if !ok {
		remember(t, sets, devid)
		s = make(set)
		sets[devid] = s
	}
	remember(t, s, id)
	s[id] = struct{}{}
}

func (t *tx) dropMember(sets map[string]set, devid string, id uuid.UUID) {
	s, ok := sets[devid]
	if !ok {
		return
	}
	remember(t, s, id)
	delete(s, id)
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) writable() error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	return nil
}

func (t *tx) LookupDevice(devid string) (storage.Device, error) {
	d, ok := t.g.devices[devid]
	if !ok {
		return storage.Device{}, fmt.Errorf("device %q: %w", devid, storage.ErrNotFound)
	}
	return d, nil
}

func (t *tx) PutDevice(d storage.Device) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.g.devices[d.ID]; ok {
		return fmt.Errorf("device %q: %w", d.ID, storage.ErrAlreadyExists)
	}
	remember(t, t.g.devices, d.ID)
	t.g.devices[d.ID] = d
	return nil
}

func (t *tx) ListDevices() ([]storage.Device, error) {
	devices := make([]storage.Device, 0, len(t.g.devices))
	for _, d := range t.g.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (t *tx) CreatePending(devid string, value float64, ts time.Time) (storage.Point, error) {
	if err := t.writable(); err != nil {
		return storage.Point{}, err
	}
	p := storage.Point{
		ID:        uuid.New(),
		DeviceID:  devid,
		Timestamp: ts,
		Value:     value,
		Role:      storage.RolePending,
	}
	remember(t, t.g.points, p.ID)
	t.g.points[p.ID] = p
	t.addMember(t.g.byDevice, devid, p.ID)
	return p, nil
}

func (t *tx) FindAnchors(devid string) ([]storage.Point, error) {
	var anchors []storage.Point
	for id := range t.g.anchors[devid] {
		anchors = append(anchors, t.g.points[id])
	}
	return anchors, nil
}

func (t *tx) FindFrontiers(anchor uuid.UUID) ([]storage.Frontier, error) {
	l, ok := t.g.links[anchor]
	if !ok {
		return nil, nil
	}
	p, ok := t.g.points[l.To]
	if !ok || p.Role != storage.RoleFrontier {
		return nil, nil
	}
	return []storage.Frontier{{Point: p, Bounds: l.Bounds}}, nil
}

func (t *tx) Relabel(id uuid.UUID, role storage.Role) error {
	if err := t.writable(); err != nil {
		return err
	}
	p, ok := t.g.points[id]
	if !ok {
		return fmt.Errorf("point %s: %w", id, storage.ErrNotFound)
	}
	if !p.Role.CanBecome(role) {
		return fmt.Errorf("point %s %s -> %s: %w", id, p.Role, role, storage.ErrInvalidTransition)
	}
	if p.Role == storage.RoleAnchor {
		t.dropMember(t.g.anchors, p.DeviceID, id)
	}
	if role == storage.RoleAnchor {
		t.addMember(t.g.anchors, p.DeviceID, id)
	}
	remember(t, t.g.points, id)
	p.Role = role
	t.g.points[id] = p
	return nil
}

func (t *tx) SetLink(from, to uuid.UUID, bounds storage.Bounds) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.g.points[from]; !ok {
		return fmt.Errorf("link source %s: %w", from, storage.ErrNotFound)
	}
	target, ok := t.g.points[to]
	if !ok {
		return fmt.Errorf("link target %s: %w", to, storage.ErrNotFound)
	}
	if target.Role == storage.RoleCommitted {
		return fmt.Errorf("link to %s: %w", to, storage.ErrImmutable)
	}
	if src, ok := t.g.inbound[to]; ok && src != from {
		return fmt.Errorf("point %s already linked from %s: %w", to, src, storage.ErrStillReferenced)
	}
	if prev, ok := t.g.links[from]; ok {
		if t.g.points[prev.To].Role == storage.RoleCommitted {
			return fmt.Errorf("replace link %s -> %s: %w", from, prev.To, storage.ErrImmutable)
		}
		remember(t, t.g.inbound, prev.To)
		delete(t.g.inbound, prev.To)
	}
	remember(t, t.g.links, from)
	remember(t, t.g.inbound, to)
	t.g.links[from] = storage.Link{From: from, To: to, Bounds: bounds}
	t.g.inbound[to] = from
	return nil
}

func (t *tx) SetOwnership(devid string, id uuid.UUID) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.g.devices[devid]; !ok {
		return fmt.Errorf("device %q: %w", devid, storage.ErrNotFound)
	}
	p, ok := t.g.points[id]
	if !ok || p.DeviceID != devid {
		return fmt.Errorf("point %s of device %q: %w", id, devid, storage.ErrNotFound)
	}
	remember(t, t.g.owners, devid)
	t.g.owners[devid] = id
	return nil
}

func (t *tx) DeleteDetached(id uuid.UUID) error {
	if err := t.writable(); err != nil {
		return err
	}
	p, ok := t.g.points[id]
	if !ok {
		return fmt.Errorf("point %s: %w", id, storage.ErrNotFound)
	}
	if p.Role == storage.RoleCommitted {
		return fmt.Errorf("delete %s: %w", id, storage.ErrImmutable)
	}
	if _, ok := t.g.inbound[id]; ok {
		return fmt.Errorf("delete %s: inbound link: %w", id, storage.ErrStillReferenced)
	}
	if _, ok := t.g.links[id]; ok {
		return fmt.Errorf("delete %s: outgoing link: %w", id, storage.ErrStillReferenced)
	}
	if owner, ok := t.g.owners[p.DeviceID]; ok && owner == id {
		return fmt.Errorf("delete %s: owned by device: %w", id, storage.ErrStillReferenced)
	}
	remember(t, t.g.points, id)
	delete(t.g.points, id)
	t.dropMember(t.g.byDevice, p.DeviceID, id)
	t.dropMember(t.g.anchors, p.DeviceID, id)
	return nil
}

func (t *tx) GetPoint(id uuid.UUID) (storage.Point, error) {
	p, ok := t.g.points[id]
	if !ok {
		return storage.Point{}, fmt.Errorf("point %s: %w", id, storage.ErrNotFound)
	}
	return p, nil
}

func (t *tx) GetLink(from uuid.UUID) (*storage.Link, error) {
	l, ok := t.g.links[from]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (t *tx) ListPoints(devid string) ([]storage.Point, error) {
	ids := t.g.byDevice[devid]
	points := make([]storage.Point, 0, len(ids))
	for id := range ids {
		points = append(points, t.g.points[id])
	}
	return points, nil
}

func (t *tx) Owned(devid string) (*storage.Point, error) {
	id, ok := t.g.owners[devid]
	if !ok {
		return nil, nil
	}
	p, ok := t.g.points[id]
	if !ok {
		return nil, fmt.Errorf("owned point %s of device %q: %w", id, devid, storage.ErrNotFound)
	}
	return &p, nil
}
