package badger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/nicktill/swingdoor/pkg/storage"
)

// Key layout. Device-scoped indexes start with the xxhash of the device id
// so that a prefix scan touches one device only; hash collisions are
// filtered by comparing the decoded point's DeviceID.
//
//	d <devid>                      -> Device (JSON)
//	p <id:16>                      -> Point (JSON)
//	l <from:16>                    -> Link (JSON)
//	i <to:16>                      -> source id (16 bytes)
//	o <devid>                      -> owned point id (16 bytes)
//	x <devhash:8> <id:16>          -> empty (points of a device)
//	r <devhash:8> <role:1> <id:16> -> empty (points of a device by role)
const (
	prefixDevice  byte = 'd'
	prefixPoint   byte = 'p'
	prefixLink    byte = 'l'
	prefixInbound byte = 'i'
	prefixOwner   byte = 'o'
	prefixIndex   byte = 'x'
	prefixRole    byte = 'r'
)

var roleCodes = map[storage.Role]byte{
	storage.RolePending:   'n',
	storage.RoleAnchor:    'a',
	storage.RoleFrontier:  'b',
	storage.RoleCommitted: 'v',
}

func deviceHash(devid string) []byte {
	h := make([]byte, 8)
	binary.BigEndian.PutUint64(h, xxhash.Sum64String(devid))
	return h
}

func deviceKey(devid string) []byte {
	return append([]byte{prefixDevice}, devid...)
}

func ownerKey(devid string) []byte {
	return append([]byte{prefixOwner}, devid...)
}

func idKey(prefix byte, id uuid.UUID) []byte {
	return append([]byte{prefix}, id[:]...)
}

func indexKey(devid string, id uuid.UUID) []byte {
	key := append([]byte{prefixIndex}, deviceHash(devid)...)
	return append(key, id[:]...)
}

func rolePrefix(devid string, role storage.Role) []byte {
	key := append([]byte{prefixRole}, deviceHash(devid)...)
	return append(key, roleCodes[role])
}

func roleKey(devid string, role storage.Role, id uuid.UUID) []byte {
	return append(rolePrefix(devid, role), id[:]...)
}

// tx implements storage.Tx over a BadgerDB transaction.
type tx struct {
	txn      *badger.Txn
	readOnly bool
}

func (t *tx) writable() error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	return nil
}

func (t *tx) set(op string, key []byte, value []byte) error {
	if err := t.txn.Set(key, value); err != nil {
		return translate(op, err)
	}
	return nil
}

func (t *tx) setJSON(op string, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: failed to encode: %w", op, err)
	}
	return t.set(op, key, data)
}

func (t *tx) del(op string, key []byte) error {
	if err := t.txn.Delete(key); err != nil {
		return translate(op, err)
	}
	return nil
}

// get returns nil, nil for a missing key.
func (t *tx) get(op string, key []byte) (*badger.Item, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(op, err)
	}
	return item, nil
}

func (t *tx) getID(op string, key []byte) (uuid.UUID, bool, error) {
	item, err := t.get(op, key)
	if err != nil || item == nil {
		return uuid.Nil, false, err
	}
	var id uuid.UUID
	if err := item.Value(func(val []byte) error {
		id, err = uuid.FromBytes(val)
		return err
	}); err != nil {
		return uuid.Nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return id, true, nil
}

func (t *tx) LookupDevice(devid string) (storage.Device, error) {
	item, err := t.get("lookup device", deviceKey(devid))
	if err != nil {
		return storage.Device{}, err
	}
	if item == nil {
		return storage.Device{}, fmt.Errorf("device %q: %w", devid, storage.ErrNotFound)
	}
	var d storage.Device
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &d)
	}); err != nil {
		return storage.Device{}, fmt.Errorf("failed to decode device %q: %w", devid, err)
	}
	return d, nil
}

func (t *tx) PutDevice(d storage.Device) error {
	if err := t.writable(); err != nil {
		return err
	}
	item, err := t.get("put device", deviceKey(d.ID))
	if err != nil {
		return err
	}
	if item != nil {
		return fmt.Errorf("device %q: %w", d.ID, storage.ErrAlreadyExists)
	}
	return t.setJSON("put device", deviceKey(d.ID), d)
}

func (t *tx) ListDevices() ([]storage.Device, error) {
	var devices []storage.Device
	err := scan(t.txn, []byte{prefixDevice}, true, func(item *badger.Item) error {
		var d storage.Device
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &d)
		}); err != nil {
			return fmt.Errorf("failed to decode device: %w", err)
		}
		devices = append(devices, d)
		return nil
	})
	if err != nil {
		return nil, translate("list devices", err)
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
	if err := t.setJSON("create point", idKey(prefixPoint, p.ID), p); err != nil {
		return storage.Point{}, err
	}
	if err := t.set("create point", indexKey(devid, p.ID), nil); err != nil {
		return storage.Point{}, err
	}
	if err := t.set("create point", roleKey(devid, p.Role, p.ID), nil); err != nil {
		return storage.Point{}, err
	}
	return p, nil
}

func (t *tx) FindAnchors(devid string) ([]storage.Point, error) {
	prefix := rolePrefix(devid, storage.RoleAnchor)

	// Collect ids first: a read-write txn allows one open iterator only
	var ids []uuid.UUID
	err := scan(t.txn, prefix, false, func(item *badger.Item) error {
		id, err := uuid.FromBytes(item.Key()[len(prefix):])
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, translate("find anchors", err)
	}

	var anchors []storage.Point
	for _, id := range ids {
		p, err := t.GetPoint(id)
		if err != nil {
			return nil, err
		}
		if p.DeviceID == devid {
			anchors = append(anchors, p)
		}
	}
	return anchors, nil
}

func (t *tx) FindFrontiers(anchor uuid.UUID) ([]storage.Frontier, error) {
	l, err := t.GetLink(anchor)
	if err != nil || l == nil {
		return nil, err
	}
	p, err := t.GetPoint(l.To)
	if err != nil {
		return nil, err
	}
	if p.Role != storage.RoleFrontier {
		return nil, nil
	}
	return []storage.Frontier{{Point: p, Bounds: l.Bounds}}, nil
}

func (t *tx) Relabel(id uuid.UUID, role storage.Role) error {
	if err := t.writable(); err != nil {
		return err
	}
	p, err := t.GetPoint(id)
	if err != nil {
		return err
	}
	if !p.Role.CanBecome(role) {
		return fmt.Errorf("point %s %s -> %s: %w", id, p.Role, role, storage.ErrInvalidTransition)
	}
	if err := t.del("relabel", roleKey(p.DeviceID, p.Role, id)); err != nil {
		return err
	}
	p.Role = role
	if err := t.set("relabel", roleKey(p.DeviceID, p.Role, id), nil); err != nil {
		return err
	}
	return t.setJSON("relabel", idKey(prefixPoint, id), p)
}

func (t *tx) SetLink(from, to uuid.UUID, bounds storage.Bounds) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.GetPoint(from); err != nil {
		return fmt.Errorf("link source: %w", err)
	}
	target, err := t.GetPoint(to)
	if err != nil {
		return fmt.Errorf("link target: %w", err)
	}
	if target.Role == storage.RoleCommitted {
		return fmt.Errorf("link to %s: %w", to, storage.ErrImmutable)
	}

	src, ok, err := t.getID("set link", idKey(prefixInbound, to))
	if err != nil {
		return err
	}
	if ok && src != from {
		return fmt.Errorf("point %s already linked from %s: %w", to, src, storage.ErrStillReferenced)
	}

	prev, err := t.GetLink(from)
	if err != nil {
		return err
	}
	if prev != nil {
		prevTarget, err := t.GetPoint(prev.To)
		if err != nil {
			return err
		}
		if prevTarget.Role == storage.RoleCommitted {
			return fmt.Errorf("replace link %s -> %s: %w", from, prev.To, storage.ErrImmutable)
		}
		if err := t.del("set link", idKey(prefixInbound, prev.To)); err != nil {
			return err
		}
	}

	l := storage.Link{From: from, To: to, Bounds: bounds}
	if err := t.setJSON("set link", idKey(prefixLink, from), l); err != nil {
		return err
	}
	return t.set("set link", idKey(prefixInbound, to), from[:])
}

func (t *tx) SetOwnership(devid string, id uuid.UUID) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.LookupDevice(devid); err != nil {
		return err
	}
	p, err := t.GetPoint(id)
	if err != nil {
		return err
	}
	if p.DeviceID != devid {
		return fmt.Errorf("point %s of device %q: %w", id, devid, storage.ErrNotFound)
	}
	return t.set("set ownership", ownerKey(devid), id[:])
}

func (t *tx) DeleteDetached(id uuid.UUID) error {
	if err := t.writable(); err != nil {
		return err
	}
	p, err := t.GetPoint(id)
	if err != nil {
		return err
	}
	if p.Role == storage.RoleCommitted {
		return fmt.Errorf("delete %s: %w", id, storage.ErrImmutable)
	}
	if _, ok, err := t.getID("delete point", idKey(prefixInbound, id)); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("delete %s: inbound link: %w", id, storage.ErrStillReferenced)
	}
	if l, err := t.GetLink(id); err != nil {
		return err
	} else if l != nil {
		return fmt.Errorf("delete %s: outgoing link: %w", id, storage.ErrStillReferenced)
	}
	if owner, ok, err := t.getID("delete point", ownerKey(p.DeviceID)); err != nil {
		return err
	} else if ok && owner == id {
		return fmt.Errorf("delete %s: owned by device: %w", id, storage.ErrStillReferenced)
	}

	for _, key := range [][]byte{
		idKey(prefixPoint, id),
		indexKey(p.DeviceID, id),
		roleKey(p.DeviceID, p.Role, id),
	} {
		if err := t.del("delete point", key); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) GetPoint(id uuid.UUID) (storage.Point, error) {
	item, err := t.get("get point", idKey(prefixPoint, id))
	if err != nil {
		return storage.Point{}, err
	}
	if item == nil {
		return storage.Point{}, fmt.Errorf("point %s: %w", id, storage.ErrNotFound)
	}
	return decodePoint(item)
}

func (t *tx) GetLink(from uuid.UUID) (*storage.Link, error) {
	item, err := t.get("get link", idKey(prefixLink, from))
	if err != nil || item == nil {
		return nil, err
	}
	var l storage.Link
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &l)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode link %s: %w", from, err)
	}
	return &l, nil
}

func (t *tx) ListPoints(devid string) ([]storage.Point, error) {
	prefix := append([]byte{prefixIndex}, deviceHash(devid)...)

	var ids []uuid.UUID
	err := scan(t.txn, prefix, false, func(item *badger.Item) error {
		id, err := uuid.FromBytes(item.Key()[len(prefix):])
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, translate("list points", err)
	}

	points := make([]storage.Point, 0, len(ids))
	for _, id := range ids {
		p, err := t.GetPoint(id)
		if err != nil {
			return nil, err
		}
		if p.DeviceID == devid {
			points = append(points, p)
		}
	}
	return points, nil
}

func (t *tx) Owned(devid string) (*storage.Point, error) {
	id, ok, err := t.getID("owned", ownerKey(devid))
	if err != nil || !ok {
		return nil, err
	}
	p, err := t.GetPoint(id)
	if err != nil {
		return nil, fmt.Errorf("owned point of device %q: %w", devid, err)
	}
	return &p, nil
}

// scan calls fn for every key under prefix. Values are prefetched only
// when withValues is set.
func scan(txn *badger.Txn, prefix []byte, withValues bool, fn func(item *badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = withValues
	opts.PrefetchSize = 100
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := fn(it.Item()); err != nil {
			return err
		}
	}
	return nil
}

// decodePoint deserializes a point record
func decodePoint(item *badger.Item) (storage.Point, error) {
	var p storage.Point
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &p)
	})
	if err != nil {
		return storage.Point{}, fmt.Errorf("failed to decode point: %w", err)
	}
	return p, nil
}
