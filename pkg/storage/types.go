package storage

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Role is the position a point currently holds in its device's series.
type Role string

const (
	RolePending   Role = "pending"
	RoleAnchor    Role = "anchor"
	RoleFrontier  Role = "frontier"
	RoleCommitted Role = "committed"
)

// transitions lists every role change a point may undergo.
// Roles never move backward and committed is terminal.
var transitions = map[Role][]Role{
	RolePending:  {RoleAnchor, RoleFrontier},
	RoleAnchor:   {RoleCommitted},
	RoleFrontier: {RoleCommitted},
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RolePending, RoleAnchor, RoleFrontier, RoleCommitted:
		return true
	}
	return false
}

// CanBecome reports whether a point with role r may be relabeled to next.
func (r Role) CanBecome(next Role) bool {
	for _, allowed := range transitions[r] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Open reports whether the role belongs to the currently open segment.
func (r Role) Open() bool {
	return r == RoleAnchor || r == RoleFrontier
}

// Device carries the configuration the compressor needs for one sensor.
type Device struct {
	ID         string  `json:"devid" yaml:"devid"`
	Alias      string  `json:"alias,omitempty" yaml:"alias"`
	SensorType string  `json:"sensor_type,omitempty" yaml:"sensor_type"`
	Deviation  float64 `json:"sensor_deviation" yaml:"sensor_deviation"`
}

// Point is a persisted sample of a device's compressed series.
type Point struct {
	ID        uuid.UUID `json:"id"`
	DeviceID  string    `json:"devid"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Role      Role      `json:"role"`
}

// Bounds is the admissible value envelope carried by a link.
type Bounds struct {
	Min float64 `json:"vmin"`
	Max float64 `json:"vmax"`
}

// Unbounded returns an envelope that admits every finite value.
func Unbounded() Bounds {
	return Bounds{Min: math.Inf(-1), Max: math.Inf(1)}
}

// Contains reports whether v lies strictly inside the envelope.
// A value equal to either edge is outside.
func (b Bounds) Contains(v float64) bool {
	return b.Min < v && v < b.Max
}

// Within reports whether b is no wider than outer on either side.
func (b Bounds) Within(outer Bounds) bool {
	return b.Min >= outer.Min && b.Max <= outer.Max
}

// Link is the single outgoing edge of a point.
type Link struct {
	From   uuid.UUID `json:"from"`
	To     uuid.UUID `json:"to"`
	Bounds Bounds    `json:"bounds"`
}

// Frontier pairs the frontier point of an open segment with the bounds of
// the link that reaches it from the anchor.
type Frontier struct {
	Point  Point
	Bounds Bounds
}
