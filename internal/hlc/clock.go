// Package hlc implements a hybrid logical clock: a timestamp that combines
// physical wall time with a logical counter to yield a total order
// consistent with happens-before, tolerant to bounded clock skew.
//
// A single *Clock is constructed once per device and threaded through the
// library, jobs, and peersync packages via constructor injection — it is
// never a package-level global — so tests can substitute a virtual wall
// clock (design-notes.md: "the HLC is the only true process-wide
// singleton... make all producers receive a handle to it").
package hlc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tonimelisma/libraryd/internal/ids"
)

// ErrClockSkew is returned by Now when the wall clock has drifted backward
// by more than MaxBackwardSkew, so the caller does not silently produce
// stamps that compare incorrectly once exchanged with peers.
var ErrClockSkew = errors.New("hlc: wall clock skew exceeds tolerance")

// ErrCounterOverflow is returned when the logical counter would wrap past
// its maximum value within a single physical millisecond. Callers must not
// retry without a physical-time advance.
var ErrCounterOverflow = errors.New("hlc: logical counter overflow")

// maxCounter is the largest representable logical counter (uint32 max).
const maxCounter = ^uint32(0)

// DefaultMaxBackwardSkew is the default tolerance for a backward wall-clock
// jump before Now refuses to advance.
const DefaultMaxBackwardSkew = 1 * time.Minute

// Stamp is a single HLC timestamp: (physical_ms, counter, device_id),
// totally ordered lexicographically by that triple.
type Stamp struct {
	PhysicalMS int64
	Counter    uint32
	DeviceID   ids.DeviceID
}

// Compare returns -1, 0, or 1 if s sorts before, equal to, or after other
// under the lexicographic (physical_ms, counter, device_id) order.
func (s Stamp) Compare(other Stamp) int {
	switch {
	case s.PhysicalMS != other.PhysicalMS:
		return cmpInt64(s.PhysicalMS, other.PhysicalMS)
	case s.Counter != other.Counter:
		return cmpUint32(s.Counter, other.Counter)
	default:
		return cmpString(s.DeviceID.String(), other.DeviceID.String())
	}
}

// Before reports whether s sorts strictly before other.
func (s Stamp) Before(other Stamp) bool { return s.Compare(other) < 0 }

// After reports whether s sorts strictly after other.
func (s Stamp) After(other Stamp) bool { return s.Compare(other) > 0 }

// String renders the sortable textual form used on the wire and in the
// peer-log durable format: "physical_ms:counter:device_uuid".
func (s Stamp) String() string {
	return fmt.Sprintf("%020d:%010d:%s", s.PhysicalMS, s.Counter, s.DeviceID.String())
}

// ParseStamp parses the sortable textual form Stamp.String produces
// ("physical_ms:counter:device_uuid") back into a Stamp, used by the sync
// engine to recover the sender's stamp from a wire message before calling
// Clock.Update.
func ParseStamp(s string) (Stamp, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Stamp{}, fmt.Errorf("hlc: parse stamp %q: expected 3 colon-separated fields", s)
	}

	physMS, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Stamp{}, fmt.Errorf("hlc: parse stamp %q: physical_ms: %w", s, err)
	}

	counter, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Stamp{}, fmt.Errorf("hlc: parse stamp %q: counter: %w", s, err)
	}

	deviceID, err := ids.ParseDeviceID(parts[2])
	if err != nil {
		return Stamp{}, fmt.Errorf("hlc: parse stamp %q: device id: %w", s, err)
	}

	return Stamp{PhysicalMS: physMS, Counter: uint32(counter), DeviceID: deviceID}, nil
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// WallClock abstracts the current wall-clock reading so tests can inject a
// virtual clock instead of real time.Now().
type WallClock func() time.Time

// Clock is a monotonic, causally-ordered hybrid logical clock for one
// device. The zero value is not usable; construct with New.
type Clock struct {
	mu sync.Mutex

	deviceID   ids.DeviceID
	wall       WallClock
	maxSkew    time.Duration
	lastPhysMS int64
	lastCount  uint32
}

// New creates a Clock for the given device. Pass nil for wall to use
// time.Now.
func New(deviceID ids.DeviceID, wall WallClock) *Clock {
	if wall == nil {
		wall = time.Now
	}

	return &Clock{
		deviceID: deviceID,
		wall:     wall,
		maxSkew:  DefaultMaxBackwardSkew,
	}
}

// WithMaxSkew overrides the backward-skew tolerance (tests only).
func (c *Clock) WithMaxSkew(d time.Duration) *Clock {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maxSkew = d

	return c
}

// Now returns a fresh HLC stamp such that, for any two calls on the same
// Clock, the later return value is strictly greater under Stamp's total
// order (H1).
func (c *Clock) Now() (Stamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wallMS := c.wall().UnixMilli()

	if c.lastPhysMS-wallMS > c.maxSkew.Milliseconds() {
		return Stamp{}, fmt.Errorf("%w: wall=%d last=%d tolerance=%s",
			ErrClockSkew, wallMS, c.lastPhysMS, c.maxSkew)
	}

	if wallMS > c.lastPhysMS {
		c.lastPhysMS = wallMS
		c.lastCount = 0
	} else {
		if c.lastCount == maxCounter {
			return Stamp{}, ErrCounterOverflow
		}

		c.lastCount++
	}

	return Stamp{PhysicalMS: c.lastPhysMS, Counter: c.lastCount, DeviceID: c.deviceID}, nil
}

// Update advances the clock so the return is strictly greater than both the
// local clock and incoming (H2). Used when receiving a remote HLC stamp.
func (c *Clock) Update(incoming Stamp) (Stamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wallMS := c.wall().UnixMilli()

	pmax := maxInt64(wallMS, c.lastPhysMS, incoming.PhysicalMS)

	var newCount uint32

	switch {
	case pmax == c.lastPhysMS && pmax == incoming.PhysicalMS:
		newCount = maxUint32(c.lastCount, incoming.Counter)
		if newCount == maxCounter {
			return Stamp{}, ErrCounterOverflow
		}

		newCount++
	case pmax == c.lastPhysMS:
		if c.lastCount == maxCounter {
			return Stamp{}, ErrCounterOverflow
		}

		newCount = c.lastCount + 1
	case pmax == incoming.PhysicalMS:
		if incoming.Counter == maxCounter {
			return Stamp{}, ErrCounterOverflow
		}

		newCount = incoming.Counter + 1
	default:
		newCount = 0
	}

	c.lastPhysMS = pmax
	c.lastCount = newCount

	return Stamp{PhysicalMS: c.lastPhysMS, Counter: c.lastCount, DeviceID: c.deviceID}, nil
}

func maxInt64(vs ...int64) int64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}

	return m
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}

	return b
}
