// Package vclock implements the per-client logical clocks that order
// document deltas.
package vclock

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// MaxCounter is the largest counter value that survives a round trip
// through clients that store JSON numbers as 64-bit floats.
const MaxCounter uint64 = 1<<53 - 1

// ErrUnsafeCounter is returned when a decoded counter exceeds MaxCounter.
var ErrUnsafeCounter = errors.New("vector clock counter exceeds safe integer range")

// Ordering is the result of comparing two clocks under the happens-before
// partial order.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	}
	return fmt.Sprintf("ordering(%d)", int(o))
}

// Clock maps client IDs to monotonic counters. Missing keys count as zero,
// so {"a":0} and {} describe the same clock. Clock is not safe for
// concurrent mutation; owners guard it with their own locks.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// Clone returns an independent copy of c.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Counter returns the counter for clientID, zero when absent.
func (c Clock) Counter(clientID string) uint64 {
	return c[clientID]
}

// Tick returns a copy of c with clientID's counter incremented by one.
func (c Clock) Tick(clientID string) Clock {
	out := c.Clone()
	out[clientID]++
	return out
}

// Merge folds other into c in place, keeping the pointwise maximum.
func (c Clock) Merge(other Clock) {
	for k, v := range other {
		if v > c[k] {
			c[k] = v
		}
	}
}

// Merged returns the pointwise maximum of a and b without mutating either.
func Merged(a, b Clock) Clock {
	out := a.Clone()
	out.Merge(b)
	return out
}

// Compare classifies c against other: Equal, Before (c happens-before
// other), After, or Concurrent. Runs in O(|keys(c) ∪ keys(other)|).
func (c Clock) Compare(other Clock) Ordering {
	var cLess, otherLess bool
	for k, v := range c {
		o := other[k]
		if v < o {
			cLess = true
		} else if v > o {
			otherLess = true
		}
	}
	for k, o := range other {
		if _, seen := c[k]; seen {
			continue
		}
		if o > 0 {
			cLess = true
		}
	}
	switch {
	case cLess && otherLess:
		return Concurrent
	case cLess:
		return Before
	case otherLess:
		return After
	}
	return Equal
}

// Equal reports whether c and other denote the same clock, treating
// missing keys as zero.
func (c Clock) Equal(other Clock) bool {
	return c.Compare(other) == Equal
}

// HappensBefore reports whether c precedes other: every counter is ≤ and
// at least one is strictly less.
func (c Clock) HappensBefore(other Clock) bool {
	return c.Compare(other) == Before
}

// ConcurrentWith reports whether neither clock precedes the other and
// they are not equal.
func (c Clock) ConcurrentWith(other Clock) bool {
	return c.Compare(other) == Concurrent
}

// ObservedBy reports whether every event in c is covered by other, i.e.
// c happens-before other or the clocks are equal. A delta whose clock is
// observed by a client's clock carries nothing new for that client.
func (c Clock) ObservedBy(other Clock) bool {
	switch c.Compare(other) {
	case Before, Equal:
		return true
	}
	return false
}

// MarshalJSON encodes the clock as a JSON object. Nil and empty clocks
// both encode as {}.
func (c Clock) MarshalJSON() ([]byte, error) {
	if len(c) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]uint64(c))
}

// UnmarshalJSON decodes a JSON object of integer counters. Counters above
// MaxCounter are rejected rather than truncated, as are negative or
// fractional values.
func (c *Clock) UnmarshalJSON(data []byte) error {
	var raw map[string]json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("vector clock must be an object of integers: %w", err)
	}
	out := make(Clock, len(raw))
	for k, n := range raw {
		v, err := strconv.ParseUint(n.String(), 10, 64)
		if err != nil {
			return fmt.Errorf("vector clock counter for %q is not a non-negative integer: %w", k, err)
		}
		if v > MaxCounter {
			return fmt.Errorf("vector clock counter for %q: %w", k, ErrUnsafeCounter)
		}
		out[k] = v
	}
	*c = out
	return nil
}
