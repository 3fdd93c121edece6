// Package correlator matches asynchronous server responses to the blocking
// calls that are waiting for them.
package correlator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coachpo/pocketoption/errs"
)

// Kind groups slots by the request class they belong to.
type Kind string

const (
	KindOpen    Kind = "open"
	KindResult  Kind = "result"
	KindHistory Kind = "history"
)

// Key identifies one pending call.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string { return string(k.Kind) + ":" + k.ID }

// Result is what a slot resolves to.
type Result struct {
	Value any
	Err   error
}

// Slot is a pending call. It resolves at most once.
type Slot struct {
	Key      Key
	Issued   time.Time
	Deadline time.Time

	done chan Result
	seq  uint64
}

// Correlator owns every pending slot of a session.
type Correlator struct {
	now func() time.Time

	mu    sync.Mutex
	slots map[Key]*Slot
	seq   uint64
}

// New constructs an empty correlator.
func New() *Correlator {
	return &Correlator{now: time.Now, slots: make(map[Key]*Slot)}
}

// Open registers a slot for key with the given timeout. Opening a key that is
// already pending fails.
func (c *Correlator) Open(kind Kind, id string, timeout time.Duration) (*Slot, error) {
	if id == "" {
		return nil, errs.New("correlate", errs.CodeInvalid, errs.WithMessage("correlation id is required"))
	}
	if timeout <= 0 {
		return nil, errs.New("correlate", errs.CodeInvalid, errs.WithMessage("timeout must be positive"))
	}
	key := Key{Kind: kind, ID: id}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.slots[key]; exists {
		return nil, errs.New("correlate", errs.CodeInvalid,
			errs.WithMessage("duplicate correlation key"), errs.WithField("key", key.String()))
	}
	c.seq++
	slot := &Slot{
		Key:      key,
		Issued:   now,
		Deadline: now.Add(timeout),
		done:     make(chan Result, 1),
		seq:      c.seq,
	}
	c.slots[key] = slot
	return slot, nil
}

// Resolve completes the slot for key. It reports false when no such slot is
// pending, which covers late responses after a timeout.
func (c *Correlator) Resolve(key Key, value any, err error) bool {
	c.mu.Lock()
	slot, ok := c.slots[key]
	if ok {
		delete(c.slots, key)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	slot.done <- Result{Value: value, Err: err}
	return true
}

// ResolveOldest completes the longest-waiting slot of kind, for responses
// that carry no correlation key.
func (c *Correlator) ResolveOldest(kind Kind, value any, err error) (Key, bool) {
	c.mu.Lock()
	var oldest *Slot
	for _, slot := range c.slots {
		if slot.Key.Kind != kind {
			continue
		}
		if oldest == nil || slot.seq < oldest.seq {
			oldest = slot
		}
	}
	if oldest != nil {
		delete(c.slots, oldest.Key)
	}
	c.mu.Unlock()
	if oldest == nil {
		return Key{}, false
	}
	oldest.done <- Result{Value: value, Err: err}
	return oldest.Key, true
}

// Pending reports whether key has an unresolved slot.
func (c *Correlator) Pending(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.slots[key]
	return ok
}

// Len returns the number of unresolved slots.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// Wait blocks until the slot resolves, its deadline passes, or ctx ends.
// An expired slot yields a CodeTimeout error; the slot is removed either way.
func (c *Correlator) Wait(ctx context.Context, slot *Slot) (any, error) {
	timer := time.NewTimer(time.Until(slot.Deadline))
	defer timer.Stop()

	select {
	case res := <-slot.done:
		return res.Value, res.Err
	case <-timer.C:
		if c.remove(slot) {
			return nil, errs.New("correlate", errs.CodeTimeout,
				errs.WithMessage("no response before deadline"), errs.WithField("key", slot.Key.String()))
		}
		// resolved concurrently with the deadline
		res := <-slot.done
		return res.Value, res.Err
	case <-ctx.Done():
		if c.remove(slot) {
			code := errs.CodeCanceled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				code = errs.CodeTimeout
			}
			return nil, errs.New("correlate", code, errs.WithCause(ctx.Err()), errs.WithField("key", slot.Key.String()))
		}
		res := <-slot.done
		return res.Value, res.Err
	}
}

// Cancel drops a slot without resolving it.
func (c *Correlator) Cancel(slot *Slot) {
	if slot != nil {
		c.remove(slot)
	}
}

// FailAll resolves every pending slot with err.
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	pending := make([]*Slot, 0, len(c.slots))
	for key, slot := range c.slots {
		pending = append(pending, slot)
		delete(c.slots, key)
	}
	c.mu.Unlock()
	for _, slot := range pending {
		slot.done <- Result{Err: err}
	}
	return len(pending)
}

func (c *Correlator) remove(slot *Slot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.slots[slot.Key]
	if !ok || current != slot {
		return false
	}
	delete(c.slots, slot.Key)
	return true
}
