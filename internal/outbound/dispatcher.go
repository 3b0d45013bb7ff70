package outbound

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrDispatcherClosed indicates the dispatcher is closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrDuplicateID indicates a pending call already uses the id.
	ErrDuplicateID = errors.New("duplicate pending id")
)

// Call is one pending request. It completes exactly once, with either a
// value or an error.
type Call struct {
	id        string
	subject   string
	createdAt time.Time

	once  sync.Once
	done  chan struct{}
	value any
	err   error

	timer *time.Timer
}

// ID returns the correlation id.
func (c *Call) ID() string { return c.id }

// Subject returns the reply subject the call listens on.
func (c *Call) Subject() string { return c.subject }

// CreatedAt returns when the call was registered.
func (c *Call) CreatedAt() time.Time { return c.createdAt }

// Done is closed once the call completes.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (c *Call) Result() (any, error) { return c.value, c.err }

// Complete settles the call. Later completions are ignored; it reports
// whether this one won.
func (c *Call) Complete(v any, err error) bool {
	won := false
	c.once.Do(func() {
		c.value, c.err = v, err
		close(c.done)
		won = true
	})
	return won
}

// Dispatcher tracks pending calls keyed by correlation id and matches
// inbound replies to them. It is transport-agnostic.
type Dispatcher struct {
	mu      sync.Mutex
	pending map[string]*Call

	closed   atomic.Bool
	closeErr error

	// OnTimeout, when set, observes calls that expired.
	OnTimeout func(c *Call)
}

// New constructs an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{pending: make(map[string]*Call)}
}

// Begin registers a pending call. When timeout is positive the call is
// removed and completed with timeoutErr() after it elapses.
func (d *Dispatcher) Begin(id, subject string, timeout time.Duration, timeoutErr func() error) (*Call, error) {
	c := &Call{id: id, subject: subject, createdAt: time.Now(), done: make(chan struct{})}

	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return nil, d.err()
	}
	if _, exists := d.pending[id]; exists {
		d.mu.Unlock()
		return nil, ErrDuplicateID
	}
	d.pending[id] = c
	if timeout > 0 {
		c.timer = time.AfterFunc(timeout, func() {
			if !d.remove(c) {
				return
			}
			if c.Complete(nil, timeoutErr()) && d.OnTimeout != nil {
				d.OnTimeout(c)
			}
		})
	}
	d.mu.Unlock()
	return c, nil
}

// Take removes and returns the pending call for id. When matchSubject is
// set the call must also be listening on subject. Unmatched replies return
// nil and are the caller's to drop.
func (d *Dispatcher) Take(subject, id string, matchSubject bool) *Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.pending[id]
	if !ok {
		return nil
	}
	if matchSubject && c.subject != subject {
		return nil
	}
	d.removeLocked(c)
	return c
}

// Cancel removes the call for id and completes it with err. It reports
// whether a pending call was found.
func (d *Dispatcher) Cancel(id string, err error) bool {
	d.mu.Lock()
	c, ok := d.pending[id]
	if ok {
		d.removeLocked(c)
	}
	d.mu.Unlock()
	if ok {
		c.Complete(nil, err)
	}
	return ok
}

// FailAll completes every pending call with err without closing the
// dispatcher. It returns the number of calls failed.
func (d *Dispatcher) FailAll(err error) int {
	d.mu.Lock()
	calls := make([]*Call, 0, len(d.pending))
	for _, c := range d.pending {
		d.removeLocked(c)
		calls = append(calls, c)
	}
	d.mu.Unlock()
	for _, c := range calls {
		c.Complete(nil, err)
	}
	return len(calls)
}

// Close fails all pending calls with err and rejects new ones.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	if !d.closed.CompareAndSwap(false, true) {
		d.mu.Unlock()
		return
	}
	d.closeErr = err
	d.mu.Unlock()
	d.FailAll(err)
}

// Len reports the number of pending calls.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) err() error {
	if d.closeErr != nil {
		return d.closeErr
	}
	return ErrDispatcherClosed
}

func (d *Dispatcher) remove(c *Call) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.pending[c.id]; !ok || cur != c {
		return false
	}
	d.removeLocked(c)
	return true
}

func (d *Dispatcher) removeLocked(c *Call) {
	delete(d.pending, c.id)
	if c.timer != nil {
		c.timer.Stop()
	}
}
