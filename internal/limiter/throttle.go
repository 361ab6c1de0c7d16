package limiter

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrThrottled is returned by TryAcquire if the reservation does not fit without waiting.
	ErrThrottled = errors.New("throttled")
	// ErrInvalidLimits is returned when throttle limits are misconfigured.
	ErrInvalidLimits = errors.New("invalid throttle limits")
)

// Limits are the thresholds of a Throttle.
type Limits struct {
	// MaxOps is the number of operations that may be in flight.
	MaxOps int64
	// MaxBytes is the number of bytes that may be in flight.
	MaxBytes int64
	// HighWater is the share of the maximums at which reservations start blocking. Zero
	// means 1.
	HighWater float64
	// LowWater is the share of the maximums usage must fall to before blocked reservations are
	// admitted again. Zero means HighWater.
	LowWater float64
}

// Validate verifies the limits are consistent.
func (l Limits) Validate() error {
	if l.MaxOps <= 0 || l.MaxBytes <= 0 {
		return fmt.Errorf("%w: maximums must be positive, got ops=%d bytes=%d", ErrInvalidLimits, l.MaxOps, l.MaxBytes)
	}

	high, low := l.watermarks()
	if high <= 0 || high > 1 {
		return fmt.Errorf("%w: high water %v out of range (0, 1]", ErrInvalidLimits, high)
	}

	if low < 0 || low > high {
		return fmt.Errorf("%w: low water %v exceeds high water %v", ErrInvalidLimits, low, high)
	}

	return nil
}

func (l Limits) watermarks() (float64, float64) {
	high := l.HighWater
	if high == 0 {
		high = 1
	}

	low := l.LowWater
	if low == 0 {
		low = high
	}

	return high, low
}

// Throttle bounds the number of operations and bytes in flight. Callers reserve capacity with
// Acquire before submitting work and return it with Release once the work has completed. When
// the reservation does not fit under the high water marks, the caller is queued. Queued callers
// are admitted strictly in FIFO order once usage has fallen to the low water marks.
//
// A reservation larger than the limits themselves is admitted once nothing else is in flight,
// otherwise it could never make progress.
//
// Internally, it uses a doubly-linked list to manage waiters in the same manner as
// "golang.org/x/sync/semaphore".
type Throttle struct {
	mutex sync.Mutex
	// limits are the current limits. They may be changed with Resize.
	limits Limits
	// ops and bytes are the amounts currently reserved.
	ops   int64
	bytes int64
	// waiters is the list of waiters waiting for capacity in FIFO order.
	waiters *list.List
}

// throttleWaiter is a wrapper to be put into the waiting queue. When its reservation has been
// granted, ready is closed.
type throttleWaiter struct {
	ops   int64
	bytes int64
	ready chan struct{}
}

// NewThrottle returns a new Throttle with the given limits.
func NewThrottle(limits Limits) (*Throttle, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	return &Throttle{
		limits:  limits,
		waiters: list.New(),
	}, nil
}

// Acquire reserves ops and bytes. If the reservation does not fit, the caller is blocked until
// capacity is returned or the context is canceled. On cancellation the context's error is
// returned and nothing stays reserved.
func (t *Throttle) Acquire(ctx context.Context, ops, bytes int64) error {
	t.mutex.Lock()
	if t.waiters.Len() == 0 && t.fits(ops, bytes) {
		select {
		case <-ctx.Done():
			t.mutex.Unlock()
			return ctx.Err()
		default:
			t.reserve(ops, bytes)
			t.mutex.Unlock()
			return nil
		}
	}

	w := &throttleWaiter{ops: ops, bytes: bytes, ready: make(chan struct{})}
	element := t.waiters.PushBack(w)
	t.mutex.Unlock()

	select {
	case <-ctx.Done():
		return t.stopWaiter(element, w, ctx.Err())
	case <-w.ready:
		return nil
	}
}

func (t *Throttle) stopWaiter(element *list.Element, w *throttleWaiter, err error) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	select {
	case <-w.ready:
		// The reservation was granted concurrently with the cancellation. Act as if the
		// cancellation was not observed, the caller owns the reservation and must release it.
		return nil
	default:
		isFront := t.waiters.Front() == element
		t.waiters.Remove(element)
		// Waiters behind us may fit now that we are gone.
		if isFront {
			t.notifyWaiters(false)
		}
	}

	return err
}

// TryAcquire attempts to reserve without blocking. On failure it returns ErrThrottled and
// leaves the throttle unchanged.
func (t *Throttle) TryAcquire(ops, bytes int64) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.waiters.Len() == 0 && t.fits(ops, bytes) {
		t.reserve(ops, bytes)
		return nil
	}

	return ErrThrottled
}

// Release returns previously reserved capacity and admits waiters that fit.
func (t *Throttle) Release(ops, bytes int64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.ops -= ops
	t.bytes -= bytes
	// If the limits shrunk below an outstanding reservation, releasing could otherwise make
	// these go negative.
	if t.ops < 0 {
		t.ops = 0
	}
	if t.bytes < 0 {
		t.bytes = 0
	}

	t.notifyWaiters(true)
}

// Resize changes the limits. Capacity that is already reserved stays reserved.
func (t *Throttle) Resize(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.limits = limits
	t.notifyWaiters(false)

	return nil
}

// InFlight returns the currently reserved operations and bytes.
func (t *Throttle) InFlight() (int64, int64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.ops, t.bytes
}

// Waiting returns the number of callers blocked in Acquire.
func (t *Throttle) Waiting() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.waiters.Len()
}

// Limits returns the current limits.
func (t *Throttle) Limits() Limits {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.limits
}

func (t *Throttle) reserve(ops, bytes int64) {
	t.ops += ops
	t.bytes += bytes
}

// fits reports whether a reservation fits under the high water marks. Oversized reservations
// fit only into an idle throttle.
func (t *Throttle) fits(ops, bytes int64) bool {
	if t.ops == 0 && t.bytes == 0 {
		return true
	}

	high, _ := t.limits.watermarks()
	return float64(t.ops+ops) <= high*float64(t.limits.MaxOps) &&
		float64(t.bytes+bytes) <= high*float64(t.limits.MaxBytes)
}

// belowLowWater reports whether usage has fallen far enough for blocked callers to be admitted.
func (t *Throttle) belowLowWater() bool {
	_, low := t.limits.watermarks()
	return float64(t.ops) <= low*float64(t.limits.MaxOps) &&
		float64(t.bytes) <= low*float64(t.limits.MaxBytes)
}

// notifyWaiters admits waiters from the head of the queue while they fit. When called after a
// release, admission only starts once usage has dropped to the low water marks. This function
// must only be called with the mutex held.
func (t *Throttle) notifyWaiters(afterRelease bool) {
	if afterRelease && !t.belowLowWater() {
		return
	}

	for {
		element := t.waiters.Front()
		if element == nil {
			return
		}

		w := element.Value.(*throttleWaiter)
		if !t.fits(w.ops, w.bytes) {
			return
		}

		t.reserve(w.ops, w.bytes)
		t.waiters.Remove(element)
		close(w.ready)
	}
}
