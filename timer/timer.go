// Package timer implements a keyed deadline scheduler: a binary min-heap of
// (deadline, key, value) entries expiring against a caller-supplied
// monotonic clock, the way kcp-go's TimedSched (timedsched.go) schedules
// UDPSession.update() calls — except here cancellation is by key rather
// than by a one-shot handle, and firing is driven explicitly through
// Advance/ExpireUpTo rather than an internal goroutine, to match the
// single-threaded executor contract the sliding window assumes.
package timer

import "container/heap"

// entry is one scheduled (deadline, key, value) triple. seq breaks ties
// between entries sharing a deadline in FIFO order, the same role
// timedFuncHeap gives insertion order when two timedFuncs share a ts.
type entry[K comparable, V any] struct {
	deadlineMs int64
	seq        uint64
	key        K
	value      V
	cancelled  bool
}

// entryHeap is a container/heap.Interface over pointers so Cancel can flip
// the cancelled flag on a live entry in O(1) without touching heap order.
type entryHeap[K comparable, V any] []*entry[K, V]

func (h entryHeap[K, V]) Len() int { return len(h) }
func (h entryHeap[K, V]) Less(i, j int) bool {
	if h[i].deadlineMs != h[j].deadlineMs {
		return h[i].deadlineMs < h[j].deadlineMs
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap[K, V]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap[K, V]) Push(x any)   { *h = append(*h, x.(*entry[K, V])) }
func (h *entryHeap[K, V]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Timer is a keyed deadline scheduler. It is not safe for concurrent use;
// spec.md's single-executor contract (section 5) applies here exactly as
// it does to Window: every method call is expected to come from one
// designated goroutine/event loop.
type Timer[K comparable, V any] struct {
	h         entryHeap[K, V]
	nextSeq   uint64
	live      map[K]map[uint64]*entry[K, V]
	cancelled int
	onExpired func(K, V)
	onError   func(error)
}

// New creates an empty Timer.
func New[K comparable, V any]() *Timer[K, V] {
	return &Timer[K, V]{
		live:      make(map[K]map[uint64]*entry[K, V]),
		onExpired: func(K, V) {},
		onError:   func(error) {},
	}
}

// SetOnExpired registers the callback invoked, in (deadline, insertion
// order) order, for every entry that fires.
func (t *Timer[K, V]) SetOnExpired(cb func(K, V)) {
	if cb == nil {
		cb = func(K, V) {}
	}
	t.onExpired = cb
}

// SetOnError registers the sink a failing callback is reported to.
// TimerCallbackFailed (spec.md section 7): a panicking callback is isolated
// here so that subsequent entries still fire.
func (t *Timer[K, V]) SetOnError(cb func(error)) {
	if cb == nil {
		cb = func(error) {}
	}
	t.onError = cb
}

// Schedule inserts an entry with deadline = now + delayMs.
func (t *Timer[K, V]) Schedule(now int64, delayMs int64, key K, value V) {
	t.ScheduleAt(now+delayMs, key, value)
}

// ScheduleAt inserts an entry with an absolute deadline.
func (t *Timer[K, V]) ScheduleAt(deadlineMs int64, key K, value V) {
	e := &entry[K, V]{deadlineMs: deadlineMs, seq: t.nextSeq, key: key, value: value}
	t.nextSeq++
	heap.Push(&t.h, e)
	byKey, ok := t.live[key]
	if !ok {
		byKey = make(map[uint64]*entry[K, V])
		t.live[key] = byKey
	}
	byKey[e.seq] = e
}

// Cancel removes every currently scheduled entry matching key and returns
// the count removed. Cancellation is lazy: entries are flagged and skipped
// on pop rather than spliced out of the heap immediately.
func (t *Timer[K, V]) Cancel(key K) int {
	byKey, ok := t.live[key]
	if !ok {
		return 0
	}
	n := len(byKey)
	for _, e := range byKey {
		e.cancelled = true
	}
	delete(t.live, key)
	t.cancelled += n
	if t.cancelled*2 > len(t.h) {
		t.compact()
	}
	return n
}

// compact rebuilds the heap without cancelled entries. Invoked once
// cancelled entries exceed half the heap, matching spec.md's "when
// cancelled fraction exceeds half the heap, compact" rule.
func (t *Timer[K, V]) compact() {
	live := make(entryHeap[K, V], 0, len(t.h)-t.cancelled)
	for _, e := range t.h {
		if !e.cancelled {
			live = append(live, e)
		}
	}
	t.h = live
	heap.Init(&t.h)
	t.cancelled = 0
}

// ExpireUpTo fires the callback for every entry with deadline <= t, in
// deadline order (ties broken by insertion order), and removes them.
func (t *Timer[K, V]) ExpireUpTo(t2 int64) {
	for len(t.h) > 0 && t.h[0].deadlineMs <= t2 {
		e := heap.Pop(&t.h).(*entry[K, V])
		if e.cancelled {
			t.cancelled--
			continue
		}
		if byKey, ok := t.live[e.key]; ok {
			delete(byKey, e.seq)
			if len(byKey) == 0 {
				delete(t.live, e.key)
			}
		}
		t.fire(e)
	}
}

// Advance fires every entry due at now.
func (t *Timer[K, V]) Advance(now int64) {
	t.ExpireUpTo(now)
}

// fire invokes the on-expired callback, isolating a panicking callback per
// the TimerCallbackFailed policy: report to the error sink, keep going.
func (t *Timer[K, V]) fire(e *entry[K, V]) {
	defer func() {
		if r := recover(); r != nil {
			t.onError(callbackError{key: any(e.key), panicValue: r})
		}
	}()
	t.onExpired(e.key, e.value)
}

// Len returns the number of live (non-cancelled) scheduled entries.
func (t *Timer[K, V]) Len() int {
	return len(t.h) - t.cancelled
}

// NextDeadline reports the deadline of the earliest live entry, if any.
// Cancelled entries are skipped; since they are not evicted from the heap
// until fired or compacted, finding the minimum live entry takes a linear
// scan rather than a heap-root read. Used for sizing a caller's sleep/poll
// interval, not on the hot admission path.
func (t *Timer[K, V]) NextDeadline() (int64, bool) {
	best := int64(0)
	found := false
	for _, e := range t.h {
		if e.cancelled {
			continue
		}
		if !found || e.deadlineMs < best {
			best = e.deadlineMs
			found = true
		}
	}
	return best, found
}

// callbackError wraps a panic recovered from an on-expired callback.
type callbackError struct {
	key        any
	panicValue any
}

func (e callbackError) Error() string {
	return "timer: callback panicked for key " + toString(e.key) + ": " + toString(e.panicValue)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return "(unprintable)"
}
