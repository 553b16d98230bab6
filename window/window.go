// Package window implements the sliding window at the center of the
// reliability engine: a ring of pre-sized, nullable block slots indexed by
// cyclic sequence offset from a base sequence, grounded on kcp.go's
// snd_buf/rcv_buf bookkeeping (parse_data, parse_ack, flush) and on
// sliding_window.hpp's single generic buffer shared by sender and
// receiver queues.
//
// A Window[T] is not itself a sender or a receiver: which one it behaves as
// is purely a matter of which methods the caller calls (SendIn vs
// ArrivedPacket) and which callbacks it binds, per spec.md section 4.4 —
// "these are not new state; they are two behavioural binding choices of the
// callbacks". NewSender and NewReceiver pass the Config through unchanged;
// they exist only so that, for Drop's start-advancement, the window can resolve the one place the
// spec gives InitialSequence two different meanings (sender: next sequence
// to assign; receiver: sequence expected at slot start).
package window

import (
	"errors"
	"fmt"

	"github.com/xtaci/srt-go/seq"
)

// ErrInvalidConfiguration is returned by Configure/NewSender/NewReceiver
// when the parameters cannot produce a well-formed window.
var ErrInvalidConfiguration = errors.New("window: invalid configuration")

// WindowInvariantViolated is a fatal, unrecoverable error: the window
// detected an internal consistency failure (size/occupancy mismatch,
// index overflow) that means a caller broke the single-executor contract
// spec.md section 5 requires, or there is a bug in this package. Per
// spec.md section 7 this is never returned to a caller — it is panicked.
type WindowInvariantViolated struct {
	Reason string
}

func (e *WindowInvariantViolated) Error() string {
	return fmt.Sprintf("window: invariant violated: %s", e.Reason)
}

func panicInvariant(reason string) {
	panic(&WindowInvariantViolated{Reason: reason})
}

// Clock returns the current monotonic time in milliseconds. Injected so
// tests can drive time deterministically, the way the C++ original's
// sliding_window templated on a duration type for the same reason.
type Clock func() int64

// Block is the unit stored in the window: a payload plus its sequence
// number, submit-timestamp, and retransmit flag (spec.md section 3).
type Block[T any] struct {
	Sequence     uint32
	SubmitTime   int64
	IsRetransmit bool
	Content      T
}

// Range is an inclusive sequence range [Lo, Hi].
type Range struct {
	Lo, Hi uint32
}

// Config parametrizes a Window. Defaults mirror kcp-go/SRT defaults:
// WindowSize 8192, MaxSequence 2^32, latency drop disabled.
type Config struct {
	WindowSize      uint32
	InitialSequence uint32
	MaxSequence     uint64
	MaxDelayMs      int64
}

// DefaultConfig returns the spec.md section 4.3 defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:      8192,
		InitialSequence: 0,
		MaxSequence:     uint64(1) << 32,
		MaxDelayMs:      0,
	}
}

func (c Config) validate() error {
	if c.WindowSize == 0 {
		return fmt.Errorf("%w: window_size must be > 0", ErrInvalidConfiguration)
	}
	if c.MaxSequence < 2*uint64(c.WindowSize) {
		return fmt.Errorf("%w: max_sequence (%d) must be >= 2*window_size (%d)", ErrInvalidConfiguration, c.MaxSequence, 2*uint64(c.WindowSize))
	}
	if uint64(c.InitialSequence) >= c.MaxSequence {
		return fmt.Errorf("%w: initial_sequence (%d) must be < max_sequence (%d)", ErrInvalidConfiguration, c.InitialSequence, c.MaxSequence)
	}
	return nil
}

// Window is the ring-backed sliding window shared by sender and receiver
// bindings. It is not safe for concurrent use: spec.md section 5 assumes
// every method runs on one designated executor and that on_packet/
// on_drop_packet never re-enter the window that invoked them.
type Window[T any] struct {
	cfg   Config
	slots []*Block[T]
	start uint32
	end   uint32
	size  uint32
	clock Clock

	onPacket     func(*Block[T])
	onDropPacket func(lo, hi uint32)

	// receiverMode controls whether start-advancement inside Drop also
	// steps cfg.InitialSequence. Sender and receiver give InitialSequence
	// different meanings (see package doc); SendIn and ArrivedPacket
	// already know which one applies to them without this flag, since
	// they are mode-specific methods. Drop is the one operation spec.md
	// lists for both modes, so it is the one place this needs resolving.
	receiverMode bool

	outOfWindowCount uint64
	duplicateCount   uint64
}

func newWindow[T any](cfg Config, clock Clock, receiverMode bool) (*Window[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		return nil, fmt.Errorf("%w: clock must not be nil", ErrInvalidConfiguration)
	}
	return &Window[T]{
		cfg:          cfg,
		slots:        make([]*Block[T], cfg.WindowSize),
		clock:        clock,
		onPacket:     func(*Block[T]) {},
		onDropPacket: func(uint32, uint32) {},
		receiverMode: receiverMode,
	}, nil
}

// NewSender creates a Window bound for sender use: InitialSequence is the
// next sequence number SendIn will assign.
func NewSender[T any](cfg Config, clock Clock) (*Window[T], error) {
	return newWindow[T](cfg, clock, false)
}

// NewReceiver creates a Window bound for receiver use: InitialSequence is
// the sequence number expected at the slot currently at start.
func NewReceiver[T any](cfg Config, clock Clock) (*Window[T], error) {
	return newWindow[T](cfg, clock, true)
}

// SetOnPacket registers the "emitted block" callback. The sender binding
// hands the block to the codec for transmission; the receiver binding
// delivers it upward in order.
func (w *Window[T]) SetOnPacket(cb func(*Block[T])) {
	if cb == nil {
		cb = func(*Block[T]) {}
	}
	w.onPacket = cb
}

// SetOnDropPacket registers the "abandoned range" callback.
func (w *Window[T]) SetOnDropPacket(cb func(lo, hi uint32)) {
	if cb == nil {
		cb = func(uint32, uint32) {}
	}
	w.onDropPacket = cb
}

// Expected returns cfg.InitialSequence: on a receiver this is the next
// sequence number the window has not yet delivered; on a sender it is
// the next sequence number SendIn will assign.
func (w *Window[T]) Expected() uint32 { return w.cfg.InitialSequence }

// Front returns the sequence number of the oldest block still retained
// in the window — the lowest sequence a sender has not yet had
// cumulatively acknowledged, or the lowest sequence a receiver has not
// yet delivered (which may be a gap). Unlike Expected, this is always
// the true window head regardless of sender/receiver mode; it equals
// Expected() when the window is empty.
func (w *Window[T]) Front() uint32 { return w.frontSequence() }

// Size returns the current occupancy.
func (w *Window[T]) Size() int { return int(w.size) }

// Capacity returns the configured window size W.
func (w *Window[T]) Capacity() int { return int(w.cfg.WindowSize) }

// OutOfWindowCount returns the running count of ArrivedPacket calls
// discarded as outside the current cyclic window (diagnostic only). Drop
// does not check its range against the window and never adds to this
// count.
func (w *Window[T]) OutOfWindowCount() uint64 { return w.outOfWindowCount }

// DuplicateCount returns the running count of ArrivedPacket calls
// discarded as duplicates.
func (w *Window[T]) DuplicateCount() uint64 { return w.duplicateCount }

// Clear empties the window without firing any callback.
func (w *Window[T]) Clear() {
	for i := range w.slots {
		w.slots[i] = nil
	}
	w.start, w.end, w.size = 0, 0, 0
}

func (w *Window[T]) mod(x uint32) uint32 { return x % w.cfg.WindowSize }

func (w *Window[T]) offsetFromStart(idx uint32) uint32 {
	return w.mod(idx + w.cfg.WindowSize - w.start)
}

func (w *Window[T]) step(s uint32) uint32 { return seq.Step(s, w.cfg.MaxSequence) }

// lastIdx returns the physical index of the highest occupied slot. Valid
// only when size > 0: the end invariant this package maintains guarantees
// it is always occupied.
func (w *Window[T]) lastIdx() uint32 { return w.mod(w.end + w.cfg.WindowSize - 1) }

func (w *Window[T]) checkInvariants() {
	if w.size > w.cfg.WindowSize {
		panicInvariant("size exceeds window capacity")
	}
	if w.size == 0 && w.start != 0 {
		panicInvariant("empty window not normalized to start==end==0")
	}
}

// emitDrop reports on_drop_packet for the inclusive range [lo, hi]. It
// calls the callback unconditionally; every call site in this file only
// invokes it once it has a range to report.
func (w *Window[T]) emitDrop(lo, hi uint32) {
	w.onDropPacket(lo, hi)
}

// IsCycle reports whether the window currently spans a wrap of the
// sequence space (the highest occupied sequence is numerically smaller
// than the lowest because the counter wrapped past max_sequence).
func (w *Window[T]) IsCycle() bool {
	if w.size == 0 {
		return false
	}
	front := w.frontSequence()
	last := w.slots[w.lastIdx()].Sequence
	return seq.IsCycle(front, last, w.cfg.MaxSequence)
}

// frontSequence returns the logical sequence number the slot at start
// holds or, if that slot is a gap (receiver-only), the sequence expected
// there.
func (w *Window[T]) frontSequence() uint32 {
	if w.size == 0 {
		return w.cfg.InitialSequence
	}
	if b := w.slots[w.start]; b != nil {
		return b.Sequence
	}
	return w.cfg.InitialSequence
}

// firstOccupiedSubmitTime scans forward from start for the earliest
// occupied slot's submit time. For a sender window start is always
// occupied when size > 0, so this is O(1) there; for a receiver window
// with a gap at start it scans until the first filled slot, which the end
// invariant guarantees exists (at worst, at lastIdx()).
func (w *Window[T]) firstOccupiedSubmitTime() int64 {
	if w.size == 0 {
		return w.clock()
	}
	span := w.offsetFromStart(w.lastIdx()) + 1
	for k := uint32(0); k < span; k++ {
		idx := w.mod(w.start + k)
		if b := w.slots[idx]; b != nil {
			return b.SubmitTime
		}
	}
	panicInvariant("no occupied slot found within a non-empty window")
	return 0
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// frontAge returns how long the oldest retained block has been sitting in
// the window, measured against the current clock. This is the time-bound
// packet drop check: sliding_window.hpp's drop_too_late_packet compares
// the same quantity against the configured latency budget before
// accepting a new send or delivering a new arrival.
func (w *Window[T]) frontAge() int64 {
	if w.size == 0 {
		return 0
	}
	return absInt64(w.clock() - w.firstOccupiedSubmitTime())
}

// findOccupied does a cyclic scan of the occupied region for a block
// whose sequence number equals target, as Retransmit needs.
func (w *Window[T]) findOccupied(target uint32) (uint32, bool) {
	if w.size == 0 {
		return 0, false
	}
	span := w.offsetFromStart(w.lastIdx()) + 1
	for k := uint32(0); k < span; k++ {
		idx := w.mod(w.start + k)
		if b := w.slots[idx]; b != nil && b.Sequence == target {
			return idx, true
		}
	}
	return 0, false
}

// senderLatencyDrop enforces MaxDelayMs on the sender side: while the
// window's age span exceeds the budget, pop the oldest block (occupied,
// since a sender never leaves gaps) and report it dropped, the way
// sliding_window.hpp's drop_too_late_packet walks forward from the front
// until time_latency() falls back under the limit.
func (w *Window[T]) senderLatencyDrop() {
	if w.cfg.MaxDelayMs <= 0 {
		return
	}
	for w.size > 0 && w.frontAge() > w.cfg.MaxDelayMs {
		b := w.slots[w.start]
		if b == nil {
			panicInvariant("sender window has a gap at start")
		}
		w.slots[w.start] = nil
		w.start = w.mod(w.start + 1)
		w.size--
		w.emitDrop(b.Sequence, b.Sequence)
	}
	if w.size == 0 {
		w.start, w.end = 0, 0
	}
}

// SendIn submits content for transmission, assigning it the next sequence
// number (cfg.InitialSequence, then stepping it). Per spec.md section 4.3
// step 3, a full window is not an admission error: the oldest block is
// evicted (reported via on_drop_packet) to make room, the way a ring
// buffer overwrites its head rather than refusing new writes. Grounded on
// kcp.go's ikcp_send appending to snd_queue/snd_buf and on
// sliding_window.hpp's send_in.
func (w *Window[T]) SendIn(content T) uint32 {
	w.senderLatencyDrop()
	if w.size >= w.cfg.WindowSize {
		evicted := w.slots[w.start]
		if evicted == nil {
			panicInvariant("full sender window has a gap at start")
		}
		w.slots[w.start] = nil
		w.start = w.mod(w.start + 1)
		w.size--
		w.emitDrop(evicted.Sequence, evicted.Sequence)
	}
	now := w.clock()
	s := w.cfg.InitialSequence
	b := &Block[T]{Sequence: s, SubmitTime: now, Content: content}

	if w.size == 0 {
		w.start = 0
		w.end = 0
		w.slots[0] = b
		w.start, w.end = 0, 1
	} else {
		idx := w.mod(w.end)
		if w.slots[idx] != nil {
			panicInvariant("send target slot already occupied")
		}
		w.slots[idx] = b
		w.end = w.mod(w.end + 1)
	}
	w.size++
	w.cfg.InitialSequence = w.step(s)
	w.checkInvariants()
	w.onPacket(b)
	return s
}

// receiverLatencyDrop enforces MaxDelayMs on the receiver side, advancing
// start (and cfg.InitialSequence with it, since start carries the
// "expected next" meaning here) until the span falls back under budget.
// Per spec.md section 4.3's receiver latency-drop policy, an occupied
// stale head is delivered via on_packet (TSBPD: late but still useful)
// while a gap at the stale head is abandoned via on_drop_packet; runs of
// abandoned gaps coalesce into a single reported range the same way
// PendingRanges coalesces them.
func (w *Window[T]) receiverLatencyDrop() {
	if w.cfg.MaxDelayMs <= 0 {
		return
	}
	var gapLo, gapHi uint32
	inGap := false
	for w.size > 0 && w.frontAge() > w.cfg.MaxDelayMs {
		exp := w.cfg.InitialSequence
		b := w.slots[w.start]
		if b != nil {
			if inGap {
				w.emitDrop(gapLo, gapHi)
				inGap = false
			}
			w.slots[w.start] = nil
			w.start = w.mod(w.start + 1)
			w.size--
			w.cfg.InitialSequence = w.step(exp)
			w.onPacket(b)
			continue
		}
		if !inGap {
			gapLo = exp
			inGap = true
		}
		gapHi = exp
		w.start = w.mod(w.start + 1)
		w.cfg.InitialSequence = w.step(exp)
	}
	if w.size == 0 {
		w.start, w.end = 0, 0
	}
	if inGap {
		w.emitDrop(gapLo, gapHi)
	}
}

// ArrivedPacket accepts an inbound block at an arbitrary sequence number:
// duplicates and out-of-window sequences are silently discarded and
// counted; in-window arrivals fill their slot (even out of order) and
// then the window slides forward delivering every contiguously occupied
// slot from start via on_packet, draining gaps as the cumulative front
// advances. Grounded on kcp.go's ikcp_parse_data / rcv_buf->rcv_queue
// move and sliding_window.hpp's arrived_packet.
func (w *Window[T]) ArrivedPacket(b *Block[T]) {
	expected := w.cfg.InitialSequence
	d := seq.DiffForward(expected, b.Sequence, w.cfg.MaxSequence)
	if d >= uint64(w.cfg.WindowSize) {
		w.outOfWindowCount++
		return
	}
	idx := w.mod(w.start + uint32(d))
	if w.slots[idx] != nil {
		w.duplicateCount++
		return
	}
	w.slots[idx] = b
	// end must track one past the highest occupied offset. offsetFromStart(w.end)
	// can't be used directly here: a full-span occupancy (last offset W-1) wraps
	// end back to start, so offsetFromStart(w.end) reads as 0 instead of W and a
	// later out-of-order arrival would wrongly shrink end. lastIdx() derives the
	// same offset from end-1 instead, which never collapses that way.
	if w.size == 0 || d > uint64(w.offsetFromStart(w.lastIdx())) {
		w.end = w.mod(w.start + uint32(d) + 1)
	}
	w.size++
	w.checkInvariants()

	for w.size > 0 {
		head := w.slots[w.start]
		if head == nil {
			break
		}
		w.slots[w.start] = nil
		w.start = w.mod(w.start + 1)
		w.size--
		w.cfg.InitialSequence = w.step(w.cfg.InitialSequence)
		w.onPacket(head)
	}
	if w.size == 0 {
		w.start, w.end = 0, 0
	}
	w.receiverLatencyDrop()
}

// Lookup returns the block currently occupying the slot for sequence s,
// if any, without removing it. Used to answer retransmit-deadline queries
// against the sender window before committing to a retransmit.
func (w *Window[T]) Lookup(s uint32) (*Block[T], bool) {
	if w.size == 0 {
		return nil, false
	}
	d := seq.DiffForward(w.frontSequence(), s, w.cfg.MaxSequence)
	if d >= uint64(w.cfg.WindowSize) {
		return nil, false
	}
	idx := w.mod(w.start + uint32(d))
	b := w.slots[idx]
	if b == nil || b.Sequence != s {
		return nil, false
	}
	return b, true
}

// SequenceTo evicts every head slot whose sequence precedes ackSeq in
// cyclic order, as a sender does when a cumulative ACK declares
// everything below ackSeq delivered. No callback fires: successful
// delivery is silent to the window, per spec.md section 4.3's R1 law.
func (w *Window[T]) SequenceTo(ackSeq uint32) {
	for w.size > 0 {
		head := w.slots[w.start]
		if head == nil {
			panicInvariant("sender window has a gap at start")
		}
		if !seq.IsBefore(head.Sequence, ackSeq, w.cfg.MaxSequence) {
			break
		}
		w.slots[w.start] = nil
		w.start = w.mod(w.start + 1)
		w.size--
	}
	if w.size == 0 {
		w.start, w.end = 0, 0
	}
	w.checkInvariants()
}

// Retransmit marks the block at sequence s for retransmission, bumping
// its submit time to now so latency-based drop measures age from the
// retransmit rather than the original send, and returns the block for the
// caller to re-emit. Mirrors kcp.go's fastack/RTO-triggered resend path,
// which updates xmit/resendts in place rather than reassigning a new
// sequence number.
func (w *Window[T]) Retransmit(s uint32) (*Block[T], error) {
	idx, ok := w.findOccupied(s)
	if !ok {
		return nil, fmt.Errorf("window: sequence %d not present for retransmit", s)
	}
	b := w.slots[idx]
	b.IsRetransmit = true
	b.SubmitTime = w.clock()
	return b, nil
}

// RetransmitRange re-emits every block still present in the inclusive
// range [lo, hi], marking each IsRetransmit and refreshing its submit
// time, in ascending sequence order. Sequences no longer present are
// accumulated into contiguous miss ranges and reported once each via
// on_drop_packet, interleaved with the hits in sequence order. Mirrors
// spec.md section 4.3's retransmission hook and its S4 scenario.
func (w *Window[T]) RetransmitRange(lo, hi uint32) {
	count := seq.DiffForward(lo, hi, w.cfg.MaxSequence) + 1
	var missLo, missHi uint32
	inMiss := false
	cur := lo
	for i := uint64(0); i < count; i++ {
		if idx, ok := w.findOccupied(cur); ok {
			if inMiss {
				w.emitDrop(missLo, missHi)
				inMiss = false
			}
			b := w.slots[idx]
			b.IsRetransmit = true
			b.SubmitTime = w.clock()
			w.onPacket(b)
		} else {
			if !inMiss {
				missLo = cur
				inMiss = true
			}
			missHi = cur
		}
		cur = w.step(cur)
	}
	if inMiss {
		w.emitDrop(missLo, missHi)
	}
}

// Drop force-advances the window front to just past hi, releasing every
// slot from the current front up to and including hi. Per spec.md
// section 4.3, an occupied released slot is handed to on_packet — a
// best-effort final emission on the sender, a flush to the upper layer on
// the receiver — while a gap in the released span (receiver only; a
// sender window never has one) is reported via on_drop_packet, runs of
// gaps coalescing into one report each. lo is expected to be at or behind
// the current front (the caller is giving up on a TTL-expired or
// explicitly abandoned range that starts there); when the window is
// already empty it is used only to report the range, not to locate where
// clearing starts. Mirrors sliding_window.hpp's drop_packet, which always
// forces the buffer forward from its own first element up to a target
// sequence.
func (w *Window[T]) Drop(lo, hi uint32) {
	if w.size == 0 {
		w.advanceFrontTo(hi)
		w.emitDrop(lo, hi)
		return
	}

	front := w.frontSequence()
	count := seq.DiffForward(front, hi, w.cfg.MaxSequence) + 1
	if count > uint64(w.cfg.WindowSize) {
		count = uint64(w.cfg.WindowSize)
	}

	var gapLo, gapHi uint32
	inGap := false
	cur := front
	for uint64(0) < count && w.size > 0 {
		b := w.slots[w.start]
		if b != nil {
			if inGap {
				w.emitDrop(gapLo, gapHi)
				inGap = false
			}
			w.slots[w.start] = nil
			w.start = w.mod(w.start + 1)
			w.size--
			if w.receiverMode {
				w.cfg.InitialSequence = w.step(w.cfg.InitialSequence)
			}
			w.onPacket(b)
		} else {
			if !inGap {
				gapLo = cur
				inGap = true
			}
			gapHi = cur
			w.start = w.mod(w.start + 1)
			if w.receiverMode {
				w.cfg.InitialSequence = w.step(w.cfg.InitialSequence)
			}
		}
		cur = w.step(cur)
		count--
	}
	if w.size == 0 {
		w.start, w.end = 0, 0
	}
	w.advanceFrontTo(hi)
	w.checkInvariants()
	if inGap {
		w.emitDrop(gapLo, gapHi)
	}
}

// advanceFrontTo steps cfg.InitialSequence forward to one past target
// when it currently sits at or behind target, in receiver mode only: a
// sender's InitialSequence (next-to-assign) is never moved by a drop.
func (w *Window[T]) advanceFrontTo(target uint32) {
	if !w.receiverMode {
		return
	}
	d := seq.DiffForward(w.cfg.InitialSequence, target, w.cfg.MaxSequence)
	if d >= w.cfg.MaxSequence/2 {
		return
	}
	for i := uint64(0); i <= d; i++ {
		w.cfg.InitialSequence = w.step(w.cfg.InitialSequence)
	}
}

// PendingRanges returns the maximal gaps — sequence ranges with no
// occupied slot — within the receiver window's currently spanned region,
// in ascending order. A receiver uses this to build NAK reports, the way
// sliding_window.hpp's get_pending_seq enumerates missing ranges for
// retransmission requests.
func (w *Window[T]) PendingRanges() []Range {
	if w.size == 0 {
		return nil
	}
	span := w.offsetFromStart(w.lastIdx()) + 1
	var ranges []Range
	var gapLo uint32
	inGap := false
	for k := uint32(0); k < span; k++ {
		idx := w.mod(w.start + k)
		seqAt := w.addOffset(w.frontSequence(), k)
		if w.slots[idx] == nil {
			if !inGap {
				gapLo = seqAt
				inGap = true
			}
		} else if inGap {
			ranges = append(ranges, Range{Lo: gapLo, Hi: w.addOffset(w.frontSequence(), k-1)})
			inGap = false
		}
	}
	if inGap {
		ranges = append(ranges, Range{Lo: gapLo, Hi: w.addOffset(w.frontSequence(), span-1)})
	}
	return ranges
}

// addOffset steps base forward by n sequence numbers cyclically.
func (w *Window[T]) addOffset(base uint32, n uint32) uint32 {
	return uint32((uint64(base) + uint64(n)) % w.cfg.MaxSequence)
}
