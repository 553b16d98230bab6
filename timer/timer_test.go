package timer

import (
	"errors"
	"testing"
)

func TestScheduleOrdering(t *testing.T) {
	// spec.md S5: schedule at t=0: (50,"a") (10,"b") (10,"c") (30,"d");
	// cancel "c"; at t=100, advance() fires in order: b, d, a.
	tm := New[string, int]()
	var order []string
	tm.SetOnExpired(func(k string, v int) { order = append(order, k) })

	tm.Schedule(0, 50, "a", 1)
	tm.Schedule(0, 10, "b", 2)
	tm.Schedule(0, 10, "c", 3)
	tm.Schedule(0, 30, "d", 4)

	if n := tm.Cancel("c"); n != 1 {
		t.Fatalf("Cancel(c) = %d, want 1", n)
	}

	tm.Advance(100)

	want := []string{"b", "d", "a"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCancelThenAdvanceNeverFires(t *testing.T) {
	tm := New[string, int]()
	fired := false
	tm.SetOnExpired(func(string, int) { fired = true })
	tm.Schedule(0, 10, "k", 1)
	tm.Cancel("k")
	tm.Advance(1000)
	if fired {
		t.Fatal("cancelled entry fired")
	}
}

func TestFIFOTieBreak(t *testing.T) {
	tm := New[int, int]()
	var order []int
	tm.SetOnExpired(func(k int, _ int) { order = append(order, k) })
	for i := 0; i < 5; i++ {
		tm.ScheduleAt(100, i, i)
	}
	tm.Advance(100)
	for i := 0; i < 5; i++ {
		if order[i] != i {
			t.Fatalf("order = %v, want ascending insertion order", order)
		}
	}
}

func TestCompactionOnHeavyCancellation(t *testing.T) {
	tm := New[int, int]()
	for i := 0; i < 100; i++ {
		tm.ScheduleAt(int64(i), i, i)
	}
	for i := 0; i < 60; i++ {
		tm.Cancel(i)
	}
	if got := tm.Len(); got != 40 {
		t.Fatalf("Len() = %d, want 40", got)
	}
	var order []int
	tm.SetOnExpired(func(k int, _ int) { order = append(order, k) })
	tm.Advance(1000)
	if len(order) != 40 {
		t.Fatalf("fired %d entries, want 40", len(order))
	}
	for i, k := range order {
		if k != i+60 {
			t.Fatalf("order[%d] = %d, want %d", i, k, i+60)
		}
	}
}

func TestCallbackPanicIsolated(t *testing.T) {
	tm := New[string, int]()
	var errs []error
	tm.SetOnError(func(err error) { errs = append(errs, err) })

	var fired []string
	tm.SetOnExpired(func(k string, v int) {
		if k == "bad" {
			panic("boom")
		}
		fired = append(fired, k)
	})

	tm.Schedule(0, 10, "bad", 0)
	tm.Schedule(0, 20, "good", 0)
	tm.Advance(100)

	if len(fired) != 1 || fired[0] != "good" {
		t.Fatalf("fired = %v, want [good]", fired)
	}
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want 1 recorded panic", errs)
	}
	var ce callbackError
	if !errors.As(errs[0], &ce) {
		t.Fatalf("error type = %T, want callbackError", errs[0])
	}
}

func TestReschedulingSameKeyAfterCancel(t *testing.T) {
	tm := New[string, int]()
	var order []int
	tm.SetOnExpired(func(_ string, v int) { order = append(order, v) })

	tm.Schedule(0, 10, "k", 1)
	tm.Cancel("k")
	tm.Schedule(0, 5, "k", 2)
	tm.Advance(100)

	if len(order) != 1 || order[0] != 2 {
		t.Fatalf("order = %v, want [2]", order)
	}
}

func TestExpireUpToPartial(t *testing.T) {
	tm := New[int, int]()
	var order []int
	tm.SetOnExpired(func(k int, _ int) { order = append(order, k) })
	tm.ScheduleAt(10, 1, 1)
	tm.ScheduleAt(20, 2, 2)
	tm.ScheduleAt(30, 3, 3)

	tm.ExpireUpTo(20)
	if len(order) != 2 {
		t.Fatalf("order = %v, want 2 entries fired", order)
	}
	if tm.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tm.Len())
	}
}
