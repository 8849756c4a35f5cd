package capture

import (
	"testing"
	"time"
)

func TestRateLimiterFixedWindow(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(10_000)
	l := NewRateLimiter(map[Category]int{CategoryLog: 3}, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if !l.Allow(CategoryLog) {
			t.Fatalf("Allow() #%d = false, want true", i)
		}
	}
	if l.Allow(CategoryLog) {
		t.Fatalf("Allow() over the cap = true, want false")
	}

	now = now.Add(RateWindow)
	if l.Allow(CategoryLog) {
		t.Fatalf("window must not reset at exactly RateWindow")
	}
	now = now.Add(time.Millisecond)
	if !l.Allow(CategoryLog) {
		t.Fatalf("Allow() after the window = false, want true")
	}
}

func TestRateLimiterUnlimitedCategory(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(nil, nil)
	for i := 0; i < 1000; i++ {
		if !l.Allow(CategoryEvent) {
			t.Fatalf("events are not rate limited, rejected at %d", i)
		}
	}
	for i := 0; i < 50; i++ {
		l.Allow(CategoryNetwork)
	}
	if l.Allow(CategoryNetwork) {
		t.Fatalf("51st network capture admitted")
	}
}

func TestQueuePopPreservesOrder(t *testing.T) {
	t.Parallel()

	q := newQueue(4)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		q.push(RawCapture{Event: name})
	}
	if q.len() != 4 {
		t.Fatalf("len = %d, want 4", q.len())
	}
	batch := q.pop(3)
	if len(batch) != 3 || batch[0].Event != "a" || batch[2].Event != "c" {
		t.Fatalf("batch = %+v", batch)
	}
	rest := q.pop(10)
	if len(rest) != 1 || rest[0].Event != "d" {
		t.Fatalf("rest = %+v", rest)
	}
	q.push(RawCapture{Event: "f"})
	q.reset()
	if q.len() != 0 {
		t.Fatalf("len after reset = %d", q.len())
	}
}

func TestQueueReservedSlots(t *testing.T) {
	t.Parallel()

	q := newQueue(4)
	if !q.pushReserving(RawCapture{Event: "p1"}) || !q.pushReserving(RawCapture{Event: "p2"}) {
		t.Fatalf("pushReserving rejected with free capacity")
	}
	if q.push(RawCapture{Event: "x"}) {
		t.Fatalf("push took a reserved slot")
	}
	if q.pushReserving(RawCapture{Event: "p3"}) {
		t.Fatalf("pushReserving admitted without room for its completion")
	}
	q.pop(2)
	if !q.pushReserved(RawCapture{Event: "c1"}) || !q.pushReserved(RawCapture{Event: "c2"}) {
		t.Fatalf("pushReserved rejected a held slot")
	}
	if q.reserved != 0 || q.len() != 2 {
		t.Fatalf("reserved = %d, len = %d, want 0 and 2", q.reserved, q.len())
	}

	q.pushReserving(RawCapture{Event: "p4"})
	q.release()
	if q.reserved != 0 {
		t.Fatalf("reserved after release = %d", q.reserved)
	}
}
