package eventloop

import (
	"sort"
	"time"
)

// Manual is a Scheduler driven by an explicit clock. Nothing fires until
// Advance is called, which makes timer-driven protocol behaviour
// reproducible.
type Manual struct {
	now    time.Duration
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	m         *Manual
	at        time.Duration
	delay     time.Duration
	seq       int
	fn        func()
	cancelled bool
}

func (t *manualTimer) Cancel() {
	t.cancelled = true
	t.m.compact()
}

func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Delay(d time.Duration, fn func()) Timer {
	m.seq++
	t := &manualTimer{m: m, at: m.now + d, delay: d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) compact() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.cancelled {
			live = append(live, t)
		}
	}
	m.timers = live
}

// Now is the time elapsed since the scheduler was created.
func (m *Manual) Now() time.Duration {
	return m.now
}

// Pending returns the delays the live timers were scheduled with, ordered by
// expiry.
func (m *Manual) Pending() []time.Duration {
	m.sortTimers()
	out := make([]time.Duration, 0, len(m.timers))
	for _, t := range m.timers {
		out = append(out, t.delay)
	}
	return out
}

// Next reports how long until the earliest live timer fires.
func (m *Manual) Next() (time.Duration, bool) {
	if len(m.timers) == 0 {
		return 0, false
	}
	m.sortTimers()
	return m.timers[0].at - m.now, true
}

func (m *Manual) sortTimers() {
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at != m.timers[j].at {
			return m.timers[i].at < m.timers[j].at
		}
		return m.timers[i].seq < m.timers[j].seq
	})
}

// Advance moves the clock forward by d, firing every timer that comes due in
// expiry order. Timers scheduled by callbacks fire too if they fall inside
// the window.
func (m *Manual) Advance(d time.Duration) {
	end := m.now + d
	for {
		next, ok := m.Next()
		if !ok || m.now+next > end {
			break
		}
		t := m.timers[0]
		m.timers = m.timers[1:]
		m.now = t.at
		t.cancelled = true
		t.fn()
	}
	m.now = end
}

// FireNext advances the clock to the earliest timer and fires it.
func (m *Manual) FireNext() bool {
	next, ok := m.Next()
	if !ok {
		return false
	}
	m.Advance(next)
	return true
}
