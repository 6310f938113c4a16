package poll

import (
	"time"

	"github.com/google/btree"
)

const minRepeatPeriod = time.Millisecond

type timer struct {
	id     TimerID
	when   time.Time
	seq    uint64
	period time.Duration
	fn     func()
}

func timerLess(a, b *timer) bool {
	if a.when.Equal(b.when) {
		return a.seq < b.seq
	}
	return a.when.Before(b.when)
}

// timerQueue orders timers by deadline, then by insertion. It is not safe for
// concurrent use; the loop guards it.
type timerQueue struct {
	tree   *btree.BTreeG[*timer]
	byID   map[TimerID]*timer
	lastID TimerID
	seq    uint64
}

func newTimerQueue() *timerQueue {
	return &timerQueue{
		tree: btree.NewG(8, timerLess),
		byID: make(map[TimerID]*timer),
	}
}

func (q *timerQueue) add(when time.Time, period time.Duration, fn func()) TimerID {
	if period > 0 && period < minRepeatPeriod {
		period = minRepeatPeriod
	}
	q.lastID++
	q.seq++
	t := &timer{id: q.lastID, when: when, seq: q.seq, period: period, fn: fn}
	q.tree.ReplaceOrInsert(t)
	q.byID[t.id] = t
	return t.id
}

func (q *timerQueue) remove(id TimerID) bool {
	t, ok := q.byID[id]
	if !ok {
		return false
	}
	delete(q.byID, id)
	q.tree.Delete(t)
	return true
}

// expired pops every timer due at now. Repeating timers are pushed back with
// their next deadline and stay live; one-shot timers stay live until claimed.
func (q *timerQueue) expired(now time.Time) []*timer {
	var due []*timer
	for {
		t, ok := q.tree.Min()
		if !ok || t.when.After(now) {
			break
		}
		q.tree.DeleteMin()
		due = append(due, t)
	}
	for _, t := range due {
		if t.period <= 0 {
			continue
		}
		next := t.when.Add(t.period)
		if !next.After(now) {
			next = now.Add(t.period)
		}
		q.seq++
		t.when, t.seq = next, q.seq
		q.tree.ReplaceOrInsert(t)
	}
	return due
}

// claim reports whether t may still run. Timers removed after expired
// returned them are skipped; a claimed one-shot timer stops being live.
func (q *timerQueue) claim(t *timer) bool {
	if q.byID[t.id] != t {
		return false
	}
	if t.period <= 0 {
		delete(q.byID, t.id)
	}
	return true
}

func (q *timerQueue) next() (time.Time, bool) {
	t, ok := q.tree.Min()
	if !ok {
		return time.Time{}, false
	}
	return t.when, true
}

func (q *timerQueue) len() int {
	return len(q.byID)
}
