// internal/tracker/barrier.go
package tracker

// barrier counts restored quantities and fires onComplete exactly once when the count
// reaches the expected total. It is not safe for concurrent use; the tracker guards it.
type barrier struct {
	expected   int
	arrived    int
	done       bool
	onComplete func()
}

func newBarrier(expected int, onComplete func()) *barrier {
	return &barrier{expected: expected, onComplete: onComplete}
}

// expect changes the threshold. It reports whether the new threshold completed the barrier.
func (b *barrier) expect(n int) bool {
	if n < 0 {
		n = 0
	}
	b.expected = n
	return b.tryComplete()
}

// arrive records one restored quantity and reports whether it completed the barrier.
func (b *barrier) arrive() bool {
	if b.done {
		return false
	}
	b.arrived++
	return b.tryComplete()
}

// force completes the barrier regardless of the count.
func (b *barrier) force() bool {
	if b.done {
		return false
	}
	b.done = true
	b.onComplete()
	return true
}

func (b *barrier) tryComplete() bool {
	if b.done || b.arrived < b.expected {
		return false
	}
	b.done = true
	b.onComplete()
	return true
}
