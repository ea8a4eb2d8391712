package reputation

import "iter"

type timeEntry[T any] struct {
	value T

	// Hours since the previous entry's time. The front entry of a
	// non-empty list always has offset zero.
	offset CoarseDuration
}

// TimeList is a FIFO of values tagged with non-decreasing coarse times.
// Only the head and tail times are stored absolutely; every entry
// carries the delta from its predecessor, so an entry holds only the
// value and a 2-byte offset (plus any alignment padding). Invariant:
// head + Σ offsets = tail.
type TimeList[T any] struct {
	entries []timeEntry[T]
	start   int // index of the front entry within entries

	head     CoarseTime
	tail     CoarseTime
	nonEmpty bool

	limit CoarseDuration
}

// NewTimeList returns an empty list whose entries expire limit hours
// after their tagged time.
func NewTimeList[T any](limit CoarseDuration) *TimeList[T] {
	return &TimeList[T]{limit: limit}
}

func (l *TimeList[T]) Len() int {
	return len(l.entries) - l.start
}

// Tail returns the time of the most recent entry, if any.
func (l *TimeList[T]) Tail() (CoarseTime, bool) {
	return l.tail, l.nonEmpty
}

// Push appends a value tagged with at. The time must not precede the
// current tail by more than the one-hour jitter allowance; within the
// allowance the entry is recorded at the tail's time.
func (l *TimeList[T]) Push(value T, at CoarseTime) error {
	var offset CoarseDuration

	if !l.nonEmpty {
		l.head = at
		l.tail = at
		l.nonEmpty = true
	} else {
		var err error
		offset, err = at.TimeSince(l.tail)
		if err != nil {
			return err
		}
		if offset > 0 {
			l.tail = at
		}
	}

	l.entries = append(l.entries, timeEntry[T]{value: value, offset: offset})
	return nil
}

// popFront removes and returns the front entry. The caller has already
// checked non-emptiness.
func (l *TimeList[T]) popFront() timeEntry[T] {
	front := l.entries[l.start]
	var zero T
	l.entries[l.start].value = zero
	l.start++

	if l.start == len(l.entries) {
		l.entries = l.entries[:0]
		l.start = 0
	} else if l.start >= 32 && l.start*2 >= len(l.entries) {
		n := copy(l.entries, l.entries[l.start:])
		l.entries = l.entries[:n]
		l.start = 0
	}

	return front
}

// Trim yields (value, tagged time) for each entry older than the list's
// limit relative to now, removing it as it is yielded. Iteration may
// stop early; entries not yet yielded stay in the list. The sequence
// must be consumed before the list is used again.
func (l *TimeList[T]) Trim(now CoarseTime) iter.Seq2[T, CoarseTime] {
	return func(yield func(T, CoarseTime) bool) {
		cutoff, err := now.Sub(l.limit)
		if err != nil {
			// The whole of history fits inside the limit.
			return
		}

		for l.nonEmpty {
			at := l.head
			if at >= cutoff {
				return
			}

			front := l.popFront()

			if l.Len() > 0 {
				next, err := l.head.Add(l.entries[l.start].offset)
				if err != nil {
					panic(err)
				}
				l.head = next
				l.entries[l.start].offset = 0
			} else {
				l.nonEmpty = false
			}

			if !yield(front.value, at) {
				return
			}
		}
	}
}
