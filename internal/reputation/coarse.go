package reputation

import (
	"fmt"
	"math"
	"time"
)

// CoarseTime is a wall-clock time with a precision of one hour, stored
// as whole hours since the Unix epoch. A u32 of hours lasts until the
// year 491936.
type CoarseTime uint32

// CoarseDuration is a span of whole hours. 2^16 hours is about 7.5 years.
type CoarseDuration uint16

// CoarseNow returns the current time rounded down to the hour.
// Panics if the system clock precedes the Unix epoch.
func CoarseNow() CoarseTime {
	secs := time.Now().Unix()
	if secs < 0 {
		panic("system clock precedes the Unix epoch")
	}
	return CoarseTime(secs / 3600)
}

// TimeSince returns the hours elapsed since ref. Times up to one hour
// before ref count as zero, tolerating clock jitter; anything earlier,
// or a gap of 2^16 hours or more, is an error.
func (t CoarseTime) TimeSince(ref CoarseTime) (CoarseDuration, error) {
	if t < ref {
		if t+1 < ref {
			return 0, fmt.Errorf("time %d is more than an hour before reference %d", t, ref)
		}
		return 0, nil
	}

	hours := t - ref
	if hours > math.MaxUint16 {
		return 0, fmt.Errorf("time %d is %d hours after reference %d, exceeding a coarse duration", t, hours, ref)
	}

	return CoarseDuration(hours), nil
}

// Add returns t advanced by d, checking for overflow.
func (t CoarseTime) Add(d CoarseDuration) (CoarseTime, error) {
	sum := uint64(t) + uint64(d)
	if sum > math.MaxUint32 {
		return 0, fmt.Errorf("time %d + %d hours overflows", t, d)
	}
	return CoarseTime(sum), nil
}

// Sub returns t moved back by d, checking for underflow past the epoch.
func (t CoarseTime) Sub(d CoarseDuration) (CoarseTime, error) {
	if CoarseTime(d) > t {
		return 0, fmt.Errorf("time %d - %d hours precedes the Unix epoch", t, d)
	}
	return t - CoarseTime(d), nil
}
