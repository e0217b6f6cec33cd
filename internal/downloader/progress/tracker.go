// Package progress computes download progress fractions.
package progress

// Tracker turns byte counts into a non-decreasing fraction in [0,1].
// It is not safe for concurrent use; a transfer's events are delivered sequentially.
type Tracker struct {
	last float64
}

// Update returns the fraction for received out of total. ok is false when the total
// is unknown, in which case no fraction exists. A server sending more than it
// announced yields 1, and a lower value than previously reported is never returned.
func (t *Tracker) Update(received, total int64) (fraction float64, ok bool) {
	if total <= 0 {
		return 0, false
	}

	fraction = float64(received) / float64(total)

	switch {
	case fraction > 1:
		fraction = 1
	case fraction < 0:
		fraction = 0
	}

	if fraction < t.last {
		fraction = t.last
	}

	t.last = fraction

	return fraction, true
}

// Last is the most recent fraction returned by Update.
func (t *Tracker) Last() float64 {
	return t.last
}
