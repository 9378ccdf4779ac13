package sensors

import "time"

// DefaultBufferWindow is how much sample history each driver keeps for
// calibration.
const DefaultBufferWindow = 10 * time.Second

type entry[T any] struct {
	at    time.Time
	value T
}

// Buffer keeps values appended within a sliding time window ending at the
// most recent append.
type Buffer[T any] struct {
	window  time.Duration
	entries []entry[T]
}

func NewBuffer[T any](window time.Duration) *Buffer[T] {
	if window <= 0 {
		window = DefaultBufferWindow
	}

	return &Buffer[T]{window: window}
}

// Append stores v at time at and evicts everything that fell out of the
// window.
func (b *Buffer[T]) Append(at time.Time, v T) {
	b.entries = append(b.entries, entry[T]{at: at, value: v})

	cutoff := at.Add(-b.window)
	i := 0
	for i < len(b.entries) && b.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.entries = append(b.entries[:0], b.entries[i:]...)
	}
}

// Since returns the values appended at or after cutoff, oldest first.
func (b *Buffer[T]) Since(cutoff time.Time) []T {
	var out []T
	for i := len(b.entries) - 1; i >= 0 && !b.entries[i].at.Before(cutoff); i-- {
		out = append(out, b.entries[i].value)
	}

	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}

	return out
}

func (b *Buffer[T]) Len() int {
	return len(b.entries)
}

func (b *Buffer[T]) Window() time.Duration {
	return b.window
}

// SetWindow changes the retention window. Older entries are evicted on
// the next append.
func (b *Buffer[T]) SetWindow(window time.Duration) {
	if window > 0 {
		b.window = window
	}
}
