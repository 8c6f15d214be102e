package stats

import "time"

// AssignWindow returns the tumbling window of the given length containing t.
// Windows are aligned to multiples of length counted from the Unix epoch, so
// the result depends only on t and length. length must be positive.
func AssignWindow(t time.Time, length time.Duration) Window {
	ns := t.UnixNano()
	size := int64(length)

	// floor division: Go's % truncates toward zero, which would push
	// pre-epoch instants one window to the right.
	offset := ns % size
	if offset < 0 {
		offset += size
	}
	start := ns - offset

	return Window{
		Start: time.Unix(0, start).UTC(),
		End:   time.Unix(0, start+size).UTC(),
	}
}
