package internal

// IsZeroed returns true if all arguments are set to their zero value.
func IsZeroed[T comparable](a ...T) bool {
	var z T
	for i := range a {
		if a[i] != z {
			return false
		}
	}
	return true
}

// DeleteZeroed deletes zero values in-place within the slice and returns the
// modified slice without them. Does not modify capacity. Used by Listener to
// compact its incoming/accepted connection slices after one is released.
func DeleteZeroed[T comparable](a []T) []T {
	var z T
	off := 0
	deleted := false
	for i := 0; i < len(a); i++ {
		if a[i] != z {
			if deleted {
				a[off] = a[i]
			}
			off++
		} else if !deleted {
			deleted = true
		}
	}
	return a[:off]
}

// SliceReuse prepares a slice for reuse with capacity at least n while
// keeping its length at zero, with exact capacity when a new allocation is
// required (unlike slices.Grow, whose capacity growth is unspecified).
func SliceReuse[T any](buf *[]T, n int) {
	if cap(*buf) < n {
		*buf = make([]T, 0, n)
	} else {
		*buf = (*buf)[:0]
	}
}
