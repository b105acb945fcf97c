package opt

import (
	"errors"
	"sort"
)

// ErrInvalidInput marks a structurally invalid problem or argument. Callers
// test for it with errors.Is.
var ErrInvalidInput = errors.New("invalid input")

func sortStable(idx []int, less func(a, b int) bool) {
	sort.SliceStable(idx, func(i, j int) bool { return less(idx[i], idx[j]) })
}
