package syncclient

import "strings"

// AdjustCursorPath shifts a paragraph-indexed selection path after a remote
// edit changed the document. Only the net change in paragraph count is
// accounted for, so the restored position is approximate under overlapping
// concurrent edits.
func AdjustCursorPath(path []int, before, after string) []int {
	if len(path) == 0 {
		return path
	}

	shift := strings.Count(after, "\n") - strings.Count(before, "\n")
	adjusted := make([]int, len(path))
	copy(adjusted, path)

	adjusted[0] += shift
	if adjusted[0] < 0 {
		adjusted[0] = 0
	}
	return adjusted
}
