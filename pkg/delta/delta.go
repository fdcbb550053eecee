package delta

// Delta is a prefix/suffix anchored edit between two text snapshots.
// PrefixLength and SuffixLength are byte offsets; Removed is the text that
// was cut out of the old snapshot and Added the text inserted in its place.
type Delta struct {
	PrefixLength int    `json:"prefixLength"`
	SuffixLength int    `json:"suffixLength"`
	Removed      string `json:"removed"`
	Added        string `json:"added"`
}

// IsEmpty reports whether the delta describes no change at all.
func (d Delta) IsEmpty() bool {
	return d.Added == "" && d.Removed == ""
}

// Compute returns the delta that transforms oldText into newText.
// The suffix scan is bounded so it never re-consumes prefix-matched bytes,
// keeping prefix + suffix <= min(len(oldText), len(newText)).
func Compute(oldText, newText string) Delta {
	maxAnchor := len(oldText)
	if len(newText) < maxAnchor {
		maxAnchor = len(newText)
	}

	prefix := 0
	for prefix < maxAnchor && oldText[prefix] == newText[prefix] {
		prefix++
	}

	suffix := 0
	for suffix < maxAnchor-prefix &&
		oldText[len(oldText)-1-suffix] == newText[len(newText)-1-suffix] {
		suffix++
	}

	return Delta{
		PrefixLength: prefix,
		SuffixLength: suffix,
		Removed:      oldText[prefix : len(oldText)-suffix],
		Added:        newText[prefix : len(newText)-suffix],
	}
}

// Apply reconstructs the merged text from baseText and d.
// When baseText is still the snapshot the delta was computed against, the
// result is exact. When baseText has diverged (concurrent edits) the result
// is best-effort: every index is clamped into range, so Apply never panics
// and always returns a string, but the merge may be semantically off. This
// is a known limitation of the heuristic, not a guaranteed-convergent
// transform.
func Apply(baseText string, d Delta) string {
	if baseText == "" {
		return d.Added
	}

	prefixLen := clamp(d.PrefixLength, 0, len(baseText))
	suffixLen := clamp(d.SuffixLength, 0, len(baseText))

	midStart := clamp(d.PrefixLength+len(d.Removed), 0, len(baseText))
	midEnd := len(baseText) - suffixLen
	if midEnd < midStart {
		midEnd = midStart
	}

	var suffix string
	if suffixLen > 0 {
		suffix = baseText[len(baseText)-suffixLen:]
	}

	return baseText[:prefixLen] + d.Added + baseText[midStart:midEnd] + suffix
}

func clamp(v, low, high int) int {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
