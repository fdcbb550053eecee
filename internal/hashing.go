package internal

import (
	"github.com/zeebo/xxh3"
)

// HashContent returns the XXH3 hash of a document snapshot. It is cheap
// enough to run inside a cache entry's critical section, which lets the
// flush path compare "current content" against "last durably written
// content" without keeping a second full copy of the text.
func HashContent(content string) uint64 {
	return xxh3.HashString(content)
}
