package chat

import (
	"strconv"

	"github.com/zeebo/xxh3"
)

// Fingerprint returns a stable content hash of text.
func Fingerprint(text string) string {
	return strconv.FormatUint(xxh3.HashString(text), 16)
}
