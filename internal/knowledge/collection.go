package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// maxCollectionLen bounds collection names, which chromem also uses as
// directory names when persisting.
const maxCollectionLen = 64

// CollectionName maps s onto [a-z0-9_]{1,64}. Runs of other characters
// become one underscore. Names that are still too long keep a prefix and
// gain an 8 hex digit hash of the full name.
func CollectionName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	underscore := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}

	name := strings.Trim(b.String(), "_")
	if name == "" {
		return DefaultConfig().Collection
	}
	if len(name) <= maxCollectionLen {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]
	return strings.TrimRight(name[:maxCollectionLen-len(suffix)], "_") + suffix
}
