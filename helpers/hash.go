package helpers

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// HashContent returns the hex BLAKE3-256 digest of raw message content. The
// digest is the content address used by the blob store and local cache, so
// identical content delivered to many recipients is stored once.
func HashContent(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
