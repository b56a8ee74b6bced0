package helpers

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// ContentHash returns the hex-encoded BLAKE3 hash of a raw message. The
// archive is content-addressed, so identical inbound messages share a key.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewArchiveKey constructs the S3 key for an archived raw message.
func NewArchiveKey(domain, localPart, hash string) string {
	return fmt.Sprintf("%s/%s/%s", domain, localPart, hash)
}
